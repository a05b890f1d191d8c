package mountctl

import (
	"bufio"
	"os"
	"strings"

	"github.com/jingkaihe/iofault/internal/errx"
)

// MountInfo is one entry of /proc/self/mountinfo.
type MountInfo struct {
	MountPoint string
	FSType     string
	Source     string
}

// parseMountInfo reads the mountinfo format: fields 5 is the mount point,
// then optional fields terminated by "-", then fstype and source.
func parseMountInfo(path string) ([]MountInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errx.Wrap(ErrParseMountInfo, err)
	}
	defer f.Close()

	var mounts []MountInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		sep := -1
		for i := 6; i < len(fields); i++ {
			if fields[i] == "-" {
				sep = i
				break
			}
		}
		if sep < 0 || sep+2 >= len(fields) {
			continue
		}
		mounts = append(mounts, MountInfo{
			MountPoint: unescapeMountPath(fields[4]),
			FSType:     fields[sep+1],
			Source:     fields[sep+2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errx.Wrap(ErrParseMountInfo, err)
	}
	return mounts, nil
}

// ListMounts returns the caller's mount table.
func ListMounts() ([]MountInfo, error) {
	return parseMountInfo("/proc/self/mountinfo")
}

// IsMountPoint reports whether path appears as a mount point in the caller's
// namespace.
func IsMountPoint(path string) (bool, error) {
	mounts, err := ListMounts()
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		if m.MountPoint == path {
			return true, nil
		}
	}
	return false, nil
}

// unescapeMountPath decodes the octal escapes the kernel uses for spaces,
// tabs, newlines, and backslashes in mountinfo paths.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			oct := s[i+1 : i+4]
			if isOctal(oct) {
				b.WriteByte(byte((oct[0]-'0')<<6 | (oct[1]-'0')<<3 | (oct[2] - '0')))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '7' {
			return false
		}
	}
	return true
}
