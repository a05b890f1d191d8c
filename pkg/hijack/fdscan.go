package hijack

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/internal/errx"
)

// fdEntry is one open descriptor of the target: its number, the path it
// resolves to, and the open flags and file position from fdinfo.
type fdEntry struct {
	Fd     int
	Path   string
	Flags  int
	Offset int64
}

// procScanner reads target process state from the outside. Faked in tests.
type procScanner interface {
	Alive(pid int) error
	FdEntries(pid int) ([]fdEntry, error)
	// FdPath resolves where one descriptor currently points.
	FdPath(pid, fd int) (string, error)
	// FdOffset reads the descriptor's current file position.
	FdOffset(pid, fd int) (int64, error)
}

// procfsScanner is the real scanner over /proc.
type procfsScanner struct {
	root string
}

func newProcfsScanner() *procfsScanner {
	return &procfsScanner{root: "/proc"}
}

func (s *procfsScanner) Alive(pid int) error {
	if err := unix.Kill(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return errx.With(ErrProcessNotFound, ": pid %d", pid)
		}
		if errors.Is(err, unix.EPERM) {
			return errx.With(ErrPermissionDenied, ": pid %d", pid)
		}
		return err
	}
	return nil
}

func (s *procfsScanner) FdEntries(pid int) ([]fdEntry, error) {
	fdDir := filepath.Join(s.root, strconv.Itoa(pid), "fd")
	dirents, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, s.mapProcErr(pid, err)
	}

	entries := make([]fdEntry, 0, len(dirents))
	for _, de := range dirents {
		fd, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(fdDir, de.Name()))
		if err != nil {
			// Raced with the target closing the descriptor.
			continue
		}
		// Sockets, pipes, and anon inodes read as "type:[inode]".
		if !strings.HasPrefix(target, "/") {
			continue
		}
		target = strings.TrimSuffix(target, " (deleted)")

		flags, offset, err := s.readFdInfo(pid, fd)
		if err != nil {
			continue
		}
		entries = append(entries, fdEntry{Fd: fd, Path: target, Flags: flags, Offset: offset})
	}
	return entries, nil
}

func (s *procfsScanner) FdPath(pid, fd int) (string, error) {
	target, err := os.Readlink(filepath.Join(s.root, strconv.Itoa(pid), "fd", strconv.Itoa(fd)))
	if err != nil {
		return "", s.mapProcErr(pid, err)
	}
	return strings.TrimSuffix(target, " (deleted)"), nil
}

func (s *procfsScanner) FdOffset(pid, fd int) (int64, error) {
	_, offset, err := s.readFdInfo(pid, fd)
	return offset, err
}

// readFdInfo parses /proc/<pid>/fdinfo/<fd>: "pos:" is decimal, "flags:" is
// octal.
func (s *procfsScanner) readFdInfo(pid, fd int) (flags int, offset int64, err error) {
	f, err := os.Open(filepath.Join(s.root, strconv.Itoa(pid), "fdinfo", strconv.Itoa(fd)))
	if err != nil {
		return 0, 0, s.mapProcErr(pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "pos:"); ok {
			offset, err = strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse fdinfo pos %q: %w", rest, err)
			}
		} else if rest, ok := strings.CutPrefix(line, "flags:"); ok {
			v, perr := strconv.ParseInt(strings.TrimSpace(rest), 8, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("parse fdinfo flags %q: %w", rest, perr)
			}
			flags = int(v)
		}
	}
	return flags, offset, scanner.Err()
}

func (s *procfsScanner) mapProcErr(pid int, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ESRCH):
		return errx.With(ErrProcessNotFound, ": pid %d: %v", pid, err)
	case errors.Is(err, fs.ErrPermission):
		return errx.With(ErrPermissionDenied, ": pid %d: %v", pid, err)
	default:
		return err
	}
}

// matchEntries selects the descriptors whose resolved path equals
// originalPath or lives under it.
func matchEntries(entries []fdEntry, originalPath string) []fdEntry {
	var matched []fdEntry
	prefix := strings.TrimSuffix(originalPath, "/") + "/"
	for _, e := range entries {
		if e.Path == originalPath || strings.HasPrefix(e.Path, prefix) {
			matched = append(matched, e)
		}
	}
	return matched
}

// shadowEquivalent maps a matched descriptor path to its path under the
// shadow mount.
func shadowEquivalent(path, originalPath, shadowPath string) string {
	if path == originalPath {
		return shadowPath
	}
	rel := strings.TrimPrefix(path, strings.TrimSuffix(originalPath, "/"))
	return filepath.Join(shadowPath, rel)
}
