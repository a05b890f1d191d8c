package rules

import (
	"strconv"
	"syscall"

	"github.com/jingkaihe/iofault/internal/errx"
)

var errnoNames = map[string]syscall.Errno{
	"EPERM":        syscall.EPERM,
	"ENOENT":       syscall.ENOENT,
	"EINTR":        syscall.EINTR,
	"EIO":          syscall.EIO,
	"EBADF":        syscall.EBADF,
	"EAGAIN":       syscall.EAGAIN,
	"ENOMEM":       syscall.ENOMEM,
	"EACCES":       syscall.EACCES,
	"EBUSY":        syscall.EBUSY,
	"EEXIST":       syscall.EEXIST,
	"ENOTDIR":      syscall.ENOTDIR,
	"EISDIR":       syscall.EISDIR,
	"EINVAL":       syscall.EINVAL,
	"ENFILE":       syscall.ENFILE,
	"EMFILE":       syscall.EMFILE,
	"EFBIG":        syscall.EFBIG,
	"ENOSPC":       syscall.ENOSPC,
	"EROFS":        syscall.EROFS,
	"EPIPE":        syscall.EPIPE,
	"ENAMETOOLONG": syscall.ENAMETOOLONG,
	"ENOSYS":       syscall.ENOSYS,
	"ENOTEMPTY":    syscall.ENOTEMPTY,
	"EDQUOT":       syscall.EDQUOT,
	"ETIMEDOUT":    syscall.ETIMEDOUT,
	"ESTALE":       syscall.ESTALE,
}

// parseErrno accepts a symbolic name (EIO) or a positive number (5).
func parseErrno(s string) (syscall.Errno, error) {
	if errno, ok := errnoNames[s]; ok {
		return errno, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errx.With(ErrBadErrno, " %q", s)
	}
	return syscall.Errno(n), nil
}
