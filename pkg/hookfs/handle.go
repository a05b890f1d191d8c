package hookfs

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/pkg/rules"
)

// fileHandle proxies read/write traffic for one open file. Reads carry the
// corruption transform; reads and writes both honor delay, fail, and
// throttle decisions.
type fileHandle struct {
	state   *state
	file    *os.File
	relPath string
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileWriter)((*fileHandle)(nil))
var _ = (fs.FileFsyncer)((*fileHandle)(nil))
var _ = (fs.FileReleaser)((*fileHandle)(nil))
var _ = (fs.FileGetattrer)((*fileHandle)(nil))
var _ = (fs.FileFlusher)((*fileHandle)(nil))

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	op := rules.Op{
		Kind:   rules.OpRead,
		Path:   h.relPath,
		Offset: off,
		Size:   len(dest),
		Pid:    callerPid(ctx),
	}
	d := h.state.decide(op)
	if errno := h.state.gate(ctx, d, len(dest)); errno != 0 {
		return nil, errno
	}

	// ReadAt returns io.EOF alongside short reads at end of file; that is a
	// successful (short) read, not an error.
	n, err := h.file.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fs.ToErrno(err)
	}

	buf := dest[:n]
	if d.Kind == rules.DecisionCorrupt {
		buf = d.Corrupt.Apply(buf)
	}
	return fuse.ReadResultData(buf), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	op := rules.Op{
		Kind:   rules.OpWrite,
		Path:   h.relPath,
		Offset: off,
		Size:   len(data),
		Pid:    callerPid(ctx),
	}
	d := h.state.decide(op)
	if errno := h.state.gate(ctx, d, len(data)); errno != 0 {
		return 0, errno
	}

	n, err := h.file.WriteAt(data, off)
	if err != nil {
		return uint32(n), fs.ToErrno(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if errno := h.interceptPlain(ctx, rules.OpFsync); errno != 0 {
		return errno
	}
	// Bit 0 of the FUSE fsync flags requests fdatasync semantics.
	if flags&1 != 0 {
		return fs.ToErrno(unix.Fdatasync(int(h.file.Fd())))
	}
	return fs.ToErrno(h.file.Sync())
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	// Flush is called on every close(2) of a descriptor; there is no
	// separate rule category for it.
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return fs.ToErrno(h.file.Close())
}

func (h *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	if errno := h.interceptPlain(ctx, rules.OpGetattr); errno != 0 {
		return errno
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(h.file.Fd()), &st); err != nil {
		return fs.ToErrno(err)
	}
	attrFromStat(&st, &out.Attr)
	return 0
}

func (h *fileHandle) interceptPlain(ctx context.Context, kind rules.OpKind) syscall.Errno {
	op := rules.Op{Kind: kind, Path: h.relPath, Pid: callerPid(ctx)}
	return h.state.gate(ctx, h.state.decide(op), 0)
}
