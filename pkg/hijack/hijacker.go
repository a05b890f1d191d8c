package hijack

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/internal/errx"
)

// atFdcwd is AT_FDCWD (-100) widened for the syscall register.
const atFdcwd = ^uintptr(99)

const scratchSize = 4096

const (
	unmountAttempts  = 5
	unmountBaseDelay = 50 * time.Millisecond
)

// openFlagMask strips the flags that would mutate the file on re-open. The
// descriptor being replaced already exists, so creation and truncation
// semantics must not replay.
const openFlagMask = unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC | unix.O_NOCTTY

// Hijacker reroutes a running process's bindings to a path so they resolve
// through a shadow mount instead, and restores them afterwards. Descriptor
// numbers and file offsets are preserved on both directions, so the target
// never observes a closed descriptor or a position reset.
type Hijacker struct {
	pc   ProcessController
	scan procScanner
	log  *slog.Logger

	bindMount func(source, target string) error
	unmount   func(target string, flags int) error

	// retryDelay overrides the initial unmount backoff; zero means
	// unmountBaseDelay.
	retryDelay time.Duration

	mu     sync.Mutex
	pidMus map[int]*sync.Mutex
}

// New returns a Hijacker using ptrace and procfs. A nil logger falls back to
// slog.Default.
func New(logger *slog.Logger) *Hijacker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hijacker{
		pc:   NewPtraceController(),
		scan: newProcfsScanner(),
		log:  logger,
		bindMount: func(source, target string) error {
			return unix.Mount(source, target, "", unix.MS_BIND, "")
		},
		unmount: unix.Unmount,
		pidMus: make(map[int]*sync.Mutex),
	}
}

// pidMu serializes operations against one target pid. Concurrent sessions on
// different pids proceed independently.
func (h *Hijacker) pidMu(pid int) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	mu, ok := h.pidMus[pid]
	if !ok {
		mu = &sync.Mutex{}
		h.pidMus[pid] = mu
	}
	return mu
}

// Redirect points the target's bindings to originalPath at shadowPath.
//
// For a directory target the shadow mount is bind-overmounted onto the
// original path, so every future open resolves through it; descriptors the
// target already holds open under the path are then individually replaced.
// For a file target only descriptor replacement applies, and at least one
// open descriptor must match.
//
// On a mid-flight failure every substitution already performed is rolled
// back before the error is returned; Redirect either takes effect fully or
// not at all.
func (h *Hijacker) Redirect(pid int, originalPath, shadowPath string, dirTarget bool) ([]*Record, error) {
	mu := h.pidMu(pid)
	mu.Lock()
	defer mu.Unlock()

	if err := h.scan.Alive(pid); err != nil {
		return nil, err
	}

	entries, err := h.scan.FdEntries(pid)
	if err != nil {
		return nil, err
	}
	matched := matchEntries(entries, originalPath)
	if !dirTarget && len(matched) == 0 {
		return nil, errx.With(ErrNoMatchingDescriptor, " %s in pid %d", originalPath, pid)
	}

	var records []*Record
	if dirTarget {
		if err := h.bindMount(shadowPath, originalPath); err != nil {
			return nil, errx.With(ErrOvermount, " %s: %v", originalPath, err)
		}
		records = append(records, &Record{
			Kind:         RecordMount,
			Pid:          pid,
			OriginalPath: originalPath,
			ShadowPath:   shadowPath,
		})
	}

	if len(matched) > 0 {
		fdRecords, err := h.redirectFds(pid, matched, originalPath, shadowPath)
		if err != nil {
			if dirTarget {
				if uerr := h.unmount(originalPath, 0); uerr != nil {
					h.log.Error("roll back overmount", "path", originalPath, "error", uerr)
				}
			}
			return nil, err
		}
		records = append(records, fdRecords...)
	}

	h.log.Info("redirected target bindings",
		"pid", pid, "path", originalPath, "records", len(records))
	return records, nil
}

// Overmount binds the shadow over the original path without touching any of
// the target's descriptors: opens made after the bind resolve through the
// interception mount, while descriptors the target already holds keep the
// real file. Reverse takes the bind off again.
func (h *Hijacker) Overmount(originalPath, shadowPath string) ([]*Record, error) {
	if err := h.bindMount(shadowPath, originalPath); err != nil {
		return nil, errx.With(ErrOvermount, " %s: %v", originalPath, err)
	}
	h.log.Info("overmounted path", "path", originalPath)
	return []*Record{{
		Kind:         RecordMount,
		OriginalPath: originalPath,
		ShadowPath:   shadowPath,
	}}, nil
}

// redirectFds replaces the matched descriptors inside one attach window.
func (h *Hijacker) redirectFds(pid int, matched []fdEntry, originalPath, shadowPath string) (records []*Record, err error) {
	rp, err := h.pc.Suspend(pid)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := rp.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()

	scratch, err := remoteMmap(rp)
	if err != nil {
		return nil, err
	}
	defer remoteMunmap(rp, scratch)

	for _, e := range matched {
		shadow := shadowEquivalent(e.Path, originalPath, shadowPath)
		rec := &Record{
			Kind:         RecordFd,
			Pid:          pid,
			Fd:           e.Fd,
			OriginalPath: e.Path,
			ShadowPath:   shadow,
			Flags:        e.Flags,
			Offset:       e.Offset,
		}
		if rerr := replaceFd(rp, scratch, e.Fd, shadow, e.Flags, e.Offset); rerr != nil {
			rollbackErr := rollbackFds(rp, scratch, records)
			return nil, errors.Join(
				fmt.Errorf("redirect fd %d of pid %d: %w", e.Fd, pid, rerr),
				rollbackErr,
			)
		}
		records = append(records, rec)
	}
	return records, nil
}

// rollbackFds undoes substitutions from the current attach window. The
// target has been stopped throughout, so the recorded offsets are still
// current.
func rollbackFds(rp RemoteProcess, scratch uintptr, done []*Record) error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		rec := done[i]
		if err := replaceFd(rp, scratch, rec.Fd, rec.OriginalPath, rec.Flags, rec.Offset); err != nil {
			errs = append(errs, fmt.Errorf("roll back fd %d: %w", rec.Fd, err))
		}
	}
	return errors.Join(errs...)
}

// Reverse restores every substitution in records, newest first. It is
// idempotent: already-reversed records, exited targets, and descriptors the
// target has since closed are all skipped. A descriptor that resolves to
// neither side of its record is reported as ErrRecordMismatch and left
// alone.
func (h *Hijacker) Reverse(records []*Record) error {
	var errs []error

	// Overmounts come off first so the restored descriptors and any
	// subsequent opens resolve to the real filesystem.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Kind != RecordMount || rec.Reversed {
			continue
		}
		if err := h.unmountOvermount(rec.OriginalPath); err != nil {
			if errors.Is(err, unix.EINVAL) {
				// Nothing mounted there anymore.
				rec.Reversed = true
				continue
			}
			errs = append(errs, errx.With(ErrReversal, ": unmount %s: %v", rec.OriginalPath, err))
			continue
		}
		rec.Reversed = true
	}

	for pid, group := range groupFdRecords(records) {
		if err := h.reversePid(pid, group); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// unmountOvermount removes the bind overmount. EBUSY is retried with bounded
// backoff, then escalated to a lazy detach: the bind disappears from the
// namespace right away, and the kernel releases it once the target's
// restored descriptors drop their last references to it. A surviving bind
// would otherwise pin the interception mount's kernel connection open past
// teardown.
func (h *Hijacker) unmountOvermount(path string) error {
	delay := h.retryDelay
	if delay <= 0 {
		delay = unmountBaseDelay
	}
	var err error
	for attempt := 0; attempt < unmountAttempts; attempt++ {
		err = h.unmount(path, 0)
		if err == nil || !errors.Is(err, unix.EBUSY) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	h.log.Warn("overmount busy, escalating to lazy detach", "path", path, "error", err)
	return h.unmount(path, unix.MNT_DETACH)
}

func groupFdRecords(records []*Record) map[int][]*Record {
	groups := make(map[int][]*Record)
	for _, rec := range records {
		if rec.Kind == RecordFd && !rec.Reversed {
			groups[rec.Pid] = append(groups[rec.Pid], rec)
		}
	}
	return groups
}

func (h *Hijacker) reversePid(pid int, group []*Record) error {
	mu := h.pidMu(pid)
	mu.Lock()
	defer mu.Unlock()

	if err := h.scan.Alive(pid); err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			// The target is gone; its descriptors died with it.
			for _, rec := range group {
				rec.Reversed = true
			}
			return nil
		}
		return err
	}

	type restore struct {
		rec    *Record
		offset int64
	}
	var pending []restore
	var errs []error
	for _, rec := range group {
		path, err := h.scan.FdPath(pid, rec.Fd)
		if err != nil {
			// Closed since the hijack.
			rec.Reversed = true
			continue
		}
		switch path {
		case rec.OriginalPath:
			rec.Reversed = true
		case rec.ShadowPath:
			offset, oerr := h.scan.FdOffset(pid, rec.Fd)
			if oerr != nil {
				errs = append(errs, fmt.Errorf("read offset of fd %d in pid %d: %w", rec.Fd, pid, oerr))
				continue
			}
			pending = append(pending, restore{rec: rec, offset: offset})
		default:
			errs = append(errs, errx.With(ErrRecordMismatch,
				": fd %d of pid %d resolves to %s, expected %s", rec.Fd, pid, path, rec.ShadowPath))
		}
	}
	if len(pending) == 0 {
		return errors.Join(errs...)
	}

	rp, err := h.pc.Suspend(pid)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	defer func() { _ = rp.Detach() }()

	scratch, err := remoteMmap(rp)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	defer remoteMunmap(rp, scratch)

	for _, r := range pending {
		if rerr := replaceFd(rp, scratch, r.rec.Fd, r.rec.OriginalPath, r.rec.Flags, r.offset); rerr != nil {
			errs = append(errs, errx.With(ErrReversal, ": restore fd %d of pid %d: %v", r.rec.Fd, pid, rerr))
			continue
		}
		r.rec.Reversed = true
	}
	if len(errs) == 0 {
		h.log.Info("restored target bindings", "pid", pid, "descriptors", len(pending))
	}
	return errors.Join(errs...)
}

// replaceFd swaps the open file behind descriptor fd for newPath inside the
// stopped target: write the path into scratch memory, open it with the
// descriptor's own flags, seek to offset, and dup3 onto the original number.
// The descriptor number never changes, so nothing the target holds goes
// stale.
func replaceFd(rp RemoteProcess, scratch uintptr, fd int, newPath string, flags int, offset int64) error {
	if err := rp.WriteMem(scratch, append([]byte(newPath), 0)); err != nil {
		return err
	}

	newFd, err := rp.Syscall(unix.SYS_OPENAT, atFdcwd, scratch, uintptr(flags&^openFlagMask), 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", newPath, err)
	}
	if offset != 0 {
		if _, err := rp.Syscall(unix.SYS_LSEEK, newFd, uintptr(offset), 0); err != nil {
			_, _ = rp.Syscall(unix.SYS_CLOSE, newFd)
			return fmt.Errorf("seek %s to %d: %w", newPath, offset, err)
		}
	}
	if _, err := rp.Syscall(unix.SYS_DUP3, newFd, uintptr(fd), 0); err != nil {
		_, _ = rp.Syscall(unix.SYS_CLOSE, newFd)
		return fmt.Errorf("dup onto fd %d: %w", fd, err)
	}
	if _, err := rp.Syscall(unix.SYS_CLOSE, newFd); err != nil {
		return err
	}
	return nil
}

// remoteMmap maps one anonymous page in the target for path strings.
func remoteMmap(rp RemoteProcess) (uintptr, error) {
	addr, err := rp.Syscall(unix.SYS_MMAP,
		0, scratchSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uintptr(0), 0)
	if err != nil {
		return 0, fmt.Errorf("map scratch page: %w", err)
	}
	return addr, nil
}

func remoteMunmap(rp RemoteProcess, addr uintptr) {
	_, _ = rp.Syscall(unix.SYS_MUNMAP, addr, scratchSize)
}
