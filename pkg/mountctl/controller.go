// Package mountctl creates and supervises interception mounts: a private
// bind of the real path for the FUSE server to forward to, the shadow FUSE
// mount itself, readiness probing, and teardown with bounded unmount
// retries.
package mountctl

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/internal/errx"
	"github.com/jingkaihe/iofault/pkg/hookfs"
	"github.com/jingkaihe/iofault/pkg/rules"
)

// fuseSuperMagic is statfs f_type for a FUSE mount.
const fuseSuperMagic = 0x65735546

const (
	unmountAttempts  = 8
	unmountBaseDelay = 100 * time.Millisecond
	probeInterval    = 20 * time.Millisecond
	connWaitTimeout  = 5 * time.Second
)

// MountSession is one active interception mount. Its state is mutated only
// by the Controller under the orchestrator's sequencing.
type MountSession struct {
	// RealPath is the canonicalized path being proxied.
	RealPath string

	// BackingPath is a private bind of RealPath. The FUSE server forwards to
	// it, so overmounting RealPath later never re-enters the interception
	// mount.
	BackingPath string

	// ShadowPath is the FUSE mount point serving intercepted I/O.
	ShadowPath string

	Server *hookfs.Server

	mu    sync.Mutex
	phase Phase
}

func (s *MountSession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *MountSession) transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validateTransition(s.phase, to); err != nil {
		return err
	}
	s.phase = to
	return nil
}

// Ready reports whether the mount is serving.
func (s *MountSession) Ready() bool {
	p := s.Phase()
	return p == PhaseReady || p == PhaseDegraded
}

// Controller manages interception mount lifecycles.
type Controller struct {
	MountTimeout time.Duration
	Debug        bool

	// statfs and unmount are test seams; nil means the real syscalls.
	statfs  func(path string, buf *unix.Statfs_t) error
	unmount func(path string, flags int) error

	// retryDelay overrides the initial unmount backoff; zero means
	// unmountBaseDelay. waitTimeout bounds the post-unmount connection wait;
	// zero means connWaitTimeout.
	retryDelay  time.Duration
	waitTimeout time.Duration
}

func NewController(mountTimeout time.Duration) *Controller {
	return &Controller{MountTimeout: mountTimeout}
}

func (c *Controller) statfsFn() func(string, *unix.Statfs_t) error {
	if c.statfs != nil {
		return c.statfs
	}
	return unix.Statfs
}

func (c *Controller) unmountFn() func(string, int) error {
	if c.unmount != nil {
		return c.unmount
	}
	return unix.Unmount
}

// Start creates the backing bind and the shadow FUSE mount under sessionDir
// and blocks until the mount is confirmed ready or the timeout elapses. On
// any failure every partial step is unwound before returning.
func (c *Controller) Start(ctx context.Context, realPath, sessionDir string, engine *rules.Engine) (*MountSession, error) {
	backing := filepath.Join(sessionDir, "backing")
	shadow := filepath.Join(sessionDir, "shadow")
	for _, dir := range []string{backing, shadow} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errx.Wrap(ErrCreateSessionDirs, err)
		}
	}

	sess := &MountSession{
		RealPath:    realPath,
		BackingPath: backing,
		ShadowPath:  shadow,
		phase:       PhaseStarting,
	}

	if err := unix.Mount(realPath, backing, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		c.removeDirs(backing, shadow)
		return nil, errx.With(ErrBindBacking, " %s -> %s: %w", realPath, backing, err)
	}

	server, err := hookfs.Mount(shadow, backing, engine, c.Debug)
	if err != nil {
		c.lazyUnmount(backing)
		c.removeDirs(backing, shadow)
		return nil, errx.Wrap(ErrMountStart, err)
	}
	sess.Server = server

	if err := c.waitReady(ctx, shadow); err != nil {
		_ = server.Unmount()
		server.Wait()
		c.lazyUnmount(backing)
		c.removeDirs(backing, shadow)
		return nil, err
	}

	if err := sess.transition(PhaseReady); err != nil {
		return nil, err
	}
	slog.Debug("interception mount ready", "real", realPath, "shadow", shadow)
	return sess, nil
}

// waitReady probes the shadow mount point until statfs reports a FUSE
// filesystem. The probe observes actual kernel state rather than trusting a
// fixed timer.
func (c *Controller) waitReady(ctx context.Context, shadow string) error {
	timeout := c.MountTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	statfs := c.statfsFn()

	for {
		var st unix.Statfs_t
		if err := statfs(shadow, &st); err == nil && st.Type == fuseSuperMagic {
			return nil
		}
		if time.Now().After(deadline) {
			return errx.With(ErrMountTimeout, " after %s at %s", timeout, shadow)
		}
		select {
		case <-ctx.Done():
			return errx.Wrap(ErrMountTimeout, ctx.Err())
		case <-time.After(probeInterval):
		}
	}
}

// Stop drains and unmounts the session. EBUSY is retried with backoff up to
// a bounded number of attempts, then escalated to a lazy detach; the session
// directories are removed best-effort even when unmounting failed.
func (c *Controller) Stop(sess *MountSession) error {
	if sess == nil {
		return nil
	}
	if sess.Phase() == PhaseStopped {
		return nil
	}

	var errs []error
	sess.Server.Drain()

	degraded := false
	if err := c.retryUnmount(func() error { return sess.Server.Unmount() }); err != nil {
		slog.Warn("graceful unmount failed, escalating to lazy detach", "shadow", sess.ShadowPath, "error", err)
		degraded = true
		if lerr := c.unmountFn()(sess.ShadowPath, unix.MNT_DETACH); lerr != nil {
			errs = append(errs, errx.With(ErrUnmount, " %s: %w", sess.ShadowPath, lerr))
		}
	}
	if !degraded && !c.waitConn(sess.Server.Wait) {
		// The mountpoint is gone but something still references the kernel
		// connection, typically a bind of the shadow that could not come
		// off. Waiting longer would hang teardown behind it.
		slog.Warn("fuse connection still referenced after unmount", "shadow", sess.ShadowPath)
		degraded = true
		errs = append(errs, errx.With(ErrUnmount, " %s: connection still referenced", sess.ShadowPath))
	}

	if err := c.retryUnmount(func() error { return c.unmountFn()(sess.BackingPath, 0) }); err != nil {
		if lerr := c.unmountFn()(sess.BackingPath, unix.MNT_DETACH); lerr != nil {
			errs = append(errs, errx.With(ErrUnbindBacking, " %s: %w", sess.BackingPath, lerr))
		}
	}

	c.removeDirs(sess.BackingPath, sess.ShadowPath)

	if degraded && sess.Phase() == PhaseReady {
		_ = sess.transition(PhaseDegraded)
	}
	if err := sess.transition(PhaseStopped); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// waitConn runs wait and reports whether it returned within the bound. On a
// timeout the wait goroutine is left to finish whenever the kernel finally
// drops the connection.
func (c *Controller) waitConn(wait func()) bool {
	timeout := c.waitTimeout
	if timeout <= 0 {
		timeout = connWaitTimeout
	}
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// retryUnmount runs fn with exponential backoff while it reports EBUSY.
func (c *Controller) retryUnmount(fn func() error) error {
	delay := c.retryDelay
	if delay <= 0 {
		delay = unmountBaseDelay
	}
	var err error
	for attempt := 0; attempt < unmountAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func (c *Controller) lazyUnmount(path string) {
	if err := c.unmountFn()(path, unix.MNT_DETACH); err != nil {
		slog.Warn("lazy unmount failed", "path", path, "error", err)
	}
}

func (c *Controller) removeDirs(dirs ...string) {
	for _, dir := range dirs {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			slog.Debug("keep session dir", "dir", dir, "error", err)
		}
	}
}
