// Package session orchestrates one fault-injection session: rule compilation,
// the interception mount, the descriptor hijack, the control socket, and the
// durable record, sequenced so that every failure path unwinds exactly what
// was set up and teardown always reverses the hijack before the mount comes
// down.
package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/internal/errx"
	"github.com/jingkaihe/iofault/pkg/api"
	"github.com/jingkaihe/iofault/pkg/control"
	"github.com/jingkaihe/iofault/pkg/hijack"
	"github.com/jingkaihe/iofault/pkg/mountctl"
	"github.com/jingkaihe/iofault/pkg/rules"
)

const targetPollInterval = 250 * time.Millisecond

// mounter and redirector are the orchestrator's view of its two moving
// parts; tests substitute fakes to drive failure paths.
type mounter interface {
	Start(ctx context.Context, realPath, sessionDir string, engine *rules.Engine) (*mountctl.MountSession, error)
	Stop(sess *mountctl.MountSession) error
}

type redirector interface {
	Redirect(pid int, originalPath, shadowPath string, dirTarget bool) ([]*hijack.Record, error)
	Overmount(originalPath, shadowPath string) ([]*hijack.Record, error)
	Reverse(records []*hijack.Record) error
}

type controlSocket interface {
	Listen(path string) error
	Close() error
}

type Session struct {
	ID  string
	cfg api.SessionConfig
	log *slog.Logger

	store      *Store
	mounts     mounter
	redir      redirector
	newControl func(backend control.Backend) controlSocket
	aliveFn    func(pid int) error
	euidFn     func() int

	realPath   string
	dirTarget  bool
	sessionDir string
	socketPath string

	mountSess *mountctl.MountSession
	hijacks   []*hijack.Record
	ctl       controlSocket

	mu    sync.Mutex
	phase Phase
}

// Open stands up a complete session. On any failure every step already
// performed is unwound and the original error is returned.
func Open(ctx context.Context, cfg api.SessionConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		log:    logger,
		mounts: mountctl.NewController(cfg.GetMountTimeout()),
		redir:  hijack.New(logger),
		newControl: func(backend control.Backend) controlSocket {
			return control.NewServer(backend, logger)
		},
		aliveFn: checkAlive,
		euidFn:  os.Geteuid,
		phase:   PhaseInitializing,
	}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func checkAlive(pid int) error {
	if err := unix.Kill(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return errx.With(hijack.ErrProcessNotFound, ": pid %d", pid)
		}
		return err
	}
	return nil
}

func (s *Session) open(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.euidFn() != 0 {
		return errx.With(api.ErrPrivilege, ": mount and ptrace both require root")
	}

	// Rules are compiled before any state is touched so a bad rules file
	// never leaves a half-built session behind.
	engine, err := rules.NewEngine(s.cfg.Rules)
	if err != nil {
		return err
	}

	realPath, err := filepath.Abs(s.cfg.Path)
	if err != nil {
		return errx.Wrap(api.ErrInvalidConfig, err)
	}
	realPath, err = filepath.EvalSymlinks(realPath)
	if err != nil {
		return errx.Wrap(api.ErrInvalidConfig, err)
	}
	info, err := os.Stat(realPath)
	if err != nil {
		return errx.Wrap(api.ErrInvalidConfig, err)
	}
	s.realPath = realPath
	s.dirTarget = info.IsDir()

	if err := s.aliveFn(s.cfg.Pid); err != nil {
		return err
	}

	s.ID = "io-" + uuid.New().String()[:8]
	s.sessionDir = filepath.Join(s.cfg.GetRuntimeDir(), s.ID)
	s.socketPath = filepath.Join(s.sessionDir, "control.sock")
	if err := os.MkdirAll(s.sessionDir, 0o700); err != nil {
		return err
	}

	if s.store == nil {
		store, err := OpenStore(s.cfg.GetRuntimeDir())
		if err != nil {
			return err
		}
		s.store = store
	}
	if err := s.persist(""); err != nil {
		s.abandon(err)
		return err
	}

	mountSess, err := s.mounts.Start(ctx, realPath, s.sessionDir, engine)
	if err != nil {
		s.abandon(err)
		return err
	}
	s.mountSess = mountSess

	var hijacks []*hijack.Record
	if s.cfg.MountOnly {
		hijacks, err = s.redir.Overmount(realPath, mountSess.ShadowPath)
	} else {
		hijacks, err = s.redir.Redirect(s.cfg.Pid, realPath, mountSess.ShadowPath, s.dirTarget)
	}
	if err != nil {
		if serr := s.mounts.Stop(mountSess); serr != nil {
			s.log.Error("unwind interception mount", "session", s.ID, "error", serr)
		}
		s.abandon(err)
		return err
	}
	s.hijacks = hijacks

	ctl := s.newControl(s)
	if err := ctl.Listen(s.socketPath); err != nil {
		err = errx.Wrap(ErrControl, err)
		if rerr := s.redir.Reverse(s.hijacks); rerr != nil {
			s.log.Error("unwind descriptor hijack", "session", s.ID, "error", rerr)
		}
		if serr := s.mounts.Stop(mountSess); serr != nil {
			s.log.Error("unwind interception mount", "session", s.ID, "error", serr)
		}
		s.abandon(err)
		return err
	}
	s.ctl = ctl

	s.SetInjecting(true)
	if err := s.transition(PhaseActive); err != nil {
		return err
	}
	if err := s.persist(""); err != nil {
		s.log.Warn("persist session record", "session", s.ID, "error", err)
	}

	s.log.Info("session active",
		"session", s.ID, "pid", s.cfg.Pid, "path", realPath,
		"descriptors", len(hijacks), "rules", engine.Len())
	return nil
}

// abandon records a failed setup and releases the store. The session never
// reached Active, so there is nothing live to keep a record for.
func (s *Session) abandon(cause error) {
	_ = s.transition(PhaseTearingDown)
	_ = s.transition(PhaseClosed)
	if err := s.persist(cause.Error()); err != nil {
		s.log.Warn("persist failed session", "session", s.ID, "error", err)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	_ = os.RemoveAll(s.sessionDir)
}

func (s *Session) persist(lastError string) error {
	rec := &Record{
		ID:         s.ID,
		Pid:        s.cfg.Pid,
		Path:       s.realPath,
		Phase:      s.Phase(),
		SessionDir: s.sessionDir,
		SocketPath: s.socketPath,
		Hijacks:    s.hijacks,
		LastError:  lastError,
	}
	if s.mountSess != nil {
		rec.ShadowPath = s.mountSess.ShadowPath
		rec.BackingPath = s.mountSess.BackingPath
	}
	return s.store.Save(rec)
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validateTransition(s.phase, to); err != nil {
		return err
	}
	s.phase = to
	return nil
}

// Wait blocks until the context is canceled or the target process exits.
// Target loss returns ErrTargetExited so the caller tears the session down.
func (s *Session) Wait(ctx context.Context) error {
	ticker := time.NewTicker(targetPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.aliveFn(s.cfg.Pid); err != nil {
				s.log.Info("target exited, tearing down", "session", s.ID, "pid", s.cfg.Pid)
				return errx.With(ErrTargetExited, ": pid %d", s.cfg.Pid)
			}
		}
	}
}

// Close tears the session down: stop injecting and drain in-flight faults,
// reverse the hijack, then unmount. The order is load-bearing — descriptors
// must point back at the real filesystem before the shadow mount goes away.
// Close is idempotent.
func (s *Session) Close() error {
	if err := s.transition(PhaseTearingDown); err != nil {
		// Already tearing down or closed.
		return nil
	}

	var errs []error

	if s.mountSess != nil && s.mountSess.Server != nil {
		s.mountSess.Server.SetInjecting(false)
		s.mountSess.Server.Drain()
	}
	if s.ctl != nil {
		if err := s.ctl.Close(); err != nil {
			errs = append(errs, errx.Wrap(ErrTeardown, err))
		}
	}
	if err := s.redir.Reverse(s.hijacks); err != nil {
		errs = append(errs, errx.Wrap(ErrTeardown, err))
	}
	if s.mountSess != nil {
		if err := s.mounts.Stop(s.mountSess); err != nil {
			errs = append(errs, errx.Wrap(ErrTeardown, err))
		}
	}

	_ = s.transition(PhaseClosed)
	if s.store != nil {
		if len(errs) == 0 {
			if err := s.store.Delete(s.ID); err != nil {
				errs = append(errs, err)
			}
			_ = os.RemoveAll(s.sessionDir)
		} else if err := s.persist(errors.Join(errs...).Error()); err != nil {
			s.log.Warn("persist session teardown error", "session", s.ID, "error", err)
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		s.log.Info("session closed", "session", s.ID)
		return nil
	}
	return errors.Join(errs...)
}

// Status and SetInjecting implement control.Backend.
func (s *Session) Status() control.Status {
	st := control.Status{
		SessionID: s.ID,
		Phase:     string(s.Phase()),
		Path:      s.realPath,
		Pid:       s.cfg.Pid,
	}
	if s.mountSess != nil && s.mountSess.Server != nil {
		stats := s.mountSess.Server.Stats()
		st.Injecting = s.mountSess.Server.Injecting()
		st.Ops = uint64(stats.Ops)
		st.Delayed = uint64(stats.Delays)
		st.Failed = uint64(stats.Fails)
		st.Corrupted = uint64(stats.Corrupts)
		st.Throttled = uint64(stats.Throttles)
	}
	return st
}

func (s *Session) SetInjecting(enabled bool) {
	if s.mountSess != nil && s.mountSess.Server != nil {
		s.mountSess.Server.SetInjecting(enabled)
	}
}
