// Package hookfs serves a FUSE mount that mirrors a real backing directory
// and applies injection-rule decisions to every operation before (or after)
// forwarding it to the backing path.
package hookfs

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jingkaihe/iofault/internal/errx"
	"github.com/jingkaihe/iofault/pkg/rules"
)

// Stats is a snapshot of operation counters.
type Stats struct {
	Ops       int64 `json:"ops"`
	Delays    int64 `json:"delays"`
	Fails     int64 `json:"fails"`
	Corrupts  int64 `json:"corrupts"`
	Throttles int64 `json:"throttles"`
}

// state is shared by every node and handle of one mounted filesystem.
type state struct {
	backing string
	engine  *rules.Engine

	// injecting gates rule evaluation; when false every operation is a plain
	// passthrough. Toggled at runtime over the control socket.
	injecting atomic.Bool

	// draining is set during session teardown: pending and new delay waits
	// are cut short so shutdown is never blocked behind injected latency.
	draining atomic.Bool
	drained  chan struct{}

	ops       atomic.Int64
	delays    atomic.Int64
	fails     atomic.Int64
	corrupts  atomic.Int64
	throttles atomic.Int64
}

// decide evaluates op against the rule set, honoring the injecting gate, and
// bumps counters for the chosen outcome.
func (st *state) decide(op rules.Op) rules.Decision {
	st.ops.Add(1)
	if !st.injecting.Load() {
		return rules.Passthrough
	}
	d := st.engine.Evaluate(op)
	switch d.Kind {
	case rules.DecisionDelay:
		st.delays.Add(1)
	case rules.DecisionFail:
		st.fails.Add(1)
	case rules.DecisionCorrupt:
		st.corrupts.Add(1)
	case rules.DecisionThrottle:
		st.throttles.Add(1)
	}
	return d
}

// gate applies the blocking part of a decision (delay, throttle) and returns
// the errno for a fail decision. Corruption is applied by the caller after
// the real operation. A draining filesystem skips waits entirely so in-flight
// operations complete on the real path's schedule instead of the rule's.
func (st *state) gate(ctx context.Context, d rules.Decision, n int) syscall.Errno {
	switch d.Kind {
	case rules.DecisionFail:
		return d.Errno

	case rules.DecisionDelay:
		if st.draining.Load() {
			return 0
		}
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-st.drained:
		case <-ctx.Done():
			return syscall.EINTR
		}

	case rules.DecisionThrottle:
		if st.draining.Load() || n <= 0 {
			return 0
		}
		if err := d.Limiter.WaitN(ctx, n); err != nil {
			return syscall.EINTR
		}
	}
	return 0
}

func (st *state) stats() Stats {
	return Stats{
		Ops:       st.ops.Load(),
		Delays:    st.delays.Load(),
		Fails:     st.fails.Load(),
		Corrupts:  st.corrupts.Load(),
		Throttles: st.throttles.Load(),
	}
}

func callerPid(ctx context.Context) uint32 {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Pid
	}
	return 0
}

// Server is one mounted interception filesystem.
type Server struct {
	fuseServer *fuse.Server
	state      *state
	mountpoint string
}

// Mount serves backing at mountpoint with engine deciding per-operation
// faults. Injection starts disabled; the session orchestrator enables it once
// the hijack is in place.
func Mount(mountpoint, backing string, engine *rules.Engine, debug bool) (*Server, error) {
	st := &state{
		backing: backing,
		engine:  engine,
		drained: make(chan struct{}),
	}
	root := &Node{state: st, relPath: "/"}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:        true,
			FsName:            "iofault",
			Name:              "iofault",
			Debug:             debug,
			DirectMountStrict: true,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, errx.With(ErrMount, " at %s: %w", mountpoint, err)
	}
	return &Server{fuseServer: server, state: st, mountpoint: mountpoint}, nil
}

func (s *Server) Mountpoint() string { return s.mountpoint }

// SetInjecting toggles rule evaluation at runtime.
func (s *Server) SetInjecting(on bool) { s.state.injecting.Store(on) }

func (s *Server) Injecting() bool { return s.state.injecting.Load() }

func (s *Server) Stats() Stats { return s.state.stats() }

// Drain stops injection and releases every pending delay wait. Idempotent.
func (s *Server) Drain() {
	s.state.injecting.Store(false)
	if s.state.draining.CompareAndSwap(false, true) {
		close(s.state.drained)
	}
}

// Unmount asks the kernel to detach the mount. The caller retries on EBUSY.
func (s *Server) Unmount() error {
	if err := s.fuseServer.Unmount(); err != nil {
		return errx.With(ErrUnmount, " at %s: %w", s.mountpoint, err)
	}
	return nil
}

// Wait blocks until the kernel connection is closed (after a successful
// unmount).
func (s *Server) Wait() { s.fuseServer.Wait() }
