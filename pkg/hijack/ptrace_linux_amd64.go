//go:build linux && amd64

package hijack

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/internal/errx"
)

// syscallInsn is the x86-64 SYSCALL instruction, installed over the target's
// current instruction pointer for the duration of the attach window.
var syscallInsn = []byte{0x0f, 0x05}

type ptraceController struct{}

// NewPtraceController returns the production ProcessController backed by
// ptrace.
func NewPtraceController() ProcessController { return ptraceController{} }

func (ptraceController) Suspend(pid int) (RemoteProcess, error) {
	p := &ptraceProcess{pid: pid, ops: make(chan func())}
	attachResult := make(chan error, 1)
	go p.loop(attachResult)
	if err := <-attachResult; err != nil {
		return nil, err
	}
	return p, nil
}

// ptraceProcess drives one attached target. Remote syscalls are executed by
// pointing the instruction pointer at an injected SYSCALL instruction and
// single-stepping; the original text word and registers are restored on
// Detach. No shellcode is assembled and nothing else in the target's memory
// or registers is perturbed.
type ptraceProcess struct {
	pid int
	ops chan func()

	regs     unix.PtraceRegs
	trapAddr uintptr
	trapSave []byte
	detached bool
}

// loop owns every ptrace call: the kernel ties a tracee to the attaching
// thread, so one goroutine locks itself to an OS thread and serves
// operations until Detach closes the channel.
func (p *ptraceProcess) loop(attachResult chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := p.attach(); err != nil {
		attachResult <- err
		return
	}
	attachResult <- nil

	for f := range p.ops {
		f()
	}
}

func (p *ptraceProcess) run(f func() error) error {
	if p.detached {
		return errx.With(ErrRemoteSyscall, ": process already detached")
	}
	errCh := make(chan error, 1)
	p.ops <- func() { errCh <- f() }
	return <-errCh
}

func (p *ptraceProcess) attach() error {
	if err := unix.PtraceAttach(p.pid); err != nil {
		return mapAttachErr(err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(p.pid, &ws, 0, nil); err != nil {
		_ = unix.PtraceDetach(p.pid)
		return errx.Wrap(ErrAttachFailure, err)
	}
	if !ws.Stopped() {
		return errx.With(ErrAttachFailure, ": target exited during attach")
	}

	if err := unix.PtraceGetRegs(p.pid, &p.regs); err != nil {
		_ = unix.PtraceDetach(p.pid)
		return errx.Wrap(ErrAttachFailure, err)
	}

	p.trapAddr = uintptr(p.regs.Rip)
	p.trapSave = make([]byte, 8)
	if _, err := unix.PtracePeekData(p.pid, p.trapAddr, p.trapSave); err != nil {
		_ = unix.PtraceDetach(p.pid)
		return errx.Wrap(ErrAttachFailure, err)
	}

	patched := make([]byte, 8)
	copy(patched, p.trapSave)
	copy(patched, syscallInsn)
	if _, err := unix.PtracePokeData(p.pid, p.trapAddr, patched); err != nil {
		_ = unix.PtraceDetach(p.pid)
		return errx.Wrap(ErrAttachFailure, err)
	}
	return nil
}

func (p *ptraceProcess) Pid() int { return p.pid }

func (p *ptraceProcess) Syscall(nr uintptr, args ...uintptr) (uintptr, error) {
	if len(args) > 6 {
		return 0, errx.With(ErrRemoteSyscall, ": too many arguments (%d)", len(args))
	}

	var ret uintptr
	err := p.run(func() error {
		regs := p.regs
		regs.Rax = uint64(nr)
		abi := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
		for i, a := range args {
			*abi[i] = uint64(a)
		}
		regs.Rip = uint64(p.trapAddr)

		if err := unix.PtraceSetRegs(p.pid, &regs); err != nil {
			return errx.Wrap(ErrRemoteSyscall, err)
		}
		if err := unix.PtraceSingleStep(p.pid); err != nil {
			return errx.Wrap(ErrRemoteSyscall, err)
		}

		var ws unix.WaitStatus
		if _, err := unix.Wait4(p.pid, &ws, 0, nil); err != nil {
			return errx.Wrap(ErrRemoteSyscall, err)
		}
		if !ws.Stopped() {
			return errx.With(ErrRemoteSyscall, ": target exited mid-call")
		}

		var out unix.PtraceRegs
		if err := unix.PtraceGetRegs(p.pid, &out); err != nil {
			return errx.Wrap(ErrRemoteSyscall, err)
		}
		res := int64(out.Rax)
		if res < 0 && res > -4096 {
			return errx.With(ErrRemoteSyscall, " %d: %w", nr, unix.Errno(-res))
		}
		ret = uintptr(res)
		return nil
	})
	return ret, err
}

func (p *ptraceProcess) ReadMem(addr uintptr, buf []byte) error {
	return p.run(func() error {
		if _, err := unix.PtracePeekData(p.pid, addr, buf); err != nil {
			return errx.Wrap(ErrRemoteSyscall, err)
		}
		return nil
	})
}

func (p *ptraceProcess) WriteMem(addr uintptr, data []byte) error {
	return p.run(func() error {
		if _, err := unix.PtracePokeData(p.pid, addr, data); err != nil {
			return errx.Wrap(ErrRemoteSyscall, err)
		}
		return nil
	})
}

// Detach restores the patched text word and saved registers, then releases
// the target. Safe to call once; the target resumes even when restoration
// partially fails.
func (p *ptraceProcess) Detach() error {
	if p.detached {
		return nil
	}
	err := p.run(func() error {
		var errs []error
		if _, perr := unix.PtracePokeData(p.pid, p.trapAddr, p.trapSave); perr != nil {
			errs = append(errs, perr)
		}
		if rerr := unix.PtraceSetRegs(p.pid, &p.regs); rerr != nil {
			errs = append(errs, rerr)
		}
		if derr := unix.PtraceDetach(p.pid); derr != nil {
			errs = append(errs, derr)
		}
		return errors.Join(errs...)
	})
	p.detached = true
	close(p.ops)
	return err
}

func mapAttachErr(err error) error {
	switch {
	case errors.Is(err, unix.ESRCH):
		return errx.Wrap(ErrProcessNotFound, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errx.Wrap(ErrPermissionDenied, err)
	default:
		return errx.Wrap(ErrAttachFailure, err)
	}
}
