package hijack

// RemoteProcess is a suspended target process. It is the narrow unsafe
// boundary of the package: everything the hijacker does to another process
// goes through these five operations, so the surface stays small, auditable,
// and fakeable in tests.
//
// The process stays stopped until Detach, which always resumes it.
type RemoteProcess interface {
	Pid() int

	// Syscall executes one syscall inside the target and returns its result.
	// Errno results are returned as the corresponding error.
	Syscall(nr uintptr, args ...uintptr) (uintptr, error)

	// ReadMem and WriteMem move bytes between the tracer and the target's
	// address space.
	ReadMem(addr uintptr, buf []byte) error
	WriteMem(addr uintptr, data []byte) error

	// Detach restores the target's saved register and text state and resumes
	// it. It must be called on every exit path.
	Detach() error
}

// ProcessController suspends target processes. The production controller is
// ptrace; tests substitute a fake.
type ProcessController interface {
	Suspend(pid int) (RemoteProcess, error)
}
