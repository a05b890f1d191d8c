//go:build !(linux && amd64)

package hijack

type ptraceController struct{}

// NewPtraceController returns a controller that rejects every suspend.
// Remote syscall injection targets the x86-64 syscall ABI; other platforms
// are not supported.
func NewPtraceController() ProcessController { return ptraceController{} }

func (ptraceController) Suspend(pid int) (RemoteProcess, error) {
	return nil, ErrUnsupportedArch
}
