package hijack

import "errors"

var (
	ErrProcessNotFound      = errors.New("target process not found")
	ErrPermissionDenied     = errors.New("permission denied attaching to target process")
	ErrNoMatchingDescriptor = errors.New("target has no descriptor for the path")
	ErrAttachFailure        = errors.New("attach to target process")
	ErrRemoteSyscall        = errors.New("remote syscall in target process")
	ErrReversal             = errors.New("reverse hijacked descriptors")

	// ErrRecordMismatch is an invariant violation: a record's descriptor no
	// longer resolves to anything this session put in place. It is reported
	// distinctly from environmental errors.
	ErrRecordMismatch = errors.New("hijack record does not match live descriptor")

	ErrUnsupportedArch = errors.New("descriptor hijack is only implemented on linux/amd64")
	ErrOvermount       = errors.New("overmount original path with shadow mount")
)
