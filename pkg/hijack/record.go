package hijack

// RecordKind distinguishes descriptor substitutions from namespace bindings.
type RecordKind string

const (
	// RecordFd is one file descriptor redirected via remote open+dup2.
	RecordFd RecordKind = "fd"

	// RecordMount is a bind overmount of the shadow mount onto the original
	// path, installed for directory targets so future opens resolve through
	// the interception mount.
	RecordMount RecordKind = "mount"
)

// Record captures one performed substitution with everything needed to
// reverse it exactly. The set of records for a session is owned by the
// Hijacker; reversal marks records rather than deleting them so a second
// reversal is a no-op.
type Record struct {
	Kind RecordKind `json:"kind"`
	Pid  int        `json:"pid"`

	// Fd is the descriptor number (RecordFd only). The number never changes
	// across redirect and reverse.
	Fd int `json:"fd,omitempty"`

	// OriginalPath is the path the binding resolved to before the hijack.
	OriginalPath string `json:"original_path"`

	// ShadowPath is the path the binding resolves to while hijacked.
	ShadowPath string `json:"shadow_path"`

	// Flags are the descriptor's open flags as found in fdinfo, reapplied on
	// both redirect and reverse.
	Flags int `json:"flags,omitempty"`

	// Offset is the file position at redirect time, carried over so the
	// target never observes a position reset.
	Offset int64 `json:"offset,omitempty"`

	Reversed bool `json:"reversed"`
}
