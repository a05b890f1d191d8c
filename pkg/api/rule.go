package api

// FaultRule describes a single injection rule as authored in the rule file.
// Rules are matched in declaration order; the first rule whose op selector
// and path filter both match decides the outcome of an intercepted operation.
type FaultRule struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Ops filters operation kinds (for example: read, write, open, getattr,
	// readdir). Empty matches all operations.
	Ops []string `json:"ops,omitempty" yaml:"ops,omitempty"`

	// Path is a glob pattern matched against the operation's path relative
	// to the session root (for example: /logs/*.log, **). Empty matches all
	// paths.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Fault is one of: delay, error, corrupt, throttle.
	Fault string `json:"fault" yaml:"fault"`

	// Delay is the injected latency for fault=delay (for example: 2s, 150ms).
	Delay string `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Errno is the error returned for fault=error, symbolic (EIO, ENOSPC,
	// EACCES, ...) or a positive number.
	Errno string `json:"errno,omitempty" yaml:"errno,omitempty"`

	// Corrupt parameterizes fault=corrupt.
	Corrupt *CorruptSpec `json:"corrupt,omitempty" yaml:"corrupt,omitempty"`

	// BytesPerSec caps read/write bandwidth for fault=throttle.
	BytesPerSec int64 `json:"bytes_per_sec,omitempty" yaml:"bytes_per_sec,omitempty"`
}

// CorruptSpec describes how to mangle the result of a read before it is
// returned. The real operation still happens; only the perceived bytes
// change.
type CorruptSpec struct {
	// Mode is one of: flip (invert bits), zero (zero-fill), pattern (repeat
	// Pattern over the buffer), truncate (drop everything past Length).
	Mode string `json:"mode" yaml:"mode"`

	// Pattern is hex-encoded bytes for mode=pattern.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Length bounds the affected prefix for flip/zero/pattern (0 = whole
	// buffer) and is the kept prefix for truncate.
	Length int64 `json:"length,omitempty" yaml:"length,omitempty"`
}
