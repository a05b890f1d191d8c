package rules

import "github.com/jingkaihe/iofault/internal/errx"

// OpKind identifies a filesystem operation category.
type OpKind string

const (
	OpLookup   OpKind = "lookup"
	OpGetattr  OpKind = "getattr"
	OpOpen     OpKind = "open"
	OpCreate   OpKind = "create"
	OpRead     OpKind = "read"
	OpWrite    OpKind = "write"
	OpReaddir  OpKind = "readdir"
	OpMkdir    OpKind = "mkdir"
	OpUnlink   OpKind = "unlink"
	OpRmdir    OpKind = "rmdir"
	OpRename   OpKind = "rename"
	OpFsync    OpKind = "fsync"
	OpTruncate OpKind = "truncate"
	OpSetattr  OpKind = "setattr"
	OpSymlink  OpKind = "symlink"
	OpReadlink OpKind = "readlink"
)

var knownOps = map[OpKind]bool{
	OpLookup:   true,
	OpGetattr:  true,
	OpOpen:     true,
	OpCreate:   true,
	OpRead:     true,
	OpWrite:    true,
	OpReaddir:  true,
	OpMkdir:    true,
	OpUnlink:   true,
	OpRmdir:    true,
	OpRename:   true,
	OpFsync:    true,
	OpTruncate: true,
	OpSetattr:  true,
	OpSymlink:  true,
	OpReadlink: true,
}

func parseOpKind(s string) (OpKind, error) {
	kind := OpKind(s)
	if !knownOps[kind] {
		return "", errx.With(ErrUnknownOp, " %q", s)
	}
	return kind, nil
}

// Op is the descriptor of one in-flight intercepted operation. It is built
// per call by the interception filesystem and discarded when the call
// returns.
type Op struct {
	Kind OpKind

	// Path is relative to the session root, with a leading slash
	// (for example: /logs/out.log, / for the root itself).
	Path string

	// Offset and Size describe the byte range for read/write.
	Offset int64
	Size   int

	// Pid is the caller identity as reported by the kernel, when known.
	Pid uint32
}
