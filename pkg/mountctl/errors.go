package mountctl

import "errors"

var (
	ErrCreateSessionDirs = errors.New("create session mount directories")
	ErrBindBacking       = errors.New("bind real path to backing directory")
	ErrMountStart        = errors.New("start interception mount")
	ErrMountTimeout      = errors.New("interception mount did not become ready")
	ErrUnmount           = errors.New("unmount shadow mount")
	ErrUnbindBacking     = errors.New("unbind backing directory")
	ErrInvalidPhase      = errors.New("invalid mount session phase transition")
	ErrParseMountInfo    = errors.New("parse mountinfo")
)
