package hookfs

import "errors"

var (
	ErrMount   = errors.New("mount interception filesystem")
	ErrUnmount = errors.New("unmount interception filesystem")
)
