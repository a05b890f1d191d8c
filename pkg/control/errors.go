package control

import "errors"

var (
	ErrListen         = errors.New("listen on control socket")
	ErrDial           = errors.New("dial control socket")
	ErrBadFrame       = errors.New("malformed control frame")
	ErrUnknownCommand = errors.New("unknown control command")
	ErrRemote         = errors.New("control command rejected")
)
