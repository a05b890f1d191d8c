package session

import "errors"

var (
	ErrInvalidPhase = errors.New("invalid session phase transition")
	ErrTargetExited = errors.New("target process exited")
	ErrOpenStore    = errors.New("open session store")
	ErrStore        = errors.New("persist session record")
	ErrControl      = errors.New("start control socket")
	ErrTeardown     = errors.New("session teardown")
)
