package api

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrPrivilege is returned when the caller lacks the privilege to attach
	// to arbitrary processes and create mounts. It is a startup error, never
	// a degraded mode.
	ErrPrivilege = errors.New("insufficient privilege")
)
