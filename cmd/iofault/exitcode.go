package main

import (
	"errors"

	"github.com/jingkaihe/iofault/pkg/api"
	"github.com/jingkaihe/iofault/pkg/hijack"
	"github.com/jingkaihe/iofault/pkg/mountctl"
	"github.com/jingkaihe/iofault/pkg/rules"
	"github.com/jingkaihe/iofault/pkg/session"
)

// Exit codes by failure category, so wrapping scripts can tell a bad rules
// file from a failed teardown.
const (
	exitParse     = 2
	exitPrivilege = 3
	exitMount     = 4
	exitHijack    = 5
	exitTeardown  = 6
)

// exitCodeError carries an explicit exit code through RunE without bypassing
// deferred cleanup.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return ""
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrParseRules),
		errors.Is(err, rules.ErrUnknownFault),
		errors.Is(err, rules.ErrUnknownOp),
		errors.Is(err, api.ErrInvalidConfig):
		return exitParse
	case errors.Is(err, api.ErrPrivilege):
		return exitPrivilege
	case errors.Is(err, mountctl.ErrMountStart),
		errors.Is(err, mountctl.ErrMountTimeout),
		errors.Is(err, mountctl.ErrBindBacking):
		return exitMount
	case errors.Is(err, hijack.ErrAttachFailure),
		errors.Is(err, hijack.ErrNoMatchingDescriptor),
		errors.Is(err, hijack.ErrProcessNotFound),
		errors.Is(err, hijack.ErrPermissionDenied),
		errors.Is(err, hijack.ErrRemoteSyscall):
		return exitHijack
	case errors.Is(err, session.ErrTeardown):
		return exitTeardown
	default:
		return 1
	}
}
