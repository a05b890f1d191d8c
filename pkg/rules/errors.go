package rules

import "errors"

var (
	ErrParseRules      = errors.New("parse rule file")
	ErrUnknownFault    = errors.New("unknown fault kind")
	ErrUnknownOp       = errors.New("unknown operation kind")
	ErrBadPathPattern  = errors.New("invalid path pattern")
	ErrBadDelay        = errors.New("invalid delay duration")
	ErrBadErrno        = errors.New("invalid errno")
	ErrBadCorruptSpec  = errors.New("invalid corrupt spec")
	ErrBadThrottleRate = errors.New("invalid throttle rate")
)
