package rules

import (
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// DecisionKind is the per-operation outcome computed by the engine.
type DecisionKind int

const (
	DecisionPassthrough DecisionKind = iota
	DecisionDelay
	DecisionFail
	DecisionCorrupt
	DecisionThrottle
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionPassthrough:
		return "passthrough"
	case DecisionDelay:
		return "delay"
	case DecisionFail:
		return "fail"
	case DecisionCorrupt:
		return "corrupt"
	case DecisionThrottle:
		return "throttle"
	}
	return "unknown"
}

// Decision tells the interception filesystem what to do with one operation.
type Decision struct {
	Kind DecisionKind

	// Rule is the name of the matched rule, for logging.
	Rule string

	Delay   time.Duration
	Errno   syscall.Errno
	Corrupt *Corruption

	// Limiter is shared across all operations matched by one throttle rule
	// so the configured rate bounds the aggregate bandwidth.
	Limiter *rate.Limiter
}

// Passthrough is the zero decision: forward the operation unmodified.
var Passthrough = Decision{Kind: DecisionPassthrough}

// CorruptMode selects the transformation applied to read results.
type CorruptMode int

const (
	CorruptFlip CorruptMode = iota
	CorruptZero
	CorruptPattern
	CorruptTruncate
)

// Corruption is a compiled corrupt spec. Apply mangles buf in place and
// returns the (possibly shortened) slice to hand back to the caller.
type Corruption struct {
	Mode    CorruptMode
	Pattern []byte
	Length  int64
}

func (c *Corruption) Apply(buf []byte) []byte {
	if c == nil || len(buf) == 0 {
		return buf
	}

	if c.Mode == CorruptTruncate {
		if c.Length < int64(len(buf)) {
			buf = buf[:c.Length]
		}
		return buf
	}

	end := len(buf)
	if c.Length > 0 && c.Length < int64(end) {
		end = int(c.Length)
	}

	switch c.Mode {
	case CorruptFlip:
		for i := 0; i < end; i++ {
			buf[i] = ^buf[i]
		}
	case CorruptZero:
		for i := 0; i < end; i++ {
			buf[i] = 0
		}
	case CorruptPattern:
		for i := 0; i < end; i++ {
			buf[i] = c.Pattern[i%len(c.Pattern)]
		}
	}
	return buf
}
