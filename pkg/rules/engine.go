// Package rules holds the injection rule set and decides, per intercepted
// operation, whether and how to alter it.
package rules

import (
	"encoding/hex"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/jingkaihe/iofault/internal/errx"
	"github.com/jingkaihe/iofault/pkg/api"
)

const (
	// matchCacheSize bounds the memoized (op kind, path) -> rule lookups.
	matchCacheSize = 4096

	// throttleBurst is the minimum limiter burst, sized above the largest
	// FUSE transfer so a single read or write can always be admitted.
	throttleBurst = 1 << 20
)

type compiledRule struct {
	name     string
	ops      map[OpKind]bool
	path     glob.Glob
	decision Decision
}

func (r *compiledRule) matches(op Op) bool {
	if r.ops != nil && !r.ops[op.Kind] {
		return false
	}
	if r.path != nil && !r.path.Match(op.Path) {
		return false
	}
	return true
}

// Engine holds an immutable, ordered rule set. Evaluation is a pure function
// of the rule set and the operation descriptor; repeated calls with identical
// input produce identical decisions, and concurrent calls are safe.
type Engine struct {
	rules []compiledRule

	// cache memoizes the matched rule index per (kind, path). Sound because
	// rule matching only looks at kind and path and rules never change after
	// NewEngine.
	cache *lru.Cache[string, int]
}

// NewEngine compiles the declarative rule list. Unknown fault kinds,
// operation kinds, or malformed parameters are hard errors, never silent
// no-ops.
func NewEngine(ruleList []api.FaultRule) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(ruleList))
	for i, r := range ruleList {
		cr, err := compileRule(r)
		if err != nil {
			return nil, errx.With(ErrParseRules, ": rule %d (%s): %w", i, r.Fault, err)
		}
		compiled = append(compiled, cr)
	}

	cache, err := lru.New[string, int](matchCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{rules: compiled, cache: cache}, nil
}

// Len reports the number of loaded rules.
func (e *Engine) Len() int { return len(e.rules) }

// Evaluate returns the decision for op: the first rule whose filter matches
// the operation's kind and path wins; no match means Passthrough.
func (e *Engine) Evaluate(op Op) Decision {
	key := string(op.Kind) + "\x00" + op.Path
	if idx, ok := e.cache.Get(key); ok {
		if idx < 0 {
			return Passthrough
		}
		return e.rules[idx].decision
	}

	for i := range e.rules {
		if e.rules[i].matches(op) {
			e.cache.Add(key, i)
			return e.rules[i].decision
		}
	}
	e.cache.Add(key, -1)
	return Passthrough
}

func compileRule(r api.FaultRule) (compiledRule, error) {
	cr := compiledRule{name: r.Name}

	if len(r.Ops) > 0 {
		cr.ops = make(map[OpKind]bool, len(r.Ops))
		for _, s := range r.Ops {
			kind, err := parseOpKind(s)
			if err != nil {
				return cr, err
			}
			cr.ops[kind] = true
		}
	}

	if r.Path != "" {
		g, err := glob.Compile(r.Path, '/')
		if err != nil {
			return cr, errx.With(ErrBadPathPattern, " %q: %v", r.Path, err)
		}
		cr.path = g
	}

	decision, err := compileFault(r)
	if err != nil {
		return cr, err
	}
	decision.Rule = r.Name
	cr.decision = decision
	return cr, nil
}

func compileFault(r api.FaultRule) (Decision, error) {
	switch r.Fault {
	case "delay":
		d, err := time.ParseDuration(r.Delay)
		if err != nil || d <= 0 {
			return Decision{}, errx.With(ErrBadDelay, " %q", r.Delay)
		}
		return Decision{Kind: DecisionDelay, Delay: d}, nil

	case "error":
		errno, err := parseErrno(r.Errno)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionFail, Errno: errno}, nil

	case "corrupt":
		c, err := compileCorrupt(r.Corrupt)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionCorrupt, Corrupt: c}, nil

	case "throttle":
		if r.BytesPerSec <= 0 {
			return Decision{}, errx.With(ErrBadThrottleRate, " %d bytes/sec", r.BytesPerSec)
		}
		burst := int(r.BytesPerSec)
		if burst < throttleBurst {
			burst = throttleBurst
		}
		limiter := rate.NewLimiter(rate.Limit(r.BytesPerSec), burst)
		return Decision{Kind: DecisionThrottle, Limiter: limiter}, nil

	default:
		return Decision{}, errx.With(ErrUnknownFault, " %q", r.Fault)
	}
}

func compileCorrupt(spec *api.CorruptSpec) (*Corruption, error) {
	if spec == nil {
		return nil, errx.With(ErrBadCorruptSpec, ": missing corrupt block")
	}

	c := &Corruption{Length: spec.Length}
	if c.Length < 0 {
		return nil, errx.With(ErrBadCorruptSpec, ": negative length %d", spec.Length)
	}

	switch spec.Mode {
	case "flip":
		c.Mode = CorruptFlip
	case "zero":
		c.Mode = CorruptZero
	case "pattern":
		c.Mode = CorruptPattern
		pattern, err := hex.DecodeString(spec.Pattern)
		if err != nil || len(pattern) == 0 {
			return nil, errx.With(ErrBadCorruptSpec, ": pattern %q is not valid hex", spec.Pattern)
		}
		c.Pattern = pattern
	case "truncate":
		c.Mode = CorruptTruncate
	default:
		return nil, errx.With(ErrBadCorruptSpec, ": unknown mode %q", spec.Mode)
	}
	return c, nil
}
