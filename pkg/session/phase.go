package session

import "github.com/jingkaihe/iofault/internal/errx"

// Phase is the lifecycle state of one session.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseActive       Phase = "active"
	PhaseTearingDown  Phase = "tearing_down"
	PhaseClosed       Phase = "closed"
)

var allowedTransitions = map[Phase]map[Phase]bool{
	PhaseInitializing: {
		PhaseInitializing: true,
		PhaseActive:       true,
		PhaseTearingDown:  true,
	},
	PhaseActive: {
		PhaseActive:      true,
		PhaseTearingDown: true,
	},
	PhaseTearingDown: {
		PhaseTearingDown: true,
		PhaseClosed:      true,
	},
	PhaseClosed: {
		PhaseClosed: true,
	},
}

func validateTransition(from, to Phase) error {
	if allowed, ok := allowedTransitions[from]; !ok || !allowed[to] {
		return errx.With(ErrInvalidPhase, ": %s -> %s", from, to)
	}
	return nil
}
