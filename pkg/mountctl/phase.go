package mountctl

import "github.com/jingkaihe/iofault/internal/errx"

// Phase is the lifecycle state of one interception mount.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseReady    Phase = "ready"
	PhaseDegraded Phase = "degraded"
	PhaseStopped  Phase = "stopped"
)

var allowedTransitions = map[Phase]map[Phase]bool{
	PhaseStarting: {
		PhaseStarting: true,
		PhaseReady:    true,
		PhaseStopped:  true,
	},
	PhaseReady: {
		PhaseReady:    true,
		PhaseDegraded: true,
		PhaseStopped:  true,
	},
	PhaseDegraded: {
		PhaseDegraded: true,
		PhaseStopped:  true,
	},
	PhaseStopped: {
		PhaseStopped: true,
	},
}

func validateTransition(from, to Phase) error {
	if from == "" {
		from = PhaseStarting
	}
	if to == "" {
		return errx.With(ErrInvalidPhase, ": empty target phase from %q", from)
	}
	allowed := allowedTransitions[from]
	if len(allowed) == 0 || !allowed[to] {
		return errx.With(ErrInvalidPhase, ": %q -> %q", from, to)
	}
	return nil
}
