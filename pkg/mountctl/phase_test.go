package mountctl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	require.NoError(t, validateTransition(PhaseStarting, PhaseReady))
	require.NoError(t, validateTransition(PhaseStarting, PhaseStopped))
	require.NoError(t, validateTransition(PhaseReady, PhaseDegraded))
	require.NoError(t, validateTransition(PhaseReady, PhaseStopped))
	require.NoError(t, validateTransition(PhaseDegraded, PhaseStopped))
	require.NoError(t, validateTransition("", PhaseStarting))
	require.Error(t, validateTransition(PhaseStopped, PhaseReady))
	require.Error(t, validateTransition(PhaseDegraded, PhaseReady))
	require.Error(t, validateTransition(PhaseReady, ""))
}

func TestSessionTransition(t *testing.T) {
	sess := &MountSession{phase: PhaseStarting}
	require.NoError(t, sess.transition(PhaseReady))
	require.True(t, sess.Ready())
	require.NoError(t, sess.transition(PhaseStopped))
	require.False(t, sess.Ready())
	require.ErrorIs(t, sess.transition(PhaseReady), ErrInvalidPhase)
}
