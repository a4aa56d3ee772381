package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateMachine(t *testing.T) {
	var m stateMachine
	require.Equal(t, StateIdle, m.get())

	steps := []struct {
		to    State
		moved bool
		now   State
	}{
		{StateRunning, false, StateIdle},
		{StateLaunching, true, StateLaunching},
		{StateLaunching, true, StateLaunching},
		{StateAwaitingReadiness, true, StateAwaitingReadiness},
		{StateLaunching, false, StateAwaitingReadiness},
		{StateRunning, true, StateRunning},
		{StateTerminated, false, StateRunning},
		{StateShuttingDown, true, StateShuttingDown},
		{StateTerminated, true, StateTerminated},
		{StateLaunching, true, StateLaunching},
	}
	for _, step := range steps {
		_, moved := m.move(step.to)
		require.Equal(t, step.moved, moved, "move to %s", step.to)
		require.Equal(t, step.now, m.get())
	}
}

func TestRoles(t *testing.T) {
	role, err := ParseRole(" Publisher ")
	require.NoError(t, err)
	require.Equal(t, RolePublisher, role)
	require.Equal(t, "Publisher", role.Title())
	require.Equal(t, "Subscriber", RoleSubscriber.Title())

	_, err = ParseRole("observer")
	require.Error(t, err)
}
