package supervisor

import "sync"

// State is the supervisor lifecycle phase.
type State string

const (
	StateIdle              State = "idle"
	StateLaunching         State = "launching"
	StateAwaitingReadiness State = "awaiting-readiness"
	StateRunning           State = "running"
	StateShuttingDown      State = "shutting-down"
	StateTerminated        State = "terminated"
)

var transitions = map[State][]State{
	StateIdle:              {StateLaunching, StateShuttingDown},
	StateLaunching:         {StateLaunching, StateAwaitingReadiness, StateShuttingDown},
	StateAwaitingReadiness: {StateRunning, StateShuttingDown},
	StateRunning:           {StateShuttingDown},
	StateShuttingDown:      {StateTerminated},
	StateTerminated:        {StateLaunching, StateShuttingDown},
}

type stateMachine struct {
	mu      sync.RWMutex
	current State
}

func (m *stateMachine) get() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return StateIdle
	}
	return m.current
}

// move applies the transition when it is legal and reports the previous
// state and whether the move happened.
func (m *stateMachine) move(to State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.current
	if from == "" {
		from = StateIdle
	}
	for _, next := range transitions[from] {
		if next == to {
			m.current = to
			return from, true
		}
	}
	return from, false
}
