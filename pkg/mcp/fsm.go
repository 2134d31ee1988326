package mcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

// State is a connection descriptor's lifecycle state.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDegraded      State = "DEGRADED"
	StateDisconnecting State = "DISCONNECTING"
	StateError         State = "ERROR"
)

// legalTransitions lists the allowed moves per state. Any state may also
// move to ERROR; no state may transition to itself.
var legalTransitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateDegraded, StateDisconnecting},
	StateDegraded:      {StateConnected, StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
	StateError:         {StateConnecting, StateDisconnected},
}

func transitionLegal(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange is the payload published on the connection.state topic.
type StateChange struct {
	Connection string    `json:"connection"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// stateMachine serializes transitions for one descriptor and publishes
// every accepted move.
type stateMachine struct {
	name string
	bus  *async.Bus

	mu    sync.Mutex
	state State
}

func newStateMachine(name string, bus *async.Bus) *stateMachine {
	return &stateMachine{name: name, bus: bus, state: StateDisconnected}
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state or rejects the move as an
// invariant violation. The change event is published after the state is
// committed, so observers see moves in order.
func (m *stateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.state
	if !transitionLegal(from, to) {
		m.mu.Unlock()
		return fault.New(fault.KindInvariantViolated, "mcp.fsm", "transition",
			fmt.Sprintf("illegal state transition %s -> %s", from, to)).
			WithResource(m.name)
	}
	m.state = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(async.TopicConnectionState, "mcp", StateChange{
			Connection: m.name,
			From:       from,
			To:         to,
			Reason:     reason,
			At:         time.Now(),
		})
	}
	return nil
}
