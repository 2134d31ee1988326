package mcp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

func TestStateMachineLifecycle(t *testing.T) {
	bus := async.NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var seen []StateChange
	sub := bus.Subscribe(async.TopicConnectionState, func(msg async.Message) {
		mu.Lock()
		seen = append(seen, msg.Payload.(StateChange))
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	m := newStateMachine("primary", bus)
	require.Equal(t, StateDisconnected, m.Current())

	steps := []State{
		StateConnecting, StateConnected, StateDegraded,
		StateConnected, StateDisconnecting, StateDisconnected,
	}
	for _, next := range steps {
		require.NoError(t, m.Transition(next, "test"))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(steps)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	from := StateDisconnected
	for i, change := range seen {
		assert.Equal(t, "primary", change.Connection)
		assert.Equal(t, from, change.From, "event %d", i)
		assert.Equal(t, steps[i], change.To, "event %d", i)
		from = steps[i]
	}
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"self transition", StateConnected, StateConnected},
		{"disconnected to connected", StateDisconnected, StateConnected},
		{"connected to connecting", StateConnected, StateConnecting},
		{"connecting to degraded", StateConnecting, StateDegraded},
		{"disconnecting to connected", StateDisconnecting, StateConnected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newStateMachine("c", nil)
			m.state = tc.from
			err := m.Transition(tc.to, "test")
			require.Error(t, err)
			assert.Equal(t, fault.KindInvariantViolated, fault.KindOf(err))
			assert.Equal(t, tc.from, m.Current())
		})
	}
}

func TestStateMachineAnyStateToError(t *testing.T) {
	for _, from := range []State{
		StateDisconnected, StateConnecting, StateConnected,
		StateDegraded, StateDisconnecting,
	} {
		m := newStateMachine("c", nil)
		m.state = from
		require.NoError(t, m.Transition(StateError, "boom"), "from %s", from)
		assert.Equal(t, StateError, m.Current())
	}
}

func TestStateMachineErrorRecovery(t *testing.T) {
	m := newStateMachine("c", nil)
	m.state = StateError
	require.NoError(t, m.Transition(StateConnecting, "reconnect"))
	require.NoError(t, m.Transition(StateConnected, "recovered"))
}
