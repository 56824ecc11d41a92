package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	for _, name := range []string{"pending", "completed", "failed", "cancelled", "deactivated", "paused"} {
		s, err := ParseState(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.String())
	}
	_, err := ParseState("refunded")
	assert.Error(t, err)
	_, err = ParseState("")
	assert.Error(t, err)
}

func TestTerminalAndBlocking(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateDeactivated, StatePaused} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.False(t, StateCompleted.Blocking())
	assert.False(t, StateFailed.Blocking())
	for _, s := range []State{StateCancelled, StateDeactivated, StatePaused} {
		assert.True(t, s.Blocking(), s.String())
	}
}

func TestBlockingMessagesAreDistinct(t *testing.T) {
	seen := map[string]State{}
	for _, s := range []State{StateCancelled, StateDeactivated, StatePaused} {
		msg := s.Message()
		require.NotEmpty(t, msg)
		assert.NotEqual(t, StateFailed.Message(), msg, "blocking state must not render as a failed payment")
		assert.Contains(t, msg, "merchant")
		if prev, dup := seen[msg]; dup {
			t.Fatalf("states %s and %s share message %q", prev, s, msg)
		}
		seen[msg] = s
	}
}

func TestCodeClassification(t *testing.T) {
	cases := map[Code]State{
		CodeOrderCancelled:   StateCancelled,
		CodeOrderDeactivated: StateDeactivated,
		CodeAPIPaused:        StatePaused,
	}
	for code, want := range cases {
		got, ok := code.State()
		require.True(t, ok, string(code))
		assert.Equal(t, want, got)
	}
	_, ok := Code("SOMETHING_ELSE").State()
	assert.False(t, ok)
	_, ok = Code("").State()
	assert.False(t, ok)
}

func TestResolveTieBreak(t *testing.T) {
	// Natural terminal state wins over a simultaneous blocking code.
	assert.Equal(t, StateCompleted, Resolve(StateCompleted, CodeOrderDeactivated))
	assert.Equal(t, StateFailed, Resolve(StateFailed, CodeAPIPaused))

	// Pending plus a blocking code resolves to the blocking state.
	assert.Equal(t, StatePaused, Resolve(StatePending, CodeAPIPaused))
	assert.Equal(t, StateCancelled, Resolve(StatePending, CodeOrderCancelled))

	// No code leaves the status untouched.
	assert.Equal(t, StatePending, Resolve(StatePending, ""))
}

func TestMachineTerminalAbsorption(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StatePending, m.Current())

	assert.Equal(t, StatePending, m.Apply(StatePending))
	assert.Equal(t, StateCompleted, m.Apply(StateCompleted))

	// Terminal states absorb every subsequent event.
	for _, next := range []State{StatePending, StateFailed, StatePaused, StateCancelled} {
		assert.Equal(t, StateCompleted, m.Apply(next))
	}
}

func TestMachineBlockingIsTerminal(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StatePaused, m.Apply(StatePaused))
	assert.Equal(t, StatePaused, m.Apply(StatePending))
	assert.Equal(t, StatePaused, m.Apply(StateCompleted))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateCompleted))
	assert.True(t, CanTransition(StatePending, StatePending))
	assert.True(t, CanTransition(StateFailed, StateFailed))
	assert.False(t, CanTransition(StateFailed, StatePending))
	assert.False(t, CanTransition(StateCompleted, StateFailed))
	assert.False(t, CanTransition(StateDeactivated, StatePending))
}
