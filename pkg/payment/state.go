// Package payment implements the payment lifecycle state machine.
//
// A payment starts pending and ends in exactly one terminal state.
// `completed` and `failed` are natural terminal states decided by the
// payment outcome; `cancelled`, `deactivated` and `paused` are blocking
// terminal states caused by merchant-side configuration and carry their
// own buyer-facing message.
package payment

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of one payment resource.
type State uint8

const (
	StatePending State = iota
	StateCompleted
	StateFailed
	StateCancelled
	StateDeactivated
	StatePaused
)

var stateNames = [...]string{
	"pending",
	"completed",
	"failed",
	"cancelled",
	"deactivated",
	"paused",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// ParseState maps a wire status string to a State.
func ParseState(raw string) (State, error) {
	for i, name := range stateNames {
		if raw == name {
			return State(i), nil
		}
	}
	return StatePending, fmt.Errorf("unknown payment state %q", raw)
}

// Terminal reports whether no further polling is useful for this state.
func (s State) Terminal() bool {
	return s != StatePending
}

// Blocking reports whether the state was caused by merchant configuration
// rather than the payment outcome.
func (s State) Blocking() bool {
	switch s {
	case StateCancelled, StateDeactivated, StatePaused:
		return true
	}
	return false
}

// Message returns the buyer-facing text for a state. Blocking states get a
// distinct contact-the-merchant message: the buyer did nothing wrong and
// must not be told the payment failed.
func (s State) Message() string {
	switch s {
	case StatePending:
		return "waiting for payment confirmation"
	case StateCompleted:
		return "payment completed"
	case StateFailed:
		return "payment failed"
	case StateCancelled:
		return "this order was cancelled by the merchant, please contact the merchant"
	case StateDeactivated:
		return "this order is no longer active, please contact the merchant"
	case StatePaused:
		return "the merchant's payment processing is paused, please contact the merchant"
	}
	return ""
}

// Code is a server-supplied error code signaling a blocking condition.
// Classification keys on the code, not the HTTP status: the same 4xx covers
// multiple blocking reasons.
type Code string

const (
	CodeOrderCancelled   Code = "ORDER_CANCELLED"
	CodeOrderDeactivated Code = "ORDER_DEACTIVATED"
	CodeAPIPaused        Code = "API_PAUSED"
)

var blockingStates = map[Code]State{
	CodeOrderCancelled:   StateCancelled,
	CodeOrderDeactivated: StateDeactivated,
	CodeAPIPaused:        StatePaused,
}

// State returns the blocking state for a code, if it names one.
func (c Code) State() (State, bool) {
	s, ok := blockingStates[c]
	return s, ok
}

// Resolve combines a fetched status with an optional blocking code.
// A natural terminal status wins over a simultaneous blocking code: funds
// already received cannot be retroactively blocked.
func Resolve(status State, code Code) State {
	if status == StateCompleted || status == StateFailed {
		return status
	}
	if blocked, ok := code.State(); ok {
		return blocked
	}
	return status
}

// allowedTransitions defines the valid transitions. Terminal states are
// absorbing: their only valid successor is themselves.
var allowedTransitions = map[State][]State{
	StatePending: {
		StatePending,
		StateCompleted,
		StateFailed,
		StateCancelled,
		StateDeactivated,
		StatePaused,
	},
	StateCompleted:   {StateCompleted},
	StateFailed:      {StateFailed},
	StateCancelled:   {StateCancelled},
	StateDeactivated: {StateDeactivated},
	StatePaused:      {StatePaused},
}

// CanTransition reports whether from→to is a valid transition.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine tracks the current state of one payment and enforces terminal
// absorption. The zero value is not usable; use NewMachine.
type Machine struct {
	mu      sync.Mutex
	current State
}

// NewMachine returns a machine in the initial pending state.
func NewMachine() *Machine {
	return &Machine{current: StatePending}
}

// Current returns the machine's state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Apply advances the machine toward next and returns the resulting state.
// Invalid transitions, including any event arriving after a terminal state,
// leave the machine unchanged.
func (m *Machine) Apply(next State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if CanTransition(m.current, next) {
		m.current = next
	}
	return m.current
}
