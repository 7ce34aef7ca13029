// Package status owns the participant's lifecycle state machine and mirrors
// every transition to an external status store.
package status

import "errors"

// State is one lifecycle state of the participant.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateConnecting   State = "CONNECTING"
	StateJoining      State = "JOINING"
	StateJoined       State = "JOINED"
	StateActive       State = "ACTIVE"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
)

// ErrInvalidTransition is returned for transitions the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// order of the forward path; terminal states are handled separately.
var order = map[State]int{
	StateInitializing: 0,
	StateConnecting:   1,
	StateJoining:      2,
	StateJoined:       3,
	StateActive:       4,
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := order[s]
	return ok || s.Terminal()
}

// CanTransition reports whether from -> to is allowed. The forward path must
// be walked one step at a time; COMPLETED and FAILED are reachable from any
// non-terminal state; ACTIVE -> ACTIVE is accepted when transcription
// restarts.
func CanTransition(from, to State) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to.Terminal() {
		return true
	}
	if from == StateActive && to == StateActive {
		return true
	}
	return order[to] == order[from]+1
}
