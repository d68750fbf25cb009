// Package lease implements the message lease lifecycle and the per-process
// tracking of leases held by workers.
package lease

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a message with respect to leasing.
type State string

const (
	// StateQueued means the message is visible and may be leased.
	StateQueued State = "queued"
	// StateLeased means the message is invisible and held by one consumer.
	StateLeased State = "leased"
	// StateDeleted is terminal: the message was acknowledged.
	StateDeleted State = "deleted"
	// StateDeadLettered is terminal for the source queue.
	StateDeadLettered State = "dead_lettered"
)

// ErrInvalidTransition is returned when a state change is not permitted.
var ErrInvalidTransition = errors.New("invalid lease state transition")

var transitions = map[State][]State{
	StateQueued: {StateLeased},
	StateLeased: {StateDeleted, StateQueued, StateDeadLettered},
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateDeleted || s == StateDeadLettered
}

// CanTransition reports whether from -> to is a permitted change.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to. A message can only be deleted while leased.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
