// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"fmt"
)

// State is the lifecycle state of a queue item.
type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "in_flight"
	StateDelivered    State = "delivered"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead_lettered"
)

// validTransitions is the only place queue transitions are defined.
// InFlight -> Pending is the compensating release of a claim.
var validTransitions = map[State]map[State]bool{
	StatePending:      {StateInFlight: true},
	StateInFlight:     {StateDelivered: true, StateFailed: true, StatePending: true},
	StateFailed:       {StatePending: true, StateDeadLettered: true},
	StateDelivered:    {},
	StateDeadLettered: {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	next, ok := validTransitions[s]
	return ok && len(next) == 0
}

// Open reports whether s counts against the one-open-item-per-pair rule.
func (s State) Open() bool {
	return s.Valid() && !s.Terminal()
}

// InvalidTransitionError rejects a transition outside validTransitions.
type InvalidTransitionError struct {
	ItemID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("invalid transition for item %s: %s -> %s", e.ItemID, e.From, e.To)
	}
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// ValidateTransition returns *InvalidTransitionError unless from -> to is
// allowed.
func ValidateTransition(from, to State) error {
	if validTransitions[from][to] {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}
