// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package forward

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		valid    bool
	}{
		{StatePending, StateInFlight, true},
		{StateInFlight, StateDelivered, true},
		{StateInFlight, StateFailed, true},
		{StateInFlight, StatePending, true},
		{StateFailed, StatePending, true},
		{StateFailed, StateDeadLettered, true},

		{StatePending, StateDelivered, false},
		{StatePending, StateFailed, false},
		{StatePending, StatePending, false},
		{StateInFlight, StateDeadLettered, false},
		{StateFailed, StateDelivered, false},
		{StateDelivered, StatePending, false},
		{StateDelivered, StateInFlight, false},
		{StateDeadLettered, StatePending, false},
		{State("bogus"), StatePending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			err := ValidateTransition(tt.from, tt.to)
			if tt.valid {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("expected InvalidTransitionError, got %v", err)
			}
			if ite.From != tt.from || ite.To != tt.to {
				t.Errorf("unexpected error fields: %+v", ite)
			}
		})
	}
}

func TestStateClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state                 State
		valid, terminal, open bool
	}{
		{StatePending, true, false, true},
		{StateInFlight, true, false, true},
		{StateFailed, true, false, true},
		{StateDelivered, true, true, false},
		{StateDeadLettered, true, true, false},
		{State(""), false, false, false},
	}
	for _, tt := range tests {
		if tt.state.Valid() != tt.valid || tt.state.Terminal() != tt.terminal || tt.state.Open() != tt.open {
			t.Errorf("%q: valid=%v terminal=%v open=%v", tt.state, tt.state.Valid(), tt.state.Terminal(), tt.state.Open())
		}
	}
}
