package deal

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition signals a milestone mutation that the state machine
// does not permit.
var ErrInvalidTransition = errors.New("deal: invalid milestone transition")

// milestoneTransitions is the single source of truth for milestone lifecycle
// moves. Manual release by the payer may complete a milestone from any
// funded-or-later working state; disputed exits only via dispute resolution.
var milestoneTransitions = map[MilestoneState][]MilestoneState{
	StatePending:          {StateFunded, StateCancelled},
	StateFunded:           {StateSubmitted, StateCompleted, StateDisputed, StateCancelled, StateRefunded},
	StateSubmitted:        {StateApproved, StateRevisionRequired, StateCompleted, StateDisputed, StateCancelled, StateRefunded},
	StateApproved:         {StateCompleted, StateDisputed, StateCancelled, StateRefunded},
	StateRevisionRequired: {StateSubmitted, StateCompleted, StateDisputed, StateCancelled, StateRefunded},
	StateDisputed:         {StateFunded, StateCompleted, StateCancelled, StateRefunded},
}

// CanTransition reports whether a milestone may move from one state to another.
func CanTransition(from, to MilestoneState) bool {
	for _, next := range milestoneTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition (wrapped with the states
// involved) when the move is not allowed.
func ValidateTransition(from, to MilestoneState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether a milestone state accepts no further transitions.
func IsTerminal(s MilestoneState) bool {
	switch s {
	case StateCompleted, StateCancelled, StateRefunded:
		return true
	default:
		return false
	}
}

var dealTransitions = map[Status][]Status{
	StatusNegotiating: {StatusActive, StatusCancelled},
	StatusActive:      {StatusDisputed, StatusCompleted, StatusCancelled},
	StatusDisputed:    {StatusActive, StatusCompleted, StatusCancelled},
}

// CanDealTransition reports whether a deal may move between statuses.
func CanDealTransition(from, to Status) bool {
	for _, next := range dealTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
