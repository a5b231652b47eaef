package release

import (
	"errors"
	"fmt"
	"time"

	"escrowflow/deal"
	"escrowflow/escrow"
)

var (
	// ErrNotFunded signals a release against a milestone whose escrow was
	// never funded.
	ErrNotFunded = errors.New("release: milestone not funded")
	// ErrAlreadyReleased signals the milestone's escrow already moved. Callers
	// treating a retry as success should check the milestone state instead.
	ErrAlreadyReleased = errors.New("release: milestone already released")
	// ErrMilestoneDisputed signals a blocked release: disputed escrow only
	// moves through a dispute resolution.
	ErrMilestoneDisputed = errors.New("release: milestone is disputed")
	// ErrNotEligible signals a milestone state outside the releasable set.
	ErrNotEligible = errors.New("release: milestone not eligible for release")
	// ErrNotAuthorized signals an actor who may not trigger the movement.
	ErrNotAuthorized = errors.New("release: actor may not release this milestone")
)

// Rules is the single eligibility predicate every release path consults.
// Eligibility depends only on the milestone row; deal status is never part
// of the decision.
type Rules struct {
	releasable map[deal.MilestoneState]bool
}

// DefaultRules permits releasing funded, submitted and approved milestones.
func DefaultRules() Rules {
	return Rules{releasable: map[deal.MilestoneState]bool{
		deal.StateFunded:    true,
		deal.StateSubmitted: true,
		deal.StateApproved:  true,
	}}
}

// Check validates that the milestone's escrow may move for the given trigger
// at the given time.
func (r Rules) Check(m deal.Milestone, trigger escrow.ReleaseType, now time.Time) error {
	switch m.State {
	case deal.StateCompleted:
		return ErrAlreadyReleased
	case deal.StatePending:
		return ErrNotFunded
	case deal.StateDisputed:
		if trigger != escrow.ReleaseDisputeResolution {
			return ErrMilestoneDisputed
		}
		return nil
	}
	if m.DisputeFlag && trigger != escrow.ReleaseDisputeResolution {
		return ErrMilestoneDisputed
	}
	if trigger == escrow.ReleaseAutomatic {
		if m.AutoReleaseAt == nil || now.Before(*m.AutoReleaseAt) {
			return fmt.Errorf("%w: auto-release date not reached", ErrNotEligible)
		}
	}
	if !r.releasable[m.State] {
		return ErrNotEligible
	}
	return nil
}
