package release

import "fmt"

// Outcome names a dispute resolution's effect on escrowed funds.
type Outcome string

const (
	// OutcomeReleaseFull sends the whole hold to the payee.
	OutcomeReleaseFull Outcome = "release_full"
	// OutcomeReleasePartial sends the given amount to the payee and refunds
	// the rest.
	OutcomeReleasePartial Outcome = "release_partial"
	// OutcomeRefundFull returns the whole hold to the payer.
	OutcomeRefundFull Outcome = "refund_full"
	// OutcomeRefundPartial returns the given amount to the payer and releases
	// the rest.
	OutcomeRefundPartial Outcome = "refund_partial"
	// OutcomeContinueWork clears the dispute freeze and returns the milestone
	// to the working state; no money moves.
	OutcomeContinueWork Outcome = "continue_work"
	// OutcomeCancelDeal cancels the whole deal: every open hold is refunded
	// and every unfinished milestone is cancelled.
	OutcomeCancelDeal Outcome = "cancel_deal"
)

// Instruction is the movement a resolved dispute hands to the engine. A
// dispute scoped to a milestone carries its id; a deal-level dispute carries
// only the deal id and supports continue_work and cancel_deal.
type Instruction struct {
	DealID      string
	MilestoneID string
	ActorID     string
	Outcome     Outcome
	// Amount is the moved portion for the partial outcomes: the released
	// part for release_partial, the refunded part for refund_partial.
	Amount int64
}

// Validate checks structural consistency; amount bounds against the actual
// hold are enforced by the engine under lock.
func (i Instruction) Validate() error {
	switch i.Outcome {
	case OutcomeReleaseFull, OutcomeRefundFull:
		if i.MilestoneID == "" {
			return fmt.Errorf("release: %s instruction requires a milestone id", i.Outcome)
		}
		if i.Amount != 0 {
			return fmt.Errorf("release: %s instruction must not carry an amount", i.Outcome)
		}
	case OutcomeReleasePartial, OutcomeRefundPartial:
		if i.MilestoneID == "" {
			return fmt.Errorf("release: %s instruction requires a milestone id", i.Outcome)
		}
		if i.Amount <= 0 {
			return fmt.Errorf("release: %s instruction requires a positive amount", i.Outcome)
		}
	case OutcomeContinueWork, OutcomeCancelDeal:
		if i.MilestoneID == "" && i.DealID == "" {
			return fmt.Errorf("release: %s instruction requires a deal or milestone id", i.Outcome)
		}
		if i.Amount != 0 {
			return fmt.Errorf("release: %s instruction must not carry an amount", i.Outcome)
		}
	default:
		return fmt.Errorf("release: unknown outcome %q", i.Outcome)
	}
	return nil
}
