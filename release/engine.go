package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/deal"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MilestoneStore is the slice of the deal repository the engine drives.
type MilestoneStore interface {
	GetDeal(ctx context.Context, id string) (deal.Deal, error)
	GetDealForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
	GetMilestone(ctx context.Context, id string) (deal.Milestone, error)
	GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Milestone, error)
	ListMilestonesForUpdate(ctx context.Context, tx pgx.Tx, dealID string) ([]deal.Milestone, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, from deal.MilestoneState) (deal.Milestone, error)
	UpdateMilestoneState(ctx context.Context, tx pgx.Tx, id string, from, to deal.MilestoneState) (deal.Milestone, error)
	ClearDispute(ctx context.Context, tx pgx.Tx, id string, next deal.MilestoneState) (deal.Milestone, error)
	SetDealStatus(ctx context.Context, tx pgx.Tx, id string, from []deal.Status, to deal.Status) error
	OutstandingMilestones(ctx context.Context, tx pgx.Tx, dealID string) (int, error)
}

// LedgerStore is the slice of the escrow ledger the engine drives.
type LedgerStore interface {
	GetEscrowedForUpdate(ctx context.Context, tx pgx.Tx, milestoneID string) (escrow.Earning, error)
	CompleteEarning(ctx context.Context, tx pgx.Tx, id string, trigger escrow.ReleaseType) (escrow.Earning, error)
	SplitForPartialRelease(ctx context.Context, tx pgx.Tx, hold escrow.Earning, releaseAmount int64, trigger escrow.ReleaseType) (released, remainder escrow.Earning, err error)
	MarkRefundPending(ctx context.Context, tx pgx.Tx, id string) (escrow.Earning, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, id string) (escrow.Earning, error)
	InsertPayout(ctx context.Context, tx pgx.Tx, params escrow.PayoutParams) error
}

// TimelineWriter appends audit events inside the caller's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues downstream events inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Engine moves escrowed funds. Every path locks the milestone row first and
// then flips the ledger entry with a status-conditional update, so a retry
// or a concurrent duplicate results in exactly one movement.
type Engine struct {
	pool       TxBeginner
	milestones MilestoneStore
	ledger     LedgerStore
	gw         gateway.Gateway
	rules      Rules
	timeline   TimelineWriter
	outbox     OutboxWriter
	notifier   notify.Notifier
	now        func() time.Time
}

func NewEngine(pool TxBeginner, milestones MilestoneStore, ledger LedgerStore, gw gateway.Gateway, rules Rules, timeline TimelineWriter, outbox OutboxWriter) *Engine {
	return &Engine{
		pool:       pool,
		milestones: milestones,
		ledger:     ledger,
		gw:         gw,
		rules:      rules,
		timeline:   timeline,
		outbox:     outbox,
		now:        time.Now,
	}
}

func (e *Engine) WithNotifier(n notify.Notifier) *Engine {
	e.notifier = n
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Params identifies a full release or refund of one milestone's escrow.
type Params struct {
	MilestoneID string
	ActorID     string
	Trigger     escrow.ReleaseType
}

// Release sends the full hold to the payee and completes the milestone.
// Releasing an already-completed milestone is a successful no-op so retries
// after a commit are safe.
func (e *Engine) Release(ctx context.Context, params Params) (deal.Milestone, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("release: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := e.milestones.GetMilestoneForUpdate(ctx, tx, params.MilestoneID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if m.State == deal.StateCompleted {
		return m, nil
	}

	rec, err := e.milestones.GetDeal(ctx, m.DealID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if err := e.authorize(rec, m, params); err != nil {
		return deal.Milestone{}, err
	}
	if err := e.rules.Check(m, params.Trigger, e.now()); err != nil {
		return deal.Milestone{}, err
	}

	hold, err := e.ledger.GetEscrowedForUpdate(ctx, tx, m.ID)
	if err != nil {
		return deal.Milestone{}, err
	}

	result, err := e.gw.Transfer(ctx, rec.PayeeID, hold.Amount, hold.Currency, map[string]string{
		"deal_id":      rec.ID,
		"milestone_id": m.ID,
		"trigger":      string(params.Trigger),
	})
	if err != nil {
		return deal.Milestone{}, err
	}

	if _, err := e.ledger.CompleteEarning(ctx, tx, hold.ID, params.Trigger); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	txRef := result.TransactionID
	if err := e.ledger.InsertPayout(ctx, tx, escrow.PayoutParams{
		MilestoneID:  m.ID,
		DealID:       rec.ID,
		Kind:         escrow.PayoutRelease,
		Amount:       hold.Amount,
		Currency:     hold.Currency,
		GatewayTxRef: &txRef,
	}); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	completed, err := e.milestones.MarkCompleted(ctx, tx, m.ID, m.State)
	if err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	if err := e.maybeCompleteDeal(ctx, tx, rec); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	if err := e.audit(ctx, tx, rec.ID, "MILESTONE_RELEASED", params.ActorID, map[string]any{
		"milestone_id": m.ID,
		"amount":       hold.Amount,
		"trigger":      string(params.Trigger),
		"tx_ref":       result.TransactionID,
	}, "milestone.released"); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	if err := tx.Commit(ctx); err != nil {
		return deal.Milestone{}, reconcile(fmt.Errorf("release: commit: %w", err), result.TransactionID)
	}

	if e.notifier != nil {
		e.notifier.Notify(ctx, rec.PayeeID, "milestone.released", map[string]any{
			"deal_id":      rec.ID,
			"milestone_id": m.ID,
			"amount":       hold.Amount,
		})
	}

	return completed, nil
}

// Refund returns the full hold to the payer and marks the milestone refunded.
func (e *Engine) Refund(ctx context.Context, params Params) (deal.Milestone, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("release: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := e.milestones.GetMilestoneForUpdate(ctx, tx, params.MilestoneID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if m.State == deal.StateRefunded {
		return m, nil
	}

	rec, err := e.milestones.GetDeal(ctx, m.DealID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if err := e.rules.Check(m, params.Trigger, e.now()); err != nil {
		return deal.Milestone{}, err
	}

	hold, err := e.ledger.GetEscrowedForUpdate(ctx, tx, m.ID)
	if err != nil {
		return deal.Milestone{}, err
	}

	pending, err := e.ledger.MarkRefundPending(ctx, tx, hold.ID)
	if err != nil {
		return deal.Milestone{}, err
	}

	target := refundTarget(m)
	result, err := e.gw.Refund(ctx, target, hold.Amount, hold.Currency, map[string]string{
		"deal_id":      rec.ID,
		"milestone_id": m.ID,
	})
	if err != nil {
		return deal.Milestone{}, err
	}

	if _, err := e.ledger.MarkRefunded(ctx, tx, pending.ID); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	txRef := result.TransactionID
	if err := e.ledger.InsertPayout(ctx, tx, escrow.PayoutParams{
		MilestoneID:  m.ID,
		DealID:       rec.ID,
		Kind:         escrow.PayoutRefund,
		Amount:       hold.Amount,
		Currency:     hold.Currency,
		GatewayTxRef: &txRef,
	}); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	refunded, err := e.milestones.UpdateMilestoneState(ctx, tx, m.ID, m.State, deal.StateRefunded)
	if err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	if err := e.maybeCompleteDeal(ctx, tx, rec); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	if err := e.audit(ctx, tx, rec.ID, "MILESTONE_REFUNDED", params.ActorID, map[string]any{
		"milestone_id": m.ID,
		"amount":       hold.Amount,
		"tx_ref":       result.TransactionID,
	}, "milestone.refunded"); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	if err := tx.Commit(ctx); err != nil {
		return deal.Milestone{}, reconcile(fmt.Errorf("release: commit: %w", err), result.TransactionID)
	}

	if e.notifier != nil {
		e.notifier.Notify(ctx, rec.PayerID, "milestone.refunded", map[string]any{
			"deal_id":      rec.ID,
			"milestone_id": m.ID,
			"amount":       hold.Amount,
		})
	}

	return refunded, nil
}

// Split sizes a partial settlement. Exactly one side is set; the other is
// derived from the locked hold, so the two portions always sum to it.
type Split struct {
	ReleaseAmount int64
	RefundAmount  int64
}

// ReleasePartial sends part of the hold to the payee and refunds the rest to
// the payer, completing the milestone. Only dispute resolutions split funds.
func (e *Engine) ReleasePartial(ctx context.Context, params Params, split Split) (deal.Milestone, error) {
	if params.Trigger != escrow.ReleaseDisputeResolution {
		return deal.Milestone{}, fmt.Errorf("%w: partial release requires a dispute resolution", ErrNotEligible)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("release: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := e.milestones.GetMilestoneForUpdate(ctx, tx, params.MilestoneID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if m.State == deal.StateCompleted {
		return m, nil
	}

	rec, err := e.milestones.GetDeal(ctx, m.DealID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if err := e.rules.Check(m, params.Trigger, e.now()); err != nil {
		return deal.Milestone{}, err
	}

	hold, err := e.ledger.GetEscrowedForUpdate(ctx, tx, m.ID)
	if err != nil {
		return deal.Milestone{}, err
	}
	releaseAmount := split.ReleaseAmount
	if releaseAmount == 0 {
		releaseAmount = hold.Amount - split.RefundAmount
	}
	refundAmount := hold.Amount - releaseAmount

	released, remainder, err := e.ledger.SplitForPartialRelease(ctx, tx, hold, releaseAmount, params.Trigger)
	if err != nil {
		return deal.Milestone{}, err
	}

	transfer, err := e.gw.Transfer(ctx, rec.PayeeID, released.Amount, hold.Currency, map[string]string{
		"deal_id":      rec.ID,
		"milestone_id": m.ID,
		"trigger":      string(params.Trigger),
	})
	if err != nil {
		return deal.Milestone{}, err
	}

	refund, err := e.gw.Refund(ctx, refundTarget(m), refundAmount, hold.Currency, map[string]string{
		"deal_id":      rec.ID,
		"milestone_id": m.ID,
	})
	if err != nil {
		return deal.Milestone{}, reconcile(err, transfer.TransactionID)
	}

	if _, err := e.ledger.MarkRefunded(ctx, tx, remainder.ID); err != nil {
		return deal.Milestone{}, reconcile(err, transfer.TransactionID)
	}

	transferRef, refundRef := transfer.TransactionID, refund.TransactionID
	if err := e.ledger.InsertPayout(ctx, tx, escrow.PayoutParams{
		MilestoneID: m.ID, DealID: rec.ID, Kind: escrow.PayoutRelease,
		Amount: released.Amount, Currency: hold.Currency, GatewayTxRef: &transferRef,
	}); err != nil {
		return deal.Milestone{}, reconcile(err, transfer.TransactionID)
	}
	if err := e.ledger.InsertPayout(ctx, tx, escrow.PayoutParams{
		MilestoneID: m.ID, DealID: rec.ID, Kind: escrow.PayoutRefund,
		Amount: refundAmount, Currency: hold.Currency, GatewayTxRef: &refundRef,
	}); err != nil {
		return deal.Milestone{}, reconcile(err, transfer.TransactionID)
	}

	completed, err := e.milestones.MarkCompleted(ctx, tx, m.ID, m.State)
	if err != nil {
		return deal.Milestone{}, reconcile(err, transfer.TransactionID)
	}

	if err := e.maybeCompleteDeal(ctx, tx, rec); err != nil {
		return deal.Milestone{}, reconcile(err, transfer.TransactionID)
	}

	if err := e.audit(ctx, tx, rec.ID, "MILESTONE_SPLIT_RELEASED", params.ActorID, map[string]any{
		"milestone_id":    m.ID,
		"released_amount": released.Amount,
		"refunded_amount": refundAmount,
	}, "milestone.split_released"); err != nil {
		return deal.Milestone{}, reconcile(err, transfer.TransactionID)
	}

	if err := tx.Commit(ctx); err != nil {
		return deal.Milestone{}, reconcile(fmt.Errorf("release: commit: %w", err), transfer.TransactionID)
	}

	if e.notifier != nil {
		e.notifier.Notify(ctx, rec.PayeeID, "milestone.split_released", map[string]any{
			"deal_id":      rec.ID,
			"milestone_id": m.ID,
			"amount":       released.Amount,
		})
	}

	return completed, nil
}

// Apply executes a resolved dispute's outcome.
func (e *Engine) Apply(ctx context.Context, instr Instruction) (deal.Milestone, error) {
	if err := instr.Validate(); err != nil {
		return deal.Milestone{}, err
	}

	params := Params{
		MilestoneID: instr.MilestoneID,
		ActorID:     instr.ActorID,
		Trigger:     escrow.ReleaseDisputeResolution,
	}
	switch instr.Outcome {
	case OutcomeReleaseFull:
		return e.Release(ctx, params)
	case OutcomeRefundFull:
		return e.Refund(ctx, params)
	case OutcomeReleasePartial:
		return e.ReleasePartial(ctx, params, Split{ReleaseAmount: instr.Amount})
	case OutcomeRefundPartial:
		return e.ReleasePartial(ctx, params, Split{RefundAmount: instr.Amount})
	case OutcomeContinueWork:
		return e.ContinueWork(ctx, instr)
	default:
		return e.CancelDeal(ctx, instr)
	}
}

// ContinueWork lifts the dispute freeze without moving money: the milestone
// returns to funded so the payee can resubmit against the intact hold.
// Deal-level disputes have no milestone to unfreeze; the dispute service
// reopens the deal when it closes the ruling.
func (e *Engine) ContinueWork(ctx context.Context, instr Instruction) (deal.Milestone, error) {
	if instr.MilestoneID == "" {
		return deal.Milestone{}, nil
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("release: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := e.milestones.GetMilestoneForUpdate(ctx, tx, instr.MilestoneID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if m.State != deal.StateDisputed && !m.DisputeFlag {
		// already lifted by an earlier run of the same ruling
		return m, nil
	}

	cleared, err := e.milestones.ClearDispute(ctx, tx, m.ID, deal.StateFunded)
	if err != nil {
		return deal.Milestone{}, err
	}

	if err := e.audit(ctx, tx, m.DealID, "DISPUTE_WORK_RESUMED", instr.ActorID, map[string]any{
		"milestone_id": m.ID,
	}, "milestone.work_resumed"); err != nil {
		return deal.Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return deal.Milestone{}, fmt.Errorf("release: commit: %w", err)
	}
	return cleared, nil
}

// CancelDeal winds the whole deal down: every open hold is refunded to the
// payer, every unfinished milestone is cancelled or refunded, and the deal
// moves to cancelled. Completed milestones keep their released funds.
func (e *Engine) CancelDeal(ctx context.Context, instr Instruction) (deal.Milestone, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("release: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dealID := instr.DealID
	if dealID == "" {
		m, err := e.milestones.GetMilestone(ctx, instr.MilestoneID)
		if err != nil {
			return deal.Milestone{}, err
		}
		dealID = m.DealID
	}

	rec, err := e.milestones.GetDealForUpdate(ctx, tx, dealID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if rec.Status == deal.StatusCancelled {
		// a retry of the same ruling
		if instr.MilestoneID != "" {
			return e.milestones.GetMilestone(ctx, instr.MilestoneID)
		}
		return deal.Milestone{}, nil
	}

	milestones, err := e.milestones.ListMilestonesForUpdate(ctx, tx, rec.ID)
	if err != nil {
		return deal.Milestone{}, err
	}

	var subject deal.Milestone
	var refunded int64
	for _, m := range milestones {
		updated := m
		if !deal.IsTerminal(m.State) {
			updated, err = e.cancelMilestone(ctx, tx, rec, m)
			if err != nil {
				return deal.Milestone{}, err
			}
			if updated.State == deal.StateRefunded {
				refunded++
			}
		}
		if m.ID == instr.MilestoneID {
			subject = updated
		}
	}

	if err := e.milestones.SetDealStatus(ctx, tx, rec.ID,
		[]deal.Status{deal.StatusNegotiating, deal.StatusActive, deal.StatusDisputed}, deal.StatusCancelled); err != nil {
		return deal.Milestone{}, err
	}

	if err := e.audit(ctx, tx, rec.ID, "DEAL_CANCELLED", instr.ActorID, map[string]any{
		"refunded_milestones": refunded,
	}, "deal.cancelled"); err != nil {
		return deal.Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return deal.Milestone{}, fmt.Errorf("release: commit: %w", err)
	}

	if e.notifier != nil {
		payload := map[string]any{"deal_id": rec.ID}
		e.notifier.Notify(ctx, rec.PayerID, "deal.cancelled", payload)
		e.notifier.Notify(ctx, rec.PayeeID, "deal.cancelled", payload)
	}

	return subject, nil
}

// cancelMilestone settles one unfinished milestone during a deal
// cancellation: an open hold is refunded through the gateway, a bare
// milestone is simply marked cancelled.
func (e *Engine) cancelMilestone(ctx context.Context, tx pgx.Tx, rec deal.Deal, m deal.Milestone) (deal.Milestone, error) {
	hold, err := e.ledger.GetEscrowedForUpdate(ctx, tx, m.ID)
	if errors.Is(err, escrow.ErrNoEscrowedEarning) {
		return e.milestones.UpdateMilestoneState(ctx, tx, m.ID, m.State, deal.StateCancelled)
	}
	if err != nil {
		return deal.Milestone{}, err
	}

	pending, err := e.ledger.MarkRefundPending(ctx, tx, hold.ID)
	if err != nil {
		return deal.Milestone{}, err
	}

	result, err := e.gw.Refund(ctx, refundTarget(m), hold.Amount, hold.Currency, map[string]string{
		"deal_id":      rec.ID,
		"milestone_id": m.ID,
	})
	if err != nil {
		return deal.Milestone{}, err
	}
	if _, err := e.ledger.MarkRefunded(ctx, tx, pending.ID); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	txRef := result.TransactionID
	if err := e.ledger.InsertPayout(ctx, tx, escrow.PayoutParams{
		MilestoneID:  m.ID,
		DealID:       rec.ID,
		Kind:         escrow.PayoutRefund,
		Amount:       hold.Amount,
		Currency:     hold.Currency,
		GatewayTxRef: &txRef,
	}); err != nil {
		return deal.Milestone{}, reconcile(err, result.TransactionID)
	}

	return e.milestones.UpdateMilestoneState(ctx, tx, m.ID, m.State, deal.StateRefunded)
}

// ReleaseApproved is the hook the review workflow calls after an approval.
func (e *Engine) ReleaseApproved(ctx context.Context, milestoneID, actorID string) error {
	_, err := e.Release(ctx, Params{
		MilestoneID: milestoneID,
		ActorID:     actorID,
		Trigger:     escrow.ReleaseManual,
	})
	return err
}

func (e *Engine) authorize(rec deal.Deal, m deal.Milestone, params Params) error {
	switch params.Trigger {
	case escrow.ReleaseManual:
		if rec.PayerID == params.ActorID {
			return nil
		}
		// the payee may pull the release themselves once the auto-release
		// deadline has passed
		if rec.PayeeID == params.ActorID && m.AutoReleaseAt != nil && !e.now().Before(*m.AutoReleaseAt) {
			return nil
		}
		return ErrNotAuthorized
	case escrow.ReleaseAutomatic, escrow.ReleaseDisputeResolution:
		// automatic releases run as the system; dispute resolutions are
		// authorized by the dispute service before the instruction is built
	default:
		return fmt.Errorf("release: unknown trigger %q", params.Trigger)
	}
	return nil
}

func (e *Engine) maybeCompleteDeal(ctx context.Context, tx pgx.Tx, rec deal.Deal) error {
	outstanding, err := e.milestones.OutstandingMilestones(ctx, tx, rec.ID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}
	err = e.milestones.SetDealStatus(ctx, tx, rec.ID, []deal.Status{deal.StatusActive, deal.StatusDisputed}, deal.StatusCompleted)
	if errors.Is(err, deal.ErrStateConflict) {
		// a concurrent release finished the deal first
		return nil
	}
	return err
}

func (e *Engine) audit(ctx context.Context, tx pgx.Tx, dealID, eventType, actorID string, payload map[string]any, topic string) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if e.timeline != nil {
		if err := e.timeline.Append(ctx, tx, dealID, eventType, actor, payload); err != nil {
			return err
		}
	}
	if e.outbox != nil {
		if err := e.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func refundTarget(m deal.Milestone) string {
	if m.FundingTxRef != nil && *m.FundingTxRef != "" {
		return *m.FundingTxRef
	}
	return m.ID
}

func reconcile(err error, txRef string) error {
	return fmt.Errorf("%w (gateway tx %s pending reconciliation)", err, txRef)
}
