package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/deal"
	"escrowflow/gateway"
	"escrowflow/notify"
)

var (
	// ErrAlreadyFunded signals a funding attempt against a milestone that has
	// left the pending state.
	ErrAlreadyFunded = errors.New("escrow: milestone already funded")
	// ErrValidation wraps malformed funding requests.
	ErrValidation = errors.New("escrow: invalid request")
)

const fundOperation = "milestone.fund"

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MilestoneStore is the slice of the deal repository funding needs.
type MilestoneStore interface {
	GetDeal(ctx context.Context, id string) (deal.Deal, error)
	GetMilestone(ctx context.Context, id string) (deal.Milestone, error)
	GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Milestone, error)
	MarkFunded(ctx context.Context, tx pgx.Tx, id, txRef string) (deal.Milestone, error)
}

// LedgerStore is the slice of the ledger funding writes to.
type LedgerStore interface {
	InsertEarning(ctx context.Context, tx pgx.Tx, params EarningParams) (Earning, error)
	InsertPayout(ctx context.Context, tx pgx.Tx, params PayoutParams) error
}

// KeyStore guards funding retries.
type KeyStore interface {
	Lookup(ctx context.Context, key, operation string) (string, bool, error)
	Reserve(ctx context.Context, tx pgx.Tx, key, operation, resourceID string) error
}

// TimelineWriter appends audit events inside the caller's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues downstream events inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// FundingService captures the payer's money through the payment gateway and
// opens the escrow hold for a milestone.
type FundingService struct {
	pool       TxBeginner
	milestones MilestoneStore
	ledger     LedgerStore
	keys       KeyStore
	gw         gateway.Gateway
	timeline   TimelineWriter
	outbox     OutboxWriter
	notifier   notify.Notifier
	feeBps     int64
}

func NewFundingService(pool TxBeginner, milestones MilestoneStore, ledger LedgerStore, keys KeyStore, gw gateway.Gateway, timeline TimelineWriter, outbox OutboxWriter) *FundingService {
	return &FundingService{
		pool:       pool,
		milestones: milestones,
		ledger:     ledger,
		keys:       keys,
		gw:         gw,
		timeline:   timeline,
		outbox:     outbox,
	}
}

func (s *FundingService) WithNotifier(n notify.Notifier) *FundingService {
	s.notifier = n
	return s
}

// WithPlatformFee sets the platform's cut in basis points of the escrowed
// amount. The fee rides on top of the charge; the hold itself stays the
// milestone amount plus bonus. Zero disables the fee.
func (s *FundingService) WithPlatformFee(bps int64) *FundingService {
	s.feeBps = bps
	return s
}

func (s *FundingService) platformFee(escrowed int64) int64 {
	if s.feeBps <= 0 {
		return 0
	}
	return escrowed * s.feeBps / 10000
}

// FundParams describes a funding request. IdempotencyKey is optional; when
// present a retry with the same key replays the first outcome.
type FundParams struct {
	MilestoneID    string
	ActorID        string
	Instrument     string
	IdempotencyKey string
}

// Fund charges the payer's instrument for the milestone amount plus bonus,
// plus the platform fee when one is configured, and records the escrowed
// earning. The gateway capture happens before the
// database transaction; if any write afterwards fails, nothing is persisted
// and the capture reference is surfaced in the error for reconciliation.
func (s *FundingService) Fund(ctx context.Context, params FundParams) (deal.Milestone, error) {
	if params.MilestoneID == "" || params.ActorID == "" {
		return deal.Milestone{}, fmt.Errorf("%w: milestone id and actor id required", ErrValidation)
	}
	if params.Instrument == "" {
		return deal.Milestone{}, fmt.Errorf("%w: payment instrument required", ErrValidation)
	}

	if params.IdempotencyKey != "" {
		milestoneID, found, err := s.keys.Lookup(ctx, params.IdempotencyKey, fundOperation)
		if err != nil {
			return deal.Milestone{}, err
		}
		if found {
			return s.milestones.GetMilestone(ctx, milestoneID)
		}
	}

	m, err := s.milestones.GetMilestone(ctx, params.MilestoneID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if m.State != deal.StatePending {
		return deal.Milestone{}, ErrAlreadyFunded
	}

	rec, err := s.milestones.GetDeal(ctx, m.DealID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if rec.PayerID != params.ActorID {
		return deal.Milestone{}, deal.ErrNotDealParty
	}

	escrowed := m.Amount + m.BonusAmount
	fee := s.platformFee(escrowed)
	total := escrowed + fee
	capture, err := s.gw.Capture(ctx, params.Instrument, total, rec.Currency, map[string]string{
		"deal_id":      rec.ID,
		"milestone_id": m.ID,
	})
	if err != nil {
		return deal.Milestone{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("escrow: begin tx (capture %s pending reconciliation): %w", capture.TransactionID, err)
	}
	defer tx.Rollback(ctx)

	if params.IdempotencyKey != "" {
		if err := s.keys.Reserve(ctx, tx, params.IdempotencyKey, fundOperation, m.ID); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return s.milestones.GetMilestone(ctx, m.ID)
			}
			return deal.Milestone{}, err
		}
	}

	locked, err := s.milestones.GetMilestoneForUpdate(ctx, tx, m.ID)
	if err != nil {
		return deal.Milestone{}, err
	}
	if locked.State != deal.StatePending {
		return deal.Milestone{}, ErrAlreadyFunded
	}

	funded, err := s.milestones.MarkFunded(ctx, tx, m.ID, capture.TransactionID)
	if err != nil {
		return deal.Milestone{}, err
	}

	if _, err := s.ledger.InsertEarning(ctx, tx, EarningParams{
		MilestoneID: m.ID,
		DealID:      rec.ID,
		PayeeID:     rec.PayeeID,
		Amount:      escrowed,
		Currency:    rec.Currency,
	}); err != nil {
		return deal.Milestone{}, err
	}

	txRef := capture.TransactionID
	if err := s.ledger.InsertPayout(ctx, tx, PayoutParams{
		MilestoneID:  m.ID,
		DealID:       rec.ID,
		Kind:         PayoutEscrowHold,
		Amount:       escrowed,
		Currency:     rec.Currency,
		GatewayTxRef: &txRef,
	}); err != nil {
		return deal.Milestone{}, err
	}
	if fee > 0 {
		if err := s.ledger.InsertPayout(ctx, tx, PayoutParams{
			MilestoneID:  m.ID,
			DealID:       rec.ID,
			Kind:         PayoutFee,
			Amount:       fee,
			Currency:     rec.Currency,
			GatewayTxRef: &txRef,
		}); err != nil {
			return deal.Milestone{}, err
		}
	}

	if s.timeline != nil {
		payload := map[string]any{
			"milestone_id": m.ID,
			"amount":       escrowed,
			"tx_ref":       capture.TransactionID,
		}
		if fee > 0 {
			payload["platform_fee"] = fee
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, "MILESTONE_FUNDED", &params.ActorID, payload); err != nil {
			return deal.Milestone{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"deal_id":      rec.ID,
			"milestone_id": m.ID,
			"amount":       escrowed,
		}
		if err := s.outbox.Enqueue(ctx, tx, "milestone.funded", payload); err != nil {
			return deal.Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return deal.Milestone{}, fmt.Errorf("escrow: commit funding (capture %s pending reconciliation): %w", capture.TransactionID, err)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, rec.PayeeID, "milestone.funded", map[string]any{
			"deal_id":      rec.ID,
			"milestone_id": m.ID,
			"amount":       escrowed,
		})
	}

	return funded, nil
}
