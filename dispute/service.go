package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/auth"
	"escrowflow/deal"
	"escrowflow/notify"
	"escrowflow/release"
)

var (
	// ErrNotParticipant signals an actor who is neither a deal party nor a
	// mediator.
	ErrNotParticipant = errors.New("dispute: actor is not a participant")
	// ErrMediatorOnly signals a resolution attempted by a non-mediator.
	ErrMediatorOnly = errors.New("dispute: only mediators resolve disputes")
	// ErrValidation wraps malformed dispute requests.
	ErrValidation = errors.New("dispute: invalid request")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the dispute persistence the service needs.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	Resolve(ctx context.Context, tx pgx.Tx, params ResolveParams) (Dispute, error)
	MarkEngaged(ctx context.Context, tx pgx.Tx, disputeID string) error
	EscalateOverdue(ctx context.Context, now time.Time) ([]string, error)
	CancelActiveForDeal(ctx context.Context, tx pgx.Tx, dealID, exceptID string) (int, error)
	CountOpenForDeal(ctx context.Context, tx pgx.Tx, dealID string) (int, error)
	List(ctx context.Context, filter ListFilter) ([]Dispute, error)
	InsertMessage(ctx context.Context, tx pgx.Tx, disputeID, authorID, body string) (Message, error)
	ListMessages(ctx context.Context, disputeID string) ([]Message, error)
}

// MilestoneStore is the slice of the deal repository dispute handling needs.
type MilestoneStore interface {
	GetDeal(ctx context.Context, id string) (deal.Deal, error)
	GetDealForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error)
	GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Milestone, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, id string, from deal.MilestoneState) (deal.Milestone, error)
	SetDealStatus(ctx context.Context, tx pgx.Tx, id string, from []deal.Status, to deal.Status) error
}

// Applier executes a resolution's money movement; it locks and checks
// idempotently on its own, so re-running a ruling never moves funds twice.
type Applier interface {
	Apply(ctx context.Context, instr release.Instruction) (deal.Milestone, error)
}

// TimelineWriter appends audit events inside the caller's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues downstream events inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the dispute lifecycle: opening freezes the contested escrow,
// the thread collects evidence, and a mediator's ruling hands the release
// engine an instruction.
type Service struct {
	pool       TxBeginner
	repo       Store
	milestones MilestoneStore
	engine     Applier
	timeline   TimelineWriter
	outbox     OutboxWriter
	notifier   notify.Notifier
	now        func() time.Time
}

func NewService(pool TxBeginner, repo Store, milestones MilestoneStore, engine Applier, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		milestones: milestones,
		engine:     engine,
		timeline:   timeline,
		outbox:     outbox,
		now:        time.Now,
	}
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenParams describes a new dispute request. MilestoneID scopes the dispute
// to one milestone; left empty, the dispute is opened against the whole deal
// and DealID is required.
type OpenParams struct {
	DealID      string
	MilestoneID string
	ActorID     string
	Category    Category
	Urgency     Urgency
	Reason      string
}

// Open starts the dispute. A milestone-scoped dispute freezes that
// milestone's escrow; a deal-level one locks the deal row and flips its
// status. Either party may open one.
func (s *Service) Open(ctx context.Context, params OpenParams) (Dispute, error) {
	if params.Reason == "" {
		return Dispute{}, fmt.Errorf("%w: reason required", ErrValidation)
	}
	if params.Urgency == "" {
		params.Urgency = UrgencyMedium
	}
	if params.Category == "" {
		params.Category = CategoryOther
	}
	if !ValidCategory(params.Category) {
		return Dispute{}, fmt.Errorf("%w: unknown category %q", ErrValidation, params.Category)
	}
	window, ok := EscalationWindow(params.Urgency)
	if !ok {
		return Dispute{}, fmt.Errorf("%w: unknown urgency %q", ErrValidation, params.Urgency)
	}
	if params.MilestoneID == "" && params.DealID == "" {
		return Dispute{}, fmt.Errorf("%w: deal or milestone required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		rec         deal.Deal
		milestoneID *string
	)
	if params.MilestoneID != "" {
		m, err := s.milestones.GetMilestoneForUpdate(ctx, tx, params.MilestoneID)
		if err != nil {
			return Dispute{}, err
		}
		rec, err = s.milestones.GetDeal(ctx, m.DealID)
		if err != nil {
			return Dispute{}, err
		}
		if params.ActorID != rec.PayerID && params.ActorID != rec.PayeeID {
			return Dispute{}, ErrNotParticipant
		}
		// moves the milestone to disputed and clears auto_release_at, so the
		// sweeper cannot race an open dispute
		if _, err := s.milestones.MarkDisputed(ctx, tx, m.ID, m.State); err != nil {
			return Dispute{}, err
		}
		milestoneID = &m.ID
	} else {
		rec, err = s.milestones.GetDealForUpdate(ctx, tx, params.DealID)
		if err != nil {
			return Dispute{}, err
		}
		if params.ActorID != rec.PayerID && params.ActorID != rec.PayeeID {
			return Dispute{}, ErrNotParticipant
		}
	}

	d, err := s.repo.Insert(ctx, tx, InsertParams{
		DealID:             rec.ID,
		MilestoneID:        milestoneID,
		OpenedBy:           params.ActorID,
		Category:           params.Category,
		Urgency:            params.Urgency,
		Reason:             params.Reason,
		EscalationDeadline: s.now().Add(window),
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := s.milestones.SetDealStatus(ctx, tx, rec.ID, []deal.Status{deal.StatusActive, deal.StatusDisputed}, deal.StatusDisputed); err != nil {
		return Dispute{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"dispute_id": d.ID,
			"category":   string(params.Category),
			"urgency":    string(params.Urgency),
		}
		if milestoneID != nil {
			payload["milestone_id"] = *milestoneID
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, "DISPUTE_OPENED", &params.ActorID, payload); err != nil {
			return Dispute{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"dispute_id": d.ID,
			"deal_id":    rec.ID,
			"category":   string(params.Category),
			"urgency":    string(params.Urgency),
		}
		if milestoneID != nil {
			payload["milestone_id"] = *milestoneID
		}
		if err := s.outbox.Enqueue(ctx, tx, "dispute.opened", payload); err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}

	if s.notifier != nil {
		other := rec.PayerID
		if params.ActorID == rec.PayerID {
			other = rec.PayeeID
		}
		s.notifier.Notify(ctx, other, "dispute.opened", map[string]any{
			"dispute_id": d.ID,
			"deal_id":    rec.ID,
		})
	}

	return d, nil
}

// MessageParams describes one thread entry.
type MessageParams struct {
	DisputeID string
	ActorID   string
	ActorRole auth.Role
	Body      string
}

// AddMessage appends to a dispute's thread. Parties and mediators may write.
// The thread stays append-only after resolution: a closed dispute still
// accepts messages, it just never accepts a second ruling. A mediator's
// first message moves a waiting dispute into review.
func (s *Service) AddMessage(ctx context.Context, params MessageParams) (Message, error) {
	if params.Body == "" {
		return Message{}, fmt.Errorf("%w: message body required", ErrValidation)
	}

	d, err := s.repo.Get(ctx, params.DisputeID)
	if err != nil {
		return Message{}, err
	}

	rec, err := s.milestones.GetDeal(ctx, d.DealID)
	if err != nil {
		return Message{}, err
	}
	isParty := params.ActorID == rec.PayerID || params.ActorID == rec.PayeeID
	if !isParty && params.ActorRole != auth.RoleMediator {
		return Message{}, ErrNotParticipant
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msg, err := s.repo.InsertMessage(ctx, tx, d.ID, params.ActorID, params.Body)
	if err != nil {
		return Message{}, err
	}
	if params.ActorRole == auth.RoleMediator && IsActive(d.Status) {
		if err := s.repo.MarkEngaged(ctx, tx, d.ID); err != nil {
			return Message{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("dispute: commit message: %w", err)
	}
	return msg, nil
}

// RulingParams describes a mediator's resolution. Amount carries the moved
// portion for the partial outcomes.
type RulingParams struct {
	DisputeID string
	ActorID   string
	ActorRole auth.Role
	Outcome   release.Outcome
	Amount    int64
	Note      string
}

func isPartial(o release.Outcome) bool {
	return o == release.OutcomeReleasePartial || o == release.OutcomeRefundPartial
}

// Resolve applies the ruling's money movement and closes the dispute. The
// movement runs first: it is idempotent under the engine's guards, and the
// conditional close afterwards makes a racing second ruling lose cleanly.
func (s *Service) Resolve(ctx context.Context, params RulingParams) (Dispute, error) {
	if params.ActorRole != auth.RoleMediator {
		return Dispute{}, ErrMediatorOnly
	}

	d, err := s.repo.Get(ctx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !IsActive(d.Status) {
		return Dispute{}, ErrAlreadyResolved
	}

	instr := release.Instruction{
		DealID:  d.DealID,
		ActorID: params.ActorID,
		Outcome: params.Outcome,
	}
	if d.MilestoneID != nil {
		instr.MilestoneID = *d.MilestoneID
	}
	if isPartial(params.Outcome) {
		instr.Amount = params.Amount
	}
	if err := instr.Validate(); err != nil {
		return Dispute{}, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	if _, err := s.engine.Apply(ctx, instr); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var amount *int64
	if isPartial(params.Outcome) {
		amount = &params.Amount
	}
	resolved, err := s.repo.Resolve(ctx, tx, ResolveParams{
		DisputeID:  d.ID,
		ResolvedBy: params.ActorID,
		Outcome:    string(params.Outcome),
		Amount:     amount,
		Note:       params.Note,
	})
	if err != nil {
		return Dispute{}, err
	}

	if params.Outcome == release.OutcomeCancelDeal {
		// the deal is gone; any sibling dispute on it is moot
		if _, err := s.repo.CancelActiveForDeal(ctx, tx, d.DealID, d.ID); err != nil {
			return Dispute{}, err
		}
	} else {
		// reopen the deal when this was its last active dispute; the release
		// engine already completed it if every milestone settled
		open, err := s.repo.CountOpenForDeal(ctx, tx, d.DealID)
		if err != nil {
			return Dispute{}, err
		}
		if open == 0 {
			err := s.milestones.SetDealStatus(ctx, tx, d.DealID, []deal.Status{deal.StatusDisputed}, deal.StatusActive)
			if err != nil && !errors.Is(err, deal.ErrStateConflict) {
				return Dispute{}, err
			}
		}
	}

	if s.timeline != nil {
		payload := map[string]any{
			"dispute_id": d.ID,
			"outcome":    string(params.Outcome),
		}
		if amount != nil {
			payload["amount"] = *amount
		}
		if err := s.timeline.Append(ctx, tx, d.DealID, "DISPUTE_RESOLVED", &params.ActorID, payload); err != nil {
			return Dispute{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"dispute_id": d.ID,
			"deal_id":    d.DealID,
			"outcome":    string(params.Outcome),
		}
		if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", payload); err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolution: %w", err)
	}

	if s.notifier != nil {
		rec, err := s.milestones.GetDeal(ctx, d.DealID)
		if err == nil {
			payload := map[string]any{"dispute_id": d.ID, "outcome": string(params.Outcome)}
			s.notifier.Notify(ctx, rec.PayerID, "dispute.resolved", payload)
			s.notifier.Notify(ctx, rec.PayeeID, "dispute.resolved", payload)
		}
	}

	return resolved, nil
}

// EscalateOverdue moves disputes past their escalation deadline into the
// escalated state and returns how many it touched.
func (s *Service) EscalateOverdue(ctx context.Context) (int, error) {
	ids, err := s.repo.EscalateOverdue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RunEscalations runs the escalation pass on a ticker until the context is
// cancelled.
func (s *Service) RunEscalations(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.EscalateOverdue(ctx)
			if err != nil {
				log.Printf("dispute: escalation pass: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("dispute: escalated %d overdue disputes", n)
			}
		}
	}
}

// ListParams scopes dispute listings to what the actor may see.
type ListParams struct {
	ActorID   string
	ActorRole auth.Role
	Status    *Status
	Category  *Category
}

// ListVisible returns every dispute for mediators and only the actor's own
// deals' disputes for parties.
func (s *Service) ListVisible(ctx context.Context, params ListParams) ([]Dispute, error) {
	filter := ListFilter{Status: params.Status, Category: params.Category}
	if params.ActorRole != auth.RoleMediator {
		filter.PartyID = &params.ActorID
	}
	return s.repo.List(ctx, filter)
}

// Thread returns a dispute's messages if the actor may see the dispute.
func (s *Service) Thread(ctx context.Context, disputeID, actorID string, role auth.Role) ([]Message, error) {
	d, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	rec, err := s.milestones.GetDeal(ctx, d.DealID)
	if err != nil {
		return nil, err
	}
	isParty := actorID == rec.PayerID || actorID == rec.PayeeID
	if !isParty && role != auth.RoleMediator {
		return nil, ErrNotParticipant
	}
	return s.repo.ListMessages(ctx, disputeID)
}
