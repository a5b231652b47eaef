package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/notify"
)

var (
	// ErrNotDealParty signals an actor who is neither the required party nor
	// otherwise permitted to perform the operation.
	ErrNotDealParty = errors.New("deal: actor is not permitted on this deal")
	// ErrMilestonesExist signals the deal already has a milestone structure.
	ErrMilestonesExist = errors.New("deal: milestones already created")
	// ErrDealClosed signals the deal no longer accepts structural changes.
	ErrDealClosed = errors.New("deal: deal is closed")
	// ErrDuplicateSubmission signals a submission against a milestone that is
	// already submitted or further along.
	ErrDuplicateSubmission = errors.New("deal: milestone already submitted")
	// ErrFeedbackRequired signals a rejection without feedback text.
	ErrFeedbackRequired = errors.New("deal: rejection requires feedback")
	// ErrValidation wraps malformed-input failures.
	ErrValidation = errors.New("deal: invalid request")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the data access the service needs from the deal repository.
type Store interface {
	GetDeal(ctx context.Context, id string) (Deal, error)
	GetDealForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deal, error)
	SetDealStatus(ctx context.Context, tx pgx.Tx, id string, from []Status, to Status) error
	CountMilestones(ctx context.Context, tx pgx.Tx, dealID string) (int, error)
	InsertMilestones(ctx context.Context, tx pgx.Tx, dealID string, milestones []Milestone) ([]Milestone, error)
	GetMilestone(ctx context.Context, id string) (Milestone, error)
	GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	UpdateMilestoneState(ctx context.Context, tx pgx.Tx, id string, from, to MilestoneState) (Milestone, error)
	InsertDeliverables(ctx context.Context, tx pgx.Tx, milestoneID, submitterID string, items []DeliverableInput) error
	InsertFeedback(ctx context.Context, tx pgx.Tx, milestoneID, authorID, body string) error
}

// TimelineWriter appends audit events inside the caller's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues downstream events inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Releaser is the release-engine hook invoked after an approval so that
// approval and funds movement stay a single caller-visible operation.
type Releaser interface {
	ReleaseApproved(ctx context.Context, milestoneID, actorID string) error
}

// Service owns milestone structure creation and the submission/review
// workflow.
type Service struct {
	pool     TxBeginner
	repo     Store
	timeline TimelineWriter
	outbox   OutboxWriter
	notifier notify.Notifier
	releaser Releaser
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Store, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithReleaser(r Releaser) *Service {
	s.releaser = r
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MilestoneSpec carries per-milestone details supplied alongside a split
// template.
type MilestoneSpec struct {
	BonusAmount   int64
	DueDate       *time.Time
	AutoReleaseAt *time.Time
}

// CreateMilestonesParams describes a milestone-structure request.
type CreateMilestonesParams struct {
	DealID   string
	ActorID  string
	Template Template
	Count    int
	Custom   []float64
	Items    []MilestoneSpec
}

// CreateMilestones derives the split for the deal's total and persists the
// ordered milestone structure. Only the payer may create it, exactly once.
func (s *Service) CreateMilestones(ctx context.Context, params CreateMilestonesParams) ([]Milestone, error) {
	if params.DealID == "" || params.ActorID == "" {
		return nil, fmt.Errorf("%w: deal id and actor id required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetDealForUpdate(ctx, tx, params.DealID)
	if err != nil {
		return nil, err
	}
	if rec.PayerID != params.ActorID {
		return nil, ErrNotDealParty
	}
	if rec.Status != StatusNegotiating && rec.Status != StatusActive {
		return nil, ErrDealClosed
	}

	count := params.Count
	if params.Template == TemplateCustom {
		count = len(params.Custom)
	}
	if len(params.Items) > 0 && len(params.Items) != count {
		return nil, fmt.Errorf("%w: %d milestone details for a %d-way split", ErrValidation, len(params.Items), count)
	}

	lines, err := ComputeSplit(rec.TotalAmount, params.Template, count, params.Custom)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.CountMilestones(ctx, tx, params.DealID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrMilestonesExist
	}

	milestones := make([]Milestone, len(lines))
	for i, line := range lines {
		m := Milestone{
			OrderIndex: line.Order,
			Percentage: line.Percentage,
			Amount:     line.Amount,
		}
		if len(params.Items) > 0 {
			m.BonusAmount = params.Items[i].BonusAmount
			m.DueDate = params.Items[i].DueDate
			m.AutoReleaseAt = params.Items[i].AutoReleaseAt
		}
		milestones[i] = m
	}

	created, err := s.repo.InsertMilestones(ctx, tx, params.DealID, milestones)
	if err != nil {
		return nil, err
	}

	if rec.Status == StatusNegotiating {
		if err := s.repo.SetDealStatus(ctx, tx, params.DealID, []Status{StatusNegotiating}, StatusActive); err != nil {
			return nil, err
		}
	}

	if s.timeline != nil {
		payload := map[string]any{
			"template":        string(params.Template),
			"milestone_count": len(created),
			"total_amount":    rec.TotalAmount,
		}
		if err := s.timeline.Append(ctx, tx, params.DealID, "MILESTONES_CREATED", &params.ActorID, payload); err != nil {
			return nil, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"deal_id":         params.DealID,
			"milestone_count": len(created),
		}
		if err := s.outbox.Enqueue(ctx, tx, "deal.milestones_created", payload); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("deal: commit milestone structure: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, rec.PayeeID, "milestones.created", map[string]any{"deal_id": rec.ID})
	}

	return created, nil
}

// PreviewSplit computes the milestone structure without persisting anything.
func (s *Service) PreviewSplit(total int64, template Template, count int, custom []float64) ([]SplitLine, error) {
	return ComputeSplit(total, template, count, custom)
}

// SubmitParams describes a deliverable submission by the payee.
type SubmitParams struct {
	MilestoneID string
	ActorID     string
	Items       []DeliverableInput
}

// SubmitDeliverables records the payee's artifacts and moves the milestone to
// submitted. Resubmission after a revision request is allowed; submitting an
// already-submitted milestone is not.
func (s *Service) SubmitDeliverables(ctx context.Context, params SubmitParams) (Milestone, error) {
	if len(params.Items) == 0 {
		return Milestone{}, fmt.Errorf("%w: at least one deliverable required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetMilestoneForUpdate(ctx, tx, params.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}

	rec, err := s.repo.GetDeal(ctx, m.DealID)
	if err != nil {
		return Milestone{}, err
	}
	if rec.PayeeID != params.ActorID {
		return Milestone{}, ErrNotDealParty
	}

	switch m.State {
	case StateSubmitted, StateApproved, StateCompleted:
		return Milestone{}, ErrDuplicateSubmission
	case StateFunded, StateRevisionRequired:
		// allowed
	default:
		return Milestone{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, StateSubmitted)
	}

	updated, err := s.repo.UpdateMilestoneState(ctx, tx, m.ID, m.State, StateSubmitted)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.repo.InsertDeliverables(ctx, tx, m.ID, params.ActorID, params.Items); err != nil {
		return Milestone{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"milestone_id":      m.ID,
			"deliverable_count": len(params.Items),
		}
		if err := s.timeline.Append(ctx, tx, m.DealID, "MILESTONE_SUBMITTED", &params.ActorID, payload); err != nil {
			return Milestone{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"deal_id":      m.DealID,
			"milestone_id": m.ID,
		}
		if err := s.outbox.Enqueue(ctx, tx, "milestone.submitted", payload); err != nil {
			return Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("deal: commit submission: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, rec.PayerID, "milestone.submitted", map[string]any{
			"deal_id":      m.DealID,
			"milestone_id": m.ID,
		})
	}

	return updated, nil
}

// ReviewParams identifies a submitted milestone under review.
type ReviewParams struct {
	MilestoneID string
	ActorID     string
	Feedback    string
}

// Approve accepts a submission and releases the milestone's escrow through
// the release engine; the milestone lands in completed when the release
// succeeds, or stays approved (releasable later) if it fails.
func (s *Service) Approve(ctx context.Context, params ReviewParams) (Milestone, error) {
	m, err := s.review(ctx, params, StateApproved, "MILESTONE_APPROVED")
	if err != nil {
		return Milestone{}, err
	}

	if s.releaser != nil {
		if err := s.releaser.ReleaseApproved(ctx, m.ID, params.ActorID); err != nil {
			return m, err
		}
		return s.repo.GetMilestone(ctx, m.ID)
	}
	return m, nil
}

// Reject sends a submission back for revision. Feedback is mandatory and is
// preserved across rounds.
func (s *Service) Reject(ctx context.Context, params ReviewParams) (Milestone, error) {
	if params.Feedback == "" {
		return Milestone{}, ErrFeedbackRequired
	}
	return s.review(ctx, params, StateRevisionRequired, "MILESTONE_REVISION_REQUESTED")
}

func (s *Service) review(ctx context.Context, params ReviewParams, next MilestoneState, eventType string) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetMilestoneForUpdate(ctx, tx, params.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}

	rec, err := s.repo.GetDeal(ctx, m.DealID)
	if err != nil {
		return Milestone{}, err
	}
	if rec.PayerID != params.ActorID {
		return Milestone{}, ErrNotDealParty
	}
	if m.State != StateSubmitted {
		return Milestone{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, next)
	}

	updated, err := s.repo.UpdateMilestoneState(ctx, tx, m.ID, StateSubmitted, next)
	if err != nil {
		return Milestone{}, err
	}

	if next == StateRevisionRequired {
		if err := s.repo.InsertFeedback(ctx, tx, m.ID, params.ActorID, params.Feedback); err != nil {
			return Milestone{}, err
		}
	}

	if s.timeline != nil {
		payload := map[string]any{"milestone_id": m.ID}
		if params.Feedback != "" {
			payload["feedback"] = params.Feedback
		}
		if err := s.timeline.Append(ctx, tx, m.DealID, eventType, &params.ActorID, payload); err != nil {
			return Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("deal: commit review: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, rec.PayeeID, eventType, map[string]any{
			"deal_id":      m.DealID,
			"milestone_id": m.ID,
		})
	}

	return updated, nil
}
