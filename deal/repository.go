package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDealNotFound is returned when no deal row exists for the identifier.
	ErrDealNotFound = errors.New("deal: not found")
	// ErrMilestoneNotFound is returned when no milestone row exists.
	ErrMilestoneNotFound = errors.New("deal: milestone not found")
	// ErrStateConflict signals a conditional update that lost to a concurrent
	// transition; callers should re-fetch before retrying.
	ErrStateConflict = errors.New("deal: state changed concurrently")
)

const milestoneColumns = `id, deal_id, order_index, percentage, amount, bonus_amount, due_date,
	auto_release_at, dispute_flag, state::text, funded_at, completed_at, funding_tx_ref, created_at, updated_at`

const dealColumns = `id, payer_id, payee_id, title, total_amount, currency, status::text,
	split_template::text, archived_at, created_at, updated_at`

// Repository is the PostgreSQL-backed store for deals and their milestones.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateDealParams enumerates the fields required to open a deal.
type CreateDealParams struct {
	PayerID       string
	PayeeID       string
	Title         string
	TotalAmount   int64
	Currency      string
	SplitTemplate Template
}

// CreateDeal inserts a deal in the negotiating state.
func (r *Repository) CreateDeal(ctx context.Context, params CreateDealParams) (Deal, error) {
	if params.PayerID == "" || params.PayeeID == "" {
		return Deal{}, fmt.Errorf("deal: payer and payee ids required")
	}
	if params.TotalAmount <= 0 {
		return Deal{}, fmt.Errorf("deal: total amount must be positive")
	}
	if params.Currency == "" {
		params.Currency = "USD"
	}

	insertSQL := `
		INSERT INTO deals (payer_id, payee_id, title, total_amount, currency, status, split_template)
		VALUES ($1, $2, $3, $4, $5, 'negotiating', $6)
		RETURNING ` + dealColumns

	rec, err := scanDeal(r.pool.QueryRow(ctx, insertSQL,
		params.PayerID, params.PayeeID, params.Title, params.TotalAmount, params.Currency, params.SplitTemplate))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return rec, nil
}

// GetDeal fetches a deal by primary key.
func (r *Repository) GetDeal(ctx context.Context, id string) (Deal, error) {
	rec, err := scanDeal(r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrDealNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return rec, nil
}

// GetDealForUpdate fetches a deal with a row lock inside the transaction.
func (r *Repository) GetDealForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deal, error) {
	rec, err := scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrDealNotFound
		}
		return Deal{}, fmt.Errorf("deal: get for update: %w", err)
	}
	return rec, nil
}

// SetDealStatus transitions a deal conditionally on its current status.
// Completed and cancelled deals are soft-archived in the same statement.
func (r *Repository) SetDealStatus(ctx context.Context, tx pgx.Tx, id string, from []Status, to Status) error {
	if len(from) == 0 {
		return fmt.Errorf("deal: set status requires expected current statuses")
	}
	current := make([]string, len(from))
	for i, s := range from {
		current[i] = string(s)
	}

	const q = `
		UPDATE deals
		SET status = $2::deal_status,
		    archived_at = CASE WHEN $2 IN ('completed','cancelled') THEN COALESCE(archived_at, NOW()) ELSE archived_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($3::deal_status[])
	`
	tag, err := tx.Exec(ctx, q, id, to, current)
	if err != nil {
		return fmt.Errorf("deal: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// InsertMilestones writes the computed milestone structure for a deal.
func (r *Repository) InsertMilestones(ctx context.Context, tx pgx.Tx, dealID string, milestones []Milestone) ([]Milestone, error) {
	out := make([]Milestone, 0, len(milestones))
	const insertSQL = `
		INSERT INTO milestones (deal_id, order_index, percentage, amount, bonus_amount, due_date, auto_release_at, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING ` + milestoneColumns

	for _, m := range milestones {
		rec, err := scanMilestone(tx.QueryRow(ctx, insertSQL,
			dealID, m.OrderIndex, m.Percentage, m.Amount, m.BonusAmount, m.DueDate, m.AutoReleaseAt))
		if err != nil {
			return nil, fmt.Errorf("deal: insert milestone %d: %w", m.OrderIndex, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountMilestones counts the milestones already attached to a deal.
func (r *Repository) CountMilestones(ctx context.Context, tx pgx.Tx, dealID string) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE deal_id = $1`, dealID).Scan(&n); err != nil {
		return 0, fmt.Errorf("deal: count milestones: %w", err)
	}
	return n, nil
}

// GetMilestone fetches a milestone by primary key.
func (r *Repository) GetMilestone(ctx context.Context, id string) (Milestone, error) {
	rec, err := scanMilestone(r.pool.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("deal: get milestone: %w", err)
	}
	return rec, nil
}

// GetMilestoneForUpdate fetches a milestone with a row lock, serializing
// money-moving operations per milestone.
func (r *Repository) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	rec, err := scanMilestone(tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("deal: get milestone for update: %w", err)
	}
	return rec, nil
}

// ListMilestones returns a deal's milestones in order.
func (r *Repository) ListMilestones(ctx context.Context, dealID string) ([]Milestone, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE deal_id = $1 ORDER BY order_index`, dealID)
	if err != nil {
		return nil, fmt.Errorf("deal: list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		rec, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan milestone: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate milestones: %w", err)
	}
	return out, nil
}

// ListMilestonesForUpdate locks and returns a deal's milestones in order,
// for operations that settle the whole deal at once.
func (r *Repository) ListMilestonesForUpdate(ctx context.Context, tx pgx.Tx, dealID string) ([]Milestone, error) {
	rows, err := tx.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE deal_id = $1 ORDER BY order_index FOR UPDATE`, dealID)
	if err != nil {
		return nil, fmt.Errorf("deal: list milestones for update: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		rec, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan milestone: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate milestones: %w", err)
	}
	return out, nil
}

// UpdateMilestoneState applies a conditional transition: the update only
// lands if the row is still in the expected state.
func (r *Repository) UpdateMilestoneState(ctx context.Context, tx pgx.Tx, id string, from, to MilestoneState) (Milestone, error) {
	if err := ValidateTransition(from, to); err != nil {
		return Milestone{}, err
	}

	updateSQL := `
		UPDATE milestones
		SET state = $3::milestone_state, updated_at = NOW()
		WHERE id = $1 AND state = $2::milestone_state
		RETURNING ` + milestoneColumns

	rec, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, from, to))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrStateConflict
		}
		return Milestone{}, fmt.Errorf("deal: update milestone state: %w", err)
	}
	return rec, nil
}

// MarkFunded transitions pending -> funded recording the gateway reference.
func (r *Repository) MarkFunded(ctx context.Context, tx pgx.Tx, id, txRef string) (Milestone, error) {
	updateSQL := `
		UPDATE milestones
		SET state = 'funded', funded_at = NOW(), funding_tx_ref = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'pending'
		RETURNING ` + milestoneColumns

	rec, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, txRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrStateConflict
		}
		return Milestone{}, fmt.Errorf("deal: mark funded: %w", err)
	}
	return rec, nil
}

// MarkCompleted transitions a milestone into completed from the expected
// state, stamping completion time.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, from MilestoneState) (Milestone, error) {
	if err := ValidateTransition(from, StateCompleted); err != nil {
		return Milestone{}, err
	}

	updateSQL := `
		UPDATE milestones
		SET state = 'completed', completed_at = NOW(), dispute_flag = FALSE, updated_at = NOW()
		WHERE id = $1 AND state = $2::milestone_state
		RETURNING ` + milestoneColumns

	rec, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, from))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrStateConflict
		}
		return Milestone{}, fmt.Errorf("deal: mark completed: %w", err)
	}
	return rec, nil
}

// MarkDisputed flags the milestone, moves it to disputed, and clears the
// auto-release timestamp so the sweeper cannot race the dispute.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, id string, from MilestoneState) (Milestone, error) {
	if err := ValidateTransition(from, StateDisputed); err != nil {
		return Milestone{}, err
	}

	updateSQL := `
		UPDATE milestones
		SET state = 'disputed', dispute_flag = TRUE, auto_release_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $2::milestone_state
		RETURNING ` + milestoneColumns

	rec, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, from))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrStateConflict
		}
		return Milestone{}, fmt.Errorf("deal: mark disputed: %w", err)
	}
	return rec, nil
}

// ClearDispute returns a disputed milestone to a working state.
func (r *Repository) ClearDispute(ctx context.Context, tx pgx.Tx, id string, next MilestoneState) (Milestone, error) {
	if err := ValidateTransition(StateDisputed, next); err != nil {
		return Milestone{}, err
	}

	updateSQL := `
		UPDATE milestones
		SET state = $2::milestone_state, dispute_flag = FALSE, updated_at = NOW()
		WHERE id = $1 AND state = 'disputed'
		RETURNING ` + milestoneColumns

	rec, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, next))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrStateConflict
		}
		return Milestone{}, fmt.Errorf("deal: clear dispute: %w", err)
	}
	return rec, nil
}

// DeliverableInput is one artifact supplied on submission.
type DeliverableInput struct {
	Note string
	URL  string
}

// InsertDeliverables appends submitted artifacts preserving order.
func (r *Repository) InsertDeliverables(ctx context.Context, tx pgx.Tx, milestoneID, submitterID string, items []DeliverableInput) error {
	const q = `
		INSERT INTO deliverables (milestone_id, submitter_id, note, url, position)
		VALUES ($1, $2, $3, $4, (SELECT COALESCE(MAX(position),0)+1 FROM deliverables WHERE milestone_id = $1))
	`
	for _, item := range items {
		if _, err := tx.Exec(ctx, q, milestoneID, submitterID, item.Note, item.URL); err != nil {
			return fmt.Errorf("deal: insert deliverable: %w", err)
		}
	}
	return nil
}

// ListDeliverables returns a milestone's artifacts in submission order.
func (r *Repository) ListDeliverables(ctx context.Context, milestoneID string) ([]Deliverable, error) {
	const q = `
		SELECT id, milestone_id, submitter_id, note, url, position, created_at
		FROM deliverables
		WHERE milestone_id = $1
		ORDER BY position
	`
	rows, err := r.pool.Query(ctx, q, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("deal: list deliverables: %w", err)
	}
	defer rows.Close()

	out := make([]Deliverable, 0, 4)
	for rows.Next() {
		var d Deliverable
		if err := rows.Scan(&d.ID, &d.MilestoneID, &d.SubmitterID, &d.Note, &d.URL, &d.Position, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("deal: scan deliverable: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate deliverables: %w", err)
	}
	return out, nil
}

// InsertFeedback appends one reviewer comment.
func (r *Repository) InsertFeedback(ctx context.Context, tx pgx.Tx, milestoneID, authorID, body string) error {
	const q = `INSERT INTO feedback_entries (milestone_id, author_id, body) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, q, milestoneID, authorID, body); err != nil {
		return fmt.Errorf("deal: insert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns a milestone's review thread oldest-first.
func (r *Repository) ListFeedback(ctx context.Context, milestoneID string) ([]FeedbackEntry, error) {
	const q = `
		SELECT id, milestone_id, author_id, body, created_at
		FROM feedback_entries
		WHERE milestone_id = $1
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, q, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("deal: list feedback: %w", err)
	}
	defer rows.Close()

	out := make([]FeedbackEntry, 0, 4)
	for rows.Next() {
		var f FeedbackEntry
		if err := rows.Scan(&f.ID, &f.MilestoneID, &f.AuthorID, &f.Body, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("deal: scan feedback: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate feedback: %w", err)
	}
	return out, nil
}

// OutstandingMilestones counts milestones that have not reached a terminal
// state; zero means the deal can complete.
func (r *Repository) OutstandingMilestones(ctx context.Context, tx pgx.Tx, dealID string) (int, error) {
	var n int
	const q = `
		SELECT COUNT(*)
		FROM milestones
		WHERE deal_id = $1 AND state NOT IN ('completed','cancelled','refunded')
	`
	if err := tx.QueryRow(ctx, q, dealID).Scan(&n); err != nil {
		return 0, fmt.Errorf("deal: count outstanding milestones: %w", err)
	}
	return n, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var d Deal
	err := row.Scan(
		&d.ID, &d.PayerID, &d.PayeeID, &d.Title, &d.TotalAmount, &d.Currency,
		&d.Status, &d.SplitTemplate, &d.ArchivedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Deal{}, err
	}
	return d, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID, &m.DealID, &m.OrderIndex, &m.Percentage, &m.Amount, &m.BonusAmount, &m.DueDate,
		&m.AutoReleaseAt, &m.DisputeFlag, &m.State, &m.FundedAt, &m.CompletedAt, &m.FundingTxRef,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}
	return m, nil
}
