package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDisputeNotFound is returned when no dispute row exists.
	ErrDisputeNotFound = errors.New("dispute: not found")
	// ErrAlreadyResolved signals a resolution against a dispute that is no
	// longer active.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrOpenDisputeExists signals a second active dispute on the same
	// milestone, or a second deal-level dispute on the same deal.
	ErrOpenDisputeExists = errors.New("dispute: an active dispute already exists")
)

const disputeColumns = `id, deal_id, milestone_id, opened_by, category::text, urgency::text, reason,
	status::text, outcome::text, amount, resolution_note, resolved_by, escalation_deadline, resolved_at,
	created_at, updated_at`

// activeStatuses is the SQL form of the states that still await a ruling.
const activeStatuses = `('pending', 'under_review', 'mediation', 'escalated')`

// Repository is the PostgreSQL-backed store for disputes and their threads.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertParams describes a new dispute. A nil MilestoneID opens the dispute
// at deal level.
type InsertParams struct {
	DealID             string
	MilestoneID        *string
	OpenedBy           string
	Category           Category
	Urgency            Urgency
	Reason             string
	EscalationDeadline time.Time
}

// Insert opens a dispute as pending. Partial unique indexes reject a second
// active dispute per milestone and a second active deal-level dispute per
// deal.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Dispute, error) {
	insertSQL := `
		INSERT INTO disputes (deal_id, milestone_id, opened_by, category, urgency, reason, status, escalation_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		params.DealID, params.MilestoneID, params.OpenedBy, params.Category, params.Urgency,
		params.Reason, params.EscalationDeadline))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrOpenDisputeExists
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// Get fetches a dispute by primary key.
func (r *Repository) Get(ctx context.Context, id string) (Dispute, error) {
	rec, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrDisputeNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// ResolveParams records a mediator's ruling.
type ResolveParams struct {
	DisputeID  string
	ResolvedBy string
	Outcome    string
	Amount     *int64
	Note       string
}

// Resolve closes the dispute conditionally on it still being active, so a
// lost race surfaces as ErrAlreadyResolved instead of a second ruling.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, params ResolveParams) (Dispute, error) {
	updateSQL := `
		UPDATE disputes
		SET status = 'resolved', outcome = $2::dispute_outcome, amount = $3,
		    resolution_note = NULLIF($4, ''), resolved_by = $5, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ` + activeStatuses + `
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, updateSQL,
		params.DisputeID, params.Outcome, params.Amount, params.Note, params.ResolvedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrAlreadyResolved
		}
		return Dispute{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

// MarkEngaged bumps a dispute the mediator has started working: pending
// moves to under_review, escalated to mediation. Other states keep their
// status; the no-op is not an error.
func (r *Repository) MarkEngaged(ctx context.Context, tx pgx.Tx, disputeID string) error {
	const q = `
		UPDATE disputes
		SET status = CASE status
		        WHEN 'pending'::dispute_status THEN 'under_review'::dispute_status
		        ELSE 'mediation'::dispute_status
		    END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'escalated')
	`
	if _, err := tx.Exec(ctx, q, disputeID); err != nil {
		return fmt.Errorf("dispute: mark engaged: %w", err)
	}
	return nil
}

// EscalateOverdue flips pending and under_review disputes past their
// escalation deadline to escalated, returning the ids it touched.
func (r *Repository) EscalateOverdue(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
		UPDATE disputes
		SET status = 'escalated', updated_at = NOW()
		WHERE status IN ('pending', 'under_review') AND escalation_deadline <= $1
		RETURNING id
	`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("dispute: escalate overdue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan escalated id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate escalated: %w", err)
	}
	return ids, nil
}

// CancelActiveForDeal cancels every still-active dispute on the deal except
// the one being resolved. Used when a cancel_deal ruling moots the rest.
func (r *Repository) CancelActiveForDeal(ctx context.Context, tx pgx.Tx, dealID, exceptID string) (int, error) {
	q := `
		UPDATE disputes
		SET status = 'cancelled', updated_at = NOW()
		WHERE deal_id = $1 AND id <> $2 AND status IN ` + activeStatuses
	tag, err := tx.Exec(ctx, q, dealID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("dispute: cancel active for deal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountOpenForDeal counts the deal's still-active disputes inside the
// transaction.
func (r *Repository) CountOpenForDeal(ctx context.Context, tx pgx.Tx, dealID string) (int, error) {
	var n int
	q := `SELECT COUNT(*) FROM disputes WHERE deal_id = $1 AND status IN ` + activeStatuses
	if err := tx.QueryRow(ctx, q, dealID).Scan(&n); err != nil {
		return 0, fmt.Errorf("dispute: count open: %w", err)
	}
	return n, nil
}

// ListFilter narrows List; nil fields match everything.
type ListFilter struct {
	Status   *Status
	Category *Category
	PartyID  *string
}

// List returns disputes ordered by escalation deadline, newest-first within
// it. PartyID matches disputes on deals where the user is payer or payee.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Dispute, error) {
	q := `
		SELECT ` + addPrefix(disputeColumns) + `
		FROM disputes d
		JOIN deals dl ON dl.id = d.deal_id
		WHERE ($1::dispute_status IS NULL OR d.status = $1::dispute_status)
		  AND ($2::dispute_category IS NULL OR d.category = $2::dispute_category)
		  AND ($3::uuid IS NULL OR dl.payer_id = $3::uuid OR dl.payee_id = $3::uuid)
		ORDER BY d.escalation_deadline, d.created_at DESC
	`
	rows, err := r.pool.Query(ctx, q, filter.Status, filter.Category, filter.PartyID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// InsertMessage appends one thread entry.
func (r *Repository) InsertMessage(ctx context.Context, tx pgx.Tx, disputeID, authorID, body string) (Message, error) {
	const q = `
		INSERT INTO dispute_messages (dispute_id, author_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, dispute_id, author_id, body, created_at
	`
	var m Message
	err := tx.QueryRow(ctx, q, disputeID, authorID, body).Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Body, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("dispute: insert message: %w", err)
	}
	return m, nil
}

// ListMessages returns a dispute's thread oldest-first.
func (r *Repository) ListMessages(ctx context.Context, disputeID string) ([]Message, error) {
	const q = `
		SELECT id, dispute_id, author_id, body, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, q, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 8)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate messages: %w", err)
	}
	return out, nil
}

// addPrefix qualifies the shared column list for the joined List query.
func addPrefix(cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = "d." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.DealID, &d.MilestoneID, &d.OpenedBy, &d.Category, &d.Urgency, &d.Reason,
		&d.Status, &d.Outcome, &d.Amount, &d.ResolutionNote, &d.ResolvedBy, &d.EscalationDeadline,
		&d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
