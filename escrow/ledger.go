package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNoEscrowedEarning is returned when a milestone has no escrowed
	// ledger entry to act on.
	ErrNoEscrowedEarning = errors.New("escrow: no escrowed earning for milestone")
	// ErrEarningConflict signals a conditional ledger update that lost to a
	// concurrent transition, or an attempt to escrow twice.
	ErrEarningConflict = errors.New("escrow: earning state changed concurrently")
	// ErrInsufficientEscrow signals a release amount exceeding the held funds.
	ErrInsufficientEscrow = errors.New("escrow: amount exceeds escrowed funds")
)

const earningColumns = `id, milestone_id, deal_id, payee_id, amount, currency,
	status::text, release_type::text, released_at, created_at, updated_at`

// Ledger is the PostgreSQL-backed escrow ledger. Every money-state change is
// a conditional update keyed on the current status, so a lost race surfaces
// as ErrEarningConflict instead of a double movement.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// EarningParams describes a new escrow hold.
type EarningParams struct {
	MilestoneID string
	DealID      string
	PayeeID     string
	Amount      int64
	Currency    string
}

// InsertEarning opens an escrowed ledger entry. A partial unique index on
// (milestone_id) WHERE status = 'escrowed' makes a second open hold fail.
func (l *Ledger) InsertEarning(ctx context.Context, tx pgx.Tx, params EarningParams) (Earning, error) {
	if params.Amount <= 0 {
		return Earning{}, fmt.Errorf("escrow: earning amount must be positive")
	}

	insertSQL := `
		INSERT INTO earnings (milestone_id, deal_id, payee_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, 'escrowed')
		RETURNING ` + earningColumns

	rec, err := scanEarning(tx.QueryRow(ctx, insertSQL,
		params.MilestoneID, params.DealID, params.PayeeID, params.Amount, params.Currency))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Earning{}, ErrEarningConflict
		}
		return Earning{}, fmt.Errorf("escrow: insert earning: %w", err)
	}
	return rec, nil
}

// GetEscrowedForUpdate locks the milestone's open hold for the transaction.
func (l *Ledger) GetEscrowedForUpdate(ctx context.Context, tx pgx.Tx, milestoneID string) (Earning, error) {
	q := `SELECT ` + earningColumns + ` FROM earnings WHERE milestone_id = $1 AND status = 'escrowed' FOR UPDATE`
	rec, err := scanEarning(tx.QueryRow(ctx, q, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Earning{}, ErrNoEscrowedEarning
		}
		return Earning{}, fmt.Errorf("escrow: get escrowed earning: %w", err)
	}
	return rec, nil
}

// CompleteEarning releases the full hold: escrowed -> completed, stamping the
// trigger. The status predicate makes a duplicate release a no-op conflict.
func (l *Ledger) CompleteEarning(ctx context.Context, tx pgx.Tx, id string, trigger ReleaseType) (Earning, error) {
	updateSQL := `
		UPDATE earnings
		SET status = 'completed', release_type = $2::release_type, released_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'escrowed'
		RETURNING ` + earningColumns

	rec, err := scanEarning(tx.QueryRow(ctx, updateSQL, id, trigger))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Earning{}, ErrEarningConflict
		}
		return Earning{}, fmt.Errorf("escrow: complete earning: %w", err)
	}
	return rec, nil
}

// SplitForPartialRelease rewrites the locked hold to the released amount and
// opens a refund_pending sibling for the remainder, keeping the two entries
// summing to the original hold.
func (l *Ledger) SplitForPartialRelease(ctx context.Context, tx pgx.Tx, hold Earning, releaseAmount int64, trigger ReleaseType) (released, remainder Earning, err error) {
	if releaseAmount <= 0 || releaseAmount >= hold.Amount {
		return Earning{}, Earning{}, fmt.Errorf("%w: release %d of %d", ErrInsufficientEscrow, releaseAmount, hold.Amount)
	}

	releaseSQL := `
		UPDATE earnings
		SET amount = $2, status = 'completed', release_type = $3::release_type, released_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'escrowed'
		RETURNING ` + earningColumns

	released, err = scanEarning(tx.QueryRow(ctx, releaseSQL, hold.ID, releaseAmount, trigger))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Earning{}, Earning{}, ErrEarningConflict
		}
		return Earning{}, Earning{}, fmt.Errorf("escrow: split release portion: %w", err)
	}

	remainderSQL := `
		INSERT INTO earnings (milestone_id, deal_id, payee_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, 'refund_pending')
		RETURNING ` + earningColumns

	remainder, err = scanEarning(tx.QueryRow(ctx, remainderSQL,
		hold.MilestoneID, hold.DealID, hold.PayeeID, hold.Amount-releaseAmount, hold.Currency))
	if err != nil {
		return Earning{}, Earning{}, fmt.Errorf("escrow: insert remainder: %w", err)
	}
	return released, remainder, nil
}

// MarkRefundPending moves the hold out of escrow ahead of a gateway refund.
func (l *Ledger) MarkRefundPending(ctx context.Context, tx pgx.Tx, id string) (Earning, error) {
	updateSQL := `
		UPDATE earnings
		SET status = 'refund_pending', updated_at = NOW()
		WHERE id = $1 AND status = 'escrowed'
		RETURNING ` + earningColumns

	rec, err := scanEarning(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Earning{}, ErrEarningConflict
		}
		return Earning{}, fmt.Errorf("escrow: mark refund pending: %w", err)
	}
	return rec, nil
}

// MarkRefunded settles a pending refund once the gateway movement succeeded.
func (l *Ledger) MarkRefunded(ctx context.Context, tx pgx.Tx, id string) (Earning, error) {
	updateSQL := `
		UPDATE earnings
		SET status = 'refunded', released_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'refund_pending'
		RETURNING ` + earningColumns

	rec, err := scanEarning(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Earning{}, ErrEarningConflict
		}
		return Earning{}, fmt.Errorf("escrow: mark refunded: %w", err)
	}
	return rec, nil
}

// PayoutParams describes one gateway movement to audit.
type PayoutParams struct {
	MilestoneID  string
	DealID       string
	Kind         PayoutKind
	Amount       int64
	Currency     string
	GatewayTxRef *string
}

// InsertPayout appends one movement record.
func (l *Ledger) InsertPayout(ctx context.Context, tx pgx.Tx, params PayoutParams) error {
	const q = `
		INSERT INTO payouts (milestone_id, deal_id, kind, amount, currency, gateway_tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := tx.Exec(ctx, q,
		params.MilestoneID, params.DealID, params.Kind, params.Amount, params.Currency, params.GatewayTxRef)
	if err != nil {
		return fmt.Errorf("escrow: insert payout: %w", err)
	}
	return nil
}

// ListEarnings returns a deal's ledger entries oldest-first.
func (l *Ledger) ListEarnings(ctx context.Context, dealID string) ([]Earning, error) {
	q := `SELECT ` + earningColumns + ` FROM earnings WHERE deal_id = $1 ORDER BY created_at`
	rows, err := l.pool.Query(ctx, q, dealID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list earnings: %w", err)
	}
	defer rows.Close()

	out := make([]Earning, 0, 8)
	for rows.Next() {
		rec, err := scanEarning(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan earning: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate earnings: %w", err)
	}
	return out, nil
}

// ListPayouts returns a milestone's movement history oldest-first.
func (l *Ledger) ListPayouts(ctx context.Context, milestoneID string) ([]Payout, error) {
	const q = `
		SELECT id, milestone_id, deal_id, kind::text, amount, currency, gateway_tx_ref, created_at
		FROM payouts
		WHERE milestone_id = $1
		ORDER BY created_at
	`
	rows, err := l.pool.Query(ctx, q, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list payouts: %w", err)
	}
	defer rows.Close()

	out := make([]Payout, 0, 4)
	for rows.Next() {
		var p Payout
		if err := rows.Scan(&p.ID, &p.MilestoneID, &p.DealID, &p.Kind, &p.Amount, &p.Currency, &p.GatewayTxRef, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan payout: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate payouts: %w", err)
	}
	return out, nil
}

func scanEarning(row pgx.Row) (Earning, error) {
	var e Earning
	err := row.Scan(
		&e.ID, &e.MilestoneID, &e.DealID, &e.PayeeID, &e.Amount, &e.Currency,
		&e.Status, &e.ReleaseType, &e.ReleasedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return Earning{}, err
	}
	return e, nil
}
