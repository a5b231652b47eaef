package deal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MilestoneSummary is a milestone with its escrow position aggregated from
// the ledger.
type MilestoneSummary struct {
	Milestone
	EscrowedAmount      int64
	ReleasedAmount      int64
	RefundPendingAmount int64
	RefundedAmount      int64
}

// Summary is the payer/payee view of a deal: the milestone structure with
// per-milestone and whole-deal escrow totals.
type Summary struct {
	Deal                Deal
	Milestones          []MilestoneSummary
	TotalEscrowed       int64
	TotalReleased       int64
	TotalRefundPending  int64
	TotalRefunded       int64
	OutstandingAmount   int64
}

// SummaryRepository serves read-only escrow summaries straight from the
// database; it never participates in money-moving transactions.
type SummaryRepository struct {
	pool *pgxpool.Pool
}

func NewSummaryRepository(pool *pgxpool.Pool) *SummaryRepository {
	return &SummaryRepository{pool: pool}
}

// DealSummary joins the milestone structure with ledger aggregates. Amounts
// come from the earnings table, never from milestone fields, so the summary
// reflects partial releases and refunds exactly.
func (r *SummaryRepository) DealSummary(ctx context.Context, dealID string) (Summary, error) {
	rec, err := scanDeal(r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, dealID))
	if err != nil {
		return Summary{}, ErrDealNotFound
	}

	const q = `
		SELECT m.id, m.deal_id, m.order_index, m.percentage, m.amount, m.bonus_amount, m.due_date,
		       m.auto_release_at, m.dispute_flag, m.state::text, m.funded_at, m.completed_at, m.funding_tx_ref,
		       m.created_at, m.updated_at,
		       COALESCE(SUM(e.amount) FILTER (WHERE e.status = 'escrowed'), 0),
		       COALESCE(SUM(e.amount) FILTER (WHERE e.status = 'completed'), 0),
		       COALESCE(SUM(e.amount) FILTER (WHERE e.status = 'refund_pending'), 0),
		       COALESCE(SUM(e.amount) FILTER (WHERE e.status = 'refunded'), 0)
		FROM milestones m
		LEFT JOIN earnings e ON e.milestone_id = m.id
		WHERE m.deal_id = $1
		GROUP BY m.id
		ORDER BY m.order_index
	`
	rows, err := r.pool.Query(ctx, q, dealID)
	if err != nil {
		return Summary{}, fmt.Errorf("deal: query summary: %w", err)
	}
	defer rows.Close()

	out := Summary{Deal: rec}
	for rows.Next() {
		var ms MilestoneSummary
		err := rows.Scan(
			&ms.ID, &ms.DealID, &ms.OrderIndex, &ms.Percentage, &ms.Amount, &ms.BonusAmount, &ms.DueDate,
			&ms.AutoReleaseAt, &ms.DisputeFlag, &ms.State, &ms.FundedAt, &ms.CompletedAt, &ms.FundingTxRef,
			&ms.CreatedAt, &ms.UpdatedAt,
			&ms.EscrowedAmount, &ms.ReleasedAmount, &ms.RefundPendingAmount, &ms.RefundedAmount,
		)
		if err != nil {
			return Summary{}, fmt.Errorf("deal: scan summary row: %w", err)
		}
		out.Milestones = append(out.Milestones, ms)
		out.TotalEscrowed += ms.EscrowedAmount
		out.TotalReleased += ms.ReleasedAmount
		out.TotalRefundPending += ms.RefundPendingAmount
		out.TotalRefunded += ms.RefundedAmount
		if !IsTerminal(ms.State) {
			out.OutstandingAmount += ms.Amount
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("deal: iterate summary rows: %w", err)
	}
	return out, nil
}
