package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the ledger invariant queries. Every query must return zero
// rows on a consistent database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_hold",
			SQL: `SELECT milestone_id, COUNT(*) FROM earnings
                  WHERE status = 'escrowed'
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_release_payout",
			SQL: `SELECT milestone_id, COUNT(*) FROM payouts
                  WHERE kind = 'release'
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_completed_milestone_open_hold",
			SQL: `SELECT m.id FROM milestones m
                  JOIN earnings e ON e.milestone_id = m.id
                  WHERE m.state IN ('completed', 'refunded') AND e.status = 'escrowed'`,
		},
		{
			Name: "O4_settled_earning_missing_trail",
			SQL: `SELECT id FROM earnings
                  WHERE status = 'completed'
                    AND (release_type IS NULL OR released_at IS NULL)`,
		},
		{
			Name: "O5_payout_conservation",
			SQL: `SELECT milestone_id FROM payouts
                  GROUP BY milestone_id
                  HAVING COALESCE(SUM(amount) FILTER (WHERE kind IN ('release', 'refund')), 0)
                       > COALESCE(SUM(amount) FILTER (WHERE kind = 'escrow_hold'), 0)`,
		},
		{
			Name: "O6_release_during_open_dispute",
			SQL: `SELECT e.id FROM earnings e
                  JOIN disputes d ON d.milestone_id = e.milestone_id
                  WHERE e.status = 'completed'
                    AND e.release_type IN ('manual', 'automatic')
                    AND d.status IN ('pending', 'under_review', 'mediation', 'escalated')
                    AND d.created_at < e.released_at`,
		},
		{
			Name: "O7_deal_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT deal_id, seq,
                             LAG(seq) OVER (PARTITION BY deal_id ORDER BY seq) AS prev
                      FROM deal_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O8_second_open_dispute",
			SQL: `SELECT milestone_id, COUNT(*) FROM disputes
                  WHERE milestone_id IS NOT NULL
                    AND status IN ('pending', 'under_review', 'mediation', 'escalated')
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_stale_outbox",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_funded_milestone_without_hold",
			SQL: `SELECT m.id FROM milestones m
                  WHERE m.state IN ('funded', 'submitted', 'approved', 'revision_required')
                    AND NOT EXISTS (
                        SELECT 1 FROM earnings e
                        WHERE e.milestone_id = m.id AND e.status = 'escrowed')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
