package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Actors tolerate statement failures and roll back: unique violations and
// zero-row conditional updates are expected under contention, and the chaos
// helper may kill a connection mid-transaction.

// Funder captures and escrows pending milestones. Two funders racing over
// the same milestone must leave exactly one hold behind.
func Funder(ctx context.Context, pool *pgxpool.Pool, dealID, payeeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var msID string
		var amount, bonus int64
		err = tx.QueryRow(ctx, `SELECT id, amount, bonus_amount FROM milestones
            WHERE deal_id = $1 AND state = 'pending'
            ORDER BY order_index LIMIT 1 FOR UPDATE SKIP LOCKED`, dealID).Scan(&msID, &amount, &bonus)
		if err == nil {
			txRef := fmt.Sprintf("capture-%d", rand.Int63())
			tag, uerr := tx.Exec(ctx, `UPDATE milestones
                SET state = 'funded', funded_at = NOW(), funding_tx_ref = $2, updated_at = NOW()
                WHERE id = $1 AND state = 'pending'`, msID, txRef)
			if uerr == nil && tag.RowsAffected() == 1 {
				total := amount + bonus
				_, ierr := tx.Exec(ctx, `INSERT INTO earnings (milestone_id, deal_id, payee_id, amount)
                    VALUES ($1, $2, $3, $4)`, msID, dealID, payeeID, total)
				if ierr == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO payouts (milestone_id, deal_id, kind, amount, gateway_tx_ref)
                        VALUES ($1, $2, 'escrow_hold', $3, $4)`, msID, dealID, total, txRef)
					appendEvent(ctx, tx, dealID, "MILESTONE_FUNDED")
					if cerr := tx.Commit(ctx); cerr == nil {
						tx = nil
					}
				}
			}
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Releaser settles escrowed holds the way the release engine does: milestone
// row lock, conditional earning update, one release payout, milestone
// completion, all in one transaction.
func Releaser(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var msID string
		err = tx.QueryRow(ctx, `SELECT id FROM milestones
            WHERE deal_id = $1 AND state IN ('funded', 'submitted', 'approved')
              AND dispute_flag = FALSE
            ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, dealID).Scan(&msID)
		if err == nil {
			var earningID string
			var amount int64
			err = tx.QueryRow(ctx, `UPDATE earnings
                SET status = 'completed', release_type = 'manual', released_at = NOW(), updated_at = NOW()
                WHERE milestone_id = $1 AND status = 'escrowed'
                RETURNING id, amount`, msID).Scan(&earningID, &amount)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO payouts (milestone_id, deal_id, kind, amount, gateway_tx_ref)
                    VALUES ($1, $2, 'release', $3, $4)`, msID, dealID, amount, fmt.Sprintf("transfer-%s", earningID))
				_, _ = tx.Exec(ctx, `UPDATE milestones
                    SET state = 'completed', completed_at = NOW(), dispute_flag = FALSE, updated_at = NOW()
                    WHERE id = $1`, msID)
				appendEvent(ctx, tx, dealID, "MILESTONE_RELEASED")
				if cerr := tx.Commit(ctx); cerr == nil {
					tx = nil
				}
			}
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer freezes funded milestones. The partial unique index keeps a
// second concurrent open dispute out.
func Disputer(ctx context.Context, pool *pgxpool.Pool, dealID, openerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var msID string
		err = tx.QueryRow(ctx, `SELECT id FROM milestones
            WHERE deal_id = $1 AND state IN ('funded', 'submitted', 'approved')
              AND dispute_flag = FALSE
            ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, dealID).Scan(&msID)
		if err == nil {
			tag, uerr := tx.Exec(ctx, `UPDATE milestones
                SET state = 'disputed', dispute_flag = TRUE, auto_release_at = NULL, updated_at = NOW()
                WHERE id = $1 AND state IN ('funded', 'submitted', 'approved')`, msID)
			if uerr == nil && tag.RowsAffected() == 1 {
				_, ierr := tx.Exec(ctx, `INSERT INTO disputes (deal_id, milestone_id, opened_by, reason, escalation_deadline)
                    VALUES ($1, $2, $3, 'stress contention', NOW() + interval '7 days')`, dealID, msID, openerID)
				if ierr == nil {
					appendEvent(ctx, tx, dealID, "DISPUTE_OPENED")
					if cerr := tx.Commit(ctx); cerr == nil {
						tx = nil
					}
				}
			}
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Resolver plays the mediator: it closes open disputes with a full release
// or a full refund, moving the hold under the same conditional guards the
// engine uses. Racing resolvers lose on the dispute's status predicate.
func Resolver(ctx context.Context, pool *pgxpool.Pool, dealID, mediatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var dispID, msID string
		err = tx.QueryRow(ctx, `SELECT d.id, d.milestone_id FROM disputes d
            JOIN milestones m ON m.id = d.milestone_id
            WHERE d.deal_id = $1 AND d.status IN ('pending', 'under_review', 'mediation', 'escalated')
            ORDER BY random() LIMIT 1 FOR UPDATE OF m SKIP LOCKED`, dealID).Scan(&dispID, &msID)
		if err == nil {
			refund := rand.Intn(2) == 0
			outcome := "release_full"
			if refund {
				outcome = "refund_full"
			}
			var earningID string
			var amount int64
			if refund {
				err = tx.QueryRow(ctx, `UPDATE earnings
                    SET status = 'refunded', updated_at = NOW()
                    WHERE milestone_id = $1 AND status = 'escrowed'
                    RETURNING id, amount`, msID).Scan(&earningID, &amount)
			} else {
				err = tx.QueryRow(ctx, `UPDATE earnings
                    SET status = 'completed', release_type = 'dispute_resolution', released_at = NOW(), updated_at = NOW()
                    WHERE milestone_id = $1 AND status = 'escrowed'
                    RETURNING id, amount`, msID).Scan(&earningID, &amount)
			}
			if err == nil {
				kind, nextState := "release", "completed"
				if refund {
					kind, nextState = "refund", "refunded"
				}
				_, _ = tx.Exec(ctx, `INSERT INTO payouts (milestone_id, deal_id, kind, amount, gateway_tx_ref)
                    VALUES ($1, $2, $3, $4, $5)`, msID, dealID, kind, amount, fmt.Sprintf("settle-%s", earningID))
				_, _ = tx.Exec(ctx, `UPDATE milestones
                    SET state = $2::milestone_state, dispute_flag = FALSE,
                        completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
                        updated_at = NOW()
                    WHERE id = $1 AND state = 'disputed'`, msID, nextState)
				tag, rerr := tx.Exec(ctx, `UPDATE disputes
                    SET status = 'resolved', outcome = $2::dispute_outcome, resolved_by = $3,
                        resolved_at = NOW(), updated_at = NOW()
                    WHERE id = $1 AND status IN ('pending', 'under_review', 'mediation', 'escalated')`, dispID, outcome, mediatorID)
				if rerr == nil && tag.RowsAffected() == 1 {
					appendEvent(ctx, tx, dealID, "DISPUTE_RESOLVED")
					if cerr := tx.Commit(ctx); cerr == nil {
						tx = nil
					}
				}
			}
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// Refiller keeps the pot boiling: it appends fresh pending milestones so the
// funders and releasers never run dry during a long pass.
func Refiller(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		// a unique violation on (deal_id, order_index) under contention is fine
		_, _ = pool.Exec(ctx, `INSERT INTO milestones (deal_id, order_index, percentage, amount)
            SELECT $1, COALESCE(MAX(order_index), 0) + 1, 0, 10000 FROM milestones WHERE deal_id = $1`, dealID)
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED and marks them
// processed, or dead after too many attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `SELECT id FROM outbox WHERE status = 'pending'
            ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id)
		if err == nil {
			_, _ = tx.Exec(ctx, `UPDATE outbox
                SET status = CASE WHEN attempts >= 5 THEN 'dead' ELSE 'processed' END,
                    attempts = attempts + 1, processed_at = NOW()
                WHERE id = $1`, id)
			if cerr := tx.Commit(ctx); cerr == nil {
				tx = nil
			}
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// appendEvent mirrors the production timeline insert; a unique violation on
// (deal_id, seq) under contention is tolerated, the event is best effort here.
func appendEvent(ctx context.Context, tx execer, dealID, eventType string) {
	_, _ = tx.Exec(ctx, `INSERT INTO deal_events (deal_id, seq, type, payload)
        VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM deal_events WHERE deal_id = $1), $2, '{}'::jsonb)`,
		dealID, eventType)
}
