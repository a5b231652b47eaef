package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Relay drains pending outbox rows and hands them to the Publisher. Rows are
// claimed with SKIP LOCKED so multiple relay instances never double-publish,
// and rows that keep failing are parked as dead after MaxAttempts.
type Relay struct {
	pool        *pgxpool.Pool
	pub         Publisher
	batchSize   int
	maxAttempts int
}

func NewRelay(pool *pgxpool.Pool, pub Publisher) *Relay {
	return &Relay{
		pool:        pool,
		pub:         pub,
		batchSize:   50,
		maxAttempts: 5,
	}
}

// Drain processes at most one batch and reports how many messages were
// published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, claimSQL, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	type message struct {
		id       string
		topic    string
		payload  []byte
		attempts int
	}

	batch := make([]message, 0, r.batchSize)
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.topic, &m.payload, &m.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	published := 0
	for _, m := range batch {
		if err := r.pub.Publish(ctx, m.topic, m.id, m.payload); err != nil {
			attempts := m.attempts + 1
			next := "pending"
			if attempts >= r.maxAttempts {
				next = "dead"
			}
			if _, uerr := tx.Exec(ctx, `UPDATE outbox SET attempts=$2, status=$3 WHERE id=$1`, m.id, attempts, next); uerr != nil {
				return published, fmt.Errorf("outbox: record failure: %w", uerr)
			}
			log.Printf("outbox: publish %s (topic=%s attempt=%d): %v", m.id, m.topic, attempts, err)
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', processed_at=NOW() WHERE id=$1`, m.id); err != nil {
			return published, fmt.Errorf("outbox: mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit drain: %w", err)
	}
	return published, nil
}

// Run drains on a fixed interval until the context is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				log.Printf("outbox: drain: %v", err)
			}
		}
	}
}
