package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/deal"
	"escrowflow/escrow"
	"escrowflow/release"
)

// Releaser is the engine hook the sweeper drives.
type Releaser interface {
	Release(ctx context.Context, params release.Params) (deal.Milestone, error)
}

// CandidateSource lists milestones whose auto-release timer has expired.
type CandidateSource interface {
	DueMilestones(ctx context.Context, limit int) ([]string, error)
}

// PGCandidates reads due milestones from PostgreSQL. The query is only a
// candidate scan; the engine re-checks every condition under the row lock, so
// a dispute opened between scan and release still blocks the movement.
type PGCandidates struct {
	pool *pgxpool.Pool
}

func NewPGCandidates(pool *pgxpool.Pool) *PGCandidates {
	return &PGCandidates{pool: pool}
}

func (c *PGCandidates) DueMilestones(ctx context.Context, limit int) ([]string, error) {
	const q = `
		SELECT id
		FROM milestones
		WHERE auto_release_at IS NOT NULL
		  AND auto_release_at <= NOW()
		  AND dispute_flag = FALSE
		  AND state IN ('funded','submitted','approved')
		ORDER BY auto_release_at
		LIMIT $1
	`
	rows, err := c.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("sweeper: scan due milestones: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sweeper: scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweeper: iterate ids: %w", err)
	}
	return out, nil
}

// Failure records one milestone the sweep could not release.
type Failure struct {
	MilestoneID string
	Err         error
}

// Report summarizes one sweep pass.
type Report struct {
	Scanned  int
	Released int
	Skipped  int
	Failures []Failure
}

// Sweeper periodically releases milestones whose auto-release deadline has
// passed without a dispute.
type Sweeper struct {
	source      CandidateSource
	engine      Releaser
	batchSize   int
	concurrency int
}

func New(source CandidateSource, engine Releaser) *Sweeper {
	return &Sweeper{
		source:      source,
		engine:      engine,
		batchSize:   100,
		concurrency: 8,
	}
}

// Sweep runs one pass. Each candidate releases independently; a milestone
// that became ineligible since the scan counts as skipped, a hard failure is
// reported and retried on the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ids, err := s.source.DueMilestones(ctx, s.batchSize)
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(ids)}
	results := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, err := s.engine.Release(gctx, release.Params{
				MilestoneID: id,
				Trigger:     escrow.ReleaseAutomatic,
			})
			results[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for i, err := range results {
		switch {
		case err == nil:
			report.Released++
		case isSkippable(err):
			report.Skipped++
		default:
			report.Failures = append(report.Failures, Failure{MilestoneID: ids[i], Err: err})
		}
	}
	return report, nil
}

// isSkippable covers races that resolve themselves: a dispute opened after
// the scan, or another path releasing first.
func isSkippable(err error) bool {
	return errors.Is(err, release.ErrMilestoneDisputed) ||
		errors.Is(err, release.ErrAlreadyReleased) ||
		errors.Is(err, release.ErrNotEligible) ||
		errors.Is(err, deal.ErrStateConflict)
}

// Run sweeps on the interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("sweeper: pass failed: %v", err)
				continue
			}
			if report.Scanned > 0 {
				log.Printf("sweeper: scanned=%d released=%d skipped=%d failed=%d",
					report.Scanned, report.Released, report.Skipped, len(report.Failures))
			}
			for _, f := range report.Failures {
				log.Printf("sweeper: milestone %s: %v", f.MilestoneID, f.Err)
			}
		}
	}
}
