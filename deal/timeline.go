package deal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline appends immutable business events to a deal's audit trail inside
// the caller's transaction.
type Timeline struct{}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Append inserts one deal event with the next sequence number for the deal.
func (Timeline) Append(ctx context.Context, tx pgx.Tx, dealID, eventType string, actorID *string, payload map[string]any) error {
	if dealID == "" {
		return fmt.Errorf("deal: timeline missing deal id")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deal: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
		INSERT INTO deal_events (deal_id, seq, type, actor_id, payload)
		VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM deal_events WHERE deal_id = $1), $2, $3, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, q, dealID, eventType, actor, body); err != nil {
		return fmt.Errorf("deal: insert timeline event: %w", err)
	}
	return nil
}
