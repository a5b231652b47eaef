// Package notify is the notification collaborator boundary. Deliveries are
// fire-and-forget: failures are logged and never surface to the business
// operation that triggered them.
package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier fans a user-facing event out to the delivery pipeline.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]any)
}

// OutboxNotifier persists notifications as outbox rows on a dedicated topic;
// the relay carries them to the delivery service.
type OutboxNotifier struct {
	pool  *pgxpool.Pool
	topic string
}

func NewOutboxNotifier(pool *pgxpool.Pool) *OutboxNotifier {
	return &OutboxNotifier{pool: pool, topic: "notifications"}
}

func (n *OutboxNotifier) Notify(ctx context.Context, userID, eventType string, payload map[string]any) {
	if userID == "" || eventType == "" {
		return
	}

	body := map[string]any{
		"user_id": userID,
		"event":   eventType,
	}
	for k, v := range payload {
		body[k] = v
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		log.Printf("notify: marshal %s for %s: %v", eventType, userID, err)
		return
	}

	if _, err := n.pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, n.topic, encoded); err != nil {
		log.Printf("notify: enqueue %s for %s: %v", eventType, userID, err)
	}
}

// LogNotifier writes notifications to the process log; used when no delivery
// pipeline is configured and by tests.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID, eventType string, payload map[string]any) {
	log.Printf("notify: %s -> %s %v", eventType, userID, payload)
}
