package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateKey signals that an idempotency key was already reserved by a
// concurrent request for the same operation.
var ErrDuplicateKey = errors.New("escrow: idempotency key already used")

// IdempotencyKeys stores client-supplied keys so funding retries replay the
// original outcome instead of charging twice.
type IdempotencyKeys struct {
	pool *pgxpool.Pool
}

func NewIdempotencyKeys(pool *pgxpool.Pool) *IdempotencyKeys {
	return &IdempotencyKeys{pool: pool}
}

// Lookup returns the resource id recorded for the key, if any.
func (k *IdempotencyKeys) Lookup(ctx context.Context, key, operation string) (string, bool, error) {
	var resourceID string
	const q = `SELECT resource_id FROM idempotency_keys WHERE key = $1 AND operation = $2`
	err := k.pool.QueryRow(ctx, q, key, operation).Scan(&resourceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("escrow: lookup idempotency key: %w", err)
	}
	return resourceID, true, nil
}

// Reserve records the key inside the caller's transaction so the reservation
// commits or rolls back with the work it guards.
func (k *IdempotencyKeys) Reserve(ctx context.Context, tx pgx.Tx, key, operation, resourceID string) error {
	const q = `INSERT INTO idempotency_keys (key, operation, resource_id) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, q, key, operation, resourceID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("escrow: reserve idempotency key: %w", err)
	}
	return nil
}
