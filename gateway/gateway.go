package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Result is the gateway's acknowledgement of a funds-movement request.
type Result struct {
	TransactionID string
	Status        string
}

// Gateway is the payment collaborator boundary. Capture pulls money from the
// payer, Transfer pushes escrowed money to the payee, Refund returns a
// captured amount to the payer. All calls are synchronous with timeout and
// leave no partial effects on failure.
type Gateway interface {
	Capture(ctx context.Context, instrument string, amount int64, currency string, metadata map[string]string) (Result, error)
	Transfer(ctx context.Context, account string, amount int64, currency string, metadata map[string]string) (Result, error)
	Refund(ctx context.Context, txRef string, amount int64, currency string, metadata map[string]string) (Result, error)
}

// Error carries the gateway's failure reason back to the caller. Operations
// that fail with Error persist no state and are safe to retry.
type Error struct {
	Op     string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s failed: %s", e.Op, e.Reason)
}

// IsGatewayError reports whether err originates from the payment gateway.
func IsGatewayError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
