package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Call records one invocation against the Recorder.
type Call struct {
	Op       string
	Target   string
	Amount   int64
	Currency string
}

// Recorder is an in-memory Gateway used by tests and local development. It
// approves every request unless a failure is armed for the matching op.
type Recorder struct {
	mu    sync.Mutex
	seq   int
	Calls []Call
	// FailOp, when non-empty, makes calls for that op fail with FailReason.
	FailOp     string
	FailReason string
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Capture(_ context.Context, instrument string, amount int64, currency string, _ map[string]string) (Result, error) {
	return r.record("capture", instrument, amount, currency)
}

func (r *Recorder) Transfer(_ context.Context, account string, amount int64, currency string, _ map[string]string) (Result, error) {
	return r.record("transfer", account, amount, currency)
}

func (r *Recorder) Refund(_ context.Context, txRef string, amount int64, currency string, _ map[string]string) (Result, error) {
	return r.record("refund", txRef, amount, currency)
}

func (r *Recorder) record(op, target string, amount int64, currency string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailOp == op {
		reason := r.FailReason
		if reason == "" {
			reason = "declined"
		}
		return Result{}, &Error{Op: op, Reason: reason}
	}

	r.seq++
	r.Calls = append(r.Calls, Call{Op: op, Target: target, Amount: amount, Currency: currency})
	return Result{TransactionID: fmt.Sprintf("%s-%d", op, r.seq), Status: "succeeded"}, nil
}

// CallsFor returns the recorded calls for one op.
func (r *Recorder) CallsFor(op string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Call, 0, len(r.Calls))
	for _, c := range r.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}
