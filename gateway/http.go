package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPGateway talks to the external payment provider over HTTPS. It is the
// only component permitted to block on network I/O during a money-moving
// operation.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type requestBody struct {
	Target   string            `json:"target"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type responseBody struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

func (g *HTTPGateway) Capture(ctx context.Context, instrument string, amount int64, currency string, metadata map[string]string) (Result, error) {
	return g.post(ctx, "capture", requestBody{Target: instrument, Amount: amount, Currency: currency, Metadata: metadata})
}

func (g *HTTPGateway) Transfer(ctx context.Context, account string, amount int64, currency string, metadata map[string]string) (Result, error) {
	return g.post(ctx, "transfer", requestBody{Target: account, Amount: amount, Currency: currency, Metadata: metadata})
}

func (g *HTTPGateway) Refund(ctx context.Context, txRef string, amount int64, currency string, metadata map[string]string) (Result, error) {
	return g.post(ctx, "refund", requestBody{Target: txRef, Amount: amount, Currency: currency, Metadata: metadata})
}

func (g *HTTPGateway) post(ctx context.Context, op string, body requestBody) (Result, error) {
	if body.Amount <= 0 {
		return Result{}, &Error{Op: op, Reason: "non-positive amount"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("gateway: marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/"+op, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("gateway: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, &Error{Op: op, Reason: err.Error()}
	}
	defer resp.Body.Close()

	var decoded responseBody
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, &Error{Op: op, Reason: fmt.Sprintf("malformed response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK || decoded.Status != "succeeded" {
		reason := decoded.Reason
		if reason == "" {
			reason = fmt.Sprintf("http status %d", resp.StatusCode)
		}
		return Result{}, &Error{Op: op, Reason: reason}
	}

	return Result{TransactionID: decoded.TransactionID, Status: decoded.Status}, nil
}
