package escrow

import "time"

// EarningStatus is the ledger state of funds held for a milestone.
type EarningStatus string

const (
	EarningEscrowed      EarningStatus = "escrowed"
	EarningCompleted     EarningStatus = "completed"
	EarningRefundPending EarningStatus = "refund_pending"
	EarningRefunded      EarningStatus = "refunded"
)

// ReleaseType records what triggered a release.
type ReleaseType string

const (
	ReleaseManual            ReleaseType = "manual"
	ReleaseAutomatic         ReleaseType = "automatic"
	ReleaseDisputeResolution ReleaseType = "dispute_resolution"
)

// Earning is one ledger entry holding or having held funds for a milestone.
// At most one entry per milestone may be escrowed at a time; a partial
// release splits the entry into a completed portion and a refund_pending
// sibling so amounts always account for the original hold.
type Earning struct {
	ID          string
	MilestoneID string
	DealID      string
	PayeeID     string
	Amount      int64
	Currency    string
	Status      EarningStatus
	ReleaseType *ReleaseType
	ReleasedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PayoutKind classifies a money movement against the gateway.
type PayoutKind string

const (
	PayoutEscrowHold PayoutKind = "escrow_hold"
	PayoutRelease    PayoutKind = "release"
	PayoutRefund     PayoutKind = "refund"
	PayoutFee        PayoutKind = "fee"
)

// Payout is the audit record of one gateway movement.
type Payout struct {
	ID           string
	MilestoneID  string
	DealID       string
	Kind         PayoutKind
	Amount       int64
	Currency     string
	GatewayTxRef *string
	CreatedAt    time.Time
}
