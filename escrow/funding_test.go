package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/deal"
	"escrowflow/gateway"
)

type fakeTx struct{}

func (fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }
func (fakeTx) Commit(ctx context.Context) error          { return nil }
func (fakeTx) Rollback(ctx context.Context) error        { return nil }
func (fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (fakeTx) Conn() *pgx.Conn                                              { return nil }

type fakeBeginner struct{}

func (fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

type fakeMilestones struct {
	deals      map[string]deal.Deal
	milestones map[string]deal.Milestone
}

func (f *fakeMilestones) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	d, ok := f.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrDealNotFound
	}
	return d, nil
}

func (f *fakeMilestones) GetMilestone(ctx context.Context, id string) (deal.Milestone, error) {
	m, ok := f.milestones[id]
	if !ok {
		return deal.Milestone{}, deal.ErrMilestoneNotFound
	}
	return m, nil
}

func (f *fakeMilestones) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Milestone, error) {
	return f.GetMilestone(ctx, id)
}

func (f *fakeMilestones) MarkFunded(ctx context.Context, tx pgx.Tx, id, txRef string) (deal.Milestone, error) {
	m, ok := f.milestones[id]
	if !ok {
		return deal.Milestone{}, deal.ErrMilestoneNotFound
	}
	if m.State != deal.StatePending {
		return deal.Milestone{}, deal.ErrStateConflict
	}
	m.State = deal.StateFunded
	m.FundingTxRef = &txRef
	f.milestones[id] = m
	return m, nil
}

type fakeLedger struct {
	earnings []EarningParams
	payouts  []PayoutParams
}

func (f *fakeLedger) InsertEarning(ctx context.Context, tx pgx.Tx, params EarningParams) (Earning, error) {
	f.earnings = append(f.earnings, params)
	return Earning{ID: "earn-1", MilestoneID: params.MilestoneID, Amount: params.Amount, Status: EarningEscrowed}, nil
}

func (f *fakeLedger) InsertPayout(ctx context.Context, tx pgx.Tx, params PayoutParams) error {
	f.payouts = append(f.payouts, params)
	return nil
}

type fakeKeys struct {
	stored map[string]string
}

func (f *fakeKeys) Lookup(ctx context.Context, key, operation string) (string, bool, error) {
	id, ok := f.stored[operation+"/"+key]
	return id, ok, nil
}

func (f *fakeKeys) Reserve(ctx context.Context, tx pgx.Tx, key, operation, resourceID string) error {
	k := operation + "/" + key
	if _, ok := f.stored[k]; ok {
		return ErrDuplicateKey
	}
	f.stored[k] = resourceID
	return nil
}

func newFundingFixture() (*FundingService, *fakeMilestones, *fakeLedger, *fakeKeys, *gateway.Recorder) {
	store := &fakeMilestones{
		deals: map[string]deal.Deal{
			"deal-1": {ID: "deal-1", PayerID: "payer-1", PayeeID: "payee-1", TotalAmount: 100000, Currency: "USD", Status: deal.StatusActive},
		},
		milestones: map[string]deal.Milestone{
			"ms-1": {ID: "ms-1", DealID: "deal-1", OrderIndex: 1, Amount: 70000, BonusAmount: 5000, State: deal.StatePending},
		},
	}
	ledger := &fakeLedger{}
	keys := &fakeKeys{stored: map[string]string{}}
	gw := gateway.NewRecorder()
	svc := NewFundingService(fakeBeginner{}, store, ledger, keys, gw, nil, nil)
	return svc, store, ledger, keys, gw
}

func TestFund_CapturesAndEscrows(t *testing.T) {
	svc, store, ledger, _, gw := newFundingFixture()

	m, err := svc.Fund(context.Background(), FundParams{
		MilestoneID: "ms-1",
		ActorID:     "payer-1",
		Instrument:  "card_tok_1",
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if m.State != deal.StateFunded {
		t.Fatalf("expected funded, got %s", m.State)
	}
	if m.FundingTxRef == nil || *m.FundingTxRef == "" {
		t.Fatal("funding tx ref not recorded")
	}

	captures := gw.CallsFor("capture")
	if len(captures) != 1 {
		t.Fatalf("expected 1 capture, got %d", len(captures))
	}
	if captures[0].Amount != 75000 {
		t.Fatalf("capture should include bonus: got %d, want 75000", captures[0].Amount)
	}

	if len(ledger.earnings) != 1 || ledger.earnings[0].Amount != 75000 {
		t.Fatalf("unexpected earnings: %+v", ledger.earnings)
	}
	if ledger.earnings[0].PayeeID != "payee-1" {
		t.Fatalf("earning credited to %s", ledger.earnings[0].PayeeID)
	}
	if len(ledger.payouts) != 1 || ledger.payouts[0].Kind != PayoutEscrowHold {
		t.Fatalf("unexpected payouts: %+v", ledger.payouts)
	}
	if store.milestones["ms-1"].State != deal.StateFunded {
		t.Fatal("milestone state not persisted")
	}
}

func TestFund_PlatformFeeRidesOnTopOfHold(t *testing.T) {
	svc, _, ledger, _, gw := newFundingFixture()
	svc.WithPlatformFee(250) // 2.5%

	if _, err := svc.Fund(context.Background(), FundParams{
		MilestoneID: "ms-1",
		ActorID:     "payer-1",
		Instrument:  "card_tok_1",
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	captures := gw.CallsFor("capture")
	if len(captures) != 1 || captures[0].Amount != 76875 {
		t.Fatalf("charge should add the fee to the 75000 hold: %+v", captures)
	}
	// the payee's hold stays the amount plus bonus; the fee is the platform's
	if len(ledger.earnings) != 1 || ledger.earnings[0].Amount != 75000 {
		t.Fatalf("unexpected earnings: %+v", ledger.earnings)
	}
	if len(ledger.payouts) != 2 {
		t.Fatalf("expected hold and fee payouts, got %+v", ledger.payouts)
	}
	var feeAmount int64
	for _, p := range ledger.payouts {
		if p.Kind == PayoutFee {
			feeAmount = p.Amount
		}
	}
	if feeAmount != 1875 {
		t.Fatalf("fee payout %d, want 1875", feeAmount)
	}
}

func TestFund_NonPendingMilestoneRejectedBeforeCapture(t *testing.T) {
	svc, store, ledger, _, gw := newFundingFixture()
	m := store.milestones["ms-1"]
	m.State = deal.StateFunded
	store.milestones["ms-1"] = m

	_, err := svc.Fund(context.Background(), FundParams{
		MilestoneID: "ms-1",
		ActorID:     "payer-1",
		Instrument:  "card_tok_1",
	})
	if !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}
	if len(gw.Calls) != 0 {
		t.Fatalf("gateway must not be called: %+v", gw.Calls)
	}
	if len(ledger.earnings) != 0 {
		t.Fatalf("no earning should exist: %+v", ledger.earnings)
	}
}

func TestFund_OnlyPayer(t *testing.T) {
	svc, _, _, _, gw := newFundingFixture()

	_, err := svc.Fund(context.Background(), FundParams{
		MilestoneID: "ms-1",
		ActorID:     "payee-1",
		Instrument:  "card_tok_1",
	})
	if !errors.Is(err, deal.ErrNotDealParty) {
		t.Fatalf("expected ErrNotDealParty, got %v", err)
	}
	if len(gw.Calls) != 0 {
		t.Fatalf("gateway must not be called: %+v", gw.Calls)
	}
}

func TestFund_GatewayDeclinePersistsNothing(t *testing.T) {
	svc, store, ledger, _, gw := newFundingFixture()
	gw.FailOp = "capture"
	gw.FailReason = "card_declined"

	_, err := svc.Fund(context.Background(), FundParams{
		MilestoneID: "ms-1",
		ActorID:     "payer-1",
		Instrument:  "card_tok_1",
	})
	if !gateway.IsGatewayError(err) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if store.milestones["ms-1"].State != deal.StatePending {
		t.Fatalf("milestone must stay pending, got %s", store.milestones["ms-1"].State)
	}
	if len(ledger.earnings) != 0 || len(ledger.payouts) != 0 {
		t.Fatal("ledger must stay empty after a decline")
	}
}

func TestFund_IdempotencyKeyReplaysFirstOutcome(t *testing.T) {
	svc, _, ledger, _, gw := newFundingFixture()

	params := FundParams{
		MilestoneID:    "ms-1",
		ActorID:        "payer-1",
		Instrument:     "card_tok_1",
		IdempotencyKey: "fund-attempt-1",
	}
	first, err := svc.Fund(context.Background(), params)
	if err != nil {
		t.Fatalf("first fund: %v", err)
	}
	second, err := svc.Fund(context.Background(), params)
	if err != nil {
		t.Fatalf("replay fund: %v", err)
	}

	if len(gw.CallsFor("capture")) != 1 {
		t.Fatalf("replay must not capture again: %d captures", len(gw.CallsFor("capture")))
	}
	if len(ledger.earnings) != 1 {
		t.Fatalf("replay must not escrow again: %d earnings", len(ledger.earnings))
	}
	if first.ID != second.ID || second.State != deal.StateFunded {
		t.Fatalf("replay returned %+v", second)
	}
}
