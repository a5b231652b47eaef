package release

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/deal"
	"escrowflow/escrow"
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

type memStore struct {
	deals      map[string]deal.Deal
	milestones map[string]deal.Milestone
}

func (s *memStore) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	d, ok := s.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrDealNotFound
	}
	return d, nil
}

func (s *memStore) GetMilestone(ctx context.Context, id string) (deal.Milestone, error) {
	m, ok := s.milestones[id]
	if !ok {
		return deal.Milestone{}, deal.ErrMilestoneNotFound
	}
	return m, nil
}

func (s *memStore) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Milestone, error) {
	return s.GetMilestone(ctx, id)
}

func (s *memStore) GetDealForUpdate(ctx context.Context, tx pgx.Tx, id string) (deal.Deal, error) {
	return s.GetDeal(ctx, id)
}

func (s *memStore) ListMilestonesForUpdate(ctx context.Context, tx pgx.Tx, dealID string) ([]deal.Milestone, error) {
	var out []deal.Milestone
	for _, m := range s.milestones {
		if m.DealID == dealID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (s *memStore) ClearDispute(ctx context.Context, tx pgx.Tx, id string, next deal.MilestoneState) (deal.Milestone, error) {
	return s.transition(id, deal.StateDisputed, next)
}

func (s *memStore) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, from deal.MilestoneState) (deal.Milestone, error) {
	return s.transition(id, from, deal.StateCompleted)
}

func (s *memStore) UpdateMilestoneState(ctx context.Context, tx pgx.Tx, id string, from, to deal.MilestoneState) (deal.Milestone, error) {
	return s.transition(id, from, to)
}

func (s *memStore) transition(id string, from, to deal.MilestoneState) (deal.Milestone, error) {
	if err := deal.ValidateTransition(from, to); err != nil {
		return deal.Milestone{}, err
	}
	m, ok := s.milestones[id]
	if !ok {
		return deal.Milestone{}, deal.ErrMilestoneNotFound
	}
	if m.State != from {
		return deal.Milestone{}, deal.ErrStateConflict
	}
	m.State = to
	m.DisputeFlag = false
	s.milestones[id] = m
	return m, nil
}

func (s *memStore) SetDealStatus(ctx context.Context, tx pgx.Tx, id string, from []deal.Status, to deal.Status) error {
	d, ok := s.deals[id]
	if !ok {
		return deal.ErrDealNotFound
	}
	for _, f := range from {
		if d.Status == f {
			d.Status = to
			s.deals[id] = d
			return nil
		}
	}
	return deal.ErrStateConflict
}

func (s *memStore) OutstandingMilestones(ctx context.Context, tx pgx.Tx, dealID string) (int, error) {
	n := 0
	for _, m := range s.milestones {
		if m.DealID != dealID {
			continue
		}
		switch m.State {
		case deal.StateCompleted, deal.StateCancelled, deal.StateRefunded:
		default:
			n++
		}
	}
	return n, nil
}

type memLedger struct {
	earnings map[string]escrow.Earning
	payouts  []escrow.PayoutParams
	nextID   int
}

func newMemLedger() *memLedger {
	return &memLedger{earnings: map[string]escrow.Earning{}}
}

func (l *memLedger) hold(milestoneID, dealID, payeeID string, amount int64) escrow.Earning {
	l.nextID++
	e := escrow.Earning{
		ID:          fmt.Sprintf("earn-%d", l.nextID),
		MilestoneID: milestoneID,
		DealID:      dealID,
		PayeeID:     payeeID,
		Amount:      amount,
		Currency:    "USD",
		Status:      escrow.EarningEscrowed,
	}
	l.earnings[e.ID] = e
	return e
}

func (l *memLedger) GetEscrowedForUpdate(ctx context.Context, tx pgx.Tx, milestoneID string) (escrow.Earning, error) {
	for _, e := range l.earnings {
		if e.MilestoneID == milestoneID && e.Status == escrow.EarningEscrowed {
			return e, nil
		}
	}
	return escrow.Earning{}, escrow.ErrNoEscrowedEarning
}

func (l *memLedger) CompleteEarning(ctx context.Context, tx pgx.Tx, id string, trigger escrow.ReleaseType) (escrow.Earning, error) {
	e, ok := l.earnings[id]
	if !ok || e.Status != escrow.EarningEscrowed {
		return escrow.Earning{}, escrow.ErrEarningConflict
	}
	e.Status = escrow.EarningCompleted
	e.ReleaseType = &trigger
	l.earnings[id] = e
	return e, nil
}

func (l *memLedger) SplitForPartialRelease(ctx context.Context, tx pgx.Tx, hold escrow.Earning, releaseAmount int64, trigger escrow.ReleaseType) (escrow.Earning, escrow.Earning, error) {
	if releaseAmount <= 0 || releaseAmount >= hold.Amount {
		return escrow.Earning{}, escrow.Earning{}, escrow.ErrInsufficientEscrow
	}
	e, ok := l.earnings[hold.ID]
	if !ok || e.Status != escrow.EarningEscrowed {
		return escrow.Earning{}, escrow.Earning{}, escrow.ErrEarningConflict
	}
	e.Amount = releaseAmount
	e.Status = escrow.EarningCompleted
	e.ReleaseType = &trigger
	l.earnings[e.ID] = e

	l.nextID++
	rem := escrow.Earning{
		ID:          fmt.Sprintf("earn-%d", l.nextID),
		MilestoneID: hold.MilestoneID,
		DealID:      hold.DealID,
		PayeeID:     hold.PayeeID,
		Amount:      hold.Amount - releaseAmount,
		Currency:    hold.Currency,
		Status:      escrow.EarningRefundPending,
	}
	l.earnings[rem.ID] = rem
	return e, rem, nil
}

func (l *memLedger) MarkRefundPending(ctx context.Context, tx pgx.Tx, id string) (escrow.Earning, error) {
	e, ok := l.earnings[id]
	if !ok || e.Status != escrow.EarningEscrowed {
		return escrow.Earning{}, escrow.ErrEarningConflict
	}
	e.Status = escrow.EarningRefundPending
	l.earnings[id] = e
	return e, nil
}

func (l *memLedger) MarkRefunded(ctx context.Context, tx pgx.Tx, id string) (escrow.Earning, error) {
	e, ok := l.earnings[id]
	if !ok || e.Status != escrow.EarningRefundPending {
		return escrow.Earning{}, escrow.ErrEarningConflict
	}
	e.Status = escrow.EarningRefunded
	l.earnings[id] = e
	return e, nil
}

func (l *memLedger) InsertPayout(ctx context.Context, tx pgx.Tx, params escrow.PayoutParams) error {
	l.payouts = append(l.payouts, params)
	return nil
}

func newEngineFixture(state deal.MilestoneState, disputed bool) (*Engine, *memStore, *memLedger, *gateway.Recorder) {
	txRef := "capture-1"
	store := &memStore{
		deals: map[string]deal.Deal{
			"deal-1": {ID: "deal-1", PayerID: "payer-1", PayeeID: "payee-1", TotalAmount: 100000, Currency: "USD", Status: deal.StatusActive},
		},
		milestones: map[string]deal.Milestone{
			"ms-1": {ID: "ms-1", DealID: "deal-1", OrderIndex: 1, Amount: 75000, State: state, DisputeFlag: disputed, FundingTxRef: &txRef},
		},
	}
	ledger := newMemLedger()
	if state != deal.StatePending {
		ledger.hold("ms-1", "deal-1", "payee-1", 75000)
	}
	gw := gateway.NewRecorder()
	eng := NewEngine(fakeBeginner{}, store, ledger, gw, DefaultRules(), nil, nil)
	return eng, store, ledger, gw
}

func TestRelease_MovesFundsExactlyOnce(t *testing.T) {
	eng, store, ledger, gw := newEngineFixture(deal.StateFunded, false)

	m, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payer-1", Trigger: escrow.ReleaseManual})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.State != deal.StateCompleted {
		t.Fatalf("expected completed, got %s", m.State)
	}

	transfers := gw.CallsFor("transfer")
	if len(transfers) != 1 || transfers[0].Amount != 75000 || transfers[0].Target != "payee-1" {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
	if len(ledger.payouts) != 1 || ledger.payouts[0].Kind != escrow.PayoutRelease {
		t.Fatalf("unexpected payouts: %+v", ledger.payouts)
	}

	// retry after completion is a successful no-op
	if _, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payer-1", Trigger: escrow.ReleaseManual}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(gw.CallsFor("transfer")) != 1 {
		t.Fatalf("retry moved money again: %d transfers", len(gw.CallsFor("transfer")))
	}
	if store.milestones["ms-1"].State != deal.StateCompleted {
		t.Fatalf("milestone state drifted: %s", store.milestones["ms-1"].State)
	}
}

func TestRelease_CompletesDealWhenLastMilestoneDone(t *testing.T) {
	eng, store, _, _ := newEngineFixture(deal.StateApproved, false)

	if _, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payer-1", Trigger: escrow.ReleaseManual}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.deals["deal-1"].Status != deal.StatusCompleted {
		t.Fatalf("deal should complete, got %s", store.deals["deal-1"].Status)
	}
}

func TestRelease_DisputedBlocksManualAndAutomatic(t *testing.T) {
	for _, trigger := range []escrow.ReleaseType{escrow.ReleaseManual, escrow.ReleaseAutomatic} {
		eng, _, _, gw := newEngineFixture(deal.StateDisputed, true)
		_, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payer-1", Trigger: trigger})
		if !errors.Is(err, ErrMilestoneDisputed) {
			t.Fatalf("trigger %s: expected ErrMilestoneDisputed, got %v", trigger, err)
		}
		if len(gw.Calls) != 0 {
			t.Fatalf("trigger %s: money moved on a disputed milestone", trigger)
		}
	}
}

func TestRelease_ManualRequiresPayer(t *testing.T) {
	eng, _, _, gw := newEngineFixture(deal.StateFunded, false)

	_, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payee-1", Trigger: escrow.ReleaseManual})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if len(gw.Calls) != 0 {
		t.Fatal("money moved for an unauthorized actor")
	}
}

func TestRelease_PayeeMayPullAfterAutoReleaseDate(t *testing.T) {
	eng, store, _, gw := newEngineFixture(deal.StateFunded, false)
	auto := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	m := store.milestones["ms-1"]
	m.AutoReleaseAt = &auto
	store.milestones["ms-1"] = m

	eng.WithClock(func() time.Time { return auto.Add(-time.Hour) })
	_, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payee-1", Trigger: escrow.ReleaseManual})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("payee must wait for the deadline, got %v", err)
	}
	if len(gw.Calls) != 0 {
		t.Fatal("money moved before the deadline")
	}

	eng.WithClock(func() time.Time { return auto.Add(time.Hour) })
	res, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payee-1", Trigger: escrow.ReleaseManual})
	if err != nil {
		t.Fatalf("release after deadline: %v", err)
	}
	if res.State != deal.StateCompleted {
		t.Fatalf("expected completed, got %s", res.State)
	}
}

func TestRelease_PendingMilestoneNotFunded(t *testing.T) {
	eng, _, _, _ := newEngineFixture(deal.StatePending, false)

	_, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payer-1", Trigger: escrow.ReleaseManual})
	if !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
}

func TestRelease_GatewayFailureLeavesEscrowIntact(t *testing.T) {
	eng, store, ledger, gw := newEngineFixture(deal.StateFunded, false)
	gw.FailOp = "transfer"

	_, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", ActorID: "payer-1", Trigger: escrow.ReleaseManual})
	if !gateway.IsGatewayError(err) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if store.milestones["ms-1"].State != deal.StateFunded {
		t.Fatalf("milestone must stay funded, got %s", store.milestones["ms-1"].State)
	}
	hold, err := ledger.GetEscrowedForUpdate(context.Background(), fakeTx{}, "ms-1")
	if err != nil || hold.Amount != 75000 {
		t.Fatalf("escrow hold must survive: %+v, %v", hold, err)
	}
}

func TestRefund_ReturnsFullHold(t *testing.T) {
	eng, store, ledger, gw := newEngineFixture(deal.StateDisputed, true)

	m, err := eng.Refund(context.Background(), Params{MilestoneID: "ms-1", ActorID: "med-1", Trigger: escrow.ReleaseDisputeResolution})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if m.State != deal.StateRefunded {
		t.Fatalf("expected refunded, got %s", m.State)
	}

	refunds := gw.CallsFor("refund")
	if len(refunds) != 1 || refunds[0].Amount != 75000 || refunds[0].Target != "capture-1" {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}
	for _, e := range ledger.earnings {
		if e.Status != escrow.EarningRefunded {
			t.Fatalf("earning left in %s", e.Status)
		}
	}
	if store.deals["deal-1"].Status != deal.StatusCompleted {
		t.Fatalf("deal should complete after its only milestone settles, got %s", store.deals["deal-1"].Status)
	}
}

func TestApply_PartialReleaseOutcome(t *testing.T) {
	eng, store, ledger, gw := newEngineFixture(deal.StateDisputed, true)

	m, err := eng.Apply(context.Background(), Instruction{
		MilestoneID: "ms-1",
		ActorID:     "med-1",
		Outcome:     OutcomeReleasePartial,
		Amount:      50000,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.State != deal.StateCompleted {
		t.Fatalf("expected completed, got %s", m.State)
	}

	transfers := gw.CallsFor("transfer")
	refunds := gw.CallsFor("refund")
	if len(transfers) != 1 || transfers[0].Amount != 50000 {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
	if len(refunds) != 1 || refunds[0].Amount != 25000 {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}

	var completedSum, refundedSum int64
	for _, e := range ledger.earnings {
		switch e.Status {
		case escrow.EarningCompleted:
			completedSum += e.Amount
		case escrow.EarningRefunded:
			refundedSum += e.Amount
		default:
			t.Fatalf("earning left in %s", e.Status)
		}
	}
	if completedSum != 50000 || refundedSum != 25000 {
		t.Fatalf("ledger does not account for the hold: completed=%d refunded=%d", completedSum, refundedSum)
	}
	if len(ledger.payouts) != 2 {
		t.Fatalf("expected 2 payouts, got %d", len(ledger.payouts))
	}
	if store.milestones["ms-1"].DisputeFlag {
		t.Fatal("dispute flag should clear on settlement")
	}
}

func TestApply_RejectsMalformedInstruction(t *testing.T) {
	eng, _, _, _ := newEngineFixture(deal.StateDisputed, true)

	cases := []Instruction{
		{Outcome: OutcomeReleaseFull},
		{MilestoneID: "ms-1", Outcome: Outcome("keep_forever")},
		{MilestoneID: "ms-1", Outcome: OutcomeReleasePartial},
		{MilestoneID: "ms-1", Outcome: OutcomeReleasePartial, Amount: -5},
		{MilestoneID: "ms-1", Outcome: OutcomeRefundPartial},
		{MilestoneID: "ms-1", Outcome: OutcomeReleaseFull, Amount: 100},
		{MilestoneID: "ms-1", Outcome: OutcomeContinueWork, Amount: 100},
		{Outcome: OutcomeCancelDeal},
	}
	for _, instr := range cases {
		if _, err := eng.Apply(context.Background(), instr); err == nil {
			t.Fatalf("instruction %+v should be rejected", instr)
		}
	}
}

func TestApply_PartialAmountBoundedByHold(t *testing.T) {
	eng, _, _, gw := newEngineFixture(deal.StateDisputed, true)

	_, err := eng.Apply(context.Background(), Instruction{
		MilestoneID: "ms-1",
		ActorID:     "med-1",
		Outcome:     OutcomeReleasePartial,
		Amount:      75000,
	})
	if !errors.Is(err, escrow.ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
	if len(gw.Calls) != 0 {
		t.Fatal("money moved for an oversized split")
	}
}

func TestApply_RefundPartialMirrorsRelease(t *testing.T) {
	eng, _, ledger, gw := newEngineFixture(deal.StateDisputed, true)

	m, err := eng.Apply(context.Background(), Instruction{
		MilestoneID: "ms-1",
		ActorID:     "med-1",
		Outcome:     OutcomeRefundPartial,
		Amount:      25000,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.State != deal.StateCompleted {
		t.Fatalf("expected completed, got %s", m.State)
	}

	transfers := gw.CallsFor("transfer")
	refunds := gw.CallsFor("refund")
	if len(transfers) != 1 || transfers[0].Amount != 50000 {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
	if len(refunds) != 1 || refunds[0].Amount != 25000 {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}
	var completedSum, refundedSum int64
	for _, e := range ledger.earnings {
		switch e.Status {
		case escrow.EarningCompleted:
			completedSum += e.Amount
		case escrow.EarningRefunded:
			refundedSum += e.Amount
		}
	}
	if completedSum != 50000 || refundedSum != 25000 {
		t.Fatalf("ledger does not account for the hold: completed=%d refunded=%d", completedSum, refundedSum)
	}
}

func TestApply_ContinueWorkKeepsHoldIntact(t *testing.T) {
	eng, store, ledger, gw := newEngineFixture(deal.StateDisputed, true)

	m, err := eng.Apply(context.Background(), Instruction{
		MilestoneID: "ms-1",
		ActorID:     "med-1",
		Outcome:     OutcomeContinueWork,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.State != deal.StateFunded {
		t.Fatalf("expected funded, got %s", m.State)
	}
	if m.DisputeFlag {
		t.Fatal("dispute flag should clear")
	}
	if len(gw.Calls) != 0 {
		t.Fatal("continue_work must not move money")
	}
	hold, err := ledger.GetEscrowedForUpdate(context.Background(), fakeTx{}, "ms-1")
	if err != nil || hold.Amount != 75000 {
		t.Fatalf("escrow hold must survive: %+v, %v", hold, err)
	}

	// a retry of the same ruling is a no-op
	again, err := eng.Apply(context.Background(), Instruction{
		MilestoneID: "ms-1",
		ActorID:     "med-1",
		Outcome:     OutcomeContinueWork,
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.State != deal.StateFunded || store.milestones["ms-1"].State != deal.StateFunded {
		t.Fatalf("retry drifted the milestone: %s", store.milestones["ms-1"].State)
	}
}

func TestApply_CancelDealRefundsEveryOpenHold(t *testing.T) {
	eng, store, ledger, gw := newEngineFixture(deal.StateDisputed, true)
	store.milestones["ms-2"] = deal.Milestone{ID: "ms-2", DealID: "deal-1", OrderIndex: 2, Amount: 25000, State: deal.StatePending}

	m, err := eng.Apply(context.Background(), Instruction{
		MilestoneID: "ms-1",
		ActorID:     "med-1",
		Outcome:     OutcomeCancelDeal,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.State != deal.StateRefunded {
		t.Fatalf("disputed milestone should refund, got %s", m.State)
	}
	if store.milestones["ms-2"].State != deal.StateCancelled {
		t.Fatalf("unfunded milestone should cancel, got %s", store.milestones["ms-2"].State)
	}
	if store.deals["deal-1"].Status != deal.StatusCancelled {
		t.Fatalf("deal should cancel, got %s", store.deals["deal-1"].Status)
	}

	refunds := gw.CallsFor("refund")
	if len(refunds) != 1 || refunds[0].Amount != 75000 {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}
	for _, e := range ledger.earnings {
		if e.Status != escrow.EarningRefunded {
			t.Fatalf("earning left in %s", e.Status)
		}
	}

	// a retry against the cancelled deal moves nothing
	if _, err := eng.Apply(context.Background(), Instruction{DealID: "deal-1", ActorID: "med-1", Outcome: OutcomeCancelDeal}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(gw.CallsFor("refund")) != 1 {
		t.Fatal("retry refunded again")
	}
}

func TestRelease_AutomaticWaitsForAutoReleaseDate(t *testing.T) {
	eng, store, _, gw := newEngineFixture(deal.StateFunded, false)
	auto := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	m := store.milestones["ms-1"]
	m.AutoReleaseAt = &auto
	store.milestones["ms-1"] = m

	eng.WithClock(func() time.Time { return auto.Add(-time.Minute) })
	_, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", Trigger: escrow.ReleaseAutomatic})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible before the deadline, got %v", err)
	}
	if len(gw.Calls) != 0 {
		t.Fatal("money moved before the auto-release date")
	}

	eng.WithClock(func() time.Time { return auto.Add(time.Minute) })
	res, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", Trigger: escrow.ReleaseAutomatic})
	if err != nil {
		t.Fatalf("release after deadline: %v", err)
	}
	if res.State != deal.StateCompleted {
		t.Fatalf("expected completed, got %s", res.State)
	}
}

func TestRelease_AutomaticWithoutDateNotEligible(t *testing.T) {
	eng, _, _, gw := newEngineFixture(deal.StateFunded, false)

	_, err := eng.Release(context.Background(), Params{MilestoneID: "ms-1", Trigger: escrow.ReleaseAutomatic})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible without an auto-release date, got %v", err)
	}
	if len(gw.Calls) != 0 {
		t.Fatal("money moved without an auto-release date")
	}
}
