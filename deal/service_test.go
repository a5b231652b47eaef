package deal

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { t.rolledBack = true; return nil }
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                              { return nil }

type fakeBeginner struct {
	last *fakeTx
}

func (b *fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	b.last = &fakeTx{}
	return b.last, nil
}

type fakeStore struct {
	deals        map[string]Deal
	milestones   map[string]Milestone
	deliverables map[string][]DeliverableInput
	feedback     map[string][]string
	nextID       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deals:        map[string]Deal{},
		milestones:   map[string]Milestone{},
		deliverables: map[string][]DeliverableInput{},
		feedback:     map[string][]string{},
	}
}

func (s *fakeStore) GetDeal(ctx context.Context, id string) (Deal, error) {
	d, ok := s.deals[id]
	if !ok {
		return Deal{}, ErrDealNotFound
	}
	return d, nil
}

func (s *fakeStore) GetDealForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deal, error) {
	return s.GetDeal(ctx, id)
}

func (s *fakeStore) SetDealStatus(ctx context.Context, tx pgx.Tx, id string, from []Status, to Status) error {
	d, ok := s.deals[id]
	if !ok {
		return ErrDealNotFound
	}
	for _, f := range from {
		if d.Status == f {
			d.Status = to
			s.deals[id] = d
			return nil
		}
	}
	return ErrStateConflict
}

func (s *fakeStore) CountMilestones(ctx context.Context, tx pgx.Tx, dealID string) (int, error) {
	n := 0
	for _, m := range s.milestones {
		if m.DealID == dealID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) InsertMilestones(ctx context.Context, tx pgx.Tx, dealID string, milestones []Milestone) ([]Milestone, error) {
	out := make([]Milestone, 0, len(milestones))
	for _, m := range milestones {
		s.nextID++
		m.ID = fmt.Sprintf("ms-%d", s.nextID)
		m.DealID = dealID
		m.State = StatePending
		s.milestones[m.ID] = m
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) GetMilestone(ctx context.Context, id string) (Milestone, error) {
	m, ok := s.milestones[id]
	if !ok {
		return Milestone{}, ErrMilestoneNotFound
	}
	return m, nil
}

func (s *fakeStore) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	return s.GetMilestone(ctx, id)
}

func (s *fakeStore) UpdateMilestoneState(ctx context.Context, tx pgx.Tx, id string, from, to MilestoneState) (Milestone, error) {
	if err := ValidateTransition(from, to); err != nil {
		return Milestone{}, err
	}
	m, ok := s.milestones[id]
	if !ok {
		return Milestone{}, ErrMilestoneNotFound
	}
	if m.State != from {
		return Milestone{}, ErrStateConflict
	}
	m.State = to
	s.milestones[id] = m
	return m, nil
}

func (s *fakeStore) InsertDeliverables(ctx context.Context, tx pgx.Tx, milestoneID, submitterID string, items []DeliverableInput) error {
	s.deliverables[milestoneID] = append(s.deliverables[milestoneID], items...)
	return nil
}

func (s *fakeStore) InsertFeedback(ctx context.Context, tx pgx.Tx, milestoneID, authorID, body string) error {
	s.feedback[milestoneID] = append(s.feedback[milestoneID], body)
	return nil
}

type recordedEvent struct {
	dealID string
	typ    string
}

type fakeTimeline struct {
	events []recordedEvent
}

func (f *fakeTimeline) Append(ctx context.Context, tx pgx.Tx, dealID, eventType string, actorID *string, payload map[string]any) error {
	f.events = append(f.events, recordedEvent{dealID: dealID, typ: eventType})
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakeReleaser struct {
	calls []string
	err   error
}

func (f *fakeReleaser) ReleaseApproved(ctx context.Context, milestoneID, actorID string) error {
	f.calls = append(f.calls, milestoneID)
	return f.err
}

func newTestService(store *fakeStore) (*Service, *fakeTimeline, *fakeOutbox) {
	tl := &fakeTimeline{}
	ob := &fakeOutbox{}
	svc := NewService(&fakeBeginner{}, store, tl, ob)
	return svc, tl, ob
}

func seedDeal(store *fakeStore, status Status) Deal {
	d := Deal{
		ID:          "deal-1",
		PayerID:     "payer-1",
		PayeeID:     "payee-1",
		TotalAmount: 100000,
		Currency:    "USD",
		Status:      status,
	}
	store.deals[d.ID] = d
	return d
}

func seedMilestone(store *fakeStore, state MilestoneState) Milestone {
	m := Milestone{ID: "ms-1", DealID: "deal-1", OrderIndex: 1, Amount: 50000, State: state}
	store.milestones[m.ID] = m
	return m
}

func TestCreateMilestones_ActivatesDealAndAppendsTimeline(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusNegotiating)
	svc, tl, ob := newTestService(store)

	created, err := svc.CreateMilestones(context.Background(), CreateMilestonesParams{
		DealID:   "deal-1",
		ActorID:  "payer-1",
		Template: TemplateFrontLoaded,
		Count:    2,
	})
	if err != nil {
		t.Fatalf("create milestones: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(created))
	}
	if created[0].Amount != 70000 || created[1].Amount != 30000 {
		t.Fatalf("unexpected amounts [%d %d]", created[0].Amount, created[1].Amount)
	}
	if store.deals["deal-1"].Status != StatusActive {
		t.Fatalf("deal should be active, got %s", store.deals["deal-1"].Status)
	}
	if len(tl.events) != 1 || tl.events[0].typ != "MILESTONES_CREATED" {
		t.Fatalf("unexpected timeline events: %+v", tl.events)
	}
	if len(ob.topics) != 1 || ob.topics[0] != "deal.milestones_created" {
		t.Fatalf("unexpected outbox topics: %v", ob.topics)
	}
}

func TestCreateMilestones_OnlyPayer(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusNegotiating)
	svc, _, _ := newTestService(store)

	_, err := svc.CreateMilestones(context.Background(), CreateMilestonesParams{
		DealID:   "deal-1",
		ActorID:  "payee-1",
		Template: TemplateEqualSplit,
		Count:    2,
	})
	if !errors.Is(err, ErrNotDealParty) {
		t.Fatalf("expected ErrNotDealParty, got %v", err)
	}
}

func TestCreateMilestones_OnlyOnce(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusNegotiating)
	svc, _, _ := newTestService(store)

	params := CreateMilestonesParams{DealID: "deal-1", ActorID: "payer-1", Template: TemplateEqualSplit, Count: 2}
	if _, err := svc.CreateMilestones(context.Background(), params); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreateMilestones(context.Background(), params); !errors.Is(err, ErrMilestonesExist) {
		t.Fatalf("expected ErrMilestonesExist, got %v", err)
	}
}

func TestCreateMilestones_ClosedDeal(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusCompleted)
	svc, _, _ := newTestService(store)

	_, err := svc.CreateMilestones(context.Background(), CreateMilestonesParams{
		DealID: "deal-1", ActorID: "payer-1", Template: TemplateEqualSplit, Count: 2,
	})
	if !errors.Is(err, ErrDealClosed) {
		t.Fatalf("expected ErrDealClosed, got %v", err)
	}
}

func TestSubmitDeliverables_FromFunded(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateFunded)
	svc, tl, _ := newTestService(store)

	m, err := svc.SubmitDeliverables(context.Background(), SubmitParams{
		MilestoneID: "ms-1",
		ActorID:     "payee-1",
		Items:       []DeliverableInput{{Note: "final cut", URL: "https://files.example/v1"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.State != StateSubmitted {
		t.Fatalf("expected submitted, got %s", m.State)
	}
	if len(store.deliverables["ms-1"]) != 1 {
		t.Fatalf("deliverable not stored")
	}
	if len(tl.events) != 1 || tl.events[0].typ != "MILESTONE_SUBMITTED" {
		t.Fatalf("unexpected timeline events: %+v", tl.events)
	}
}

func TestSubmitDeliverables_DuplicateRejected(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateSubmitted)
	svc, _, _ := newTestService(store)

	_, err := svc.SubmitDeliverables(context.Background(), SubmitParams{
		MilestoneID: "ms-1",
		ActorID:     "payee-1",
		Items:       []DeliverableInput{{Note: "again"}},
	})
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
}

func TestSubmitDeliverables_ResubmissionAfterRevision(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateRevisionRequired)
	svc, _, _ := newTestService(store)

	m, err := svc.SubmitDeliverables(context.Background(), SubmitParams{
		MilestoneID: "ms-1",
		ActorID:     "payee-1",
		Items:       []DeliverableInput{{Note: "revised"}},
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if m.State != StateSubmitted {
		t.Fatalf("expected submitted, got %s", m.State)
	}
}

func TestSubmitDeliverables_UnfundedRejected(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StatePending)
	svc, _, _ := newTestService(store)

	_, err := svc.SubmitDeliverables(context.Background(), SubmitParams{
		MilestoneID: "ms-1",
		ActorID:     "payee-1",
		Items:       []DeliverableInput{{Note: "too early"}},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSubmitDeliverables_OnlyPayee(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateFunded)
	svc, _, _ := newTestService(store)

	_, err := svc.SubmitDeliverables(context.Background(), SubmitParams{
		MilestoneID: "ms-1",
		ActorID:     "payer-1",
		Items:       []DeliverableInput{{Note: "not mine"}},
	})
	if !errors.Is(err, ErrNotDealParty) {
		t.Fatalf("expected ErrNotDealParty, got %v", err)
	}
}

func TestApprove_InvokesRelease(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateSubmitted)
	svc, _, _ := newTestService(store)
	rel := &fakeReleaser{}
	svc.WithReleaser(rel)

	if _, err := svc.Approve(context.Background(), ReviewParams{MilestoneID: "ms-1", ActorID: "payer-1"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(rel.calls) != 1 || rel.calls[0] != "ms-1" {
		t.Fatalf("release not invoked: %v", rel.calls)
	}
}

func TestApprove_ReleaseFailureLeavesMilestoneApproved(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateSubmitted)
	svc, _, _ := newTestService(store)
	rel := &fakeReleaser{err: errors.New("gateway down")}
	svc.WithReleaser(rel)

	_, err := svc.Approve(context.Background(), ReviewParams{MilestoneID: "ms-1", ActorID: "payer-1"})
	if err == nil {
		t.Fatal("expected release failure to surface")
	}
	if store.milestones["ms-1"].State != StateApproved {
		t.Fatalf("milestone should stay approved for retry, got %s", store.milestones["ms-1"].State)
	}
}

func TestApprove_OnlyPayer(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateSubmitted)
	svc, _, _ := newTestService(store)

	_, err := svc.Approve(context.Background(), ReviewParams{MilestoneID: "ms-1", ActorID: "payee-1"})
	if !errors.Is(err, ErrNotDealParty) {
		t.Fatalf("expected ErrNotDealParty, got %v", err)
	}
}

func TestReject_RequiresFeedback(t *testing.T) {
	store := newFakeStore()
	seedDeal(store, StatusActive)
	seedMilestone(store, StateSubmitted)
	svc, _, _ := newTestService(store)

	if _, err := svc.Reject(context.Background(), ReviewParams{MilestoneID: "ms-1", ActorID: "payer-1"}); !errors.Is(err, ErrFeedbackRequired) {
		t.Fatalf("expected ErrFeedbackRequired, got %v", err)
	}

	m, err := svc.Reject(context.Background(), ReviewParams{MilestoneID: "ms-1", ActorID: "payer-1", Feedback: "audio is out of sync"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if m.State != StateRevisionRequired {
		t.Fatalf("expected revision_required, got %s", m.State)
	}
	if len(store.feedback["ms-1"]) != 1 {
		t.Fatalf("feedback not stored")
	}
}
