package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"celebot/internal/cards"
	"celebot/internal/model"
	"celebot/internal/queue"
	"celebot/internal/storage"
	logx "celebot/pkg/logx"
)

// ---- fakes ----

type fakeStore struct {
	events map[string]*model.Event
	users  map[string]*model.User
	teams  map[string]*model.Team
	occs   map[string]*model.Occurrence

	upcoming []model.Event
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: map[string]*model.Event{},
		users:  map[string]*model.User{},
		teams:  map[string]*model.Team{},
		occs:   map[string]*model.Occurrence{},
	}
}

func (f *fakeStore) UpcomingEvents(context.Context, time.Time, int) ([]model.Event, error) {
	return f.upcoming, nil
}

func (f *fakeStore) EventByID(_ context.Context, id string) (*model.Event, error) {
	return f.events[id], nil
}

func (f *fakeStore) UserByID(_ context.Context, id string) (*model.User, error) {
	return f.users[id], nil
}

func (f *fakeStore) TeamByID(_ context.Context, id string) (*model.Team, error) {
	return f.teams[id], nil
}

func (f *fakeStore) CreateOccurrence(_ context.Context, ev model.Event, now time.Time) (*model.Occurrence, error) {
	year := now.UTC().Year()
	for _, occ := range f.occs {
		if occ.EventID == ev.ID && occ.Date.Year() == year {
			return nil, nil
		}
	}
	f.nextID++
	occ := &model.Occurrence{
		ID:      fmt.Sprintf("occ-%d", f.nextID),
		EventID: ev.ID,
		Date:    storage.OccurrenceDate(ev.Date, now),
		OwnerID: ev.OwnerID,
		State:   model.StateInitial,
	}
	f.occs[occ.ID] = occ
	return occ, nil
}

func (f *fakeStore) DueOccurrencesInInitialState(_ context.Context, now time.Time) ([]model.Occurrence, error) {
	var out []model.Occurrence
	for _, occ := range f.occs {
		if occ.State == model.StateInitial && !occ.Date.After(now) {
			out = append(out, *occ)
		}
	}
	return out, nil
}

func (f *fakeStore) SetOccurrenceState(_ context.Context, id string, state model.OccurrenceState) error {
	if occ := f.occs[id]; occ != nil {
		occ.State = state
	}
	return nil
}

func (f *fakeStore) SetOccurrenceExpected(_ context.Context, id string, n int) error {
	if occ := f.occs[id]; occ != nil {
		occ.Expected = n
	}
	return nil
}

func (f *fakeStore) RecordDeliveryOutcome(_ context.Context, id string, status model.DeliveryStatus) (*model.Occurrence, error) {
	occ := f.occs[id]
	if occ == nil {
		return nil, nil
	}
	switch status {
	case model.StatusSucceeded:
		occ.Succeeded++
	case model.StatusThrottled:
		occ.Throttled++
	default:
		occ.Failed++
	}
	occ.Total++
	occ.Completed = occ.Expected > 0 && occ.Total >= occ.Expected
	cp := *occ
	return &cp, nil
}

func (f *fakeStore) ReleaseStaleDelivering(_ context.Context, _ time.Time) (int64, error) {
	var n int64
	for _, occ := range f.occs {
		if occ.State == model.StateDelivering {
			occ.State = model.StateInitial
			n++
		}
	}
	return n, nil
}

type fakeOutbox struct {
	nextID int64
	msgs   []*queue.Message
	leased map[int64]bool
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{leased: map[int64]bool{}}
}

func (f *fakeOutbox) Enqueue(ctx context.Context, act model.Activity) error {
	return f.EnqueueBatch(ctx, []model.Activity{act})
}

func (f *fakeOutbox) EnqueueBatch(_ context.Context, acts []model.Activity) error {
	if len(acts) > queue.MaxBatch {
		return queue.ErrBatchTooLarge
	}
	for _, act := range acts {
		f.nextID++
		f.msgs = append(f.msgs, &queue.Message{ID: f.nextID, Activity: act})
	}
	return nil
}

func (f *fakeOutbox) Lease(_ context.Context, n int, _ time.Duration, _ time.Time) ([]queue.Message, error) {
	var out []queue.Message
	for _, m := range f.msgs {
		if len(out) >= n {
			break
		}
		if f.leased[m.ID] {
			continue
		}
		f.leased[m.ID] = true
		m.Attempts++
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeOutbox) Ack(_ context.Context, id int64) error {
	for i, m := range f.msgs {
		if m.ID == id {
			f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
			break
		}
	}
	delete(f.leased, id)
	return nil
}

func (f *fakeOutbox) Nack(_ context.Context, id int64) error {
	delete(f.leased, id)
	return nil
}

type fakeDeliverer struct {
	delivered []model.Activity
	status    model.DeliveryStatus
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, act *model.Activity) (model.DeliveryStatus, error) {
	if f.err != nil {
		return model.StatusUnknown, f.err
	}
	f.delivered = append(f.delivered, *act)
	st := f.status
	if st == model.StatusUnknown {
		st = model.StatusSucceeded
	}
	return st, nil
}

// ---- helpers ----

func storedEvent(id, ownerID string, teams ...string) *model.Event {
	date := time.Date(1990, time.March, 14, 0, 0, 0, 0, time.UTC)
	return &model.Event{
		ID:          id,
		Title:       "celebration " + id,
		Date:        date,
		MonthDay:    model.MonthDayOf(date),
		OwnerID:     ownerID,
		OwnerName:   "Owner of " + id,
		OwnerChatID: "29:" + ownerID,
		SharedTeams: teams,
	}
}

// ---- preview ----

func TestRunPreviewCreatesOccurrenceAndQueuesReminder(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	p := New(Config{}, st, out, nil, logx.Nop())
	now := time.Date(2025, time.March, 12, 8, 0, 0, 0, time.UTC)

	ev := storedEvent("ev-1", "u-1", "team-a")
	st.events[ev.ID] = ev
	st.upcoming = []model.Event{*ev}
	st.users["u-1"] = &model.User{ID: "u-1", Name: "Alex", ServiceURL: "https://smba.example.com/", ConversationID: "a:alex"}

	if err := p.RunPreview(context.Background(), now); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(st.occs) != 1 {
		t.Fatalf("occurrences = %d, want 1", len(st.occs))
	}
	if len(out.msgs) != 1 {
		t.Fatalf("queued = %d, want 1", len(out.msgs))
	}
	act := out.msgs[0].Activity
	if act.Kind != model.KindPreview || act.Conversation.ID != "a:alex" {
		t.Fatalf("preview activity = %+v", act)
	}
	if len(act.OccurrenceIDs) != 0 {
		t.Fatal("preview activities must not track occurrences")
	}
	// The owner can decline this year's delivery from the card.
	if len(act.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(act.Attachments))
	}
	card, ok := act.Attachments[0].Content.(cards.HeroCard)
	if !ok {
		t.Fatalf("attachment content is %T", act.Attachments[0].Content)
	}
	var occID string
	for id := range st.occs {
		occID = id
	}
	if len(card.Buttons) != 1 {
		t.Fatalf("buttons = %+v, want a skip action", card.Buttons)
	}
	payload, ok := card.Buttons[0].Value.(cards.SkipPayload)
	if !ok || payload.OccurrenceID != occID {
		t.Fatalf("skip payload = %+v, want occurrence %q", card.Buttons[0].Value, occID)
	}

	// Second pass in the same year is a no-op.
	if err := p.RunPreview(context.Background(), now.Add(24*time.Hour)); err != nil {
		t.Fatalf("second preview: %v", err)
	}
	if len(st.occs) != 1 || len(out.msgs) != 1 {
		t.Fatalf("second pass changed state: occs=%d queued=%d", len(st.occs), len(out.msgs))
	}
}

func TestRunPreviewMissingOwnerSkipsOnlyThatEvent(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	p := New(Config{}, st, out, nil, logx.Nop())
	now := time.Date(2025, time.March, 12, 8, 0, 0, 0, time.UTC)

	orphan := storedEvent("ev-orphan", "u-missing", "team-a")
	ok := storedEvent("ev-ok", "u-1", "team-a")
	st.events[orphan.ID] = orphan
	st.events[ok.ID] = ok
	st.upcoming = []model.Event{*orphan, *ok}
	st.users["u-1"] = &model.User{ID: "u-1", Name: "Alex", ConversationID: "a:alex"}

	if err := p.RunPreview(context.Background(), now); err != nil {
		t.Fatalf("preview: %v", err)
	}
	// Both occurrences exist; only the resolvable owner got a reminder.
	if len(st.occs) != 2 {
		t.Fatalf("occurrences = %d, want 2", len(st.occs))
	}
	if len(out.msgs) != 1 {
		t.Fatalf("queued = %d, want 1", len(out.msgs))
	}
}

// ---- delivery ----

func TestDeliverDueFansOutAndTransitions(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	p := New(Config{}, st, out, nil, logx.Nop())
	now := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)

	ev := storedEvent("ev-1", "u-1", "team-a", "team-b")
	st.events[ev.ID] = ev
	st.teams["team-a"] = &model.Team{TeamID: "team-a", ServiceURL: "https://smba.example.com/"}
	st.teams["team-b"] = &model.Team{TeamID: "team-b", ServiceURL: "https://smba.example.com/"}
	occ, _ := st.CreateOccurrence(context.Background(), *ev, now)

	if err := p.DeliverDue(context.Background(), now); err != nil {
		t.Fatalf("deliver due: %v", err)
	}
	if len(out.msgs) != 2 {
		t.Fatalf("queued = %d, want 2 (one per team)", len(out.msgs))
	}
	got := st.occs[occ.ID]
	if got.State != model.StateDelivering {
		t.Fatalf("state = %v, want delivering", got.State)
	}
	if got.Expected != 2 {
		t.Fatalf("expected = %d, want 2", got.Expected)
	}
}

func TestDeliverDueMarksOrphansAndUnshared(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	p := New(Config{}, st, out, nil, logx.Nop())
	now := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)

	gone := storedEvent("ev-gone", "u-1", "team-a")
	unshared := storedEvent("ev-unshared", "u-1")
	st.events[unshared.ID] = unshared

	orphanOcc, _ := st.CreateOccurrence(context.Background(), *gone, now)
	unsharedOcc, _ := st.CreateOccurrence(context.Background(), *unshared, now)

	if err := p.DeliverDue(context.Background(), now); err != nil {
		t.Fatalf("deliver due: %v", err)
	}
	if st.occs[orphanOcc.ID].State != model.StateDeleted {
		t.Fatalf("orphan state = %v, want deleted", st.occs[orphanOcc.ID].State)
	}
	if st.occs[unsharedOcc.ID].State != model.StateSkipped {
		t.Fatalf("unshared state = %v, want skipped", st.occs[unsharedOcc.ID].State)
	}
	if len(out.msgs) != 0 {
		t.Fatalf("queued = %d, want 0", len(out.msgs))
	}
}

func TestDeliverDueUnknownTeamLeavesOccurrenceInitial(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	p := New(Config{}, st, out, nil, logx.Nop())
	now := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)

	ev := storedEvent("ev-1", "u-1", "team-unknown")
	st.events[ev.ID] = ev
	occ, _ := st.CreateOccurrence(context.Background(), *ev, now)

	if err := p.DeliverDue(context.Background(), now); err != nil {
		t.Fatalf("deliver due: %v", err)
	}
	if len(out.msgs) != 0 {
		t.Fatalf("queued = %d, want 0", len(out.msgs))
	}
	if st.occs[occ.ID].State != model.StateInitial {
		t.Fatalf("state = %v, want initial for retry", st.occs[occ.ID].State)
	}
}

// ---- drain ----

func TestDrainDeliversAcksAndFinishesOccurrences(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	del := &fakeDeliverer{}
	p := New(Config{}, st, out, del, logx.Nop())
	now := time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)

	ev := storedEvent("ev-1", "u-1", "team-a")
	st.events[ev.ID] = ev
	st.teams["team-a"] = &model.Team{TeamID: "team-a"}
	occ, _ := st.CreateOccurrence(context.Background(), *ev, now)
	if err := p.DeliverDue(context.Background(), now); err != nil {
		t.Fatalf("deliver due: %v", err)
	}

	if err := p.Drain(context.Background(), now); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(del.delivered) != 1 {
		t.Fatalf("delivered = %d, want 1", len(del.delivered))
	}
	if len(out.msgs) != 0 {
		t.Fatalf("outbox depth = %d, want 0", len(out.msgs))
	}
	got := st.occs[occ.ID]
	if got.State != model.StateDelivered {
		t.Fatalf("state = %v, want delivered", got.State)
	}
	if got.Succeeded != 1 || !got.Completed {
		t.Fatalf("occurrence = %+v", got)
	}
}

func TestDrainFailedDeliveryKeepsOccurrenceDelivering(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	del := &fakeDeliverer{status: model.StatusFailed}
	p := New(Config{}, st, out, del, logx.Nop())
	now := time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)

	ev := storedEvent("ev-1", "u-1", "team-a")
	st.events[ev.ID] = ev
	st.teams["team-a"] = &model.Team{TeamID: "team-a"}
	occ, _ := st.CreateOccurrence(context.Background(), *ev, now)
	if err := p.DeliverDue(context.Background(), now); err != nil {
		t.Fatalf("deliver due: %v", err)
	}
	if err := p.Drain(context.Background(), now); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got := st.occs[occ.ID]
	if got.State != model.StateDelivering {
		t.Fatalf("state = %v, want delivering", got.State)
	}
	if got.Failed != 1 || !got.Completed {
		t.Fatalf("occurrence = %+v", got)
	}

	// Reconciliation eventually hands it back for another try.
	if err := p.Reconcile(context.Background(), now.Add(48*time.Hour)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if st.occs[occ.ID].State != model.StateInitial {
		t.Fatalf("state after reconcile = %v, want initial", st.occs[occ.ID].State)
	}
}

// A leap-day birthday lands on Feb 28 in a non-leap year and, with two
// other same-day events in the team, still goes out as three individual
// messages.
func TestLeapDayBirthdayScenario(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	p := New(Config{}, st, out, nil, logx.Nop())
	now := time.Date(2025, time.February, 28, 9, 0, 0, 0, time.UTC)

	sam := storedEvent("ev-sam", "u-sam", "T1")
	sam.Title = "Sam's Birthday"
	sam.Date = time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)
	sam.MonthDay = model.MonthDayOf(sam.Date)
	sameDay := time.Date(1991, time.February, 28, 0, 0, 0, 0, time.UTC)
	other1 := storedEvent("ev-o1", "u-o1", "T1")
	other1.Date = sameDay
	other1.MonthDay = model.MonthDayOf(sameDay)
	other2 := storedEvent("ev-o2", "u-o2", "T1")
	other2.Date = sameDay
	other2.MonthDay = model.MonthDayOf(sameDay)
	st.teams["T1"] = &model.Team{TeamID: "T1", ServiceURL: "https://smba.example.com/"}

	for _, ev := range []*model.Event{sam, other1, other2} {
		st.events[ev.ID] = ev
		occ, err := st.CreateOccurrence(context.Background(), *ev, now)
		if err != nil || occ == nil {
			t.Fatalf("create occurrence for %s: %v %v", ev.ID, occ, err)
		}
		if ev.ID == "ev-sam" && (occ.Date.Month() != time.February || occ.Date.Day() != 28) {
			t.Fatalf("sam's occurrence date = %v, want Feb 28", occ.Date)
		}
	}

	if err := p.DeliverDue(context.Background(), now); err != nil {
		t.Fatalf("deliver due: %v", err)
	}
	// Three notifications are at the merge threshold, so each event gets
	// its own message.
	if len(out.msgs) != 3 {
		t.Fatalf("queued = %d, want 3 individual messages", len(out.msgs))
	}
	for _, m := range out.msgs {
		if m.Activity.AttachmentLayout != "" {
			t.Fatalf("unexpected carousel: %+v", m.Activity)
		}
	}
}

func TestDrainTransportErrorRequeues(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	del := &fakeDeliverer{err: fmt.Errorf("connection refused")}
	p := New(Config{}, st, out, del, logx.Nop())
	now := time.Now()

	if err := out.Enqueue(context.Background(), model.Activity{Kind: model.KindPreview, Type: "message"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.Drain(context.Background(), now); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(out.msgs) != 1 {
		t.Fatal("failed message should stay in the outbox")
	}
	if out.leased[out.msgs[0].ID] {
		t.Fatal("failed message should be released for redelivery")
	}
}

func TestDrainDropsPoisonMessage(t *testing.T) {
	st := newFakeStore()
	out := newFakeOutbox()
	del := &fakeDeliverer{err: fmt.Errorf("permanently broken")}
	p := New(Config{MaxAttempts: 1}, st, out, del, logx.Nop())
	now := time.Now()

	ev := storedEvent("ev-1", "u-1", "team-a")
	st.events[ev.ID] = ev
	occ, _ := st.CreateOccurrence(context.Background(), *ev, now)
	if err := st.SetOccurrenceExpected(context.Background(), occ.ID, 1); err != nil {
		t.Fatal(err)
	}

	act := model.Activity{Kind: model.KindCelebration, Type: "message", OccurrenceIDs: []string{occ.ID}}
	if err := out.Enqueue(context.Background(), act); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.Drain(context.Background(), now); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(out.msgs) != 0 {
		t.Fatal("poison message should be dropped")
	}
	if st.occs[occ.ID].Failed != 1 {
		t.Fatalf("occurrence = %+v, want failure recorded", st.occs[occ.ID])
	}
}
