package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/medwatch/internal/notification"
	"github.com/linnemanlabs/medwatch/internal/store"
)

// mockGateway implements Gateway for testing, recording the call sequence.
type mockGateway struct {
	mu        sync.Mutex
	calls     []string
	ackErr    error
	acceptErr error
	referErr  error
	block     chan struct{} // when set, Acknowledge blocks until closed
}

func (g *mockGateway) Acknowledge(_ context.Context, id string) error {
	g.mu.Lock()
	g.calls = append(g.calls, "acknowledge:"+id)
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	return g.ackErr
}

func (g *mockGateway) Accept(_ context.Context, id, actor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "accept:"+id+":"+actor)
	return g.acceptErr
}

func (g *mockGateway) RecommendReferral(_ context.Context, id, actor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "recommend:"+id+":"+actor)
	return g.referErr
}

func (g *mockGateway) sequence() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type mockNav struct {
	mu   sync.Mutex
	refs []RecordRef
}

func (n *mockNav) OpenRecord(_ context.Context, ref RecordRef) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refs = append(n.refs, ref)
}

type mockSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *mockSink) Notify(n notification.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, n.ID)
}

func critical(id string) notification.Notification {
	return notification.Notification{
		ID:       id,
		Type:     notification.TypeEmergencyAlert,
		Priority: notification.PriorityCritical,
		Data:     map[string]any{"assessment_id": "as-" + id},
	}
}

// newMachine wires a real store to the machine the way the composition root
// does, so selection reacts to store mutations.
func newMachine(gw Gateway, opts ...Option) (*Machine, *store.Store) {
	st := store.New()
	m := NewMachine(st, gw, "chv-1", log.Nop(), opts...)
	st.Subscribe(m.Recompute)
	return m, st
}

func TestRecompute_PresentsNewestFirst(t *testing.T) {
	t.Parallel()

	m, st := newMachine(&mockGateway{})

	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle", m.State())
	}

	st.Ingest(critical("older"))
	st.Ingest(critical("newer"))

	if m.State() != StatePresenting {
		t.Fatalf("state = %q, want presenting", m.State())
	}
	cur, ok := m.Current()
	if !ok || cur.ID != "newer" {
		t.Errorf("current = %q, want %q", cur.ID, "newer")
	}
}

func TestRecompute_NewerArrivalTakesTheStage(t *testing.T) {
	t.Parallel()

	m, st := newMachine(&mockGateway{})

	st.Ingest(critical("first"))
	cur, _ := m.Current()
	if cur.ID != "first" {
		t.Fatalf("current = %q, want first", cur.ID)
	}

	// the stage tracks the head of the critical view: a newer arrival
	// replaces the presented alert, which rejoins the backlog
	st.Ingest(critical("second"))
	cur, _ = m.Current()
	if cur.ID != "second" {
		t.Errorf("current = %q, want second", cur.ID)
	}
}

func TestDispatch_DrainsBacklogNewestFirst(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{}
	m, st := newMachine(gw)
	ctx := context.Background()

	st.Ingest(critical("A"))
	st.Ingest(critical("B"))

	// A arrived first but B is newer, so B is presented first
	cur, _ := m.Current()
	if cur.ID != "B" {
		t.Fatalf("current = %q, want B", cur.ID)
	}

	if err := m.Dispatch(ctx, Action{Kind: ActionAcknowledge, NotificationID: "B"}); err != nil {
		t.Fatalf("Dispatch(B): %v", err)
	}
	cur, ok := m.Current()
	if !ok || cur.ID != "A" {
		t.Fatalf("after B, current = %q, want A", cur.ID)
	}

	if err := m.Dispatch(ctx, Action{Kind: ActionAcknowledge, NotificationID: "A"}); err != nil {
		t.Fatalf("Dispatch(A): %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle after backlog drained", m.State())
	}

	for _, id := range []string{"A", "B"} {
		got, _ := st.Get(id)
		if !got.Acknowledged || !got.Read {
			t.Errorf("%s acknowledged = %v, read = %v, want both true", id, got.Acknowledged, got.Read)
		}
	}
}

func TestDispatch_AcceptFallsBackToAcknowledge(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{acceptErr: errors.New("backend down")}
	nav := &mockNav{}
	m, st := newMachine(gw, WithNavigator(nav))

	st.Ingest(critical("n1"))

	if err := m.Dispatch(context.Background(), Action{Kind: ActionAccept, NotificationID: "n1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := []string{"accept:n1:chv-1", "acknowledge:n1"}
	got := gw.sequence()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("gateway sequence = %v, want %v", got, want)
	}

	n, _ := st.Get("n1")
	if !n.Acknowledged {
		t.Error("alert should end acknowledged after fallback")
	}
	if len(nav.refs) != 0 {
		t.Error("fallback path must not navigate")
	}
	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle", m.State())
	}
}

func TestDispatch_AcknowledgeFailureRetainsAlert(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{ackErr: errors.New("backend down")}
	m, st := newMachine(gw)

	st.Ingest(critical("n1"))

	err := m.Dispatch(context.Background(), Action{Kind: ActionAcknowledge, NotificationID: "n1"})
	if err == nil {
		t.Fatal("expected error when acknowledge fails")
	}
	if m.State() != StatePresenting {
		t.Errorf("state = %q, want presenting (alert retained for retry)", m.State())
	}
	n, _ := st.Get("n1")
	if n.Acknowledged {
		t.Error("local state must not be acknowledged before gateway confirms")
	}

	// retry after the backend recovers
	gw.ackErr = nil
	if err := m.Dispatch(context.Background(), Action{Kind: ActionAcknowledge, NotificationID: "n1"}); err != nil {
		t.Fatalf("retry Dispatch: %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle after retry", m.State())
	}
}

func TestDispatch_AcceptAndReferNavigate(t *testing.T) {
	t.Parallel()

	for _, kind := range []ActionKind{ActionAccept, ActionRefer, ActionView} {
		gw := &mockGateway{}
		nav := &mockNav{}
		m, st := newMachine(gw, WithNavigator(nav))
		st.Ingest(critical("n1"))

		if err := m.Dispatch(context.Background(), Action{Kind: kind, NotificationID: "n1"}); err != nil {
			t.Fatalf("Dispatch(%s): %v", kind, err)
		}
		if len(nav.refs) != 1 {
			t.Fatalf("Dispatch(%s): navigations = %d, want 1", kind, len(nav.refs))
		}
		if nav.refs[0].AssessmentID != "as-n1" {
			t.Errorf("Dispatch(%s): assessment ref = %q, want %q", kind, nav.refs[0].AssessmentID, "as-n1")
		}
	}
}

func TestDispatch_ActorOverride(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{}
	m, st := newMachine(gw)
	st.Ingest(critical("n1"))

	if err := m.Dispatch(context.Background(), Action{Kind: ActionRefer, NotificationID: "n1", Actor: "nurse-4"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := gw.sequence()
	if got[0] != "recommend:n1:nurse-4" {
		t.Errorf("call = %q, want %q", got[0], "recommend:n1:nurse-4")
	}
}

func TestDispatch_Validation(t *testing.T) {
	t.Parallel()

	m, st := newMachine(&mockGateway{})
	ctx := context.Background()

	if err := m.Dispatch(ctx, Action{Kind: ActionAcknowledge, NotificationID: "n1"}); !errors.Is(err, ErrNoAlert) {
		t.Errorf("err = %v, want ErrNoAlert when idle", err)
	}

	st.Ingest(critical("n1"))
	if err := m.Dispatch(ctx, Action{Kind: ActionAcknowledge, NotificationID: "other"}); !errors.Is(err, ErrWrongAlert) {
		t.Errorf("err = %v, want ErrWrongAlert", err)
	}
	if err := m.Dispatch(ctx, Action{Kind: "escalate", NotificationID: "n1"}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v, want ErrUnknownAction", err)
	}
}

func TestDispatch_BusyWhileInFlight(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{block: make(chan struct{})}
	m, st := newMachine(gw)
	st.Ingest(critical("n1"))

	done := make(chan error, 1)
	go func() {
		done <- m.Dispatch(context.Background(), Action{Kind: ActionAcknowledge, NotificationID: "n1"})
	}()

	// wait for the first dispatch to reach the gateway
	for m.State() != StateProcessing {
		time.Sleep(time.Millisecond)
	}

	if err := m.Dispatch(context.Background(), Action{Kind: ActionAcknowledge, NotificationID: "n1"}); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}

	close(gw.block)
	if err := <-done; err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
}

func TestSink_NotifiedOnPresentation(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	m, st := newMachine(&mockGateway{}, WithSink(sink))

	st.Ingest(critical("A"))
	st.Ingest(critical("B"))
	if err := m.Dispatch(context.Background(), Action{Kind: ActionAcknowledge, NotificationID: "B"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// A on arrival, B on arrival (preempting A), A again after B resolved
	want := []string{"A", "B", "A"}
	if len(sink.ids) != len(want) {
		t.Fatalf("sink notifications = %v, want %v", sink.ids, want)
	}
	for i := range want {
		if sink.ids[i] != want[i] {
			t.Fatalf("sink notifications = %v, want %v", sink.ids, want)
		}
	}
}

func TestAcknowledgedByHydrate_AdvancesSelection(t *testing.T) {
	t.Parallel()

	m, st := newMachine(&mockGateway{})

	st.Ingest(critical("n1"))
	cur, _ := m.Current()
	if cur.ID != "n1" {
		t.Fatalf("current = %q, want n1", cur.ID)
	}

	// backend snapshot says n1 was already acknowledged elsewhere
	acked := critical("n1")
	acked.Acknowledged = true
	acked.Read = true
	st.Hydrate([]notification.Notification{acked})

	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle after hydrate acknowledged the presented alert", m.State())
	}
}
