package llmqueue

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/instantcocoa/conduit/pkg/testutil"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupQueueService(t *testing.T, m *Manager) *Client {
	t.Helper()
	ts := testutil.NewTestServer()
	NewHandler(m, testutil.DiscardLogger()).Register(ts.Server)
	ts.Start()
	t.Cleanup(ts.Stop)

	conn, err := ts.Dial(context.Background())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func assertCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("expected %s, got %s (%v)", want, got, err)
	}
}

func subscriberCount(m *Manager) int {
	m.events.mu.RLock()
	defer m.events.mu.RUnlock()
	return len(m.events.subs)
}

// =============================================================================
// Submit / Get Tests
// =============================================================================

func TestHandler_SubmitAndWait(t *testing.T) {
	m := newTestManager(t, newTestConfig(3, "A"), map[string]*fakeAdapter{"A": {text: "pong"}})
	startQueue(t, m.Run)
	client := setupQueueService(t, m)
	ctx := testutil.TestContext(t)

	r, err := client.Submit(ctx, SubmitRequest{
		Task:    TaskChat,
		Payload: Payload{Prompt: "ping", Temperature: 0.2},
		Scope:   Scope{Tenant: "acme"},
		Wait:    true,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if r.State != StateCompleted || r.Result == nil || r.Result.Text != "pong" {
		t.Fatalf("unexpected request: %+v", r)
	}
	if r.Priority != PriorityNormal || r.Scope.Tenant != "acme" {
		t.Errorf("expected defaults and scope to round trip, got %+v", r)
	}
	if len(r.Result.Trace) != 1 || r.Result.Trace[0].ProviderID != "A" {
		t.Errorf("expected the trace over the wire, got %+v", r.Result.Trace)
	}

	got, err := client.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != r.ID || got.State != StateCompleted {
		t.Errorf("unexpected get result: %+v", got)
	}
}

func TestHandler_SubmitValidation(t *testing.T) {
	m := newTestManager(t, newTestConfig(3, "A"), map[string]*fakeAdapter{"A": {}})
	client := setupQueueService(t, m)
	ctx := testutil.TestContext(t)

	_, err := client.Submit(ctx, SubmitRequest{Task: "translate", Payload: Payload{Prompt: "x"}})
	assertCode(t, err, codes.InvalidArgument)

	_, err = client.Submit(ctx, SubmitRequest{Task: TaskChat})
	assertCode(t, err, codes.InvalidArgument)

	_, err = client.Get(ctx, "")
	assertCode(t, err, codes.InvalidArgument)

	_, err = client.Get(ctx, "missing")
	assertCode(t, err, codes.NotFound)
}

// =============================================================================
// Queue Control Tests
// =============================================================================

func TestHandler_QueueControls(t *testing.T) {
	m := newTestManager(t, newTestConfig(3, "A"), map[string]*fakeAdapter{"A": {}})
	client := setupQueueService(t, m)
	ctx := testutil.TestContext(t)

	if err := client.Pause(ctx); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	keep, _ := client.Submit(ctx, SubmitRequest{Task: TaskChat, Priority: PriorityHigh, Payload: Payload{Prompt: "a"}, Scope: Scope{Tenant: "t1"}})
	drop, _ := client.Submit(ctx, SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "b"}, Scope: Scope{Tenant: "t2"}})
	other, _ := client.Submit(ctx, SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "c"}, Scope: Scope{Tenant: "t2"}})

	st, err := client.Status(ctx, Scope{})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !st.Paused || st.QueueSize != 3 {
		t.Errorf("unexpected status: %+v", st)
	}

	pending, err := client.Pending(ctx, 0)
	if err != nil || len(pending) != 3 || pending[0].ID != keep.ID {
		t.Errorf("expected the high priority request first, got %v (%v)", ids(pending), err)
	}

	ok, err := client.Cancel(ctx, drop.ID)
	if err != nil || !ok {
		t.Errorf("expected cancel to succeed, got %v, %v", ok, err)
	}
	_, err = client.Cancel(ctx, "missing")
	assertCode(t, err, codes.NotFound)

	n, err := client.Clear(ctx, Scope{Tenant: "t2"})
	if err != nil || n != 1 {
		t.Errorf("expected one cleared, got %d, %v", n, err)
	}
	if r, _ := client.Get(ctx, other.ID); r.State != StateCancelled {
		t.Errorf("expected cleared request cancelled, got %s", r.State)
	}

	history, err := client.History(ctx, 10)
	if err != nil || len(history) != 2 {
		t.Errorf("expected two cancelled requests in history, got %d, %v", len(history), err)
	}

	stats, err := client.StatsByScope(ctx)
	if err != nil || len(stats) != 2 {
		t.Fatalf("expected stats for two scopes, got %+v, %v", stats, err)
	}
	if stats[1].Scope.Tenant != "t2" || stats[1].Counts[StateCancelled] != 2 {
		t.Errorf("unexpected t2 stats: %+v", stats[1])
	}

	if err := client.Resume(ctx); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if st, _ := client.Status(ctx, Scope{}); st.Paused {
		t.Error("expected resumed")
	}
}

func TestHandler_Retry(t *testing.T) {
	a := &fakeAdapter{errs: []error{kindErr(KindServerError)}, text: "second time"}
	clock := testutil.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, newTestConfig(1, "A"), map[string]*fakeAdapter{"A": a}, func(mc *ManagerConfig) {
		mc.Now = clock.Now
	})
	startQueue(t, m.Run)
	client := setupQueueService(t, m)
	ctx := testutil.TestContext(t)

	failed, err := client.Submit(ctx, SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "x"}, Wait: true})
	if err != nil || failed.State != StateFailed {
		t.Fatalf("expected a failed request, got %+v, %v", failed, err)
	}

	retryable, err := client.Retryable(ctx, 0)
	if err != nil || len(retryable) != 1 || retryable[0].ID != failed.ID {
		t.Errorf("expected the failure to be retryable, got %v, %v", ids(retryable), err)
	}

	_, err = client.Retry(ctx, failed.ID, false)
	assertCode(t, err, codes.FailedPrecondition)

	_, err = client.Retry(ctx, "", false)
	assertCode(t, err, codes.InvalidArgument)

	clock.Advance(time.Minute)
	id, err := client.Retry(ctx, failed.ID, true)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	testutil.WaitFor(t, 3*time.Second, func() bool {
		r, err := client.Get(ctx, id)
		return err == nil && r.State.Terminal()
	}, "retry to settle")
	retried, _ := client.Get(ctx, id)
	if retried.State != StateCompleted || retried.Attempts != 1 {
		t.Errorf("expected the reset retry to complete on its first attempt, got %s with %d", retried.State, retried.Attempts)
	}

	_, err = client.Retry(ctx, failed.ID, true)
	assertCode(t, err, codes.FailedPrecondition)
}

func TestHandler_Unavailable(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	m := newTestManager(t, newTestConfig(1, "A"), map[string]*fakeAdapter{"A": {}}, func(mc *ManagerConfig) {
		mc.Store = store
	})
	client := setupQueueService(t, m)
	store.arm()

	_, err := client.Submit(testutil.TestContext(t), SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "x"}})
	assertCode(t, err, codes.Unavailable)
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHandler_Health(t *testing.T) {
	cfg := NewStaticConfig(RoutingConfig{
		Defaults:  RoutingPolicy{Priorities: []string{"A", "B"}, Timeout: time.Second},
		Providers: map[string]ProviderConfig{"A": {Kind: KindOllama}, "B": {Kind: KindOpenAI}},
	}, ModelTokenPolicy{})
	m := newTestManager(t, cfg, map[string]*fakeAdapter{
		"A": {},
		"B": {connErr: kindErr(KindAuth)},
	})
	client := setupQueueService(t, m)
	ctx := testutil.TestContext(t)

	m.Registry().RecordFailure("A", KindTimeout, time.Hour)
	m.Registry().RecordFailure("B", KindTimeout, time.Hour)

	health, err := client.Health(ctx)
	if err != nil || len(health) != 2 || health[0].State != HealthCoolingDown {
		t.Fatalf("unexpected health: %+v, %v", health, err)
	}

	health, err = client.ResetHealth(ctx, "A")
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if health[0].State != HealthHealthy || health[1].State != HealthCoolingDown {
		t.Errorf("expected only A reset, got %+v", health)
	}

	health, _ = client.ResetHealth(ctx, "")
	if health[1].State != HealthHealthy {
		t.Errorf("expected every provider reset, got %+v", health)
	}

	if err := client.TestConnection(ctx, "A"); err != nil {
		t.Errorf("expected A reachable, got %v", err)
	}
	if err := client.TestConnection(ctx, "B"); err == nil {
		t.Error("expected B probe to fail")
	}
	assertCode(t, client.TestConnection(ctx, "ghost"), codes.NotFound)
	assertCode(t, client.TestConnection(ctx, ""), codes.InvalidArgument)
}

// =============================================================================
// Watch Tests
// =============================================================================

func TestHandler_WatchRequest(t *testing.T) {
	m := newTestManager(t, newTestConfig(3, "A"), map[string]*fakeAdapter{"A": {text: "ok"}})
	client := setupQueueService(t, m)
	ctx := testutil.TestContext(t)

	m.Pause()
	r, err := client.Submit(ctx, SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "x"}})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	var got []Event
	done := make(chan error, 1)
	go func() {
		done <- client.Watch(ctx, WatchRequest{RequestID: r.ID}, func(e Event) error {
			got = append(got, e)
			return nil
		})
	}()
	testutil.WaitFor(t, 2*time.Second, func() bool { return subscriberCount(m) == 1 }, "watch subscribed")

	startQueue(t, m.Run)
	m.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not end after the request settled")
	}

	if len(got) != 2 || got[0].Type != EventProcessing || got[1].Type != EventCompleted {
		t.Fatalf("expected processing then completed, got %+v", got)
	}
	if got[1].UsedProvider != "A" {
		t.Errorf("expected used provider on the event, got %q", got[1].UsedProvider)
	}
}

func TestHandler_WatchScope(t *testing.T) {
	m := newTestManager(t, newTestConfig(3, "A"), map[string]*fakeAdapter{"A": {}})
	client := setupQueueService(t, m)
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()

	events := make(chan Event, 16)
	go func() {
		_ = client.Watch(ctx, WatchRequest{Scope: Scope{Tenant: "mine"}}, func(e Event) error {
			events <- e
			return nil
		})
	}()
	testutil.WaitFor(t, 2*time.Second, func() bool { return subscriberCount(m) == 1 }, "watch subscribed")

	m.Pause()
	if _, err := client.Submit(ctx, SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "x"}, Scope: Scope{Tenant: "theirs"}}); err != nil {
		t.Fatal(err)
	}
	mine, err := client.Submit(ctx, SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "y"}, Scope: Scope{Tenant: "mine"}})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		if e.RequestID != mine.ID || e.Type != EventEnqueued {
			t.Errorf("expected only the in-scope enqueue, got %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	testutil.WaitFor(t, 2*time.Second, func() bool { return subscriberCount(m) == 0 }, "watch unsubscribed")
}

func TestHandler_WatchSettledRequest(t *testing.T) {
	m := newTestManager(t, newTestConfig(3, "A"), map[string]*fakeAdapter{"A": {}})
	client := setupQueueService(t, m)
	ctx := testutil.TestContext(t)

	m.Pause()
	r, err := client.Submit(ctx, SubmitRequest{Task: TaskChat, Payload: Payload{Prompt: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Cancel(ctx, r.ID); err != nil {
		t.Fatal(err)
	}

	var got []Event
	err = client.Watch(ctx, WatchRequest{RequestID: r.ID}, func(e Event) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if len(got) != 1 || got[0].Type != EventCancelled || got[0].State != StateCancelled {
		t.Errorf("expected one cancelled event, got %+v", got)
	}

	err = client.Watch(ctx, WatchRequest{RequestID: "missing"}, func(Event) error { return nil })
	assertCode(t, err, codes.NotFound)
}
