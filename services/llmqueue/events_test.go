package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/instantcocoa/conduit/pkg/testutil"
)

type fakeChannel struct {
	mu       sync.Mutex
	messages map[string][]any
	err      error
}

func (f *fakeChannel) Publish(ctx context.Context, channel string, message any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.messages == nil {
		f.messages = make(map[string][]any)
	}
	f.messages[channel] = append(f.messages[channel], message)
	return 1, nil
}

func (f *fakeChannel) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

// fakeKV stores values as JSON, like cache.Client does.
type fakeKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	batches int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeKV) SetMany(ctx context.Context, values map[string]any, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	for key, value := range values {
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		f.data[key] = b
		f.ttls[key] = expiration
	}
	return nil
}

func (f *fakeKV) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	f.mu.Lock()
	b, ok := f.data[key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (f *fakeKV) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func sampleEvent(id string) Event {
	r := chatRequest("x", PriorityNormal)
	r.ID = id
	return newEvent(EventEnqueued, r, time.Now())
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster()
	one, cancelOne := b.Subscribe()
	two, cancelTwo := b.Subscribe()
	defer cancelTwo()

	b.Publish(Event{Type: EventEnqueued, RequestID: "r1"})
	for _, ch := range []<-chan Event{one, two} {
		select {
		case e := <-ch:
			if e.RequestID != "r1" {
				t.Errorf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}

	cancelOne()
	cancelOne()
	if _, ok := <-one; ok {
		t.Error("expected the cancelled channel to be closed")
	}
	b.Publish(Event{Type: EventCompleted, RequestID: "r1"})
	if e := <-two; e.Type != EventCompleted {
		t.Errorf("remaining subscriber should still receive, got %+v", e)
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSubscriberBuffer*3; i++ {
			b.Publish(Event{Type: EventEnqueued})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestMultiPublisher(t *testing.T) {
	a, b := NewMemoryPublisher(), NewMemoryPublisher()
	MultiPublisher{a, b}.Publish(Event{RequestID: "r"})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("expected every publisher to receive the event")
	}
}

func TestRedisPublisher_ForwardsAndFlushes(t *testing.T) {
	ch := &fakeChannel{}
	p := NewRedisPublisher(ch, "conduit:events", 16, testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Publish(sampleEvent("a"))
	testutil.WaitFor(t, time.Second, func() bool { return ch.count("conduit:events") == 1 }, "event forwarded")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Events buffered after shutdown are flushed by the next Run.
	p.Publish(sampleEvent("b"))
	p.Publish(sampleEvent("c"))
	stopped, stop := context.WithCancel(context.Background())
	stop()
	if err := p.Run(stopped); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ch.count("conduit:events"); got != 3 {
		t.Errorf("expected 3 events after flush, got %d", got)
	}
}

func TestRedisPublisher_DropsWhenFull(t *testing.T) {
	p := NewRedisPublisher(&fakeChannel{}, "events", 2, testutil.DiscardLogger())
	for i := 0; i < 5; i++ {
		p.Publish(sampleEvent("x"))
	}
	if got := p.Dropped(); got != 3 {
		t.Errorf("expected 3 dropped, got %d", got)
	}
}

func TestRedisPublisher_SendErrorsAreLogged(t *testing.T) {
	ch := &fakeChannel{err: errors.New("redis down")}
	p := NewRedisPublisher(ch, "events", 4, testutil.DiscardLogger())
	p.Publish(sampleEvent("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Errorf("a failing channel should not stop the publisher, got %v", err)
	}
}

func TestHealthMirror(t *testing.T) {
	kv := newFakeKV()
	m := NewHealthMirror(kv, time.Minute, testutil.DiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	r := NewHealthRegistry(WithHealthObserver(m.Observe))
	r.RecordFailure("ollama", KindTimeout, 30*time.Second)

	testutil.WaitFor(t, time.Second, func() bool { return kv.has("health:ollama") }, "health mirrored")

	h, ok, err := m.Load(ctx, "ollama")
	if err != nil || !ok {
		t.Fatalf("load failed: %v, %v", ok, err)
	}
	if h.State != HealthCoolingDown || h.LastError != KindTimeout || h.ConsecutiveFailures != 1 {
		t.Errorf("unexpected mirrored health: %+v", h)
	}
	kv.mu.Lock()
	ttl := kv.ttls["health:ollama"]
	kv.mu.Unlock()
	if ttl != time.Minute {
		t.Errorf("expected ttl 1m, got %v", ttl)
	}

	if _, ok, _ := m.Load(ctx, "unknown"); ok {
		t.Error("expected no snapshot for an unmirrored provider")
	}
}

func TestHealthMirror_CoalescesBufferedUpdates(t *testing.T) {
	kv := newFakeKV()
	m := NewHealthMirror(kv, 0, testutil.DiscardLogger())

	r := NewHealthRegistry(WithHealthObserver(m.Observe))
	r.RecordFailure("ollama", KindTimeout, 30*time.Second)
	r.RecordFailure("ollama", KindServerError, 30*time.Second)
	r.RecordSuccess("openai")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	testutil.WaitFor(t, time.Second, func() bool {
		return kv.has("health:ollama") && kv.has("health:openai")
	}, "health mirrored")

	kv.mu.Lock()
	batches := kv.batches
	kv.mu.Unlock()
	if batches != 1 {
		t.Errorf("expected one batched write, got %d", batches)
	}
	h, _, _ := m.Load(ctx, "ollama")
	if h.LastError != KindServerError || h.ConsecutiveFailures != 2 {
		t.Errorf("expected the latest ollama snapshot, got %+v", h)
	}
}

func TestHealthMirror_RestoreSeedsCooldowns(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	kv := newFakeKV()
	m := NewHealthMirror(kv, 0, testutil.DiscardLogger())
	ctx := context.Background()

	err := kv.SetMany(ctx, map[string]any{
		"health:ollama": ProviderHealth{ProviderID: "ollama", State: HealthCoolingDown,
			ConsecutiveFailures: 2, LastError: KindTimeout, CooldownUntil: clock.Now().Add(time.Minute)},
		"health:openai": ProviderHealth{ProviderID: "openai", State: HealthCoolingDown,
			ConsecutiveFailures: 1, CooldownUntil: clock.Now().Add(-time.Second)},
		"health:local": ProviderHealth{ProviderID: "local", State: HealthHealthy},
		"health:busy": ProviderHealth{ProviderID: "busy", State: HealthCoolingDown,
			CooldownUntil: clock.Now().Add(time.Minute)},
	}, 0)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	r := newTestRegistry(clock)
	r.RecordSuccess("busy")

	n, err := m.Restore(ctx, r, []string{"ollama", "openai", "local", "busy", "missing"}, clock.Now())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d providers, want 1", n)
	}
	if r.IsAvailable("ollama") {
		t.Error("expected the restored cooldown to hold")
	}
	if h, _ := r.Get("ollama"); h.ConsecutiveFailures != 2 || h.LastError != KindTimeout {
		t.Errorf("unexpected restored health: %+v", h)
	}
	for _, id := range []string{"openai", "local", "missing"} {
		if _, ok := r.Get(id); ok {
			t.Errorf("%s should not have been restored", id)
		}
	}
	if !r.IsAvailable("busy") {
		t.Error("a live entry must not be overwritten")
	}

	clock.Advance(2 * time.Minute)
	if !r.IsAvailable("ollama") {
		t.Error("expected the restored cooldown to expire")
	}
}
