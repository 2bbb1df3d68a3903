package llmqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/instantcocoa/conduit/pkg/testutil"
)

// fakeAdapter is a scripted ProviderAdapter. errs are returned in order,
// after which every call succeeds with text.
type fakeAdapter struct {
	mu      sync.Mutex
	errs    []error
	text    string
	block   bool
	release chan struct{}
	started chan string
	connErr error

	generateCalls []GenerateRequest
	embedCalls    []EmbedRequest
}

func (f *fakeAdapter) next() (block bool, release chan struct{}, started chan string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	return f.block, f.release, f.started, err
}

func (f *fakeAdapter) wait(ctx context.Context, label string) error {
	block, release, started, err := f.next()
	if started != nil {
		started <- label
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeAdapter) Generate(ctx context.Context, req GenerateRequest, cfg ProviderConfig) (GenerateResponse, error) {
	f.mu.Lock()
	f.generateCalls = append(f.generateCalls, req)
	f.mu.Unlock()

	if err := f.wait(ctx, req.Prompt); err != nil {
		return GenerateResponse{}, err
	}
	return GenerateResponse{Text: f.text, Model: req.Model, Usage: Usage{InputTokens: 3, OutputTokens: 2}}, nil
}

func (f *fakeAdapter) Embed(ctx context.Context, req EmbedRequest, cfg ProviderConfig) (EmbedResponse, error) {
	f.mu.Lock()
	f.embedCalls = append(f.embedCalls, req)
	f.mu.Unlock()

	if err := f.wait(ctx, "embed"); err != nil {
		return EmbedResponse{}, err
	}
	out := make([][]float32, len(req.Texts))
	for i, text := range req.Texts {
		out[i] = []float32{float32(len(text))}
	}
	return EmbedResponse{Embeddings: out, Model: req.Model}, nil
}

func (f *fakeAdapter) TestConnection(ctx context.Context, cfg ProviderConfig) error {
	return f.connErr
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.generateCalls) + len(f.embedCalls)
}

func (f *fakeAdapter) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.generateCalls))
	for i, c := range f.generateCalls {
		out[i] = c.Prompt
	}
	return out
}

func kindErr(kind ErrorKind) error {
	return &ProviderError{Kind: kind, Message: "scripted failure"}
}

var errUntyped = errors.New("something odd happened")

func newTestConfig(maxAttempts int, priorities ...string) *StaticConfig {
	return NewStaticConfig(RoutingConfig{
		Mode: ModeFailover,
		Defaults: RoutingPolicy{
			Priorities:  priorities,
			MaxAttempts: maxAttempts,
			Timeout:     time.Second,
			Cooldown:    30 * time.Second,
		},
	}, ModelTokenPolicy{})
}

func newTestAdapters(byID map[string]*fakeAdapter) *Adapters {
	a := NewAdapters()
	for id, f := range byID {
		a.Register(id, f)
	}
	return a
}

func newTestManager(t *testing.T, cfg ConfigProvider, adapters map[string]*fakeAdapter, opts ...func(*ManagerConfig)) *Manager {
	t.Helper()
	mc := ManagerConfig{
		Config:   cfg,
		Adapters: newTestAdapters(adapters),
		Logger:   testutil.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(&mc)
	}
	m, err := NewManager(mc)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

// startQueue runs fn in the background and stops it when the test ends.
func startQueue(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("queue did not stop")
		}
	})
}

func chatRequest(prompt string, priority Priority) *Request {
	return NewRequest(TaskChat, priority, Payload{Prompt: prompt}, Scope{})
}

// failingStore fails every write once armed.
type failingStore struct {
	*MemoryStore
	mu    sync.Mutex
	armed bool
}

var errStoreDown = errors.New("store down")

func (s *failingStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *failingStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *failingStore) Create(ctx context.Context, r *Request) error {
	if s.failing() {
		return errStoreDown
	}
	return s.MemoryStore.Create(ctx, r)
}

func (s *failingStore) Update(ctx context.Context, r *Request) error {
	if s.failing() {
		return errStoreDown
	}
	return s.MemoryStore.Update(ctx, r)
}
