package llmqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ManagerConfig wires a Manager. Only Config is required.
type ManagerConfig struct {
	Config    ConfigProvider
	Store     Store
	Adapters  *Adapters
	Metadata  ModelMetadataProvider
	Estimator TokenEstimator
	// Publisher receives every event in addition to Subscribe streams.
	Publisher       EventPublisher
	HealthObservers []HealthObserver
	Concurrency     int
	Logger          *slog.Logger
	// Now drives health cooldowns and request timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Manager is the composition root: it owns the health registry, router
// and queue and exposes the management surface.
type Manager struct {
	config    ConfigProvider
	store     Store
	adapters  *Adapters
	metadata  ModelMetadataProvider
	estimator TokenEstimator
	health    *HealthRegistry
	router    *Router
	queue     *Queue
	events    *Broadcaster
	logger    *slog.Logger
}

// NewManager builds a Manager, filling defaults for every optional field.
// Without Adapters, the Ollama, OpenAI and Anthropic adapters serve
// providers of their kind.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Config == nil {
		return nil, errors.New("manager requires a config provider")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Adapters == nil {
		cfg.Adapters = NewAdapters()
		cfg.Adapters.RegisterKind(KindOllama, NewOllamaAdapter(nil))
		cfg.Adapters.RegisterKind(KindOpenAI, NewOpenAIAdapter(nil))
		cfg.Adapters.RegisterKind(KindAnthropic, NewAnthropicAdapter(nil))
	}
	if cfg.Metadata == nil {
		cfg.Metadata = DefaultCatalog()
	}
	if cfg.Estimator == nil {
		cfg.Estimator = HeuristicEstimator{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	healthOpts := []HealthOption{WithClock(cfg.Now), WithHealthObserver(observeHealth)}
	for _, obs := range cfg.HealthObservers {
		healthOpts = append(healthOpts, WithHealthObserver(obs))
	}

	m := &Manager{
		config:    cfg.Config,
		store:     cfg.Store,
		adapters:  cfg.Adapters,
		metadata:  cfg.Metadata,
		estimator: cfg.Estimator,
		health:    NewHealthRegistry(healthOpts...),
		events:    NewBroadcaster(),
		logger:    cfg.Logger.With("component", "manager"),
	}
	m.router = NewRouter(cfg.Config, m.health, cfg.Adapters, cfg.Logger)

	var publisher EventPublisher = m.events
	if cfg.Publisher != nil {
		publisher = MultiPublisher{m.events, cfg.Publisher}
	}
	m.queue = NewQueue(cfg.Store, m, QueueOptions{
		Concurrency: cfg.Concurrency,
		Publisher:   publisher,
		Logger:      cfg.Logger,
		Now:         func() time.Time { return cfg.Now().UTC() },
		MaxAttempts: func(t Task) int { return m.config.RoutingConfig().PolicyFor(t).MaxAttempts },
	})
	return m, nil
}

// Process applies the token budget and routes the request. It is the
// queue's Processor.
func (m *Manager) Process(ctx context.Context, r *Request) Processed {
	payload := r.Payload
	var budget *Budget

	// Embeddings generate no output and are sent unbudgeted.
	if r.Task != TaskEmbeddings {
		tp := m.config.TokenPolicy()
		b, err := m.budgetFor(r, tp)
		if err != nil {
			budgetOutcomes.WithLabelValues(string(r.Task), "rejected").Inc()
			m.logger.WarnContext(ctx, "request rejected by token budget", "request_id", r.ID, "error", err)
			return Processed{Result: &Result{Error: err.Error(), ErrorKind: KindBudgetExceeded, Budget: &b}}
		}
		budget = &b
		decision := "ok"
		if b.MustTruncate {
			payload = TruncatePayload(payload, b.TruncateByTokens, m.estimator)
			decision = "truncated"
			m.logger.InfoContext(ctx, "truncating payload to fit budget",
				"request_id", r.ID, "truncate_by_tokens", b.TruncateByTokens, "allowed_input_tokens", b.AllowedInputTokens)
		}
		if tp.Enforce {
			payload.MaxOutputTokens = b.AllowedOutputTokens
		}
		budgetOutcomes.WithLabelValues(string(r.Task), decision).Inc()
	}

	out := m.router.Execute(ctx, Call{
		RequestID:     r.ID,
		Task:          r.Task,
		Payload:       payload,
		PriorAttempts: r.Attempts,
	})

	res := &Result{
		Success:      out.Success,
		Text:         out.Text,
		Embeddings:   out.Embeddings,
		Usage:        out.Usage,
		UsedProvider: out.UsedProvider,
		Model:        out.Model,
		Trace:        out.Trace,
		Skipped:      out.Skipped,
		Budget:       budget,
	}
	if !out.Success {
		res.ErrorKind = out.ErrorKind
		if out.Err != nil {
			res.Error = out.Err.Error()
		}
	}
	return Processed{Result: res, AttemptsUsed: out.AttemptsUsed}
}

// budgetFor budgets r against the first provider in its priority list.
func (m *Manager) budgetFor(r *Request, tp ModelTokenPolicy) (Budget, error) {
	rc := m.config.RoutingConfig()
	var providerID, model string
	if list := rc.PriorityList(r.Task); len(list) > 0 {
		providerID = list[0]
		model = rc.Provider(providerID).ModelFor(r.Task, r.Payload.Model)
	}
	info, _ := m.metadata.ModelInfo(providerID, model)
	return EstimateBudget(BudgetInput{
		ProviderID:      providerID,
		ModelID:         model,
		Task:            r.Task,
		RequestedOutput: r.Payload.MaxOutputTokens,
		EstimatedInput:  EstimatePayloadTokens(m.estimator, r.Payload),
	}, info, tp)
}

// Run drives the queue until ctx is done or the store fails.
func (m *Manager) Run(ctx context.Context) error {
	return m.queue.Run(ctx)
}

// Ready reports an error once the store has failed.
func (m *Manager) Ready(ctx context.Context) error {
	if err := m.queue.Fault(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueFaulted, err)
	}
	return nil
}

// Submit enqueues r. A downstream failure never surfaces here; it settles
// the request as failed.
func (m *Manager) Submit(ctx context.Context, r *Request) (string, error) {
	return m.queue.Submit(ctx, r)
}

// SubmitAndWait enqueues r and blocks until it settles. Provider failures
// come back as a request with Result.Success false; the error is reserved
// for store and context problems.
func (m *Manager) SubmitAndWait(ctx context.Context, r *Request) (*Request, error) {
	id, err := m.queue.Submit(ctx, r)
	if err != nil {
		return nil, err
	}
	return m.queue.Wait(ctx, id)
}

func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	return m.queue.Get(ctx, id)
}

func (m *Manager) Status(ctx context.Context, scope Scope) (Status, error) {
	return m.queue.Status(ctx, scope)
}

func (m *Manager) History(ctx context.Context, limit int) ([]*Request, error) {
	return m.queue.History(ctx, limit)
}

func (m *Manager) Pending(limit int) []*Request {
	return m.queue.Pending(limit)
}

func (m *Manager) Retryable(ctx context.Context, limit int) ([]*Request, error) {
	return m.queue.Retryable(ctx, limit)
}

func (m *Manager) StatsByScope(ctx context.Context) ([]ScopeStats, error) {
	return m.queue.StatsByScope(ctx)
}

func (m *Manager) Pause()  { m.queue.Pause() }
func (m *Manager) Resume() { m.queue.Resume() }

func (m *Manager) Clear(ctx context.Context, scope Scope) (int, error) {
	return m.queue.Clear(ctx, scope)
}

func (m *Manager) Retry(ctx context.Context, id string, resetAttempts bool) (string, error) {
	return m.queue.Retry(ctx, id, resetAttempts)
}

func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	return m.queue.Cancel(ctx, id)
}

// ResetHealth clears one provider's cooldown.
func (m *Manager) ResetHealth(providerID string) {
	m.health.Reset(providerID)
	m.logger.Info("provider health reset", "provider", providerID)
}

// ResetAllHealth clears every provider's cooldown.
func (m *Manager) ResetAllHealth() {
	m.health.ResetAll()
	m.logger.Info("all provider health reset")
}

// Health returns every tracked provider.
func (m *Manager) Health() []ProviderHealth {
	return m.health.Snapshot()
}

// Registry exposes the health registry.
func (m *Manager) Registry() *HealthRegistry {
	return m.health
}

// TestConnection probes a configured provider under the default timeout.
// The result is not recorded in the health registry.
func (m *Manager) TestConnection(ctx context.Context, providerID string) error {
	rc := m.config.RoutingConfig()
	pc, ok := rc.Providers[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	adapter, ok := m.adapters.For(pc)
	if !ok {
		return fmt.Errorf("%w: no adapter for %s (kind %q)", ErrUnknownProvider, providerID, pc.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, rc.Defaults.Timeout)
	defer cancel()
	return adapter.TestConnection(ctx, pc)
}

// Subscribe streams every future event until cancel is called.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe()
}
