package llmqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Processor settles one dequeued request. It must always return a Result.
type Processor interface {
	Process(ctx context.Context, r *Request) Processed
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, r *Request) Processed

func (f ProcessorFunc) Process(ctx context.Context, r *Request) Processed { return f(ctx, r) }

// Processed is what a Processor reports back to the queue.
type Processed struct {
	Result       *Result
	AttemptsUsed int
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Concurrency bounds requests in processing. Defaults to 1.
	Concurrency int
	Publisher   EventPublisher
	Logger      *slog.Logger
	Now         func() time.Time
	// MaxAttempts returns the attempt limit for a task. Retry refuses to
	// resubmit a request that has none left.
	MaxAttempts func(Task) int
}

// Status is a snapshot of the queue.
type Status struct {
	Processing  int           `json:"processing"`
	QueueSize   int           `json:"queue_size"`
	Paused      bool          `json:"paused"`
	Concurrency int           `json:"concurrency"`
	Fault       string        `json:"fault,omitempty"`
	Stats       map[State]int `json:"stats"`
}

// Queue is the durable priority queue and its worker loop.
type Queue struct {
	store       Store
	processor   Processor
	publisher   EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	maxAttempts func(Task) int
	concurrency int

	mu         sync.Mutex
	pending    pendingHeap
	live       map[string]*Request
	waiters    map[string][]chan struct{}
	processing int
	paused     bool
	fault      error
	running    bool
	recovered  bool
	seqLoaded  bool
	seq        int64

	wake     chan struct{}
	retryMu  sync.Mutex
	inflight sync.WaitGroup
}

// NewQueue creates a queue. Nothing is read from the store until the first
// Submit or Run.
func NewQueue(store Store, processor Processor, opts QueueOptions) *Queue {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxAttempts == nil {
		opts.MaxAttempts = func(Task) int { return 0 }
	}
	return &Queue{
		store:       store,
		processor:   processor,
		publisher:   opts.Publisher,
		logger:      opts.Logger.With("component", "queue"),
		tracer:      otel.Tracer(tracerName),
		now:         opts.Now,
		maxAttempts: opts.MaxAttempts,
		concurrency: opts.Concurrency,
		pending:     pendingHeap{index: make(map[string]int)},
		live:        make(map[string]*Request),
		waiters:     make(map[string][]chan struct{}),
		wake:        make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// setFault records a store failure. The worker loop stops, Submit refuses
// work and every waiter is woken to see the fault. Callers hold q.mu.
func (q *Queue) setFault(err error) {
	if q.fault == nil {
		q.fault = err
		q.logger.Error("queue store failed, halting worker", "error", err)
	}
	for id, chans := range q.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(q.waiters, id)
	}
	q.signal()
}

// Fault returns the store failure that halted the queue, if any.
func (q *Queue) Fault() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fault
}

func (q *Queue) faultErr() error {
	return fmt.Errorf("%w: %v", ErrQueueFaulted, q.fault)
}

// loadSeq reads the highest stored seq once. Callers hold q.mu.
func (q *Queue) loadSeq(ctx context.Context) error {
	if q.seqLoaded {
		return nil
	}
	seq, err := q.store.MaxSeq(ctx)
	if err != nil {
		return err
	}
	q.seq = max(q.seq, seq)
	q.seqLoaded = true
	return nil
}

func (q *Queue) updateGauges() {
	queueDepth.Set(float64(q.pending.Len()))
	queueProcessing.Set(float64(q.processing))
}

// Submit persists r as pending and returns its id. It enqueues while
// paused. Attempts already on r are kept.
func (q *Queue) Submit(ctx context.Context, r *Request) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.fault != nil {
		return "", q.faultErr()
	}
	if _, dup := q.live[r.ID]; dup {
		return "", fmt.Errorf("%w: request %s already queued", ErrInvalidInput, r.ID)
	}
	if err := q.loadSeq(ctx); err != nil {
		q.setFault(err)
		return "", q.faultErr()
	}

	r = r.Clone()
	q.seq++
	now := q.now()
	r.Seq = q.seq
	r.State = StatePending
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Result = nil
	r.RetriedAs = ""

	if err := q.store.Create(ctx, r); err != nil {
		q.setFault(err)
		return "", q.faultErr()
	}

	q.live[r.ID] = r
	heap.Push(&q.pending, r)
	q.updateGauges()
	q.publisher.Publish(newEvent(EventEnqueued, r, now))
	q.signal()

	q.logger.InfoContext(ctx, "request enqueued",
		"request_id", r.ID, "task", r.Task, "priority", r.Priority, "queue_size", q.pending.Len())
	return r.ID, nil
}

// Run is the worker loop. It recovers stored work, then dequeues until ctx
// is done or the store fails. In-flight requests are settled before it
// returns. A store failure is returned as the error.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.inflight.Wait()
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	// Store writes must land even while shutting down.
	storeCtx := context.WithoutCancel(ctx)

	if err := q.recover(storeCtx); err != nil {
		q.mu.Lock()
		q.setFault(err)
		q.mu.Unlock()
		return fmt.Errorf("failed to recover queue: %w", err)
	}
	q.logger.InfoContext(ctx, "queue worker started", "concurrency", q.concurrency)

	for {
		if q.Fault() != nil {
			q.inflight.Wait()
			return q.currentFault()
		}
		if ctx.Err() != nil {
			q.logger.Info("queue worker stopping, settling in-flight requests")
			return nil
		}

		r := q.next()
		if r == nil {
			select {
			case <-ctx.Done():
			case <-q.wake:
			}
			continue
		}

		if err := q.store.Update(storeCtx, r); err != nil {
			q.mu.Lock()
			q.unclaim(r.ID)
			q.setFault(err)
			q.mu.Unlock()
			continue
		}

		q.mu.Lock()
		q.publisher.Publish(newEvent(EventProcessing, r, r.UpdatedAt))
		q.mu.Unlock()

		q.inflight.Add(1)
		go q.dispatch(storeCtx, r)
	}
}

// next pops the head of the queue and marks it processing, or returns nil
// when the queue is paused, full or empty.
func (q *Queue) next() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.fault != nil || q.processing >= q.concurrency || q.pending.Len() == 0 {
		return nil
	}
	r := heap.Pop(&q.pending).(*Request)
	r.State = StateProcessing
	r.UpdatedAt = q.now()
	q.processing++
	q.updateGauges()
	return r.Clone()
}

// unclaim undoes next for a request whose processing write failed, so
// memory matches the stored pending row. Callers hold q.mu.
func (q *Queue) unclaim(id string) {
	q.processing--
	if lr, ok := q.live[id]; ok && lr.State == StateProcessing {
		lr.State = StatePending
		heap.Push(&q.pending, lr)
	}
	q.updateGauges()
}

func (q *Queue) dispatch(ctx context.Context, r *Request) {
	defer q.inflight.Done()

	ctx, span := q.tracer.Start(ctx, "llmqueue.dispatch", trace.WithAttributes(
		attribute.String("llm.request_id", r.ID),
		attribute.String("llm.task", string(r.Task)),
		attribute.String("llm.priority", string(r.Priority)),
	))
	defer span.End()

	start := time.Now()
	res := q.processor.Process(ctx, r.Clone())
	if res.Result == nil {
		res.Result = &Result{Error: "processor returned no result", ErrorKind: KindUnclassified}
	}

	r.Attempts += res.AttemptsUsed
	r.Result = res.Result
	if res.Result.Success {
		r.State = StateCompleted
		r.LastError, r.LastErrorKind = "", ""
	} else {
		r.State = StateFailed
		r.LastError, r.LastErrorKind = res.Result.Error, res.Result.ErrorKind
	}
	r.UpdatedAt = q.now()
	span.SetAttributes(attribute.String("llm.state", string(r.State)), attribute.Int("llm.attempts", r.Attempts))

	err := q.store.Update(ctx, r)

	q.mu.Lock()
	q.processing--
	if err != nil {
		q.setFault(err)
	}
	q.settle(r, eventFor(r.State))
	q.mu.Unlock()

	requestsSettled.WithLabelValues(string(r.Task), string(r.State)).Inc()
	requestDuration.WithLabelValues(string(r.Task)).Observe(time.Since(start).Seconds())

	q.logger.InfoContext(ctx, "request settled",
		"request_id", r.ID,
		"state", r.State,
		"attempts", r.Attempts,
		"provider", r.Result.UsedProvider,
		"error_kind", r.LastErrorKind)
}

func eventFor(s State) EventType {
	switch s {
	case StateCompleted:
		return EventCompleted
	case StateCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

// settle drops a terminal request from the live set, wakes its waiters and
// publishes ev. Callers hold q.mu.
func (q *Queue) settle(r *Request, ev EventType) {
	delete(q.live, r.ID)
	for _, ch := range q.waiters[r.ID] {
		close(ch)
	}
	delete(q.waiters, r.ID)
	q.updateGauges()
	q.publisher.Publish(newEvent(ev, r, r.UpdatedAt))
	q.signal()
}

// recover runs once per queue. Requests left processing by a previous
// process are requeued once; a request found processing a second time is
// failed as interrupted. Stored pending requests are loaded into the heap.
func (q *Queue) recover(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.recovered {
		return nil
	}
	if err := q.loadSeq(ctx); err != nil {
		return err
	}

	stuck, err := q.store.ListByState(ctx, StateProcessing, 0)
	if err != nil {
		return err
	}
	for _, r := range stuck {
		r.UpdatedAt = q.now()
		if r.Recoveries >= 1 {
			r.State = StateFailed
			r.LastErrorKind = KindInterrupted
			r.LastError = "interrupted while processing after a previous recovery"
			r.Result = &Result{Error: r.LastError, ErrorKind: KindInterrupted}
			if err := q.store.Update(ctx, r); err != nil {
				return err
			}
			q.publisher.Publish(newEvent(EventFailed, r, r.UpdatedAt))
			q.logger.Warn("failing request interrupted twice", "request_id", r.ID)
			continue
		}
		r.Recoveries++
		r.State = StatePending
		if err := q.store.Update(ctx, r); err != nil {
			return err
		}
		q.live[r.ID] = r
		heap.Push(&q.pending, r)
		q.publisher.Publish(newEvent(EventRequeued, r, r.UpdatedAt))
		q.logger.Warn("requeued request interrupted while processing", "request_id", r.ID)
	}

	pending, err := q.store.ListByState(ctx, StatePending, 0)
	if err != nil {
		return err
	}
	for _, r := range pending {
		if _, ok := q.live[r.ID]; ok {
			continue
		}
		q.live[r.ID] = r
		heap.Push(&q.pending, r)
	}

	q.recovered = true
	q.updateGauges()
	if len(stuck) > 0 || len(pending) > 0 {
		q.logger.Info("queue recovered", "interrupted", len(stuck), "pending", q.pending.Len())
	}
	return nil
}

// Pause stops dequeuing. In-flight requests are not interrupted.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		q.paused = true
		q.logger.Info("queue paused")
	}
}

// Resume restarts dequeuing.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		q.paused = false
		q.logger.Info("queue resumed")
		q.signal()
	}
}

// Cancel removes a pending request. It returns false once the request has
// left pending. Unknown ids return ErrNotFound.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	r, ok := q.live[id]
	if !ok {
		q.mu.Unlock()
		stored, err := q.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if stored == nil {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return false, nil
	}
	if r.State != StatePending {
		q.mu.Unlock()
		return false, nil
	}
	q.pending.remove(id)
	r.State = StateCancelled
	r.UpdatedAt = q.now()
	snap := r.Clone()
	q.mu.Unlock()

	if err := q.persistCancelled(ctx, []*Request{snap}); err != nil {
		return false, err
	}
	q.logger.InfoContext(ctx, "request cancelled", "request_id", id)
	return true, nil
}

// Clear cancels every pending request in scope and returns how many.
func (q *Queue) Clear(ctx context.Context, scope Scope) (int, error) {
	q.mu.Lock()
	var cleared []*Request
	for _, r := range q.pending.snapshot() {
		if !r.Scope.Matches(scope) {
			continue
		}
		q.pending.remove(r.ID)
		r.State = StateCancelled
		r.UpdatedAt = q.now()
		cleared = append(cleared, r.Clone())
	}
	q.mu.Unlock()

	if err := q.persistCancelled(ctx, cleared); err != nil {
		return 0, err
	}
	if len(cleared) > 0 {
		q.logger.InfoContext(ctx, "pending requests cleared", "count", len(cleared), "tenant", scope.Tenant, "project", scope.Project)
	}
	return len(cleared), nil
}

func (q *Queue) persistCancelled(ctx context.Context, rs []*Request) error {
	for _, r := range rs {
		if err := q.store.Update(ctx, r); err != nil {
			q.mu.Lock()
			q.setFault(err)
			q.mu.Unlock()
			return fmt.Errorf("failed to persist cancellation: %w", err)
		}
		q.mu.Lock()
		q.settle(r, EventCancelled)
		q.mu.Unlock()
		requestsSettled.WithLabelValues(string(r.Task), string(r.State)).Inc()
	}
	return nil
}

// Retry resubmits a failed request as a new request linked through
// RetryOf. Attempts carry over unless resetAttempts is set. A request can
// be retried once.
func (q *Queue) Retry(ctx context.Context, id string, resetAttempts bool) (string, error) {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()

	orig, err := q.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load request: %w", err)
	}
	if orig == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if orig.State != StateFailed {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, orig.State)
	}
	if orig.RetriedAs != "" {
		return "", fmt.Errorf("%w: %s as %s", ErrAlreadyRetried, id, orig.RetriedAs)
	}

	attempts := orig.Attempts
	if resetAttempts {
		attempts = 0
	}
	if limit := q.maxAttempts(orig.Task); limit > 0 && attempts >= limit {
		return "", fmt.Errorf("%w: %d of %d used", ErrAttemptsExhausted, attempts, limit)
	}

	next := &Request{
		ID:       uuid.New().String(),
		Task:     orig.Task,
		Priority: orig.Priority,
		Payload:  orig.Payload.clone(),
		Scope:    orig.Scope,
		Attempts: attempts,
		RetryOf:  orig.ID,
	}
	newID, err := q.Submit(ctx, next)
	if err != nil {
		return "", err
	}

	orig.RetriedAs = newID
	orig.UpdatedAt = q.now()
	if err := q.store.Update(ctx, orig); err != nil {
		q.mu.Lock()
		q.setFault(err)
		q.mu.Unlock()
		return "", q.currentFault()
	}

	q.mu.Lock()
	q.publisher.Publish(newEvent(EventRetried, orig, orig.UpdatedAt))
	q.mu.Unlock()

	q.logger.InfoContext(ctx, "request retried", "request_id", id, "retry_id", newID, "attempts", attempts)
	return newID, nil
}

func (q *Queue) currentFault() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.faultErr()
}

// Wait blocks until id reaches a terminal state and returns it.
func (q *Queue) Wait(ctx context.Context, id string) (*Request, error) {
	q.mu.Lock()
	if q.fault != nil {
		q.mu.Unlock()
		return nil, q.currentFault()
	}
	if _, ok := q.live[id]; ok {
		ch := make(chan struct{})
		q.waiters[id] = append(q.waiters[id], ch)
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		q.mu.Unlock()
	}

	if q.Fault() != nil {
		return nil, q.currentFault()
	}
	return q.Get(ctx, id)
}

// Get returns the current state of id.
func (q *Queue) Get(ctx context.Context, id string) (*Request, error) {
	q.mu.Lock()
	if r, ok := q.live[id]; ok {
		out := r.Clone()
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()

	r, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Status reports queue counters restricted to scope.
func (q *Queue) Status(ctx context.Context, scope Scope) (Status, error) {
	q.mu.Lock()
	st := Status{Paused: q.paused, Concurrency: q.concurrency}
	if q.fault != nil {
		st.Fault = q.fault.Error()
	}
	for _, r := range q.live {
		if !r.Scope.Matches(scope) {
			continue
		}
		switch r.State {
		case StatePending:
			st.QueueSize++
		case StateProcessing:
			st.Processing++
		}
	}
	q.mu.Unlock()

	stats, err := q.store.CountByState(ctx, scope)
	if err != nil {
		return st, fmt.Errorf("failed to count requests: %w", err)
	}
	st.Stats = stats
	return st, nil
}

// Pending returns queued requests in dequeue order.
func (q *Queue) Pending(limit int) []*Request {
	q.mu.Lock()
	items := q.pending.snapshot()
	out := make([]*Request, len(items))
	for i, r := range items {
		out[i] = r.Clone()
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return truncate(out, limit)
}

// History returns settled requests, most recent first.
func (q *Queue) History(ctx context.Context, limit int) ([]*Request, error) {
	return q.store.History(ctx, limit)
}

// Retryable returns failed requests that can still be retried.
func (q *Queue) Retryable(ctx context.Context, limit int) ([]*Request, error) {
	return q.store.Retryable(ctx, limit)
}

// StatsByScope returns per-scope state counts.
func (q *Queue) StatsByScope(ctx context.Context) ([]ScopeStats, error) {
	return q.store.StatsByScope(ctx)
}

// pendingHeap orders pending requests with Request.before and tracks each
// request's position so cancellation is O(log n).
type pendingHeap struct {
	items []*Request
	index map[string]int
}

func (h *pendingHeap) Len() int           { return len(h.items) }
func (h *pendingHeap) Less(i, j int) bool { return h.items[i].before(h.items[j]) }

func (h *pendingHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *pendingHeap) Push(x any) {
	r := x.(*Request)
	h.index[r.ID] = len(h.items)
	h.items = append(h.items, r)
}

func (h *pendingHeap) Pop() any {
	n := len(h.items)
	r := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, r.ID)
	return r
}

func (h *pendingHeap) remove(id string) bool {
	i, ok := h.index[id]
	if !ok {
		return false
	}
	heap.Remove(h, i)
	return true
}

func (h *pendingHeap) snapshot() []*Request {
	return append([]*Request(nil), h.items...)
}
