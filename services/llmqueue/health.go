package llmqueue

import (
	"sort"
	"sync"
	"time"
)

// HealthState is the circuit state of a provider.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthCoolingDown HealthState = "cooling_down"
)

// CooldownThreshold is the number of consecutive failures that starts a
// cooldown. One failure of any kind is enough.
const CooldownThreshold = 1

// ProviderHealth is the observed state of one provider.
type ProviderHealth struct {
	ProviderID          string      `json:"provider_id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	CooldownUntil       time.Time   `json:"cooldown_until,omitempty"`
	LastError           ErrorKind   `json:"last_error,omitempty"`
	LastSuccessAt       time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time   `json:"last_failure_at,omitempty"`
}

// HealthObserver is told about every health change, in order. It runs under
// the registry lock, so it must not block or call back into the registry.
type HealthObserver func(ProviderHealth)

// HealthOption configures a HealthRegistry.
type HealthOption func(*HealthRegistry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) HealthOption {
	return func(r *HealthRegistry) { r.now = now }
}

// WithHealthObserver adds an observer.
func WithHealthObserver(obs HealthObserver) HealthOption {
	return func(r *HealthRegistry) { r.observers = append(r.observers, obs) }
}

// HealthRegistry tracks per-provider cooldowns. Entries are created on the
// first recorded outcome and kept for the life of the process.
type HealthRegistry struct {
	mu        sync.Mutex
	entries   map[string]*ProviderHealth
	now       func() time.Time
	observers []HealthObserver
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry(opts ...HealthOption) *HealthRegistry {
	r := &HealthRegistry{
		entries: make(map[string]*ProviderHealth),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HealthRegistry) entry(id string) *ProviderHealth {
	h, ok := r.entries[id]
	if !ok {
		h = &ProviderHealth{ProviderID: id, State: HealthHealthy}
		r.entries[id] = h
	}
	return h
}

// RecordSuccess clears the failure streak and any cooldown.
func (r *HealthRegistry) RecordSuccess(id string) {
	r.mu.Lock()
	h := r.entry(id)
	h.ConsecutiveFailures = 0
	h.State = HealthHealthy
	h.CooldownUntil = time.Time{}
	h.LastSuccessAt = r.now()
	r.notify(*h)
	r.mu.Unlock()
}

// RecordFailure counts a failure and starts a cooldown once the streak
// reaches CooldownThreshold. A non-positive cooldown never cools.
func (r *HealthRegistry) RecordFailure(id string, kind ErrorKind, cooldown time.Duration) {
	r.mu.Lock()
	now := r.now()
	h := r.entry(id)
	h.ConsecutiveFailures++
	h.LastError = kind
	h.LastFailureAt = now
	if cooldown > 0 && h.ConsecutiveFailures >= CooldownThreshold {
		h.State = HealthCoolingDown
		h.CooldownUntil = now.Add(cooldown)
	}
	r.notify(*h)
	r.mu.Unlock()
}

// IsAvailable reports whether the router may call id. An expired cooldown
// is flipped back to healthy here.
func (r *HealthRegistry) IsAvailable(id string) bool {
	r.mu.Lock()
	h, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return true
	}
	if h.State == HealthHealthy {
		r.mu.Unlock()
		return true
	}
	if r.now().Before(h.CooldownUntil) {
		r.mu.Unlock()
		return false
	}
	h.State = HealthHealthy
	h.CooldownUntil = time.Time{}
	r.notify(*h)
	r.mu.Unlock()
	return true
}

// Reset clears the state of one provider.
func (r *HealthRegistry) Reset(id string) {
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.entries[id] = &ProviderHealth{ProviderID: id, State: HealthHealthy}
		r.notify(*r.entries[id])
	}
	r.mu.Unlock()
}

// ResetAll clears every provider.
func (r *HealthRegistry) ResetAll() {
	r.mu.Lock()
	for id := range r.entries {
		r.entries[id] = &ProviderHealth{ProviderID: id, State: HealthHealthy}
		r.notify(*r.entries[id])
	}
	r.mu.Unlock()
}

// Restore installs h for a provider with no entry yet. Observers are not
// told.
func (r *HealthRegistry) Restore(h ProviderHealth) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[h.ProviderID]; ok {
		return false
	}
	r.entries[h.ProviderID] = &h
	return true
}

// Get returns a copy of the entry for id.
func (r *HealthRegistry) Get(id string) (ProviderHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[id]
	if !ok {
		return ProviderHealth{}, false
	}
	return *h, true
}

// Snapshot returns every entry sorted by provider id. States are reported as
// stored; an expired cooldown shows until the next IsAvailable call.
func (r *HealthRegistry) Snapshot() []ProviderHealth {
	r.mu.Lock()
	out := make([]ProviderHealth, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, *h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// notify runs with r.mu held so observers see updates in order.
func (r *HealthRegistry) notify(h ProviderHealth) {
	for _, obs := range r.observers {
		obs(h)
	}
}
