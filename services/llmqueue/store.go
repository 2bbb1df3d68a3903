package llmqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/instantcocoa/conduit/pkg/config"
	"github.com/instantcocoa/conduit/pkg/database"
)

// ScopeStats counts requests per state for one tenant/project pair.
type ScopeStats struct {
	Scope  Scope         `json:"scope"`
	Counts map[State]int `json:"counts"`
}

// Store persists requests. Get returns nil, nil for unknown ids. List
// methods return copies.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Update(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// ListByState returns requests in state ordered by seq. limit <= 0 means all.
	ListByState(ctx context.Context, state State, limit int) ([]*Request, error)
	// History returns terminal requests, most recently updated first.
	History(ctx context.Context, limit int) ([]*Request, error)
	// Retryable returns failed requests that have not been retried yet,
	// most recently updated first.
	Retryable(ctx context.Context, limit int) ([]*Request, error)
	CountByState(ctx context.Context, scope Scope) (map[State]int, error)
	StatsByScope(ctx context.Context) ([]ScopeStats, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// StoreOptions configures store creation.
type StoreOptions struct {
	Backend config.StorageBackend
	// DB is required for the postgres and sqlite backends.
	DB *database.DB
}

// NewStore creates a store for the configured backend.
func NewStore(opts StoreOptions) (Store, error) {
	switch opts.Backend {
	case config.StoragePostgres, config.StorageSQLite:
		if opts.DB == nil {
			return nil, fmt.Errorf("%s backend requires a database connection", opts.Backend)
		}
		return NewSQLStore(opts.DB), nil
	case config.StorageMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", opts.Backend)
	}
}

// MemoryStore keeps requests in a map. It does not survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (s *MemoryStore) filter(keep func(*Request) bool) []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Request, error) {
	out := s.filter(func(r *Request) bool { return r.State == state })
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return truncate(out, limit), nil
}

func (s *MemoryStore) History(ctx context.Context, limit int) ([]*Request, error) {
	out := s.filter(func(r *Request) bool { return r.State.Terminal() })
	sortRecentFirst(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) Retryable(ctx context.Context, limit int) ([]*Request, error) {
	out := s.filter(func(r *Request) bool { return r.State == StateFailed && r.RetriedAs == "" })
	sortRecentFirst(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) CountByState(ctx context.Context, scope Scope) (map[State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int, len(States))
	for _, r := range s.requests {
		if r.Scope.Matches(scope) {
			counts[r.State]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) StatsByScope(ctx context.Context) ([]ScopeStats, error) {
	s.mu.RLock()
	byScope := make(map[Scope]map[State]int)
	for _, r := range s.requests {
		counts, ok := byScope[r.Scope]
		if !ok {
			counts = make(map[State]int)
			byScope[r.Scope] = counts
		}
		counts[r.State]++
	}
	s.mu.RUnlock()

	out := make([]ScopeStats, 0, len(byScope))
	for scope, counts := range byScope {
		out = append(out, ScopeStats{Scope: scope, Counts: counts})
	}
	sortScopeStats(out)
	return out, nil
}

func (s *MemoryStore) MaxSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var seq int64
	for _, r := range s.requests {
		seq = max(seq, r.Seq)
	}
	return seq, nil
}

func sortRecentFirst(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].UpdatedAt.After(rs[j].UpdatedAt)
		}
		return rs[i].Seq > rs[j].Seq
	})
}

func sortScopeStats(stats []ScopeStats) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Scope.Tenant != stats[j].Scope.Tenant {
			return stats[i].Scope.Tenant < stats[j].Scope.Tenant
		}
		return stats[i].Scope.Project < stats[j].Scope.Project
	})
}

func truncate(rs []*Request, limit int) []*Request {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
