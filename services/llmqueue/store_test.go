package llmqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/instantcocoa/conduit/pkg/config"
	"github.com/instantcocoa/conduit/pkg/database"
	"github.com/instantcocoa/conduit/pkg/testutil"
)

func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, database.SQLiteMemory)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(ctx, db, testutil.DiscardLogger()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewSQLStore(db)
}

// openPostgresStore migrates a fresh request table on POSTGRES_HOST.
func openPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skip("POSTGRES_HOST not set")
	}
	cfg := database.DefaultConfig()
	cfg.Host = host
	cfg.Database = "conduit_test"

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	reset := func() {
		db.ExecContext(ctx, "DROP TABLE IF EXISTS llm_requests")
		db.ExecContext(ctx, "DROP TABLE IF EXISTS llmqueue_schema_migrations")
	}
	reset()
	t.Cleanup(func() {
		reset()
		db.Close()
	})
	if err := Migrate(ctx, db, testutil.DiscardLogger()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewSQLStore(db)
}

// storeBackends runs fn against every Store implementation.
func storeBackends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLiteStore(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, openPostgresStore(t)) })
}

func storedRequest(id string, seq int64, state State, scope Scope, at time.Time) *Request {
	r := NewRequest(TaskChat, PriorityNormal, Payload{Prompt: "p-" + id, Messages: []Message{{Role: "user", Content: "m"}}}, scope)
	r.ID, r.Seq, r.State = id, seq, state
	r.CreatedAt, r.UpdatedAt = at, at
	return r
}

func TestStore_CreateGetUpdate(t *testing.T) {
	storeBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
		r := storedRequest("r1", 1, StatePending, Scope{Tenant: "t", Project: "p"}, at)

		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if err := s.Create(ctx, r); err == nil {
			t.Error("expected duplicate create to fail")
		}

		got, err := s.Get(ctx, "r1")
		if err != nil || got == nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Payload.Prompt != "p-r1" || len(got.Payload.Messages) != 1 || got.Scope.Tenant != "t" {
			t.Errorf("unexpected request: %+v", got)
		}
		if !got.CreatedAt.Equal(at) {
			t.Errorf("expected timestamps kept to the nanosecond, got %v", got.CreatedAt)
		}
		if got.Result != nil {
			t.Error("expected no result on a pending request")
		}

		got.State = StateFailed
		got.Attempts = 2
		got.LastError, got.LastErrorKind = "boom", KindServerError
		got.RetriedAs = "r2"
		got.Result = &Result{
			Error:     "boom",
			ErrorKind: KindServerError,
			Trace:     []Attempt{{ProviderID: "a", ErrorKind: KindServerError, CountedAttempt: true}},
			Budget:    &Budget{ContextWindow: 8000, AllowedInputTokens: 7000},
		}
		got.UpdatedAt = at.Add(time.Second)
		if err := s.Update(ctx, got); err != nil {
			t.Fatalf("update failed: %v", err)
		}

		again, _ := s.Get(ctx, "r1")
		if again.State != StateFailed || again.Attempts != 2 || again.RetriedAs != "r2" {
			t.Errorf("update not persisted: %+v", again)
		}
		if again.Result == nil || len(again.Result.Trace) != 1 || again.Result.Budget.AllowedInputTokens != 7000 {
			t.Errorf("result not persisted: %+v", again.Result)
		}
	})
}

func TestStore_NaughtyPayloadRoundTrip(t *testing.T) {
	storeBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		for i, naughty := range testutil.NaughtyStrings.Storable() {
			r := storedRequest(fmt.Sprintf("n%d", i), int64(i+1), StatePending, Scope{Tenant: naughty}, at)
			r.Payload.Prompt = naughty
			r.Payload.System = naughty
			if err := s.Create(ctx, r); err != nil {
				t.Fatalf("create %q failed: %v", naughty, err)
			}

			got, err := s.Get(ctx, r.ID)
			if err != nil || got == nil {
				t.Fatalf("get %q failed: %v", naughty, err)
			}
			if got.Payload.Prompt != naughty || got.Payload.System != naughty || got.Scope.Tenant != naughty {
				t.Errorf("round trip changed %q into %q", naughty, got.Payload.Prompt)
			}
		}
	})
}

func TestStore_MissingRows(t *testing.T) {
	storeBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		got, err := s.Get(ctx, "nope")
		if err != nil || got != nil {
			t.Errorf("expected nil, nil for a missing id, got %v, %v", got, err)
		}
		err = s.Update(ctx, storedRequest("nope", 1, StateFailed, Scope{}, time.Now()))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on update, got %v", err)
		}
		seq, err := s.MaxSeq(ctx)
		if err != nil || seq != 0 {
			t.Errorf("expected max seq 0 on an empty store, got %d, %v", seq, err)
		}
	})
}

func TestStore_Queries(t *testing.T) {
	storeBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		a := Scope{Tenant: "a", Project: "x"}
		b := Scope{Tenant: "b", Project: "y"}

		rows := []*Request{
			storedRequest("p2", 2, StatePending, a, base.Add(2*time.Minute)),
			storedRequest("p1", 1, StatePending, a, base.Add(time.Minute)),
			storedRequest("c1", 3, StateCompleted, b, base.Add(3*time.Minute)),
			storedRequest("f1", 4, StateFailed, a, base.Add(4*time.Minute)),
			storedRequest("f2", 5, StateFailed, b, base.Add(5*time.Minute)),
			storedRequest("x1", 6, StateCancelled, b, base.Add(6*time.Minute)),
		}
		rows[4].RetriedAs = "p2"
		for _, r := range rows {
			if err := s.Create(ctx, r); err != nil {
				t.Fatalf("create %s failed: %v", r.ID, err)
			}
		}

		pending, _ := s.ListByState(ctx, StatePending, 0)
		if len(pending) != 2 || pending[0].ID != "p1" || pending[1].ID != "p2" {
			t.Errorf("expected pending by seq, got %v", ids(pending))
		}
		if limited, _ := s.ListByState(ctx, StatePending, 1); len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}

		history, _ := s.History(ctx, 0)
		if got := ids(history); len(got) != 4 || got[0] != "x1" || got[3] != "c1" {
			t.Errorf("expected terminal requests most recent first, got %v", got)
		}

		retryable, _ := s.Retryable(ctx, 0)
		if got := ids(retryable); len(got) != 1 || got[0] != "f1" {
			t.Errorf("expected only the unretried failure, got %v", got)
		}

		counts, _ := s.CountByState(ctx, Scope{Tenant: "a"})
		if counts[StatePending] != 2 || counts[StateFailed] != 1 || counts[StateCompleted] != 0 {
			t.Errorf("unexpected scoped counts: %v", counts)
		}
		all, _ := s.CountByState(ctx, Scope{})
		if all[StateFailed] != 2 || all[StateCancelled] != 1 {
			t.Errorf("unexpected counts: %v", all)
		}

		stats, _ := s.StatsByScope(ctx)
		if len(stats) != 2 || stats[0].Scope != a || stats[1].Scope != b {
			t.Fatalf("expected stats sorted by scope, got %+v", stats)
		}
		if stats[1].Counts[StateCompleted] != 1 || stats[1].Counts[StateFailed] != 1 {
			t.Errorf("unexpected stats for b: %v", stats[1].Counts)
		}

		seq, _ := s.MaxSeq(ctx)
		if seq != 6 {
			t.Errorf("expected max seq 6, got %d", seq)
		}
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := storedRequest("r", 1, StatePending, Scope{}, time.Now())
	if err := s.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.State = StateFailed

	got, _ := s.Get(ctx, "r")
	if got.State != StatePending {
		t.Error("store should not alias the caller's request")
	}
	got.Payload.Messages[0].Content = "changed"
	again, _ := s.Get(ctx, "r")
	if again.Payload.Messages[0].Content != "m" {
		t.Error("store should hand out copies")
	}
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		opts    StoreOptions
		wantErr bool
	}{
		{"default memory", StoreOptions{}, false},
		{"memory", StoreOptions{Backend: config.StorageMemory}, false},
		{"postgres without db", StoreOptions{Backend: config.StoragePostgres}, true},
		{"sqlite without db", StoreOptions{Backend: config.StorageSQLite}, true},
		{"unknown", StoreOptions{Backend: "dynamo"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestQueue_RecoversFromSQLite(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	first := newTestQueue(store, &recordingProcessor{}, QueueOptions{})
	first.Pause()
	id := mustSubmit(t, first, chatRequest("survives restart", PriorityHigh))

	// A second queue on the same database picks the pending row up.
	proc := &recordingProcessor{}
	second := newTestQueue(store, proc, QueueOptions{})
	startQueue(t, second.Run)
	r := waitState(t, second, id, StateCompleted)

	if r.Result == nil || r.Result.Text != "ok:survives restart" {
		t.Errorf("unexpected result: %+v", r.Result)
	}
	stored, _ := store.Get(ctx, id)
	if stored.State != StateCompleted {
		t.Errorf("expected completed in the database, got %s", stored.State)
	}
}

func ids(rs []*Request) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
