package llmqueue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/instantcocoa/conduit/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the request table migrations for db's dialect.
func Migrate(ctx context.Context, db *database.DB, logger *slog.Logger) error {
	m := database.NewMigrator(db, "llmqueue").WithLogger(logger)
	if err := m.LoadMigrations(migrationsFS, "migrations/"+string(db.Dialect())); err != nil {
		return err
	}
	return m.Up(ctx)
}

// SQLStore implements Store on PostgreSQL or SQLite. Queries use '?'
// placeholders and are rebound for the connection's dialect.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a store on an migrated database.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const requestColumns = `id, seq, task, priority, state, attempts, recoveries, payload, result,
	last_error, last_error_kind, tenant, project, retry_of, retried_as, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, r *Request) error {
	payload, result, err := encodeColumns(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO llm_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.Seq, r.Task, r.Priority, r.State, r.Attempts, r.Recoveries, payload, result,
		r.LastError, r.LastErrorKind, r.Scope.Tenant, r.Scope.Project, r.RetryOf, r.RetriedAs,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, r *Request) error {
	payload, result, err := encodeColumns(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE llm_requests SET
			state = ?, attempts = ?, recoveries = ?, payload = ?, result = ?,
			last_error = ?, last_error_kind = ?, retried_as = ?, updated_at = ?
		WHERE id = ?
	`), r.State, r.Attempts, r.Recoveries, payload, result,
		r.LastError, r.LastErrorKind, r.RetriedAs, r.UpdatedAt.UnixNano(), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+requestColumns+` FROM llm_requests WHERE id = ?`), id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

func (s *SQLStore) ListByState(ctx context.Context, state State, limit int) ([]*Request, error) {
	return s.list(ctx, `WHERE state = ? ORDER BY seq ASC`, limit, state)
}

func (s *SQLStore) History(ctx context.Context, limit int) ([]*Request, error) {
	return s.list(ctx, `WHERE state IN (?, ?, ?) ORDER BY updated_at DESC, seq DESC`, limit,
		StateCompleted, StateFailed, StateCancelled)
}

func (s *SQLStore) Retryable(ctx context.Context, limit int) ([]*Request, error) {
	return s.list(ctx, `WHERE state = ? AND retried_as = '' ORDER BY updated_at DESC, seq DESC`, limit, StateFailed)
}

func (s *SQLStore) list(ctx context.Context, where string, limit int, args ...any) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM llm_requests ` + where
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CountByState(ctx context.Context, scope Scope) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT state, COUNT(*) FROM llm_requests
		WHERE (? = '' OR tenant = ?) AND (? = '' OR project = ?)
		GROUP BY state
	`), scope.Tenant, scope.Tenant, scope.Project, scope.Project)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int, len(States))
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) StatsByScope(ctx context.Context) ([]ScopeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant, project, state, COUNT(*) FROM llm_requests
		GROUP BY tenant, project, state
		ORDER BY tenant, project
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate requests: %w", err)
	}
	defer rows.Close()

	var out []ScopeStats
	for rows.Next() {
		var scope Scope
		var state State
		var n int
		if err := rows.Scan(&scope.Tenant, &scope.Project, &state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Scope != scope {
			out = append(out, ScopeStats{Scope: scope, Counts: make(map[State]int)})
		}
		out[len(out)-1].Counts[state] = n
	}
	return out, rows.Err()
}

func (s *SQLStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM llm_requests`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return seq.Int64, nil
}

func encodeColumns(r *Request) (payload string, result any, err error) {
	p, err := json.Marshal(r.Payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if r.Result == nil {
		return string(p), nil, nil
	}
	res, err := json.Marshal(r.Result)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(p), string(res), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r                    Request
		payload              string
		result               sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&r.ID, &r.Seq, &r.Task, &r.Priority, &r.State, &r.Attempts, &r.Recoveries,
		&payload, &result, &r.LastError, &r.LastErrorKind, &r.Scope.Tenant, &r.Scope.Project,
		&r.RetryOf, &r.RetriedAs, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if result.Valid && result.String != "" {
		r.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), r.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &r, nil
}
