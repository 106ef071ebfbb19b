package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/pipedock/pipedock/pkg/schema"
)

// LibSQLStore implements SessionStore using libSQL (embedded SQLite fork).
//
// UpdateAtomic serialization: a per-session mutex guards the read-modify-write
// cycle in-process, and each update runs inside a single transaction so a
// second process sees either the old or the new row, never a torn one.
type LibSQLStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// sessionLock returns the mutex for a sessionID, creating it on first use.
func (s *LibSQLStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// --- Sessions ---

func (s *LibSQLStore) Get(ctx context.Context, sessionID string) (*SessionState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get session %s: %s", sessionID, err.Error()).WithCause(err)
	}

	var state SessionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode session %s: %s", sessionID, err.Error()).WithCause(err)
	}
	return &state, nil
}

func (s *LibSQLStore) UpdateAtomic(ctx context.Context, sessionID string, updater Updater) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin update: %s", err.Error()).WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	current := SessionState{SessionID: sessionID, CreatedAt: now}

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		// First write for this session starts from the zero state.
	case err != nil:
		return schema.NewErrorf(schema.ErrCodeStore, "read session %s: %s", sessionID, err.Error()).WithCause(err)
	default:
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "decode session %s: %s", sessionID, err.Error()).WithCause(err)
		}
	}

	next := updater(current)
	next.SessionID = sessionID
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode session %s: %s", sessionID, err.Error()).WithCause(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, state, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		sessionID, string(encoded), next.CreatedAt, next.UpdatedAt,
	); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write session %s: %s", sessionID, err.Error()).WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit session %s: %s", sessionID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete session %s: %s", sessionID, err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, "session", sessionID)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, session_id, status, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.SessionID, string(run.Status),
		nullStr(run.Error), timeOrNow(run.StartedAt), nullTime(run.CompletedAt), run.DurationMs,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run %s: %s", run.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r := &Run{}
	var status string
	var errMsg sql.NullString
	var completed sql.NullTime
	var duration sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, session_id, status, error, started_at, completed_at, duration_ms
		 FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.WorkflowID, &r.SessionID, &status, &errMsg, &r.StartedAt, &completed, &duration)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get run %s: %s", runID, err.Error()).WithCause(err)
	}
	r.Status = schema.WorkflowStatus(status)
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	if duration.Valid {
		r.DurationMs = duration.Int64
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, runID string, update RunUpdate) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, runID)

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+joinSets(sets)+" WHERE id = ?", args...,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run %s: %s", runID, err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow_id, session_id, status, error, started_at, completed_at, duration_ms FROM runs`
	var conds []string
	var args []any
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list runs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var status string
		var errMsg sql.NullString
		var completed sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.SessionID, &status, &errMsg, &r.StartedAt, &completed, &duration); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan run: %s", err.Error()).WithCause(err)
		}
		r.Status = schema.WorkflowStatus(status)
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		if completed.Valid {
			r.CompletedAt = &completed.Time
		}
		if duration.Valid {
			r.DurationMs = duration.Int64
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "rows affected: %s", err.Error()).WithCause(err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
