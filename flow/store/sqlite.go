package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/emit"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file Repository for development, testing, and
// single-process deployments. WAL mode keeps readers concurrent with
// the single writer; use ":memory:" for a throwaway database.
//
// Schema:
//   - workflows: immutable snapshots keyed (id, version)
//   - executions: execution records, node runs held separately
//   - node_runs: one row per node run, upserted as the engine advances
//   - pauses: open pause records with the CAS version column
//   - logs: milestone events, append-only
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLite opens (creating if needed) the database at path and
// migrates the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			definition TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS node_runs (
			execution_id TEXT NOT NULL,
			run_key TEXT NOT NULL,
			record TEXT NOT NULL,
			PRIMARY KEY (execution_id, run_key)
		)`,
		`CREATE TABLE IF NOT EXISTS pauses (
			execution_id TEXT NOT NULL PRIMARY KEY,
			record TEXT NOT NULL,
			version INTEGER NOT NULL,
			deadline_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pauses_deadline ON pauses(deadline_ns)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			event TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_execution ON logs(execution_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// SaveWorkflow implements flow.Repository.
func (s *SQLite) SaveWorkflow(ctx context.Context, wf *flow.Workflow) error {
	if err := s.guard(); err != nil {
		return err
	}
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, version, definition)
		VALUES (?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET definition = excluded.definition
	`, wf.ID, wf.Version, string(definition))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements flow.Repository.
func (s *SQLite) GetWorkflow(ctx context.Context, id string, version int) (*flow.Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ? AND version = ?`,
		id, version,
	).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	var wf flow.Workflow
	if err := json.Unmarshal([]byte(definition), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// executionRecord strips node runs from an execution before storage;
// they live in their own table so the engine can upsert them one at a
// time.
func executionRecord(ex *flow.Execution) (string, error) {
	slim := *ex
	slim.NodeRuns = nil
	data, err := json.Marshal(&slim)
	if err != nil {
		return "", fmt.Errorf("marshal execution: %w", err)
	}
	return string(data), nil
}

// CreateExecution implements flow.Repository.
func (s *SQLite) CreateExecution(ctx context.Context, ex *flow.Execution) error {
	if err := s.guard(); err != nil {
		return err
	}
	record, err := executionRecord(ex)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, status, record)
		VALUES (?, ?, ?, ?)
	`, ex.ID, ex.WorkflowID, string(ex.Status), record)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// UpdateExecution implements flow.Repository.
func (s *SQLite) UpdateExecution(ctx context.Context, ex *flow.Execution) error {
	if err := s.guard(); err != nil {
		return err
	}
	record, err := executionRecord(ex)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, record = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(ex.Status), record, ex.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flow.ErrNotFound
	}
	return nil
}

// GetExecution implements flow.Repository. Node runs are loaded from
// their table and reattached.
func (s *SQLite) GetExecution(ctx context.Context, id string) (*flow.Execution, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE id = ?`, id,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	var ex flow.Execution
	if err := json.Unmarshal([]byte(record), &ex); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	ex.NodeRuns = make(map[string]*flow.NodeRun)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_key, record FROM node_runs WHERE execution_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load node runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key, runJSON string
		if err := rows.Scan(&key, &runJSON); err != nil {
			return nil, fmt.Errorf("scan node run: %w", err)
		}
		var run flow.NodeRun
		if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
			return nil, fmt.Errorf("unmarshal node run: %w", err)
		}
		ex.NodeRuns[key] = &run
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node runs: %w", err)
	}
	return &ex, nil
}

// ListExecutions implements flow.Repository.
func (s *SQLite) ListExecutions(ctx context.Context, workflowID string) ([]*flow.Execution, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]*flow.Execution, 0, len(ids))
	for _, id := range ids {
		ex, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

// PutNodeRun implements flow.Repository.
func (s *SQLite) PutNodeRun(ctx context.Context, executionID string, run *flow.NodeRun, key string) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal node run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_runs (execution_id, run_key, record)
		VALUES (?, ?, ?)
		ON CONFLICT(execution_id, run_key) DO UPDATE SET record = excluded.record
	`, executionID, key, string(data))
	if err != nil {
		return fmt.Errorf("put node run: %w", err)
	}
	return nil
}

// CreatePause implements flow.Repository.
func (s *SQLite) CreatePause(ctx context.Context, rec *flow.PauseRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pause: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pauses WHERE execution_id = ?`, rec.ExecutionID,
	).Scan(&count); err != nil {
		return fmt.Errorf("check pause: %w", err)
	}
	if count > 0 {
		return flow.ErrPauseExists
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pauses (execution_id, record, version, deadline_ns)
		VALUES (?, ?, ?, ?)
	`, rec.ExecutionID, string(data), rec.Version, rec.Deadline.UnixNano()); err != nil {
		return fmt.Errorf("create pause: %w", err)
	}
	return tx.Commit()
}

// GetPause implements flow.Repository.
func (s *SQLite) GetPause(ctx context.Context, executionID string) (*flow.PauseRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var record string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record, version FROM pauses WHERE execution_id = ?`, executionID,
	).Scan(&record, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pause: %w", err)
	}
	var rec flow.PauseRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal pause: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

// UpdatePause implements flow.Repository. Compare-and-set on the
// version column; the stored and caller versions advance together.
func (s *SQLite) UpdatePause(ctx context.Context, rec *flow.PauseRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	next := *rec
	next.Version = rec.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal pause: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pauses
		SET record = ?, version = version + 1, deadline_ns = ?
		WHERE execution_id = ? AND version = ?
	`, string(data), next.Deadline.UnixNano(), rec.ExecutionID, rec.Version)
	if err != nil {
		return fmt.Errorf("update pause: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.pauseCASFailure(ctx, rec.ExecutionID)
	}
	rec.Version = next.Version
	return nil
}

// DeletePause implements flow.Repository.
func (s *SQLite) DeletePause(ctx context.Context, executionID string, version int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pauses WHERE execution_id = ? AND version = ?`,
		executionID, version)
	if err != nil {
		return fmt.Errorf("delete pause: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.pauseCASFailure(ctx, executionID)
	}
	return nil
}

// pauseCASFailure distinguishes a lost compare-and-set from a missing
// record.
func (s *SQLite) pauseCASFailure(ctx context.Context, executionID string) error {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pauses WHERE execution_id = ?`, executionID,
	).Scan(&count); err != nil {
		return fmt.Errorf("check pause: %w", err)
	}
	if count > 0 {
		return flow.ErrVersionConflict
	}
	return flow.ErrNotFound
}

// ListExpiringPauses implements flow.Repository.
func (s *SQLite) ListExpiringPauses(ctx context.Context, before time.Time) ([]*flow.PauseRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record, version FROM pauses
		WHERE deadline_ns < ?
		ORDER BY deadline_ns ASC
	`, before.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list pauses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*flow.PauseRecord
	for rows.Next() {
		var record string
		var version int64
		if err := rows.Scan(&record, &version); err != nil {
			return nil, fmt.Errorf("scan pause: %w", err)
		}
		var rec flow.PauseRecord
		if err := json.Unmarshal([]byte(record), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal pause: %w", err)
		}
		rec.Version = version
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// AppendLogs implements flow.Repository.
func (s *SQLite) AppendLogs(ctx context.Context, events []emit.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO logs (execution_id, event) VALUES (?, ?)`,
			ev.ExecutionID, string(data)); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
	}
	return tx.Commit()
}

// GetLogs implements flow.Repository.
func (s *SQLite) GetLogs(ctx context.Context, executionID string) ([]emit.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM logs WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []emit.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		var ev emit.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal log: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ping verifies the database connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database. Double-close is a no-op.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
