package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/emit"
)

// MySQL is a MySQL/MariaDB Repository for shared deployments: several
// engine processes and monitors against one database, with the pause
// version column arbitrating their races.
//
// DSN format: user:password@tcp(host:3306)/dbname?parseTime=true
// Never hardcode credentials; read the DSN from the environment.
type MySQL struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQL opens a pooled connection and migrates the schema.
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQL{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (m *MySQL) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			definition JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			record JSON NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_executions_workflow (workflow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS node_runs (
			execution_id VARCHAR(255) NOT NULL,
			run_key VARCHAR(255) NOT NULL,
			record JSON NOT NULL,
			PRIMARY KEY (execution_id, run_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS pauses (
			execution_id VARCHAR(255) NOT NULL PRIMARY KEY,
			record JSON NOT NULL,
			version BIGINT NOT NULL,
			deadline_ns BIGINT NOT NULL,
			INDEX idx_pauses_deadline (deadline_ns)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			event JSON NOT NULL,
			INDEX idx_logs_execution (execution_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQL) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

// SaveWorkflow implements flow.Repository.
func (m *MySQL) SaveWorkflow(ctx context.Context, wf *flow.Workflow) error {
	if err := m.guard(); err != nil {
		return err
	}
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO workflows (id, version, definition)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE definition = VALUES(definition)
	`, wf.ID, wf.Version, string(definition))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements flow.Repository.
func (m *MySQL) GetWorkflow(ctx context.Context, id string, version int) (*flow.Workflow, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	var definition string
	err := m.db.QueryRowContext(ctx,
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

// CreateExecution implements flow.Repository.
func (m *MySQL) CreateExecution(ctx context.Context, ex *flow.Execution) error {
	if err := m.guard(); err != nil {
		return err
	}
	record, err := executionRecord(ex)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, status, record)
		VALUES (?, ?, ?, ?)
	`, ex.ID, ex.WorkflowID, string(ex.Status), record)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// UpdateExecution implements flow.Repository.
func (m *MySQL) UpdateExecution(ctx context.Context, ex *flow.Execution) error {
	if err := m.guard(); err != nil {
		return err
	}
	record, err := executionRecord(ex)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, record = ? WHERE id = ?
	`, string(ex.Status), record, ex.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// GetExecution implements flow.Repository.
func (m *MySQL) GetExecution(ctx context.Context, id string) (*flow.Execution, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	var record string
	err := m.db.QueryRowContext(ctx,
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

	rows, err := m.db.QueryContext(ctx,
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
		return nil, err
	}
	return &ex, nil
}

// ListExecutions implements flow.Repository.
func (m *MySQL) ListExecutions(ctx context.Context, workflowID string) ([]*flow.Execution, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
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
		ex, err := m.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

// PutNodeRun implements flow.Repository.
func (m *MySQL) PutNodeRun(ctx context.Context, executionID string, run *flow.NodeRun, key string) error {
	if err := m.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal node run: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO node_runs (execution_id, run_key, record)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE record = VALUES(record)
	`, executionID, key, string(data))
	if err != nil {
		return fmt.Errorf("put node run: %w", err)
	}
	return nil
}

// CreatePause implements flow.Repository. The primary key on
// execution_id enforces the one-open-pause invariant.
func (m *MySQL) CreatePause(ctx context.Context, rec *flow.PauseRecord) error {
	if err := m.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pause: %w", err)
	}
	res, err := m.db.ExecContext(ctx, `
		INSERT IGNORE INTO pauses (execution_id, record, version, deadline_ns)
		VALUES (?, ?, ?, ?)
	`, rec.ExecutionID, string(data), rec.Version, rec.Deadline.UnixNano())
	if err != nil {
		return fmt.Errorf("create pause: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flow.ErrPauseExists
	}
	return nil
}

// GetPause implements flow.Repository.
func (m *MySQL) GetPause(ctx context.Context, executionID string) (*flow.PauseRecord, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	var record string
	var version int64
	err := m.db.QueryRowContext(ctx,
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

// UpdatePause implements flow.Repository.
func (m *MySQL) UpdatePause(ctx context.Context, rec *flow.PauseRecord) error {
	if err := m.guard(); err != nil {
		return err
	}
	next := *rec
	next.Version = rec.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal pause: %w", err)
	}
	res, err := m.db.ExecContext(ctx, `
		UPDATE pauses
		SET record = ?, version = version + 1, deadline_ns = ?
		WHERE execution_id = ? AND version = ?
	`, string(data), next.Deadline.UnixNano(), rec.ExecutionID, rec.Version)
	if err != nil {
		return fmt.Errorf("update pause: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return m.pauseCASFailure(ctx, rec.ExecutionID)
	}
	rec.Version = next.Version
	return nil
}

// DeletePause implements flow.Repository.
func (m *MySQL) DeletePause(ctx context.Context, executionID string, version int64) error {
	if err := m.guard(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM pauses WHERE execution_id = ? AND version = ?`,
		executionID, version)
	if err != nil {
		return fmt.Errorf("delete pause: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return m.pauseCASFailure(ctx, executionID)
	}
	return nil
}

func (m *MySQL) pauseCASFailure(ctx context.Context, executionID string) error {
	var count int
	if err := m.db.QueryRowContext(ctx,
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
func (m *MySQL) ListExpiringPauses(ctx context.Context, before time.Time) ([]*flow.PauseRecord, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `
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
func (m *MySQL) AppendLogs(ctx context.Context, events []emit.Event) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
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
func (m *MySQL) GetLogs(ctx context.Context, executionID string) ([]emit.Event, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
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
func (m *MySQL) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Close closes the connection pool. Double-close is a no-op.
func (m *MySQL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
