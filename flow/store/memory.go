package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/emit"
)

// Memory is an in-memory Repository for tests, examples, and
// prototyping before migrating to a database-backed store.
//
// Every read returns a deep copy, so callers can mutate results freely
// and concurrent executions never observe each other's in-flight state.
type Memory struct {
	mu         sync.RWMutex
	workflows  map[string]map[int]*flow.Workflow
	executions map[string]*flow.Execution
	pauses     map[string]*flow.PauseRecord
	logs       map[string][]emit.Event
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		workflows:  make(map[string]map[int]*flow.Workflow),
		executions: make(map[string]*flow.Execution),
		pauses:     make(map[string]*flow.PauseRecord),
		logs:       make(map[string][]emit.Event),
	}
}

// SaveWorkflow implements flow.Repository.
func (m *Memory) SaveWorkflow(_ context.Context, wf *flow.Workflow) error {
	cp, err := deepCopy(wf)
	if err != nil {
		return fmt.Errorf("copy workflow: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.workflows[wf.ID]
	if !ok {
		versions = make(map[int]*flow.Workflow)
		m.workflows[wf.ID] = versions
	}
	versions[wf.Version] = cp
	return nil
}

// GetWorkflow implements flow.Repository.
func (m *Memory) GetWorkflow(_ context.Context, id string, version int) (*flow.Workflow, error) {
	m.mu.RLock()
	wf, ok := m.workflows[id][version]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	return deepCopy(wf)
}

// CreateExecution implements flow.Repository.
func (m *Memory) CreateExecution(_ context.Context, ex *flow.Execution) error {
	cp, err := deepCopy(ex)
	if err != nil {
		return fmt.Errorf("copy execution: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.executions[ex.ID]; dup {
		return fmt.Errorf("execution %s already exists", ex.ID)
	}
	m.executions[ex.ID] = cp
	return nil
}

// UpdateExecution implements flow.Repository.
func (m *Memory) UpdateExecution(_ context.Context, ex *flow.Execution) error {
	cp, err := deepCopy(ex)
	if err != nil {
		return fmt.Errorf("copy execution: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.executions[ex.ID]
	if !ok {
		return flow.ErrNotFound
	}
	// Node runs persisted individually via PutNodeRun survive an update
	// whose snapshot predates them.
	for key, run := range prev.NodeRuns {
		if _, present := cp.NodeRuns[key]; !present {
			if cp.NodeRuns == nil {
				cp.NodeRuns = make(map[string]*flow.NodeRun)
			}
			cp.NodeRuns[key] = run
		}
	}
	m.executions[ex.ID] = cp
	return nil
}

// GetExecution implements flow.Repository.
func (m *Memory) GetExecution(_ context.Context, id string) (*flow.Execution, error) {
	m.mu.RLock()
	ex, ok := m.executions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	return deepCopy(ex)
}

// ListExecutions implements flow.Repository.
func (m *Memory) ListExecutions(_ context.Context, workflowID string) ([]*flow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*flow.Execution
	for _, ex := range m.executions {
		if ex.WorkflowID != workflowID {
			continue
		}
		cp, err := deepCopy(ex)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// PutNodeRun implements flow.Repository.
func (m *Memory) PutNodeRun(_ context.Context, executionID string, run *flow.NodeRun, key string) error {
	cp, err := deepCopy(run)
	if err != nil {
		return fmt.Errorf("copy node run: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[executionID]
	if !ok {
		return flow.ErrNotFound
	}
	if ex.NodeRuns == nil {
		ex.NodeRuns = make(map[string]*flow.NodeRun)
	}
	ex.NodeRuns[key] = cp
	return nil
}

// CreatePause implements flow.Repository.
func (m *Memory) CreatePause(_ context.Context, rec *flow.PauseRecord) error {
	cp, err := deepCopy(rec)
	if err != nil {
		return fmt.Errorf("copy pause: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, open := m.pauses[rec.ExecutionID]; open {
		return flow.ErrPauseExists
	}
	m.pauses[rec.ExecutionID] = cp
	return nil
}

// GetPause implements flow.Repository.
func (m *Memory) GetPause(_ context.Context, executionID string) (*flow.PauseRecord, error) {
	m.mu.RLock()
	rec, ok := m.pauses[executionID]
	m.mu.RUnlock()
	if !ok {
		return nil, flow.ErrNotFound
	}
	return deepCopy(rec)
}

// UpdatePause implements flow.Repository. The caller's record must
// carry the current version; on success the stored version increments
// and the caller's record is updated to match.
func (m *Memory) UpdatePause(_ context.Context, rec *flow.PauseRecord) error {
	cp, err := deepCopy(rec)
	if err != nil {
		return fmt.Errorf("copy pause: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pauses[rec.ExecutionID]
	if !ok {
		return flow.ErrNotFound
	}
	if stored.Version != rec.Version {
		return flow.ErrVersionConflict
	}
	cp.Version = stored.Version + 1
	m.pauses[rec.ExecutionID] = cp
	rec.Version = cp.Version
	return nil
}

// DeletePause implements flow.Repository.
func (m *Memory) DeletePause(_ context.Context, executionID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pauses[executionID]
	if !ok {
		return flow.ErrNotFound
	}
	if stored.Version != version {
		return flow.ErrVersionConflict
	}
	delete(m.pauses, executionID)
	return nil
}

// ListExpiringPauses implements flow.Repository.
func (m *Memory) ListExpiringPauses(_ context.Context, before time.Time) ([]*flow.PauseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*flow.PauseRecord
	for _, rec := range m.pauses {
		if rec.Deadline.Before(before) {
			cp, err := deepCopy(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

// AppendLogs implements flow.Repository.
func (m *Memory) AppendLogs(_ context.Context, events []emit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.logs[ev.ExecutionID] = append(m.logs[ev.ExecutionID], ev)
	}
	return nil
}

// GetLogs implements flow.Repository.
func (m *Memory) GetLogs(_ context.Context, executionID string) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.logs[executionID]
	out := make([]emit.Event, len(events))
	copy(out, events)
	return out, nil
}
