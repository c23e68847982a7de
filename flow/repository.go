package flow

import (
	"context"
	"time"

	"github.com/sageflow/sageflow-go/flow/emit"
)

// Repository is the engine's narrow persistence boundary: workflows,
// executions, node runs, pause records, and milestone logs.
// Implementations live in flow/store.
//
// Contract:
//   - GetExecution returns the execution with its node runs populated;
//     persisting and reloading at any intermediate state (including
//     paused) preserves status, node runs, and open pauses.
//   - CreatePause fails with ErrPauseExists when the execution already
//     owns an open record.
//   - UpdatePause and DeletePause compare the caller's version against
//     the stored one and fail with ErrVersionConflict on mismatch;
//     UpdatePause increments the stored version on success. This
//     compare-and-set is what keeps resume and timeout from
//     double-applying.
//   - All methods are safe for concurrent use.
type Repository interface {
	// SaveWorkflow stores an immutable snapshot keyed (id, version).
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	// GetWorkflow returns the snapshot, or ErrNotFound.
	GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error)

	CreateExecution(ctx context.Context, ex *Execution) error
	UpdateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]*Execution, error)

	// PutNodeRun upserts one node run within an execution.
	PutNodeRun(ctx context.Context, executionID string, run *NodeRun, key string) error

	CreatePause(ctx context.Context, rec *PauseRecord) error
	// GetPause returns the open pause for an execution, or ErrNotFound.
	GetPause(ctx context.Context, executionID string) (*PauseRecord, error)
	UpdatePause(ctx context.Context, rec *PauseRecord) error
	DeletePause(ctx context.Context, executionID string, version int64) error
	// ListExpiringPauses returns open pauses whose deadline is before
	// the given instant, for the timeout monitor's scan.
	ListExpiringPauses(ctx context.Context, before time.Time) ([]*PauseRecord, error)

	// AppendLogs persists milestone events for an execution.
	AppendLogs(ctx context.Context, events []emit.Event) error
	GetLogs(ctx context.Context, executionID string) ([]emit.Event, error)
}
