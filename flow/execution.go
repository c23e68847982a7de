package flow

import (
	"time"

	"github.com/sageflow/sageflow-go/flow/model"
)

// Status is the lifecycle state of an execution. Terminal states
// (succeeded, failed, canceled) are monotonic: once reached they never
// change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// NodeStatus is the lifecycle state of one node run.
type NodeStatus string

const (
	NodePending      NodeStatus = "pending"
	NodeRunning      NodeStatus = "running"
	NodeWaitingHuman NodeStatus = "waiting-human"
	NodeWaitingTimer NodeStatus = "waiting-timer"
	NodeSucceeded    NodeStatus = "succeeded"
	NodeFailed       NodeStatus = "failed"
	NodeSkipped      NodeStatus = "skipped"
	NodeTimedOut     NodeStatus = "timed-out"
)

// NodeRun records one node's invocation within an execution: the exact
// inputs the runner saw, the outputs it produced, and timing. Loop body
// iterations are keyed "nodeID@i" in the execution's NodeRuns map.
type NodeRun struct {
	NodeID    string         `json:"node_id"`
	Status    NodeStatus     `json:"status"`
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     *Error         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`

	// DurationMS is the wall time of the final attempt.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Attempts counts runner invocations including retries.
	Attempts int `json:"attempts,omitempty"`
}

// Execution is the mutable record of one workflow run.
type Execution struct {
	ID              string       `json:"id"`
	WorkflowID      string       `json:"workflow_id"`
	WorkflowVersion int          `json:"workflow_version"`
	Status          Status       `json:"status"`
	Trigger         TriggerEvent `json:"trigger"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at,omitempty"`

	// NodeRuns maps node id (or "nodeID@i" for loop iterations) to the
	// node's run record.
	NodeRuns map[string]*NodeRun `json:"node_runs"`

	// Path lists node ids in the order they started.
	Path []string `json:"path,omitempty"`

	// Usage aggregates AI token consumption across all node runs.
	Usage model.Usage `json:"usage,omitempty"`

	// Error is set when the execution ends failed.
	Error *Error `json:"error,omitempty"`
}

// Run returns the node run for id, or nil.
func (e *Execution) Run(nodeID string) *NodeRun {
	return e.NodeRuns[nodeID]
}

// PauseReason explains why an execution is paused.
type PauseReason string

const (
	PauseHuman PauseReason = "human_interaction"
	PauseTimer PauseReason = "timer_wait"
)

// TimeoutAction is the policy applied when a pause deadline passes.
type TimeoutAction string

const (
	// TimeoutFail marks the node timed-out and applies the workflow's
	// error policy.
	TimeoutFail TimeoutAction = "fail"

	// TimeoutContinue materializes an empty output and resumes.
	TimeoutContinue TimeoutAction = "continue"

	// TimeoutInjectDefault materializes the configured default
	// response and resumes. The default is required configuration on
	// any node that chooses this action.
	TimeoutInjectDefault TimeoutAction = "inject_default"
)

// PauseRecord marks an execution waiting for a human response or a
// timer. Exactly one open record exists per paused execution. Deleting
// the record is the linearization point between an external resume and
// the timeout monitor: whichever deletes first wins, the other observes
// ErrNoPendingPause.
type PauseRecord struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id"`
	NodeID      string        `json:"node_id"`
	Reason      PauseReason   `json:"reason"`
	Deadline    time.Time     `json:"deadline"`
	Action      TimeoutAction `json:"action"`

	// Conditions describe how to decide a response matches: channel,
	// sender, relevance threshold. Free-form; interpreted by the
	// resume controller.
	Conditions map[string]any `json:"conditions,omitempty"`

	// Default is the response injected on TimeoutInjectDefault.
	Default map[string]any `json:"default,omitempty"`

	// InteractionID points to the external interaction (Slack message,
	// email, webhook token) created for a human pause.
	InteractionID string `json:"interaction_id,omitempty"`

	// Version guards compare-and-set updates and deletes.
	Version int64 `json:"version"`

	// WarnedAt is set once when the monitor emits the pre-deadline
	// warning, making the warning idempotent per record.
	WarnedAt  time.Time `json:"warned_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Classification tags a resume response.
type Classification string

const (
	ClassApproved Classification = "approved"
	ClassRejected Classification = "rejected"
	ClassTimedOut Classification = "timed_out"
	ClassOther    Classification = "other"
)
