package emit

import "time"

// Type identifies what happened during workflow execution.
//
// Event types fall into two groups: workflow-level events (no NodeID)
// that mark execution lifecycle transitions, and step-level events that
// track a single node run.
type Type string

const (
	WorkflowStarted   Type = "workflow_started"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowFailed    Type = "workflow_failed"
	WorkflowPaused    Type = "workflow_paused"
	WorkflowResumed   Type = "workflow_resumed"
	WorkflowCanceled  Type = "workflow_canceled"

	StepStarted   Type = "step_started"
	StepCompleted Type = "step_completed"
	StepError     Type = "step_error"
	StepSkipped   Type = "step_skipped"

	HumanInteraction Type = "human_interaction"
	TimeoutWarning   Type = "timeout_warning"
	TimedOut         Type = "timed_out"
	LoopTruncated    Type = "loop_truncated"
	ConversionError  Type = "conversion_error"
	CancelTimeout    Type = "cancel_timeout"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single progress record emitted during workflow execution.
//
// Events serve two audiences at once: they are the user-facing progress
// log (step numbers, durations, human-readable messages) and the
// machine-facing observability stream (structured Data, OpenTelemetry
// spans, Prometheus counters derived from them).
//
// The Milestone flag controls retention. Every event reaches the hot
// cache of the Sink; only milestone events cross the persistence
// boundary and survive beyond the execution's hot window. Lifecycle
// transitions, errors, and human interactions are milestones; routine
// step chatter is not.
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// NodeID identifies the node a step-level event belongs to.
	// Empty for workflow-level events.
	NodeID string

	// Type classifies the event (workflow_started, step_completed, ...).
	Type Type

	// Level is the severity (debug, info, warn, error).
	Level Level

	// Message is a one-line human-readable description.
	Message string

	// Data carries structured details specific to this event.
	// Common keys:
	//   - "error_kind": machine-readable failure classification
	//   - "advice": user-actionable remediation hint
	//   - "attempt": retry attempt number
	//   - "usage": aggregated AI token usage
	Data map[string]any

	// Step is the 1-indexed dispatch position of the node run.
	// Zero for workflow-level events.
	Step int

	// TotalSteps is the number of nodes in the workflow, giving the
	// familiar "step 3/7" rendering.
	TotalSteps int

	// Duration is how long the step took. Zero when not applicable.
	Duration time.Duration

	// Milestone marks the event for persistent retention.
	Milestone bool

	// At is the emission timestamp.
	At time.Time
}
