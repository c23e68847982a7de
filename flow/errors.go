package flow

import (
	"errors"
	"fmt"
)

// Kind classifies a node-level failure. Kinds are uniform across all
// runner families so the engine and the user-facing logs can treat
// failures consistently.
type Kind string

const (
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindCredentialsMissing   Kind = "credentials_missing"
	KindCredentialsExpired   Kind = "credentials_expired"
	KindProviderError        Kind = "provider_error"
	KindRateLimited          Kind = "rate_limited"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// Error is a structured node-level failure: a machine-readable kind, a
// one-line human message, and optional user-actionable advice
// ("Reconnect Slack and retry"). Stack traces never cross the API
// boundary.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Advice  string `json:"advice,omitempty"`
}

func (e *Error) Error() string {
	if e.Advice != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Advice)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf builds an *Error with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// GraphError reports a workflow that failed validation. It carries one
// message per violation so authoring tools can surface all problems at
// once.
type GraphError struct {
	Problems []string
}

func (e *GraphError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid graph: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid graph: %d problems, first: %s", len(e.Problems), e.Problems[0])
}

// Sentinel errors returned by the engine's public operations.
var (
	// ErrNotFound reports a missing workflow, execution, or record.
	ErrNotFound = errors.New("not found")

	// ErrNoPendingPause reports a resume or timeout against an
	// execution that has no open pause record. The loser of the
	// resume/timeout race observes this.
	ErrNoPendingPause = errors.New("no pending pause")

	// ErrResponseFiltered reports a human response that failed the
	// resume conditions or scored below the relevance threshold. The
	// pause stays open.
	ErrResponseFiltered = errors.New("response filtered")

	// ErrTriggerNotApplicable reports a trigger event whose type no
	// trigger node in the workflow admits.
	ErrTriggerNotApplicable = errors.New("trigger not applicable")

	// ErrVersionConflict reports a lost compare-and-set on a pause
	// record. Repository implementations return it; the engine maps it
	// to ErrNoPendingPause at the resume boundary.
	ErrVersionConflict = errors.New("version conflict")

	// ErrPauseExists reports an attempt to open a second pause record
	// for an execution that already has one.
	ErrPauseExists = errors.New("pause already exists")

	// ErrInvalidRetryPolicy reports a retry policy with nonsensical
	// bounds.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)
