package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/model"
	"github.com/sageflow/sageflow-go/flow/tool"
)

// Outcome is the sum-typed result of one runner invocation: exactly one
// of Result, Wait, or Fail. Pauses and failures are values, not
// exceptions; a non-nil error from Run is reserved for programmer and
// invariant errors and is fatal to the execution.
type Outcome interface {
	isOutcome()
}

// Result is a successful node run: values per output port, plus an
// optional loop plan when the node is a FOR_EACH.
type Result struct {
	// Outputs maps output port name to value. Flow nodes produce only
	// on their selected port; unselected ports carry nothing and their
	// edges die.
	Outputs map[string]any

	// Loop instructs the engine to run the node's body subgraph. Only
	// FOR_EACH runners set it.
	Loop *LoopPlan

	// Usage reports AI token consumption for cost accounting.
	Usage model.Usage
}

func (Result) isOutcome() {}

// LoopPlan is a FOR_EACH runner's instruction to the engine: the items
// to iterate and the enforced cap.
type LoopPlan struct {
	Items []any

	// MaxIterations truncates Items when positive. The engine logs a
	// warning when truncation happens.
	MaxIterations int
}

// Wait is a runner yielding control until an external event: a human
// response or a timer. The engine persists a pause record and returns;
// no goroutine blocks waiting.
type Wait struct {
	Reason PauseReason

	// Timeout is how long the pause may stay open.
	Timeout time.Duration

	// Action applies when the deadline passes.
	Action TimeoutAction

	// Default is the response injected on TimeoutInjectDefault.
	Default map[string]any

	// Conditions constrain acceptable responses (channel, sender,
	// relevance threshold). Interpreted by the resume controller.
	Conditions map[string]any

	// Interaction, for human pauses, carries what the pause controller
	// needs to notify the right channel.
	Interaction *adapter.Interaction

	// FailOnRejection marks the node failed when the response is
	// classified rejected.
	FailOnRejection bool
}

func (Wait) isOutcome() {}

// Fail is a structured node failure.
type Fail struct {
	Kind    Kind
	Message string
	Advice  string

	// Retryable failures are retried by the engine with exponential
	// backoff up to the retry policy's cap.
	Retryable bool
}

func (Fail) isOutcome() {}

func (f Fail) asError() *Error {
	return &Error{Kind: f.Kind, Message: f.Message, Advice: f.Advice}
}

// RunContext is everything a runner may touch: the node and its inputs,
// the trigger, and the external adapters. The engine constructs one per
// invocation; runners must not retain state between invocations.
type RunContext struct {
	ExecutionID string
	Node        *Node

	// Inputs is the aggregated input map: port name to value, or to an
	// ordered []any when several edges target the same port. AI_TOOL
	// and AI_MEMORY attachments surface under their category keys.
	Inputs map[string]any

	Trigger TriggerEvent

	// Attempt is 1 on the first invocation and increments per retry.
	Attempt int

	// Eval evaluates expressions and edge conversions.
	Eval *Evaluator

	// Tools are the tool nodes attached via AI_TOOL edges, in edge
	// order.
	Tools []tool.Tool

	// Adapters. Any of these may be nil when the engine was built
	// without the corresponding option; runners must treat a needed
	// nil adapter as invalid_configuration.
	AI         model.Provider
	Models     *model.Registry
	HTTP       adapter.Invoker
	Vault      adapter.Vault
	Services   *adapter.Services
	Memory     adapter.MemoryStore
	Notifiers  *adapter.Notifiers
	Classifier adapter.Classifier

	Log zerolog.Logger
}

// DecodeConfig unmarshals the node's raw configuration into a typed
// struct and validates it. See Engine configuration decoding in
// config.go.
func (rc *RunContext) DecodeConfig(into any) error {
	return DecodeConfig(rc.Node.Config, into)
}

// MainInput returns the value delivered on the conventional "input"
// port, or nil.
func (rc *RunContext) MainInput() any {
	return rc.Inputs[PortInput]
}

// Runner executes one node. Implementations must be deterministic
// given their inputs and declared external effects, must route all I/O
// through the RunContext adapters, and must respect ctx cancellation.
type Runner interface {
	Run(ctx context.Context, rc *RunContext) (Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, rc *RunContext) (Outcome, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, rc *RunContext) (Outcome, error) {
	return f(ctx, rc)
}

// ConfigValidator is optionally implemented by runners that can check a
// node's static configuration at compile time, before anything runs.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

type registryKey struct {
	typ     NodeType
	subtype string
}

// Registry maps (node type, subtype) to the runner that executes it.
// Flat by design: shared behavior (config decoding, timeouts, retries,
// panic recovery, the logging envelope) lives in the engine's
// invocation wrapper, not in runner base classes.
type Registry struct {
	mu sync.RWMutex
	m  map[registryKey]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[registryKey]Runner)}
}

// Register binds a runner to a (type, subtype) pair. Re-registering a
// pair is an error; build a fresh registry instead.
func (r *Registry) Register(typ NodeType, subtype string, runner Runner) error {
	if runner == nil {
		return fmt.Errorf("register (%s, %s): nil runner", typ, subtype)
	}
	key := registryKey{typ, subtype}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[key]; dup {
		return fmt.Errorf("register (%s, %s): already registered", typ, subtype)
	}
	r.m[key] = runner
	return nil
}

// MustRegister is Register that panics on error, for package-level
// registry construction.
func (r *Registry) MustRegister(typ NodeType, subtype string, runner Runner) {
	if err := r.Register(typ, subtype, runner); err != nil {
		panic(err)
	}
}

// Lookup returns the runner for a (type, subtype) pair.
func (r *Registry) Lookup(typ NodeType, subtype string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.m[registryKey{typ, subtype}]
	return runner, ok
}
