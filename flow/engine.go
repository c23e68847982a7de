package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/emit"
	"github.com/sageflow/sageflow-go/flow/model"
)

// Engine defaults.
const (
	DefaultMaxParallel        = 4
	DefaultNodeTimeout        = 30 * time.Second
	DefaultCancelGrace        = 5 * time.Second
	DefaultLoopCap            = 1000
	DefaultRelevanceThreshold = 0.7
)

// Engine executes workflows: it compiles the graph, dispatches ready
// nodes in deterministic order, routes outputs along edges, persists
// the execution record, and owns the pause/resume protocol.
//
// One Engine serves many concurrent executions; they share nothing but
// the repository and the adapters.
type Engine struct {
	repo Repository
	reg  *Registry

	emitter emit.Emitter
	sink    *emit.Sink
	log     zerolog.Logger
	metrics *Metrics
	eval    *Evaluator

	ai         model.Provider
	models     *model.Registry
	http       adapter.Invoker
	vault      adapter.Vault
	services   *adapter.Services
	memory     adapter.MemoryStore
	notifiers  *adapter.Notifiers
	classifier adapter.Classifier

	maxParallel int
	nodeTimeout time.Duration
	retry       RetryPolicy
	cancelGrace time.Duration
	threshold   float64
	now         func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun tracks an in-flight execution so CancelExecution can reach
// its context.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger routes engine diagnostics to the given logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithEmitter adds an emitter receiving every progress event, alongside
// the engine's built-in two-tier sink.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxParallel bounds concurrent runner invocations within one
// execution. 1 gives strictly serial behavior.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithNodeTimeout sets the default per-node wall-time budget.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.nodeTimeout = d
		}
	}
}

// WithRetryPolicy overrides the default retry policy for retryable
// node failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithCancelGrace sets how long a canceled runner may keep running
// before the engine records a cancel_timeout warning and moves on.
func WithCancelGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cancelGrace = d
		}
	}
}

// WithRelevanceThreshold sets the classifier score below which a human
// response is filtered instead of resuming the execution.
func WithRelevanceThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAIProvider sets the default AI provider for agent nodes.
func WithAIProvider(p model.Provider) Option {
	return func(e *Engine) { e.ai = p }
}

// WithModelRegistry lets agent nodes select a provider by name.
func WithModelRegistry(r *model.Registry) Option {
	return func(e *Engine) { e.models = r }
}

// WithInvoker sets the HTTP invoker runners use for outbound requests.
func WithInvoker(inv adapter.Invoker) Option {
	return func(e *Engine) { e.http = inv }
}

// WithVault sets the credential vault.
func WithVault(v adapter.Vault) Option {
	return func(e *Engine) { e.vault = v }
}

// WithServices sets the external integration registry.
func WithServices(s *adapter.Services) Option {
	return func(e *Engine) { e.services = s }
}

// WithMemory sets the keyed memory store.
func WithMemory(m adapter.MemoryStore) Option {
	return func(e *Engine) { e.memory = m }
}

// WithNotifiers sets the human-interaction notification channels.
func WithNotifiers(n *adapter.Notifiers) Option {
	return func(e *Engine) { e.notifiers = n }
}

// WithClassifier sets the response classifier. Unset, the engine falls
// back to the heuristic classifier.
func WithClassifier(c adapter.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// New creates an Engine over a repository and a runner registry.
func New(repo Repository, reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		repo:        repo,
		reg:         reg,
		log:         zerolog.Nop(),
		eval:        NewEvaluator(),
		maxParallel: DefaultMaxParallel,
		nodeTimeout: DefaultNodeTimeout,
		retry:       DefaultRetryPolicy(),
		cancelGrace: DefaultCancelGrace,
		threshold:   DefaultRelevanceThreshold,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- retry jitter
		active:      make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sink = emit.NewSink(func(ctx context.Context, events []emit.Event) error {
		return e.repo.AppendLogs(ctx, events)
	}, 0)
	e.sink.SetLogger(e.log)
	if e.classifier == nil {
		e.classifier = adapter.HeuristicClassifier{}
	}
	return e
}

// emit fans one event out to the sink and the configured emitter.
func (e *Engine) emit(ev emit.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.sink.Emit(ev)
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// History returns the hot-cached progress events of an execution, most
// useful while it is running or paused.
func (e *Engine) History(executionID string) []emit.Event {
	return e.sink.History(executionID)
}

// ExecOption tweaks one ExecuteWorkflow call.
type ExecOption func(*execOpts)

type execOpts struct {
	startFrom     string
	initialInputs map[string]any
	skipTrigger   bool
}

// StartFrom begins the execution at the given node instead of a
// trigger, feeding it the inputs supplied via WithInitialInputs. Nodes
// not downstream of it are skipped.
func StartFrom(nodeID string) ExecOption {
	return func(o *execOpts) { o.startFrom = nodeID }
}

// WithInitialInputs supplies the input map for a StartFrom node.
func WithInitialInputs(inputs map[string]any) ExecOption {
	return func(o *execOpts) { o.initialInputs = inputs }
}

// SkipTriggerValidation admits the trigger event regardless of the
// workflow's trigger subtypes.
func SkipTriggerValidation() ExecOption {
	return func(o *execOpts) { o.skipTrigger = true }
}

// ExecuteWorkflow compiles and runs a workflow against a trigger event.
// It returns when the execution reaches a terminal status or pauses;
// the returned record carries the immediate status.
//
// Graph problems surface as *GraphError; an inadmissible trigger as
// ErrTriggerNotApplicable.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *Workflow, trig TriggerEvent, opts ...ExecOption) (*Execution, error) {
	var o execOpts
	for _, opt := range opts {
		opt(&o)
	}

	var copts []CompileOption
	if o.startFrom != "" {
		copts = append(copts, WithoutTriggerRequirement())
	}
	g, err := Compile(wf, e.reg, copts...)
	if err != nil {
		return nil, err
	}
	if o.startFrom != "" && g.Node(o.startFrom) == nil {
		return nil, &GraphError{Problems: []string{fmt.Sprintf("start node %q does not exist", o.startFrom)}}
	}
	if o.startFrom == "" && !o.skipTrigger && !triggerAdmissible(g, trig) {
		return nil, ErrTriggerNotApplicable
	}

	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}

	if trig.At.IsZero() {
		trig.At = e.now()
	}
	ex := &Execution{
		ID:              ulid.Make().String(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          StatusRunning,
		Trigger:         trig,
		StartedAt:       e.now(),
		NodeRuns:        make(map[string]*NodeRun),
	}
	if err := e.repo.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	e.emit(emit.Event{
		ExecutionID: ex.ID,
		Type:        emit.WorkflowStarted,
		Level:       emit.LevelInfo,
		Message:     fmt.Sprintf("🚀 workflow %s started", wf.ID),
		Data:        map[string]any{"workflow": wf.ID, "version": wf.Version, "trigger": trig.Type},
		TotalSteps:  len(wf.Nodes),
		Milestone:   true,
	})

	var runCtx context.Context
	var cancel context.CancelFunc
	if wf.Settings != nil && wf.Settings.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, wf.Settings.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[ex.ID] = ar
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, ex.ID)
		e.mu.Unlock()
		close(ar.done)
	}()

	s := e.newState(g, ex)
	if o.startFrom != "" {
		s.seedStartFrom(ctx, o.startFrom, o.initialInputs)
	} else {
		s.seedTriggers(ctx, o.skipTrigger)
	}
	if err := s.loop(runCtx); err != nil {
		return ex, err
	}
	return ex, nil
}

func triggerAdmissible(g *Compiled, trig TriggerEvent) bool {
	for _, t := range g.Triggers() {
		if t.Subtype == trig.Type {
			return true
		}
	}
	return false
}

// GetExecution returns the persisted execution record.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return e.repo.GetExecution(ctx, executionID)
}

// Logs returns the persisted milestone logs of an execution.
func (e *Engine) Logs(ctx context.Context, executionID string) ([]emit.Event, error) {
	return e.repo.GetLogs(ctx, executionID)
}

// CancelExecution transitions an execution to canceled. In-flight
// runners are asked to stop via their context and get the configured
// grace window. Canceling a finished execution is a no-op returning its
// final status.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (Status, error) {
	e.mu.Lock()
	ar, running := e.active[executionID]
	e.mu.Unlock()

	if running {
		ar.cancel()
		select {
		case <-ar.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		ex, err := e.repo.GetExecution(ctx, executionID)
		if err != nil {
			return "", err
		}
		return ex.Status, nil
	}

	ex, err := e.repo.GetExecution(ctx, executionID)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if ex.Status.Terminal() {
		return ex.Status, nil
	}

	// Paused (or pending) execution: close any open pause and finish.
	if rec, err := e.repo.GetPause(ctx, executionID); err == nil {
		if err := e.repo.DeletePause(ctx, executionID, rec.Version); err == nil {
			e.metrics.pauseClosed()
		}
	}
	ex.Status = StatusCanceled
	ex.EndedAt = e.now()
	if err := e.repo.UpdateExecution(ctx, ex); err != nil {
		return "", err
	}
	e.metrics.execution(StatusCanceled)
	e.emit(emit.Event{
		ExecutionID: executionID,
		Type:        emit.WorkflowCanceled,
		Level:       emit.LevelWarn,
		Message:     "⛔ workflow canceled",
		Milestone:   true,
	})
	return StatusCanceled, nil
}
