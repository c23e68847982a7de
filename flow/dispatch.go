package flow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sageflow/sageflow-go/flow/emit"
)

type edgeStatus int

const (
	edgePending edgeStatus = iota
	edgeDelivered
	edgeDead
)

// edgeState tracks one edge's delivery within an execution (or within
// one loop body iteration).
type edgeState struct {
	edge   *Edge
	status edgeStatus
	value  any
}

// execState is the per-execution dispatch state: which edges have
// delivered, which nodes have started, and the bookkeeping shared with
// loop body sub-dispatches.
type execState struct {
	e  *Engine
	g  *Compiled
	ex *Execution

	pol         ErrorPolicy
	retry       RetryPolicy
	maxParallel int

	edges    map[string]*edgeState
	started  map[string]bool
	injected map[string]map[string]any

	// scope is nil for the top-level dispatch; loop body iterations
	// carry their body's node set and a "@i" run-key suffix.
	scope     map[string]bool
	keySuffix string

	step  *int
	total int

	halt    bool
	haltErr *Error
	paused  bool

	// quiet suppresses event emission while rebuilding state from a
	// persisted snapshot, so resume does not duplicate logs.
	quiet bool
}

func (e *Engine) newState(g *Compiled, ex *Execution) *execState {
	s := &execState{
		e:           e,
		g:           g,
		ex:          ex,
		pol:         g.Workflow.Settings.Policy(),
		retry:       e.retry,
		maxParallel: e.maxParallel,
		edges:       make(map[string]*edgeState, len(g.Workflow.Edges)),
		started:     make(map[string]bool),
		injected:    make(map[string]map[string]any),
		step:        new(int),
		total:       len(g.Workflow.Nodes),
	}
	if st := g.Workflow.Settings; st != nil {
		if st.Retry != nil && st.Retry.Validate() == nil {
			s.retry = *st.Retry
		}
		if st.MaxParallel > 0 {
			s.maxParallel = st.MaxParallel
		}
	}
	for _, ed := range g.Workflow.Edges {
		s.edges[ed.ID] = &edgeState{edge: ed}
	}
	return s
}

func (s *execState) inScope(nodeID string) bool {
	if s.scope == nil {
		return !s.g.InBody(nodeID)
	}
	return s.scope[nodeID]
}

func (s *execState) runKey(nodeID string) string {
	return nodeID + s.keySuffix
}

// seedTriggers materializes the trigger event onto admissible trigger
// nodes without invoking a runner; inadmissible triggers are skipped.
func (s *execState) seedTriggers(ctx context.Context, skipValidation bool) {
	payload := s.ex.Trigger.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	for _, t := range s.g.Triggers() {
		if !skipValidation && t.Subtype != s.ex.Trigger.Type {
			s.markSkipped(ctx, t)
			continue
		}
		run := s.startNode(ctx, t, map[string]any{PortInput: payload})
		s.applyResult(ctx, t, run, Result{Outputs: map[string]any{PortResult: payload}})
	}
}

// seedStartFrom skips everything outside the start node's downstream
// cone and injects the supplied inputs into the start node.
func (s *execState) seedStartFrom(ctx context.Context, startID string, inputs map[string]any) {
	participants := s.g.Downstream(startID)
	participants[startID] = true
	for _, n := range s.g.Workflow.Nodes {
		if !participants[n.ID] && s.inScope(n.ID) {
			s.markSkipped(ctx, n)
		}
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	s.injected[startID] = inputs
}

// loop is the dispatch loop: select ready nodes, run them on the
// bounded worker pool, apply outcomes in deterministic order, repeat
// until nothing is dispatchable.
func (s *execState) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return s.finishCanceled(ctx)
		}
		s.propagateSkips(ctx)
		if s.halt {
			return s.finalize(ctx)
		}

		ready := s.readyNodes()
		if len(ready) == 0 {
			return s.finalize(ctx)
		}

		// Assign steps and snapshot inputs in deterministic order
		// before anything runs.
		runs := make([]*NodeRun, len(ready))
		inputs := make([]map[string]any, len(ready))
		for i, n := range ready {
			inputs[i] = s.gatherInputs(n)
			runs[i] = s.startNode(ctx, n, inputs[i])
		}

		outcomes := s.runWave(ctx, ready, runs, inputs)

		for i, n := range ready {
			s.apply(ctx, n, runs[i], outcomes[i])
			if s.halt {
				break
			}
		}
		if s.paused {
			return nil
		}
		if s.halt {
			return s.finalize(ctx)
		}
	}
}

// readyNodes returns dispatchable nodes ordered by (topological index,
// node id).
func (s *execState) readyNodes() []*Node {
	var out []*Node
	for _, n := range s.g.Workflow.Nodes {
		if s.started[n.ID] || !s.inScope(n.ID) {
			continue
		}
		if s.isReady(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := s.g.TopoIndex(out[i].ID), s.g.TopoIndex(out[j].ID)
		if ti != tj {
			return ti < tj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *execState) isReady(n *Node) bool {
	if _, injected := s.injected[n.ID]; injected {
		return true
	}
	var total, delivered, resolved, attached int
	for _, ed := range s.g.Incoming(n.ID) {
		if ed.Source == ed.Target {
			continue
		}
		if ed.EffectiveKind() != EdgeMain {
			attached++
			continue
		}
		es := s.edges[ed.ID]
		if es == nil {
			continue
		}
		total++
		switch es.status {
		case edgeDelivered:
			delivered++
			resolved++
		case edgeDead:
			resolved++
		}
	}
	if total == 0 {
		// A root node: triggers are seeded explicitly, and nodes that
		// only hang off an agent as tool or memory attachments are
		// invoked by the agent itself, not dispatched as a wave.
		// Anything else with no inbound data is ready immediately.
		return n.Type != TypeTrigger && attached == 0
	}
	if strategy, isMerge := s.g.MergeStrategy(n.ID); isMerge && strategy == MergeWaitAny {
		return delivered > 0
	}
	return resolved == total && delivered > 0
}

// propagateSkips marks nodes whose every inbound edge died as skipped,
// killing their outgoing edges, until a fixpoint.
func (s *execState) propagateSkips(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for _, n := range s.g.Workflow.Nodes {
			if s.started[n.ID] || !s.inScope(n.ID) {
				continue
			}
			if _, injected := s.injected[n.ID]; injected {
				continue
			}
			var total, dead int
			for _, ed := range s.g.Incoming(n.ID) {
				if ed.EffectiveKind() != EdgeMain || ed.Source == ed.Target {
					continue
				}
				if es := s.edges[ed.ID]; es != nil {
					total++
					if es.status == edgeDead {
						dead++
					}
				}
			}
			if total > 0 && dead == total {
				s.markSkipped(ctx, n)
				changed = true
			}
		}
	}
}

func (s *execState) markSkipped(ctx context.Context, n *Node) {
	s.started[n.ID] = true
	run := &NodeRun{NodeID: n.ID, Status: NodeSkipped}
	s.ex.NodeRuns[s.runKey(n.ID)] = run
	s.putRun(ctx, n.ID, run)
	s.killOutgoing(n)
	s.e.metrics.nodeRun(n.Type, NodeSkipped, 0)
	if !s.quiet {
		s.e.emit(emit.Event{
			ExecutionID: s.ex.ID,
			NodeID:      n.ID,
			Type:        emit.StepSkipped,
			Level:       emit.LevelDebug,
			Message:     fmt.Sprintf("step %s skipped", n.Name),
			TotalSteps:  s.total,
		})
	}
}

func (s *execState) killOutgoing(n *Node) {
	for _, ed := range s.g.Outgoing(n.ID) {
		if ed.EffectiveKind() != EdgeMain {
			continue
		}
		if es := s.edges[ed.ID]; es != nil && es.status == edgePending {
			es.status = edgeDead
		}
	}
}

// startNode records the node run, assigns its step number, and emits
// step_started.
func (s *execState) startNode(ctx context.Context, n *Node, input map[string]any) *NodeRun {
	*s.step++
	s.started[n.ID] = true
	run := &NodeRun{
		NodeID:    n.ID,
		Status:    NodeRunning,
		Input:     input,
		StartedAt: s.e.now(),
	}
	s.ex.NodeRuns[s.runKey(n.ID)] = run
	s.ex.Path = append(s.ex.Path, s.runKey(n.ID))
	s.putRun(ctx, n.ID, run)
	if !s.quiet {
		s.e.emit(emit.Event{
			ExecutionID: s.ex.ID,
			NodeID:      n.ID,
			Type:        emit.StepStarted,
			Level:       emit.LevelInfo,
			Message:     fmt.Sprintf("▶️ step %d/%d: %s", *s.step, s.total, n.Name),
			Step:        *s.step,
			TotalSteps:  s.total,
		})
	}
	return run
}

// unwindPath removes the most recent path entry for a node whose start
// is being rolled back, so a re-armed wait does not appear twice.
func (s *execState) unwindPath(nodeID string) {
	key := s.runKey(nodeID)
	for i := len(s.ex.Path) - 1; i >= 0; i-- {
		if s.ex.Path[i] == key {
			s.ex.Path = append(s.ex.Path[:i], s.ex.Path[i+1:]...)
			return
		}
	}
}

// gatherInputs aggregates delivered edge values into the consumer's
// input map: one value per key, or an ordered list when several edges
// target the same key. Agent attachments surface under their category
// names.
func (s *execState) gatherInputs(n *Node) map[string]any {
	if injected, ok := s.injected[n.ID]; ok {
		return injected
	}
	byKey := make(map[string][]any)
	var keys []string
	for _, ed := range s.g.Incoming(n.ID) {
		if ed.EffectiveKind() != EdgeMain {
			continue
		}
		es := s.edges[ed.ID]
		if es == nil || es.status != edgeDelivered {
			continue
		}
		key := ed.In()
		if _, seen := byKey[key]; !seen {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], es.value)
	}

	in := make(map[string]any, len(keys))
	for _, key := range keys {
		vals := byKey[key]
		if len(vals) == 1 {
			in[key] = vals[0]
		} else {
			in[key] = vals
		}
	}

	// Attachment edges do not carry data; list the attached node ids
	// under the category key so agent runners see their wiring.
	for _, ed := range s.g.Outgoing(n.ID) {
		kind := ed.EffectiveKind()
		if kind == EdgeMain {
			continue
		}
		key := string(kind)
		list, _ := in[key].([]any)
		in[key] = append(list, ed.Target)
	}
	return in
}

// runWave invokes the ready nodes on the bounded pool. Outcome order
// matches the input order; application happens afterwards, serially.
func (s *execState) runWave(ctx context.Context, nodes []*Node, runs []*NodeRun, inputs []map[string]any) []Outcome {
	outcomes := make([]Outcome, len(nodes))
	var grp errgroup.Group
	grp.SetLimit(s.maxParallel)
	for i := range nodes {
		i := i
		grp.Go(func() error {
			outcomes[i] = s.invoke(ctx, nodes[i], runs[i], inputs[i])
			return nil
		})
	}
	_ = grp.Wait()
	return outcomes
}

// invoke runs one node's runner with timeout enforcement, retrying
// retryable failures with exponential backoff.
func (s *execState) invoke(ctx context.Context, n *Node, run *NodeRun, inputs map[string]any) Outcome {
	runner, ok := s.e.reg.Lookup(n.Type, n.Subtype)
	if !ok {
		return Fail{Kind: KindInternal, Message: fmt.Sprintf("no runner for (%s, %s)", n.Type, n.Subtype)}
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = s.e.nodeTimeout
	}

	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		rc := s.e.runContext(s, n, inputs, attempt)
		out := s.e.invokeOnce(ctx, s.ex.ID, n, runner, rc, timeout)

		f, failed := out.(Fail)
		if !failed || !f.Retryable || f.Kind == KindCancelled || attempt >= s.retry.MaxAttempts {
			return out
		}

		s.e.rngMu.Lock()
		delay := s.retry.backoff(attempt-1, s.e.rng)
		s.e.rngMu.Unlock()
		if !s.quiet {
			s.e.emit(emit.Event{
				ExecutionID: s.ex.ID,
				NodeID:      n.ID,
				Type:        emit.StepError,
				Level:       emit.LevelWarn,
				Message:     fmt.Sprintf("step %s attempt %d failed, retrying in %s", n.Name, attempt, delay.Round(time.Millisecond)),
				Data:        map[string]any{"error_kind": string(f.Kind), "attempt": attempt},
				TotalSteps:  s.total,
			})
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Fail{Kind: KindCancelled, Message: "execution canceled during retry backoff"}
		}
	}
}

// invokeOnce runs the runner once inside its timeout window, recovering
// panics into internal failures. A canceled execution grants the runner
// the cancel grace window before the engine moves on without it.
func (e *Engine) invokeOnce(ctx context.Context, execID string, n *Node, runner Runner, rc *RunContext, timeout time.Duration) Outcome {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Fail{Kind: KindInternal, Message: fmt.Sprintf("runner panicked: %v", r)}
			}
		}()
		out, err := runner.Run(tctx, rc)
		switch {
		case err != nil:
			ch <- Fail{Kind: KindInternal, Message: err.Error()}
		case out == nil:
			ch <- Fail{Kind: KindInternal, Message: "runner returned no outcome"}
		default:
			ch <- out
		}
	}()

	select {
	case out := <-ch:
		return out
	case <-tctx.Done():
		if ctx.Err() != nil {
			select {
			case <-ch:
			case <-time.After(e.cancelGrace):
				e.emit(emit.Event{
					ExecutionID: execID,
					NodeID:      n.ID,
					Type:        emit.CancelTimeout,
					Level:       emit.LevelWarn,
					Message:     fmt.Sprintf("step %s did not stop within the cancel grace window", n.Name),
					Milestone:   true,
				})
			}
			return Fail{Kind: KindCancelled, Message: "execution canceled"}
		}
		return Fail{Kind: KindTimeout, Message: fmt.Sprintf("node %s exceeded its %s timeout", n.ID, timeout)}
	}
}

// apply classifies one outcome. Wait is only legal at the top level; a
// loop body converts it to a configuration failure. A second Wait in
// the same wave re-arms the node so it pauses again after resume.
func (s *execState) apply(ctx context.Context, n *Node, run *NodeRun, outcome Outcome) {
	switch out := outcome.(type) {
	case Result:
		s.applyResult(ctx, n, run, out)
	case Wait:
		if s.scope != nil {
			s.applyFail(ctx, n, run, Fail{
				Kind:    KindInvalidConfiguration,
				Message: "wait nodes are not supported inside a loop body",
			})
			return
		}
		if s.paused {
			run.Status = NodePending
			s.started[n.ID] = false
			s.unwindPath(n.ID)
			return
		}
		s.applyWait(ctx, n, run, out)
	case Fail:
		s.applyFail(ctx, n, run, out)
	default:
		s.applyFail(ctx, n, run, Fail{Kind: KindInternal, Message: "unknown outcome type"})
	}
}

func (s *execState) applyResult(ctx context.Context, n *Node, run *NodeRun, res Result) {
	outputs := res.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	if res.Loop != nil && n.Type == TypeFlow && n.Subtype == SubtypeForEach {
		loopOut := s.runBody(ctx, n, res.Loop)
		for k, v := range loopOut {
			outputs[k] = v
		}
	}

	now := s.e.now()
	run.Status = NodeSucceeded
	run.Output = outputs
	run.EndedAt = now
	run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
	s.ex.Usage.Add(res.Usage)
	s.putRun(ctx, n.ID, run)
	s.e.metrics.nodeRun(n.Type, NodeSucceeded, now.Sub(run.StartedAt))
	if !s.quiet {
		s.e.emit(emit.Event{
			ExecutionID: s.ex.ID,
			NodeID:      n.ID,
			Type:        emit.StepCompleted,
			Level:       emit.LevelInfo,
			Message:     fmt.Sprintf("✅ step %s completed", n.Name),
			Data:        map[string]any{"outputs": summarizeKeys(outputs)},
			Duration:    now.Sub(run.StartedAt),
			TotalSteps:  s.total,
		})
	}
	s.deliver(n, outputs)
}

// deliver is the router's write half: extract the carried value per
// outgoing edge, apply the conversion, and mark the edge delivered. A
// conversion error delivers a literal null and logs a warning; it never
// fails the workflow by itself.
func (s *execState) deliver(n *Node, outputs map[string]any) {
	for _, ed := range s.g.Outgoing(n.ID) {
		if ed.EffectiveKind() != EdgeMain {
			continue
		}
		if ed.Out() == PortItem && n.Type == TypeFlow && n.Subtype == SubtypeForEach {
			continue // item edges belong to the loop's body dispatch
		}
		es := s.edges[ed.ID]
		if es == nil || es.status != edgePending {
			continue
		}
		value, ok := outputs[ed.Out()]
		if !ok {
			if ed.Out() != PortResult {
				es.status = edgeDead
				continue
			}
			// Conventional default: the whole output object.
			value = outputs
		}
		converted, err := s.e.eval.Convert(ed.Convert, value)
		if err != nil {
			converted = nil
			if !s.quiet {
				s.e.emit(emit.Event{
					ExecutionID: s.ex.ID,
					NodeID:      n.ID,
					Type:        emit.ConversionError,
					Level:       emit.LevelWarn,
					Message:     fmt.Sprintf("edge %s conversion failed, delivering null", ed.ID),
					Data:        map[string]any{"edge": ed.ID, "error": err.Error()},
				})
			}
		}
		es.status = edgeDelivered
		es.value = converted
	}
}

func (s *execState) applyFail(ctx context.Context, n *Node, run *NodeRun, f Fail) {
	now := s.e.now()
	status := NodeFailed
	if f.Kind == KindTimeout {
		// Wall-time overrun is still a failed node; timed-out is
		// reserved for pause deadlines.
		status = NodeFailed
	}
	run.Status = status
	run.Error = f.asError()
	run.EndedAt = now
	run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
	s.putRun(ctx, n.ID, run)
	s.e.metrics.nodeRun(n.Type, status, now.Sub(run.StartedAt))
	if !s.quiet {
		s.e.emit(emit.Event{
			ExecutionID: s.ex.ID,
			NodeID:      n.ID,
			Type:        emit.StepError,
			Level:       emit.LevelError,
			Message:     fmt.Sprintf("❌ step %s failed: %s", n.Name, f.Message),
			Data:        errorData(run.Error),
			Duration:    now.Sub(run.StartedAt),
			TotalSteps:  s.total,
			Milestone:   true,
		})
	}

	if f.Kind == KindCancelled {
		// The loop observes the canceled context; no policy applies.
		s.killOutgoing(n)
		return
	}
	s.routeFailure(n, run.Error)
}

// routeFailure applies the workflow error policy to a failed node's
// outgoing edges.
func (s *execState) routeFailure(n *Node, nodeErr *Error) {
	switch s.pol {
	case PolicyStop:
		s.halt = true
		s.haltErr = nodeErr
	case PolicyErrorBranch:
		routed := false
		for _, ed := range s.g.Outgoing(n.ID) {
			es := s.edges[ed.ID]
			if es == nil || es.status != edgePending || ed.EffectiveKind() != EdgeMain {
				continue
			}
			if ed.Out() == PortError {
				es.status = edgeDelivered
				es.value = errorData(nodeErr)
				routed = true
			} else {
				es.status = edgeDead
			}
		}
		_ = routed
	default: // PolicyContinue
		s.killOutgoing(n)
	}
}

func errorData(e *Error) map[string]any {
	if e == nil {
		return nil
	}
	data := map[string]any{"error_kind": string(e.Kind), "message": e.Message}
	if e.Advice != "" {
		data["advice"] = e.Advice
	}
	return data
}

// runBody executes a FOR_EACH node's body subgraph once per item,
// sequentially, enforcing the iteration cap. Body node runs are keyed
// "nodeID@i".
func (s *execState) runBody(ctx context.Context, n *Node, plan *LoopPlan) map[string]any {
	body := s.g.BodyOf(n.ID)
	items := plan.Items
	cap := plan.MaxIterations
	if cap <= 0 {
		cap = DefaultLoopCap
	}
	if len(items) > cap {
		if !s.quiet {
			s.e.emit(emit.Event{
				ExecutionID: s.ex.ID,
				NodeID:      n.ID,
				Type:        emit.LoopTruncated,
				Level:       emit.LevelWarn,
				Message:     fmt.Sprintf("⚠️ loop %s truncated: %d items, cap %d", n.Name, len(items), cap),
				Data:        map[string]any{"items": len(items), "cap": cap},
				Milestone:   true,
			})
		}
		items = items[:cap]
	}

	var results []any
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		sub := s.bodyState(n, body, i)
		sub.seedItem(n, item)
		_ = sub.loop(ctx)
		if sub.halt {
			s.halt = true
			s.haltErr = sub.haltErr
			break
		}
		results = append(results, sub.collectLeaves(body))
	}
	return map[string]any{PortDone: !s.halt, "results": results}
}

// bodyState derives a fresh dispatch state for one loop iteration.
func (s *execState) bodyState(loop *Node, body map[string]bool, iteration int) *execState {
	sub := &execState{
		e:           s.e,
		g:           s.g,
		ex:          s.ex,
		pol:         s.pol,
		retry:       s.retry,
		maxParallel: s.maxParallel,
		edges:       make(map[string]*edgeState),
		started:     make(map[string]bool),
		injected:    make(map[string]map[string]any),
		scope:       body,
		keySuffix:   fmt.Sprintf("@%d", iteration),
		step:        s.step,
		total:       s.total,
		quiet:       s.quiet,
	}
	for _, ed := range s.g.Workflow.Edges {
		internal := body[ed.Source] && body[ed.Target]
		itemEdge := ed.Source == loop.ID && ed.Out() == PortItem && body[ed.Target]
		if internal || itemEdge {
			sub.edges[ed.ID] = &edgeState{edge: ed}
		}
	}
	return sub
}

// seedItem delivers the iteration's item along the loop node's item
// edges.
func (sub *execState) seedItem(loop *Node, item any) {
	for _, ed := range sub.g.Outgoing(loop.ID) {
		if ed.Out() != PortItem {
			continue
		}
		es := sub.edges[ed.ID]
		if es == nil {
			continue
		}
		converted, err := sub.e.eval.Convert(ed.Convert, item)
		if err != nil {
			converted = nil
		}
		es.status = edgeDelivered
		es.value = converted
	}
}

// collectLeaves gathers the iteration's result: outputs of body nodes
// with no outgoing edges inside the body.
func (sub *execState) collectLeaves(body map[string]bool) any {
	var leafIDs []string
	for id := range body {
		isLeaf := true
		for _, ed := range sub.g.Outgoing(id) {
			if ed.EffectiveKind() == EdgeMain && body[ed.Target] {
				isLeaf = false
				break
			}
		}
		if isLeaf {
			leafIDs = append(leafIDs, id)
		}
	}
	sort.Strings(leafIDs)

	if len(leafIDs) == 1 {
		if run := sub.ex.NodeRuns[sub.runKey(leafIDs[0])]; run != nil {
			return run.Output
		}
		return nil
	}
	out := make(map[string]any, len(leafIDs))
	for _, id := range leafIDs {
		if run := sub.ex.NodeRuns[sub.runKey(id)]; run != nil {
			out[id] = run.Output
		}
	}
	return out
}

// finalize computes the terminal status and persists it. Loop body
// states leave the execution record alone; their halt flag bubbles up.
func (s *execState) finalize(ctx context.Context) error {
	if s.scope != nil {
		return nil
	}

	status := StatusSucceeded
	if s.halt {
		status = StatusFailed
	} else {
		for _, run := range s.ex.NodeRuns {
			if run.Status == NodeFailed || run.Status == NodeTimedOut {
				status = StatusFailed
				break
			}
		}
	}

	s.ex.Status = status
	s.ex.EndedAt = s.e.now()
	if s.halt && s.haltErr != nil {
		s.ex.Error = s.haltErr
	}
	pctx := context.WithoutCancel(ctx)
	if err := s.e.repo.UpdateExecution(pctx, s.ex); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}
	s.e.metrics.execution(status)

	evType := emit.WorkflowCompleted
	level := emit.LevelInfo
	msg := "🎉 workflow completed"
	if status == StatusFailed {
		evType = emit.WorkflowFailed
		level = emit.LevelError
		msg = "💥 workflow failed"
	}
	data := map[string]any{"duration_ms": s.ex.EndedAt.Sub(s.ex.StartedAt).Milliseconds()}
	if s.ex.Usage.Total() > 0 {
		data["usage"] = s.ex.Usage
	}
	if s.ex.Error != nil {
		data["error_kind"] = string(s.ex.Error.Kind)
		data["message"] = s.ex.Error.Message
	}
	s.e.emit(emit.Event{
		ExecutionID: s.ex.ID,
		Type:        evType,
		Level:       level,
		Message:     msg,
		Data:        data,
		Duration:    s.ex.EndedAt.Sub(s.ex.StartedAt),
		Milestone:   true,
	})
	return nil
}

func (s *execState) finishCanceled(ctx context.Context) error {
	if s.scope != nil {
		s.halt = true
		s.haltErr = &Error{Kind: KindCancelled, Message: "execution canceled"}
		return nil
	}
	s.ex.Status = StatusCanceled
	s.ex.EndedAt = s.e.now()
	pctx := context.WithoutCancel(ctx)
	if err := s.e.repo.UpdateExecution(pctx, s.ex); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}
	s.e.metrics.execution(StatusCanceled)
	s.e.emit(emit.Event{
		ExecutionID: s.ex.ID,
		Type:        emit.WorkflowCanceled,
		Level:       emit.LevelWarn,
		Message:     "⛔ workflow canceled",
		Milestone:   true,
	})
	return nil
}

func (s *execState) putRun(ctx context.Context, nodeID string, run *NodeRun) {
	pctx := context.WithoutCancel(ctx)
	if err := s.e.repo.PutNodeRun(pctx, s.ex.ID, run, s.runKey(nodeID)); err != nil {
		s.e.log.Error().Err(err).
			Str("execution", s.ex.ID).
			Str("node", nodeID).
			Msg("persist node run failed")
	}
}

// summarizeKeys lists an output map's port names for step logs without
// dumping payloads.
func summarizeKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
