package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/emit"
)

// applyWait persists the pause record, notifies the interaction channel
// for human pauses, and parks the execution. Nothing blocks: the engine
// returns and the execution survives a process restart.
func (s *execState) applyWait(ctx context.Context, n *Node, run *NodeRun, w Wait) {
	now := s.e.now()
	status := NodeWaitingTimer
	if w.Reason == PauseHuman {
		status = NodeWaitingHuman
	}

	conditions := make(map[string]any, len(w.Conditions)+4)
	for k, v := range w.Conditions {
		conditions[k] = v
	}
	if w.FailOnRejection {
		conditions["fail_on_rejection"] = true
	}

	rec := &PauseRecord{
		ID:          uuid.New().String(),
		ExecutionID: s.ex.ID,
		NodeID:      n.ID,
		Reason:      w.Reason,
		Deadline:    now.Add(w.Timeout),
		Action:      w.Action,
		Conditions:  conditions,
		Default:     w.Default,
		Version:     1,
		CreatedAt:   now,
	}

	// Notify before persisting the pause so a delivery failure surfaces
	// as a plain node failure instead of a stranded record.
	if w.Reason == PauseHuman && w.Interaction != nil {
		in := *w.Interaction
		in.ExecutionID = s.ex.ID
		in.NodeID = n.ID
		in.Deadline = rec.Deadline

		// Keep what the resume classifier needs alongside the record.
		conditions["kind"] = in.Kind
		conditions["channel"] = in.Channel
		if in.Message != "" {
			conditions["message"] = in.Message
		}
		if len(in.Options) > 0 {
			opts := make([]any, len(in.Options))
			for i, o := range in.Options {
				opts[i] = o
			}
			conditions["options"] = opts
		}

		var notifier adapter.Notifier
		ok := false
		if s.e.notifiers != nil {
			notifier, ok = s.e.notifiers.Get(in.Channel)
		}
		if !ok {
			s.applyFail(ctx, n, run, Fail{
				Kind:    KindInvalidConfiguration,
				Message: fmt.Sprintf("no notifier registered for channel %q", in.Channel),
			})
			return
		}
		interactionID, err := notifier.Notify(ctx, in)
		if err != nil {
			s.applyFail(ctx, n, run, Fail{
				Kind:      KindProviderError,
				Message:   fmt.Sprintf("notify %s: %v", in.Channel, err),
				Retryable: true,
			})
			return
		}
		rec.InteractionID = interactionID

		s.e.emit(emit.Event{
			ExecutionID: s.ex.ID,
			NodeID:      n.ID,
			Type:        emit.HumanInteraction,
			Level:       emit.LevelInfo,
			Message:     fmt.Sprintf("👤 waiting for %s via %s", in.Kind, in.Channel),
			Data: map[string]any{
				"kind":           in.Kind,
				"channel":        in.Channel,
				"interaction_id": interactionID,
				"deadline":       rec.Deadline,
			},
			Milestone: true,
		})
	}

	pctx := context.WithoutCancel(ctx)
	if err := s.e.repo.CreatePause(pctx, rec); err != nil {
		s.applyFail(ctx, n, run, Fail{
			Kind:    KindInternal,
			Message: fmt.Sprintf("persist pause: %v", err),
		})
		return
	}
	s.e.metrics.pauseOpened()

	run.Status = status
	s.putRun(ctx, n.ID, run)

	s.ex.Status = StatusPaused
	if err := s.e.repo.UpdateExecution(pctx, s.ex); err != nil {
		s.e.log.Error().Err(err).Str("execution", s.ex.ID).Msg("persist paused execution failed")
	}
	s.e.emit(emit.Event{
		ExecutionID: s.ex.ID,
		NodeID:      n.ID,
		Type:        emit.WorkflowPaused,
		Level:       emit.LevelInfo,
		Message:     fmt.Sprintf("⏸️ workflow paused at %s until %s", n.Name, rec.Deadline.Format("2006-01-02 15:04:05")),
		Data:        map[string]any{"reason": string(w.Reason), "deadline": rec.Deadline},
		Milestone:   true,
	})
	s.paused = true
}

// ResumeExecution applies an external response to a paused execution
// and drives it forward until the next pause or a terminal status.
//
// Responses classified ClassOther go through the relevance classifier;
// a score below the pause's threshold returns ErrResponseFiltered and
// leaves the pause open. Losing the race against the timeout monitor
// (or a concurrent resume) returns ErrNoPendingPause.
func (e *Engine) ResumeExecution(ctx context.Context, executionID, nodeID string, response map[string]any, class Classification) (Status, error) {
	ex, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if ex.Status != StatusPaused {
		return ex.Status, ErrNoPendingPause
	}

	rec, err := e.repo.GetPause(ctx, executionID)
	if errors.Is(err, ErrNotFound) {
		return ex.Status, ErrNoPendingPause
	}
	if err != nil {
		return "", err
	}
	if rec.NodeID != nodeID {
		return ex.Status, ErrNoPendingPause
	}

	if rec.Reason == PauseHuman {
		if err := e.admitResponse(ctx, rec, response, class); err != nil {
			return ex.Status, err
		}
	}

	// The delete is the linearization point: whoever removes the record
	// owns the resume. A version conflict does not always mean we lost
	// the pause: the monitor's deadline warning bumps the version without
	// closing it, so re-read and retry against the fresh version before
	// giving up.
	for attempt := 0; ; attempt++ {
		err := e.repo.DeletePause(ctx, executionID, rec.Version)
		if err == nil {
			break
		}
		if errors.Is(err, ErrNotFound) {
			return ex.Status, ErrNoPendingPause
		}
		if !errors.Is(err, ErrVersionConflict) {
			return "", err
		}
		if attempt >= 2 {
			return ex.Status, ErrNoPendingPause
		}
		rec, err = e.repo.GetPause(ctx, executionID)
		if errors.Is(err, ErrNotFound) {
			return ex.Status, ErrNoPendingPause
		}
		if err != nil {
			return "", err
		}
		if rec.NodeID != nodeID {
			return ex.Status, ErrNoPendingPause
		}
	}
	e.metrics.pauseClosed()
	e.metrics.resume(class)

	wf, err := e.repo.GetWorkflow(ctx, ex.WorkflowID, ex.WorkflowVersion)
	if err != nil {
		return "", fmt.Errorf("load workflow: %w", err)
	}
	g, err := Compile(wf, e.reg, WithoutTriggerRequirement())
	if err != nil {
		return "", err
	}

	run := ex.NodeRuns[nodeID]
	if run == nil {
		run = &NodeRun{NodeID: nodeID}
		ex.NodeRuns[nodeID] = run
	}
	now := e.now()
	run.EndedAt = now
	if !run.StartedAt.IsZero() {
		run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
	}

	rejected := class == ClassRejected && rec.Conditions["fail_on_rejection"] == true
	if rejected {
		run.Status = NodeFailed
		run.Error = &Error{Kind: KindProviderError, Message: "response rejected by reviewer"}
	} else {
		run.Status = NodeSucceeded
		run.Output = resumeOutput(response, class)
	}

	e.emit(emit.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        emit.WorkflowResumed,
		Level:       emit.LevelInfo,
		Message:     fmt.Sprintf("▶️ workflow resumed: %s response %s", nodeID, class),
		Data:        map[string]any{"classification": string(class)},
		Milestone:   true,
	})

	return e.reenter(ctx, g, ex, run, rejected)
}

// admitResponse enforces the pause's response conditions. Explicit
// approve/reject classifications bypass relevance scoring; free-form
// responses must clear the threshold.
func (e *Engine) admitResponse(ctx context.Context, rec *PauseRecord, response map[string]any, class Classification) error {
	if ch, ok := rec.Conditions["channel"].(string); ok && ch != "" {
		if got, ok := response["channel"].(string); ok && got != "" && got != ch {
			return ErrResponseFiltered
		}
	}
	if sender, ok := rec.Conditions["sender"].(string); ok && sender != "" {
		if got, ok := response["sender"].(string); ok && got != sender {
			return ErrResponseFiltered
		}
	}
	if class != ClassOther {
		return nil
	}

	in := adapter.Interaction{
		ExecutionID: rec.ExecutionID,
		NodeID:      rec.NodeID,
		Deadline:    rec.Deadline,
	}
	in.Kind, _ = rec.Conditions["kind"].(string)
	in.Channel, _ = rec.Conditions["channel"].(string)
	in.Message, _ = rec.Conditions["message"].(string)
	if raw, ok := rec.Conditions["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				in.Options = append(in.Options, s)
			}
		}
	}

	score, err := e.classifier.Classify(ctx, in, response)
	if err != nil {
		return fmt.Errorf("classify response: %w", err)
	}
	threshold := e.threshold
	if t, ok := rec.Conditions["relevance_threshold"].(float64); ok && t > 0 {
		threshold = t
	}
	if score.Verdict == adapter.VerdictFiltered || score.Relevance < threshold {
		return ErrResponseFiltered
	}
	return nil
}

// resumeOutput materializes a paused node's output from the response.
// Branch ports carry the response only on their matching classification
// so approval edges die on rejection and vice versa.
func resumeOutput(response map[string]any, class Classification) map[string]any {
	if response == nil {
		response = map[string]any{}
	}
	out := map[string]any{
		"response":       response,
		"classification": string(class),
		"approved":       class == ClassApproved,
	}
	switch class {
	case ClassApproved:
		out["approved_response"] = response
	case ClassRejected:
		out["rejected_response"] = response
	}
	return out
}

// reenter rebuilds dispatch state from the persisted snapshot, applies
// the resumed node's outcome, and runs the loop to the next quiescent
// point.
func (e *Engine) reenter(ctx context.Context, g *Compiled, ex *Execution, run *NodeRun, failed bool) (Status, error) {
	ex.Status = StatusRunning
	if err := e.repo.UpdateExecution(ctx, ex); err != nil {
		return "", fmt.Errorf("persist execution: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
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

	s := e.rebuild(g, ex)
	n := g.Node(run.NodeID)
	s.putRun(ctx, run.NodeID, run)
	if failed || run.Status == NodeFailed || run.Status == NodeTimedOut {
		s.routeFailure(n, run.Error)
	} else {
		s.deliver(n, run.Output)
	}

	if err := s.loop(runCtx); err != nil {
		return ex.Status, err
	}
	return ex.Status, nil
}

// rebuild reconstructs in-memory dispatch state from a persisted
// execution by replaying each finished node's recorded outputs through
// the router. Conversions are pure, so replay reproduces the edge
// values without re-running any node. Replay is quiet: no events, no
// writes.
func (e *Engine) rebuild(g *Compiled, ex *Execution) *execState {
	s := e.newState(g, ex)
	s.quiet = true
	*s.step = len(ex.Path)

	for _, n := range g.Workflow.Nodes {
		if !s.inScope(n.ID) {
			continue
		}
		run := ex.NodeRuns[n.ID]
		if run == nil {
			continue
		}
		switch run.Status {
		case NodeSucceeded:
			s.started[n.ID] = true
			s.deliver(n, run.Output)
		case NodeFailed, NodeTimedOut:
			s.started[n.ID] = true
			s.routeFailure(n, run.Error)
		case NodeSkipped:
			s.started[n.ID] = true
			s.killOutgoing(n)
		case NodeWaitingHuman, NodeWaitingTimer:
			// The node being resumed; its outcome is applied by the
			// caller.
			s.started[n.ID] = true
		case NodeRunning, NodePending:
			// Interrupted mid-run; eligible to dispatch again.
		}
	}
	s.quiet = false
	return s
}

// expirePause applies a pause's timeout action after its deadline. The
// monitor calls it; losing the CAS race to a concurrent resume returns
// ErrNoPendingPause, which the monitor treats as done.
func (e *Engine) expirePause(ctx context.Context, rec *PauseRecord) error {
	if err := e.repo.DeletePause(ctx, rec.ExecutionID, rec.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
			return ErrNoPendingPause
		}
		return err
	}
	e.metrics.pauseClosed()
	e.metrics.timeout(rec.Action)

	ex, err := e.repo.GetExecution(ctx, rec.ExecutionID)
	if err != nil {
		return err
	}
	wf, err := e.repo.GetWorkflow(ctx, ex.WorkflowID, ex.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	g, err := Compile(wf, e.reg, WithoutTriggerRequirement())
	if err != nil {
		return err
	}

	run := ex.NodeRuns[rec.NodeID]
	if run == nil {
		run = &NodeRun{NodeID: rec.NodeID}
		ex.NodeRuns[rec.NodeID] = run
	}
	now := e.now()
	run.EndedAt = now
	if !run.StartedAt.IsZero() {
		run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
	}

	failed := false
	switch rec.Action {
	case TimeoutContinue:
		run.Status = NodeSucceeded
		run.Output = map[string]any{}
	case TimeoutInjectDefault:
		run.Status = NodeSucceeded
		run.Output = resumeOutput(rec.Default, ClassTimedOut)
	default: // TimeoutFail
		failed = true
		run.Status = NodeTimedOut
		run.Error = &Error{Kind: KindTimeout, Message: "pause deadline passed with no response"}
	}

	e.emit(emit.Event{
		ExecutionID: rec.ExecutionID,
		NodeID:      rec.NodeID,
		Type:        emit.TimedOut,
		Level:       emit.LevelWarn,
		Message:     fmt.Sprintf("⏰ pause at %s timed out, applying %s", rec.NodeID, rec.Action),
		Data:        map[string]any{"action": string(rec.Action), "deadline": rec.Deadline},
		Milestone:   true,
	})

	_, err = e.reenter(ctx, g, ex, run, failed)
	return err
}
