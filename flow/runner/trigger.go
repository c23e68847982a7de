package runner

import (
	"context"

	"github.com/sageflow/sageflow-go/flow"
)

// TriggerRunner exists so trigger subtypes register and compile. In a
// normal execution the engine materializes the trigger payload onto the
// trigger node without invoking any runner; this implementation only
// runs under start-from-node replays, where it echoes the payload.
type TriggerRunner struct{}

// Run implements flow.Runner.
func (TriggerRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	payload := rc.Trigger.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return flow.Result{Outputs: map[string]any{flow.PortResult: payload}}, nil
}
