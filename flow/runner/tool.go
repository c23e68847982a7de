package runner

import (
	"context"

	"github.com/sageflow/sageflow-go/flow"
)

// ToolRunner executes a TOOL node as a first-class graph step: the same
// tool implementations agents call inline, invoked once with the node's
// input map. Static parameters from the node config are merged under
// the runtime input (runtime wins on key collisions).
type ToolRunner struct{}

// Run implements flow.Runner.
func (ToolRunner) Run(ctx context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	t := flow.BindTool(rc.Node, rc.HTTP, rc.Services)
	if t == nil {
		return flow.Fail{
			Kind:    flow.KindInvalidConfiguration,
			Message: "tool subtype " + rc.Node.Subtype + " could not be bound",
		}, nil
	}

	input := map[string]any{}
	if params, ok := rc.Node.Config["params"].(map[string]any); ok {
		for k, v := range params {
			input[k] = v
		}
	}
	switch in := rc.MainInput().(type) {
	case map[string]any:
		for k, v := range in {
			input[k] = v
		}
	case nil:
	default:
		input["input"] = in
	}

	out, err := t.Call(ctx, input)
	if err != nil {
		return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
	}
	return flow.Result{Outputs: map[string]any{flow.PortResult: out}}, nil
}
