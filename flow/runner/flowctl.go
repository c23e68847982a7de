package runner

import (
	"context"
	"fmt"

	"github.com/sageflow/sageflow-go/flow"
)

// IfRunner evaluates a boolean condition over the node's input and
// produces on exactly one of the "true"/"false" ports; the other port's
// edges die.
type IfRunner struct{}

type ifConfig struct {
	Condition string `json:"condition" validate:"required"`
}

// Run implements flow.Runner.
func (IfRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg ifConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	in := rc.MainInput()
	ok, err := rc.Eval.Bool(cfg.Condition, flow.ConversionEnv(in))
	if err != nil {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: err.Error()}, nil
	}
	port := "false"
	if ok {
		port = "true"
	}
	return flow.Result{Outputs: map[string]any{port: in}}, nil
}

// SwitchRunner evaluates a selector and produces on the matching case
// port, or "default" when the node declares one and no case matches.
type SwitchRunner struct{}

type switchConfig struct {
	Selector string `json:"selector" validate:"required"`
}

// Run implements flow.Runner.
func (SwitchRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg switchConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	in := rc.MainInput()
	value, err := rc.Eval.Eval(cfg.Selector, flow.ConversionEnv(in))
	if err != nil {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: err.Error()}, nil
	}
	port := fmt.Sprint(value)
	if !rc.Node.HasOutput(port) {
		port = "default"
	}
	return flow.Result{Outputs: map[string]any{port: in}}, nil
}

// FilterRunner forwards an array, dropping items that fail the
// predicate. Each item is bound as "item" (map items also spread their
// keys).
type FilterRunner struct{}

type filterConfig struct {
	Predicate string `json:"predicate" validate:"required"`
}

// Run implements flow.Runner.
func (FilterRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg filterConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	items, ok := rc.MainInput().([]any)
	if !ok {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "filter input must be an array"}, nil
	}
	kept := make([]any, 0, len(items))
	for i, item := range items {
		env := flow.ConversionEnv(item)
		env["item"] = item
		keep, err := rc.Eval.Bool(cfg.Predicate, env)
		if err != nil {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: fmt.Sprintf("item %d: %v", i, err)}, nil
		}
		if keep {
			kept = append(kept, item)
		}
	}
	return flow.Result{Outputs: map[string]any{flow.PortResult: kept}}, nil
}

// ForEachRunner validates the iteration source and hands the engine a
// loop plan; the engine itself runs the body subgraph per item and
// materializes the done/results outputs.
type ForEachRunner struct{}

type forEachConfig struct {
	// ItemsExpression selects the array to iterate when the input is
	// not already one.
	ItemsExpression string `json:"items_expression,omitempty"`

	MaxIterations int `json:"max_iterations,omitempty" validate:"omitempty,min=1"`
}

// Run implements flow.Runner.
func (ForEachRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg forEachConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	source := rc.MainInput()
	if cfg.ItemsExpression != "" {
		value, err := rc.Eval.Eval(cfg.ItemsExpression, flow.ConversionEnv(source))
		if err != nil {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: err.Error()}, nil
		}
		source = value
	}
	items, ok := source.([]any)
	if !ok {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "for_each input must be an array"}, nil
	}
	return flow.Result{
		Outputs: map[string]any{},
		Loop:    &flow.LoopPlan{Items: items, MaxIterations: cfg.MaxIterations},
	}, nil
}

// MergeRunner joins converged branches. The readiness strategy
// (wait_all, wait_any) is enforced by the dispatcher; this runner only
// shapes the delivered values: pass-through for the wait strategies,
// a single shallow-merged object for merge_objects.
type MergeRunner struct{}

type mergeConfig struct {
	Strategy string `json:"strategy,omitempty" validate:"omitempty,oneof=wait_all wait_any merge_objects"`
}

// Run implements flow.Runner.
func (MergeRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg mergeConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	in := rc.MainInput()

	if cfg.Strategy == flow.MergeObjects {
		merged := map[string]any{}
		values, ok := in.([]any)
		if !ok {
			values = []any{in}
		}
		for _, v := range values {
			m, ok := v.(map[string]any)
			if !ok {
				return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "merge_objects inputs must be objects"}, nil
			}
			for k, val := range m {
				merged[k] = val
			}
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: merged}}, nil
	}

	return flow.Result{Outputs: map[string]any{flow.PortResult: in}}, nil
}

// WaitRunner yields a pure-timer pause: the execution parks until the
// monitor's deadline passes, then continues with an empty output.
type WaitRunner struct{}

type waitConfig struct {
	Duration string `json:"duration" validate:"required"`
}

// Run implements flow.Runner.
func (WaitRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg waitConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	d, err := flow.ParseDuration(cfg.Duration)
	if err != nil || d <= 0 {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: fmt.Sprintf("bad duration %q", cfg.Duration)}, nil
	}
	return flow.Wait{
		Reason:  flow.PauseTimer,
		Timeout: d,
		Action:  flow.TimeoutContinue,
	}, nil
}
