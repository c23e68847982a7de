package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/sageflow/sageflow-go/flow/model"
)

// DefaultCodeTimeout caps a script's wall time when the tool is built
// without an explicit limit.
const DefaultCodeTimeout = 5 * time.Second

// ErrCodeTimeout reports a script interrupted for exceeding its wall
// time budget.
var ErrCodeTimeout = errors.New("code execution timed out")

// CodeTool evaluates a JavaScript expression in a goja sandbox. The
// sandbox exposes no host capabilities: only the supplied input is
// bound, and execution is interrupted when the wall-time cap passes.
//
// Input: {"code": string, "input"?: any}. Output: {"result": exported
// value of the final expression}.
type CodeTool struct {
	timeout time.Duration
}

// NewCodeTool creates a CodeTool. A non-positive timeout selects
// DefaultCodeTimeout.
func NewCodeTool(timeout time.Duration) *CodeTool {
	if timeout <= 0 {
		timeout = DefaultCodeTimeout
	}
	return &CodeTool{timeout: timeout}
}

// Name implements Tool.
func (t *CodeTool) Name() string { return "run_code" }

// Spec implements Tool.
func (t *CodeTool) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        t.Name(),
		Description: "Evaluate a JavaScript expression in a sandbox and return its value.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":  map[string]any{"type": "string", "description": "JavaScript source; the final expression is the result"},
				"input": map[string]any{"description": "Value bound to the global `input`"},
			},
			"required": []string{"code"},
		},
	}
}

// Call implements Tool.
func (t *CodeTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	code, _ := input["code"].(string)
	if code == "" {
		return nil, errors.New("run_code: code is required")
	}
	value, err := RunScript(ctx, code, input["input"], t.timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": value}, nil
}

// RunScript evaluates JavaScript source with the given value bound to
// the global `input`, interrupting it after the wall-time cap. It is
// shared by the CodeTool and the ACTION run_code runner.
func RunScript(ctx context.Context, source string, input any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultCodeTimeout
	}
	vm := goja.New()
	if err := vm.Set("input", input); err != nil {
		return nil, fmt.Errorf("run_code: bind input: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	timer := time.AfterFunc(timeout, func() { vm.Interrupt(ErrCodeTimeout) })
	defer timer.Stop()
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString(source)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, cause
			}
			return nil, ErrCodeTimeout
		}
		return nil, fmt.Errorf("run_code: %w", err)
	}
	return value.Export(), nil
}
