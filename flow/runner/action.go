package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/tool"
)

// CodeActionRunner executes a user script in the sandbox with a capped
// wall time. The node's main input is bound to the script's "input"
// global; the script's value becomes the result.
type CodeActionRunner struct{}

type codeConfig struct {
	Script  string `json:"script" validate:"required"`
	Timeout string `json:"timeout,omitempty"`
}

// Run implements flow.Runner.
func (CodeActionRunner) Run(ctx context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg codeConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	timeout := tool.DefaultCodeTimeout
	if cfg.Timeout != "" {
		d, err := flow.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: fmt.Sprintf("bad timeout %q", cfg.Timeout)}, nil
		}
		timeout = d
	}

	value, err := tool.RunScript(ctx, cfg.Script, rc.MainInput(), timeout)
	if err != nil {
		if errors.Is(err, tool.ErrCodeTimeout) {
			return flow.Fail{Kind: flow.KindTimeout, Message: "script exceeded its time budget"}, nil
		}
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "script error: " + err.Error()}, nil
	}
	return flow.Result{Outputs: map[string]any{flow.PortResult: value}}, nil
}

// HTTPActionRunner issues one outbound HTTP request and surfaces status
// plus parsed body. Transport failures are retryable provider errors;
// any HTTP status is a successful observation for the workflow to
// branch on.
type HTTPActionRunner struct{}

type httpConfig struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// Run implements flow.Runner.
func (HTTPActionRunner) Run(ctx context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg httpConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	if rc.HTTP == nil {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "no HTTP invoker configured"}, nil
	}

	req := adapter.Request{Method: cfg.Method, URL: cfg.URL, Headers: cfg.Headers}
	if cfg.Body != nil {
		data, err := json.Marshal(cfg.Body)
		if err != nil {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "unencodable body: " + err.Error()}, nil
		}
		req.Body = data
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		if _, ok := req.Headers["Content-Type"]; !ok {
			req.Headers["Content-Type"] = "application/json"
		}
	}
	if cfg.Timeout != "" {
		if d, err := flow.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			req.Timeout = d
		}
	}

	resp, err := rc.HTTP.Do(ctx, req)
	if err != nil {
		return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
	}

	outputs := map[string]any{"status": resp.Status}
	var parsed any
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &parsed) == nil {
		outputs["body"] = parsed
	} else if len(resp.Body) > 0 {
		outputs["body"] = string(resp.Body)
	}
	return flow.Result{Outputs: outputs}, nil
}

// TransformRunner reshapes data with expr assignments: the input map's
// keys pass through, then each assignment is evaluated against them (in
// sorted key order, so results are deterministic) and written on top.
type TransformRunner struct{}

type transformConfig struct {
	// Assign maps output key to an expr expression over the input.
	Assign map[string]string `json:"assign,omitempty"`

	// Expression, when set, replaces the whole output with its value.
	Expression string `json:"expression,omitempty"`
}

// Run implements flow.Runner.
func (TransformRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg transformConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	if len(cfg.Assign) == 0 && cfg.Expression == "" {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "data_transformation requires assign or expression"}, nil
	}

	in := rc.MainInput()
	env := flow.ConversionEnv(in)

	if cfg.Expression != "" {
		value, err := rc.Eval.Eval(cfg.Expression, env)
		if err != nil {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: err.Error()}, nil
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: value}}, nil
	}

	out := map[string]any{}
	if m, ok := in.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	keys := make([]string, 0, len(cfg.Assign))
	for k := range cfg.Assign {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := rc.Eval.Eval(cfg.Assign[k], env)
		if err != nil {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: fmt.Sprintf("assign %q: %v", k, err)}, nil
		}
		out[k] = value
	}
	return flow.Result{Outputs: map[string]any{flow.PortResult: out}}, nil
}

// FileRunner performs file-style operations over the memory store's
// document space, keeping runners free of direct filesystem access.
type FileRunner struct{}

type fileConfig struct {
	Operation  string `json:"operation" validate:"required,oneof=read write delete list"`
	Collection string `json:"collection,omitempty"`
	Path       string `json:"path,omitempty"`
	Content    any    `json:"content,omitempty"`
}

// Run implements flow.Runner.
func (FileRunner) Run(ctx context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg fileConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	if rc.Memory == nil {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "no memory store configured"}, nil
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "files"
	}
	if cfg.Operation != "list" && cfg.Path == "" {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: cfg.Operation + " requires a path"}, nil
	}

	switch cfg.Operation {
	case "read":
		value, err := rc.Memory.Get(ctx, collection, cfg.Path)
		if errors.Is(err, adapter.ErrKeyNotFound) {
			return flow.Result{Outputs: map[string]any{flow.PortResult: nil, "found": false}}, nil
		}
		if err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: value, "found": true}}, nil
	case "write":
		content := cfg.Content
		if content == nil {
			content = rc.MainInput()
		}
		if err := rc.Memory.Put(ctx, collection, cfg.Path, content); err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: map[string]any{"path": cfg.Path, "written": true}}}, nil
	case "delete":
		if err := rc.Memory.Delete(ctx, collection, cfg.Path); err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: map[string]any{"path": cfg.Path, "deleted": true}}}, nil
	default: // list
		entries, err := rc.Memory.Search(ctx, collection, cfg.Path, 0)
		if err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		paths := make([]any, len(entries))
		for i, e := range entries {
			paths[i] = e.Key
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: paths}}, nil
	}
}

// failFromError converts a config decode error into a Fail outcome,
// preserving the structured kind when present.
func failFromError(err error) flow.Fail {
	var fe *flow.Error
	if errors.As(err, &fe) {
		return flow.Fail{Kind: fe.Kind, Message: fe.Message, Advice: fe.Advice}
	}
	return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: err.Error()}
}
