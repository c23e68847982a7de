package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/model"
)

// HTTPTool performs one HTTP request described by its input. All
// traffic goes through the adapter.Invoker, inheriting its rate limits
// and circuit breaking.
//
// Input: {"url": string, "method"?: string, "headers"?: object,
// "body"?: any}. Output: {"status": int, "body": parsed JSON or string}.
type HTTPTool struct {
	invoker adapter.Invoker
}

// NewHTTPTool creates an HTTPTool over the given invoker.
func NewHTTPTool(invoker adapter.Invoker) *HTTPTool {
	return &HTTPTool{invoker: invoker}
}

// Name implements Tool.
func (t *HTTPTool) Name() string { return "http_request" }

// Spec implements Tool.
func (t *HTTPTool) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        t.Name(),
		Description: "Perform an HTTP request and return the status and parsed body.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":     map[string]any{"type": "string", "description": "Absolute URL to request"},
				"method":  map[string]any{"type": "string", "description": "HTTP method, default GET"},
				"headers": map[string]any{"type": "object"},
				"body":    map[string]any{"description": "Request body, JSON-encoded when not a string"},
			},
			"required": []string{"url"},
		},
	}
}

// Call implements Tool.
func (t *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	rawURL, _ := input["url"].(string)
	if rawURL == "" {
		return nil, errors.New("http_request: url is required")
	}
	method, _ := input["method"].(string)
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	headers := make(map[string]string)
	if hs, ok := input["headers"].(map[string]any); ok {
		for k, v := range hs {
			headers[k] = fmt.Sprint(v)
		}
	}

	var body []byte
	switch b := input["body"].(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		var err error
		body, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("http_request: encode body: %w", err)
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	resp, err := t.invoker.Do(ctx, adapter.Request{Method: method, URL: rawURL, Headers: headers, Body: body})
	if err != nil {
		return nil, err
	}

	out := map[string]any{"status": resp.Status}
	var parsed any
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &parsed) == nil {
		out["body"] = parsed
	} else {
		out["body"] = string(resp.Body)
	}
	return out, nil
}
