// Package tool defines executable tools that AI agents and TOOL nodes
// invoke: HTTP calls, sandboxed code, web scraping, and test mocks.
package tool

import (
	"context"

	"github.com/sageflow/sageflow-go/flow/model"
)

// Tool is one effectful capability. Tools are invoked inline from
// within AI agent runs (wired by AI_TOOL edges) or as first-class TOOL
// nodes in the graph.
//
// Implementations must validate their input, respect context
// cancellation, and return structured output. They should be idempotent
// where the underlying effect allows it.
type Tool interface {
	// Name is the identifier the model uses to request this tool.
	// Lowercase with underscores: "fetch_url", "run_code".
	Name() string

	// Spec describes the tool to the model: name, what it does, and a
	// JSON Schema for its input.
	Spec() model.ToolSpec

	// Call executes the tool.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}
