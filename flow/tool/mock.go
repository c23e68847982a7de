package tool

import (
	"context"
	"sync"

	"github.com/sageflow/sageflow-go/flow/model"
)

// Mock is a scriptable Tool for tests. It records every call and
// answers from a fixed response or a handler function.
type Mock struct {
	ToolName    string
	Description string

	// Response is returned when Handler is nil.
	Response map[string]any

	// Err is returned when non-nil.
	Err error

	// Handler, when set, computes the response per call.
	Handler func(input map[string]any) (map[string]any, error)

	mu    sync.Mutex
	calls []map[string]any
}

// Name implements Tool.
func (m *Mock) Name() string { return m.ToolName }

// Spec implements Tool.
func (m *Mock) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        m.ToolName,
		Description: m.Description,
		Schema:      map[string]any{"type": "object"},
	}
}

// Call implements Tool.
func (m *Mock) Call(_ context.Context, input map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.Handler != nil {
		return m.Handler(input)
	}
	return m.Response, nil
}

// Calls returns a copy of the recorded inputs.
func (m *Mock) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the tool was invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
