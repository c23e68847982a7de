package model

import (
	"context"
	"sync"
)

// MockProvider is a test implementation of Provider.
//
// Use it in tests to drive AI-agent nodes without real API calls:
//   - Responses are returned in order; the last one repeats
//   - Err, when set, is returned instead of a response
//   - Calls records every request for assertions
//
// Example usage:
//
//	mock := &model.MockProvider{
//	    Responses: []model.Response{
//	        {ToolCalls: []model.ToolCall{{Name: "lookup", Input: map[string]any{"q": "x"}}}},
//	        {Text: "done"},
//	    },
//	}
type MockProvider struct {
	// ProviderName overrides the default name "mock".
	ProviderName string

	// Responses is the scripted sequence to return. When exhausted, the
	// last response repeats.
	Responses []Response

	// Err, if set, is returned by every Complete call.
	Err error

	// Calls records every Complete invocation.
	Calls []Request

	mu    sync.Mutex
	index int
}

// Name implements Provider.
func (m *MockProvider) Name() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}

// Complete implements Provider. The call is recorded even when Err is
// configured.
func (m *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{Text: "mock response"}, nil
	}

	resp := m.Responses[m.index]
	if m.index < len(m.Responses)-1 {
		m.index++
	}
	return resp, nil
}

// CallCount returns how many times Complete has been invoked.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
