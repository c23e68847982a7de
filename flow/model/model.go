// Package model provides AI provider adapters.
package model

import "context"

// Provider is the interface AI-agent nodes use to call a language model.
//
// It abstracts the differences between providers (OpenAI, Anthropic,
// Google) behind one completion call. Implementations handle
// provider-specific authentication, request shaping, and response
// parsing, and respect context cancellation.
//
// Example usage:
//
//	provider := openai.New(apiKey, "gpt-4o")
//	resp, err := provider.Complete(ctx, model.Request{
//	    System:   "You are a release manager.",
//	    Messages: []model.Message{{Role: model.RoleUser, Content: "Summarize the changelog."}},
//	})
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string

	// Complete sends the request to the model and returns its response.
	// The model may answer with text, tool calls, or both.
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request describes one completion call.
type Request struct {
	// Model selects the provider model. Empty uses the provider default.
	Model string

	// System sets behavior and context. Optional.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools the model may call. Nil when tool use is not wanted.
	Tools []ToolSpec

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature, when > 0, overrides the provider default.
	Temperature float64
}

// Message is a single turn in a model conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content is the message text. May be empty for tool-only turns.
	Content string
}

// Standard conversation roles, aligned with the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolSpec describes a tool the model may request.
//
// Schema follows JSON Schema and describes the tool's input parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is the model asking for a tool invocation.
type ToolCall struct {
	// ID correlates the call with its result message, when the provider
	// assigns one.
	ID string

	// Name matches a ToolSpec.Name from the request.
	Name string

	// Input holds the arguments, shaped by the tool's schema.
	Input map[string]any
}

// Response is the model's answer to a Request.
type Response struct {
	// Text is the generated reply. May be empty when the model only
	// wants tools invoked.
	Text string

	// ToolCalls lists the tools the model wants run before it can
	// produce a final answer.
	ToolCalls []ToolCall

	// Usage reports token consumption for cost accounting.
	Usage Usage
}

// Usage counts tokens consumed by one or more completion calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage reading into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
