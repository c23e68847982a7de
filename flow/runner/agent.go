package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/model"
)

// DefaultMaxToolRounds caps how many tool-call rounds an agent may run
// before the engine demands a final answer.
const DefaultMaxToolRounds = 5

// AgentRunner drives one model conversation: system prompt plus the
// node's input context, tools bound from AI_TOOL edges, an optional
// memory collection consulted before and written after, and a bounded
// tool-call loop. Token usage from every round is accumulated onto the
// outcome for cost accounting.
type AgentRunner struct{}

type agentConfig struct {
	Prompt        string  `json:"prompt" validate:"required"`
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty" validate:"omitempty,min=1"`
	Temperature   float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	MaxToolRounds int     `json:"max_tool_rounds,omitempty" validate:"omitempty,min=1,max=25"`

	// MemoryCollection, when set, is searched for context before the
	// first round and receives the final answer after.
	MemoryCollection string `json:"memory_collection,omitempty"`
}

// Run implements flow.Runner.
func (AgentRunner) Run(ctx context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg agentConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}

	provider, fail := selectProvider(rc, cfg.Provider)
	if fail != nil {
		return *fail, nil
	}

	system := cfg.Prompt
	if cfg.MemoryCollection != "" && rc.Memory != nil {
		if recalled := recallContext(ctx, rc, cfg.MemoryCollection); recalled != "" {
			system += "\n\nRelevant context from memory:\n" + recalled
		}
	}

	var specs []model.ToolSpec
	for _, t := range rc.Tools {
		specs = append(specs, t.Spec())
	}

	messages := []model.Message{{Role: model.RoleUser, Content: renderInput(rc.MainInput())}}
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}

	var usage model.Usage
	for round := 0; ; round++ {
		resp, err := provider.Complete(ctx, model.Request{
			Model:       cfg.Model,
			System:      system,
			Messages:    messages,
			Tools:       specs,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			if cfg.MemoryCollection != "" && rc.Memory != nil {
				key := rc.ExecutionID + "/" + rc.Node.ID
				if err := rc.Memory.Put(ctx, cfg.MemoryCollection, key, resp.Text); err != nil {
					rc.Log.Warn().Err(err).Str("collection", cfg.MemoryCollection).Msg("memory write failed")
				}
			}
			return flow.Result{
				Outputs: map[string]any{"text": resp.Text},
				Usage:   usage,
			}, nil
		}

		if round >= rounds {
			return flow.Fail{
				Kind:    flow.KindProviderError,
				Message: fmt.Sprintf("agent exceeded %d tool rounds without a final answer", rounds),
			}, nil
		}

		if resp.Text != "" {
			messages = append(messages, model.Message{Role: model.RoleAssistant, Content: resp.Text})
		}
		for _, call := range resp.ToolCalls {
			result := runTool(ctx, rc, call)
			messages = append(messages, model.Message{
				Role:    model.RoleTool,
				Content: fmt.Sprintf("[%s] %s", call.Name, result),
			})
		}
	}
}

// selectProvider resolves the agent's provider: a named registry entry
// when configured, otherwise the engine default.
func selectProvider(rc *flow.RunContext, name string) (model.Provider, *flow.Fail) {
	if name != "" {
		if rc.Models == nil {
			return nil, &flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "no model registry configured"}
		}
		p, err := rc.Models.Get(name)
		if err != nil {
			return nil, &flow.Fail{Kind: flow.KindInvalidConfiguration, Message: err.Error()}
		}
		return p, nil
	}
	if rc.AI == nil {
		return nil, &flow.Fail{
			Kind:    flow.KindInvalidConfiguration,
			Message: "no AI provider configured",
			Advice:  "Configure a provider with WithAIProvider or WithModelRegistry",
		}
	}
	return rc.AI, nil
}

func recallContext(ctx context.Context, rc *flow.RunContext, collection string) string {
	entries, err := rc.Memory.Search(ctx, collection, renderInput(rc.MainInput()), 3)
	if err != nil || len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s\n", renderInput(e.Value))
	}
	return b.String()
}

// runTool dispatches one requested tool call against the bound tools.
// An unknown tool or a tool error becomes an error string in the
// conversation rather than a node failure; the model decides what to do
// with it.
func runTool(ctx context.Context, rc *flow.RunContext, call model.ToolCall) string {
	for _, t := range rc.Tools {
		if t.Name() != call.Name {
			continue
		}
		out, err := t.Call(ctx, call.Input)
		if err != nil {
			return "error: " + err.Error()
		}
		return renderInput(out)
	}
	return fmt.Sprintf("error: no tool named %q is attached", call.Name)
}

// renderInput turns an arbitrary value into conversation text: strings
// pass through, everything else is JSON.
func renderInput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
