// Package anthropic adapts Anthropic's Claude models to the Provider
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sageflow/sageflow-go/flow/model"
)

// DefaultModel is used when neither the provider nor the request names
// a model.
const DefaultModel = "claude-3-5-sonnet-20241022"

const defaultMaxTokens = 4096

// client abstracts the SDK call so tests can substitute a mock.
type client interface {
	complete(ctx context.Context, params anthropic.MessageNewParams) (model.Response, error)
}

// Provider calls the Anthropic Messages API.
//
// Safe for concurrent use; the underlying SDK client handles concurrent
// requests.
type Provider struct {
	client client
	model  string
}

// New creates an Anthropic provider. An empty modelName selects
// DefaultModel. The API key comes from the caller, typically via the
// credential vault or environment.
func New(apiKey, modelName string) *Provider {
	if modelName == "" {
		modelName = DefaultModel
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Provider{
		client: &sdkClient{c: &c},
		model:  modelName,
	}
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Complete implements model.Provider by issuing one Messages API call.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := p.client.complete(ctx, p.buildParams(req))
	if err != nil {
		return model.Response{}, model.ClassifyError(p.Name(), err)
	}
	return resp, nil
}

func (p *Provider) buildParams(req model.Request) anthropic.MessageNewParams {
	name := req.Model
	if name == "" {
		name = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(name),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	for _, t := range req.Tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: toolSchema(t.Schema),
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params
}

func toolSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	var out anthropic.ToolInputSchemaParam
	if schema == nil {
		return out
	}
	if props, ok := schema["properties"]; ok {
		out.Properties = props
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// sdkClient is the production client backed by anthropic-sdk-go.
type sdkClient struct {
	c *anthropic.Client
}

func (s *sdkClient) complete(ctx context.Context, params anthropic.MessageNewParams) (model.Response, error) {
	message, err := s.c.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, err
	}
	return parseMessage(message), nil
}

func parseMessage(message *anthropic.Message) model.Response {
	var sb strings.Builder
	var calls []model.ToolCall
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			var input map[string]any
			if len(b.Input) > 0 {
				_ = json.Unmarshal(b.Input, &input)
			}
			calls = append(calls, model.ToolCall{ID: b.ID, Name: b.Name, Input: input})
		}
	}
	return model.Response{
		Text:      sb.String(),
		ToolCalls: calls,
		Usage: model.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
}
