// Package openai adapts OpenAI chat models to the Provider interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/sageflow/sageflow-go/flow/model"
)

// DefaultModel is used when neither the provider nor the request names
// a model.
const DefaultModel = "gpt-4o"

// client abstracts the SDK call so tests can substitute a mock.
type client interface {
	complete(ctx context.Context, params openai.ChatCompletionNewParams) (model.Response, error)
}

// Provider calls the OpenAI Chat Completions API.
//
// Safe for concurrent use; the underlying SDK client handles
// thread-safety internally.
type Provider struct {
	client client
	model  string
}

// New creates an OpenAI provider. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string) *Provider {
	if modelName == "" {
		modelName = DefaultModel
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return &Provider{
		client: &sdkClient{c: &c},
		model:  modelName,
	}
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "openai" }

// Complete implements model.Provider by issuing one chat completion.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := p.client.complete(ctx, p.buildParams(req))
	if err != nil {
		return model.Response{}, model.ClassifyError(p.Name(), err)
	}
	return resp, nil
}

func (p *Provider) buildParams(req model.Request) openai.ChatCompletionNewParams {
	name := req.Model
	if name == "" {
		name = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(name),
	}
	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
		case model.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}
	for _, t := range req.Tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(t.Schema),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(fn))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

// sdkClient is the production client backed by openai-go.
type sdkClient struct {
	c *openai.Client
}

func (s *sdkClient) complete(ctx context.Context, params openai.ChatCompletionNewParams) (model.Response, error) {
	completion, err := s.c.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, err
	}
	if len(completion.Choices) == 0 {
		return model.Response{}, errors.New("no choices in response")
	}

	message := completion.Choices[0].Message
	resp := model.Response{
		Text: message.Content,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return resp, nil
}
