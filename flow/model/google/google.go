// Package google adapts Google's Gemini models to the Provider
// interface.
package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/sageflow/sageflow-go/flow/model"
)

// DefaultModel is used when neither the provider nor the request names
// a model.
const DefaultModel = "gemini-1.5-flash"

// client abstracts the SDK call so tests can substitute a mock.
type client interface {
	generate(ctx context.Context, modelName string, req model.Request) (model.Response, error)
	close() error
}

// Provider calls the Gemini API.
//
// Close releases the underlying gRPC connection; call it when the
// provider is no longer needed.
type Provider struct {
	client client
	model  string
}

// New creates a Gemini provider. An empty modelName selects
// DefaultModel.
func New(ctx context.Context, apiKey, modelName string) (*Provider, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{
		client: &sdkClient{c: c},
		model:  modelName,
	}, nil
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "google" }

// Complete implements model.Provider by issuing one generate call.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	name := req.Model
	if name == "" {
		name = p.model
	}
	resp, err := p.client.generate(ctx, name, req)
	if err != nil {
		return model.Response{}, model.ClassifyError(p.Name(), err)
	}
	return resp, nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	return p.client.close()
}

// sdkClient is the production client backed by generative-ai-go.
type sdkClient struct {
	c *genai.Client
}

func (s *sdkClient) generate(ctx context.Context, modelName string, req model.Request) (model.Response, error) {
	m := s.c.GenerativeModel(modelName)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		m.SetTemperature(float32(req.Temperature))
	}
	for _, t := range req.Tools {
		m.Tools = append(m.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.Schema),
			}},
		})
	}

	if len(req.Messages) == 0 {
		return model.Response{}, fmt.Errorf("no messages in request")
	}

	// Gemini takes the conversation as chat history plus the latest turn.
	cs := m.StartChat()
	for _, msg := range req.Messages[:len(req.Messages)-1] {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	last := req.Messages[len(req.Messages)-1]

	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return model.Response{}, err
	}
	return parseResponse(resp), nil
}

func (s *sdkClient) close() error {
	return s.c.Close()
}

func parseResponse(resp *genai.GenerateContentResponse) model.Response {
	var out model.Response
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				sb.WriteString(string(p))
			case genai.FunctionCall:
				out.ToolCalls = append(out.ToolCalls, model.ToolCall{
					Name:  p.Name,
					Input: p.Args,
				})
			}
		}
	}
	out.Text = sb.String()
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out
}

// toSchema converts a JSON Schema map into the genai schema type,
// covering the subset tools use: object/array nesting, scalar types,
// required, enum, description.
func toSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: schemaType(schema["type"])}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]any); ok {
				out.Properties[name] = toSchema(subMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = toSchema(items)
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
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func schemaType(t any) genai.Type {
	s, _ := t.(string)
	switch s {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}
