package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/sageflow/sageflow-go/flow/model"
)

type mockClient struct {
	modelName string
	req       model.Request
	resp      model.Response
	err       error
	closed    bool
}

func (m *mockClient) generate(_ context.Context, modelName string, req model.Request) (model.Response, error) {
	m.modelName = modelName
	m.req = req
	return m.resp, m.err
}

func (m *mockClient) close() error {
	m.closed = true
	return nil
}

func TestProvider_Complete(t *testing.T) {
	t.Run("uses provider default model", func(t *testing.T) {
		mock := &mockClient{resp: model.Response{Text: "hello"}}
		p := &Provider{client: mock, model: DefaultModel}

		resp, err := p.Complete(context.Background(), model.Request{
			Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
		})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Text != "hello" {
			t.Errorf("Text = %q", resp.Text)
		}
		if mock.modelName != DefaultModel {
			t.Errorf("model = %q, want %q", mock.modelName, DefaultModel)
		}
	})

	t.Run("request model wins", func(t *testing.T) {
		mock := &mockClient{}
		p := &Provider{client: mock, model: DefaultModel}

		_, err := p.Complete(context.Background(), model.Request{
			Model:    "gemini-1.5-pro",
			Messages: []model.Message{{Role: model.RoleUser, Content: "x"}},
		})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if mock.modelName != "gemini-1.5-pro" {
			t.Errorf("model = %q", mock.modelName)
		}
	})

	t.Run("quota errors are permanent", func(t *testing.T) {
		mock := &mockClient{err: errors.New("quota exceeded for project")}
		p := &Provider{client: mock, model: DefaultModel}

		_, err := p.Complete(context.Background(), model.Request{
			Messages: []model.Message{{Role: model.RoleUser, Content: "x"}},
		})
		var perr *model.ProviderError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ProviderError, got %v", err)
		}
		if perr.Code != "quota_exceeded" || perr.Retryable {
			t.Errorf("classification = %+v", perr)
		}
	})
}

func TestProvider_Close(t *testing.T) {
	mock := &mockClient{}
	p := &Provider{client: mock, model: DefaultModel}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mock.closed {
		t.Error("underlying client not closed")
	}
}

func TestToSchema(t *testing.T) {
	got := toSchema(map[string]any{
		"type":        "object",
		"description": "query input",
		"properties": map[string]any{
			"q":     map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"q"},
	})

	if got.Type != genai.TypeObject {
		t.Errorf("type = %v", got.Type)
	}
	if got.Description != "query input" {
		t.Errorf("description = %q", got.Description)
	}
	if got.Properties["q"].Type != genai.TypeString {
		t.Errorf("q type = %v", got.Properties["q"].Type)
	}
	if got.Properties["tags"].Items == nil || got.Properties["tags"].Items.Type != genai.TypeString {
		t.Errorf("tags items = %+v", got.Properties["tags"].Items)
	}
	if len(got.Required) != 1 || got.Required[0] != "q" {
		t.Errorf("required = %v", got.Required)
	}

	if toSchema(nil) != nil {
		t.Error("nil schema should map to nil")
	}
}
