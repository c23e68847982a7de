package tool

import (
	"context"
	"fmt"

	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/model"
)

// MCPTool exposes one operation of a registered external service as an
// agent tool. The model supplies the operation parameters; credentials
// are fixed at bind time, never visible to the model.
type MCPTool struct {
	name        string
	description string
	service     adapter.Service
	operation   string
	cred        adapter.Credential
}

// NewMCPTool binds a service operation under the given tool name.
func NewMCPTool(name, description string, svc adapter.Service, operation string, cred adapter.Credential) *MCPTool {
	return &MCPTool{
		name:        name,
		description: description,
		service:     svc,
		operation:   operation,
		cred:        cred,
	}
}

// Name implements Tool.
func (t *MCPTool) Name() string { return t.name }

// Spec implements Tool.
func (t *MCPTool) Spec() model.ToolSpec {
	desc := t.description
	if desc == "" {
		desc = fmt.Sprintf("Invoke the %s operation of an external service.", t.operation)
	}
	return model.ToolSpec{
		Name:        t.name,
		Description: desc,
		Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
	}
}

// Call implements Tool.
func (t *MCPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	res, err := t.service.Invoke(ctx, t.operation, input, t.cred)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%s: %s", res.ErrorKind, res.Message)
	}
	out := res.Data
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
