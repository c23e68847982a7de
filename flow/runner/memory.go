package runner

import (
	"context"
	"errors"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/adapter"
)

// MemoryRunner reads and writes the keyed memory store. The collection
// defaults to the node's subtype (buffer, key_value, vector, document)
// so different memory styles land in separate namespaces. Writes are
// idempotent by key: re-running a put with the same key overwrites the
// same record.
type MemoryRunner struct{}

type memoryConfig struct {
	Operation  string `json:"operation" validate:"required,oneof=put get search delete"`
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key,omitempty"`
	Query      string `json:"query,omitempty"`
	Limit      int    `json:"limit,omitempty" validate:"omitempty,min=1"`
	Value      any    `json:"value,omitempty"`
}

// Run implements flow.Runner.
func (MemoryRunner) Run(ctx context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg memoryConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	if rc.Memory == nil {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "no memory store configured"}, nil
	}
	collection := cfg.Collection
	if collection == "" {
		collection = rc.Node.Subtype
	}

	switch cfg.Operation {
	case "put":
		if cfg.Key == "" {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "put requires a key"}, nil
		}
		value := cfg.Value
		if value == nil {
			value = rc.MainInput()
		}
		if err := rc.Memory.Put(ctx, collection, cfg.Key, value); err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: map[string]any{"key": cfg.Key, "stored": true}}}, nil

	case "get":
		if cfg.Key == "" {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "get requires a key"}, nil
		}
		value, err := rc.Memory.Get(ctx, collection, cfg.Key)
		if errors.Is(err, adapter.ErrKeyNotFound) {
			return flow.Result{Outputs: map[string]any{flow.PortResult: nil, "found": false}}, nil
		}
		if err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: value, "found": true}}, nil

	case "search":
		query := cfg.Query
		if query == "" {
			if s, ok := rc.MainInput().(string); ok {
				query = s
			}
		}
		entries, err := rc.Memory.Search(ctx, collection, query, cfg.Limit)
		if err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		hits := make([]any, len(entries))
		for i, e := range entries {
			hits[i] = map[string]any{"key": e.Key, "value": e.Value}
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: hits}}, nil

	default: // delete
		if cfg.Key == "" {
			return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "delete requires a key"}, nil
		}
		if err := rc.Memory.Delete(ctx, collection, cfg.Key); err != nil {
			return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
		}
		return flow.Result{Outputs: map[string]any{flow.PortResult: map[string]any{"key": cfg.Key, "deleted": true}}}, nil
	}
}
