package runner

import (
	"context"
	"testing"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/adapter"
)

func memoryNode(subtype string, config map[string]any) *flow.Node {
	return &flow.Node{ID: "mem", Type: flow.TypeMemory, Subtype: subtype, Config: config}
}

func runMemory(t *testing.T, store adapter.MemoryStore, subtype string, config map[string]any, input any) (flow.Outcome, error) {
	t.Helper()
	rc := runCtx(memoryNode(subtype, config), input)
	rc.Memory = store
	return MemoryRunner{}.Run(context.Background(), rc)
}

func TestMemoryRunner_PutGet(t *testing.T) {
	store := adapter.NewInMemStore()

	out, err := runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
		"operation": "put", "key": "greeting", "value": "hello",
	}, nil)
	res := wantResult(t, out, err)
	put := res.Outputs[flow.PortResult].(map[string]any)
	if put["stored"] != true {
		t.Errorf("put result = %v", put)
	}

	out, err = runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
		"operation": "get", "key": "greeting",
	}, nil)
	res = wantResult(t, out, err)
	if res.Outputs[flow.PortResult] != "hello" || res.Outputs["found"] != true {
		t.Errorf("get outputs = %v", res.Outputs)
	}
}

func TestMemoryRunner_PutValueDefaultsToInput(t *testing.T) {
	store := adapter.NewInMemStore()
	out, err := runMemory(t, store, flow.SubtypeBuffer, map[string]any{
		"operation": "put", "key": "turn-1",
	}, map[string]any{"role": "user", "text": "hi"})
	wantResult(t, out, err)

	out, err = runMemory(t, store, flow.SubtypeBuffer, map[string]any{
		"operation": "get", "key": "turn-1",
	}, nil)
	res := wantResult(t, out, err)
	got := res.Outputs[flow.PortResult].(map[string]any)
	if got["text"] != "hi" {
		t.Errorf("stored = %v", got)
	}
}

func TestMemoryRunner_CollectionsDefaultToSubtype(t *testing.T) {
	store := adapter.NewInMemStore()
	out, err := runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
		"operation": "put", "key": "k", "value": 1,
	}, nil)
	wantResult(t, out, err)

	// Same key under a different subtype lands in another namespace.
	out, err = runMemory(t, store, flow.SubtypeDocument, map[string]any{
		"operation": "get", "key": "k",
	}, nil)
	res := wantResult(t, out, err)
	if res.Outputs["found"] != false {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestMemoryRunner_PutIsIdempotentByKey(t *testing.T) {
	store := adapter.NewInMemStore()
	for _, v := range []any{"first", "second"} {
		out, err := runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
			"operation": "put", "key": "slot", "value": v,
		}, nil)
		wantResult(t, out, err)
	}
	out, err := runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
		"operation": "search",
	}, nil)
	res := wantResult(t, out, err)
	hits := res.Outputs[flow.PortResult].([]any)
	if len(hits) != 1 {
		t.Fatalf("hits = %v", hits)
	}
	hit := hits[0].(map[string]any)
	if hit["value"] != "second" {
		t.Errorf("hit = %v", hit)
	}
}

func TestMemoryRunner_Search(t *testing.T) {
	store := adapter.NewInMemStore()
	seed := map[string]string{
		"n1": "invoice overdue for acme",
		"n2": "meeting notes from standup",
		"n3": "acme renewal invoice draft",
	}
	for k, v := range seed {
		out, err := runMemory(t, store, flow.SubtypeDocument, map[string]any{
			"operation": "put", "key": k, "value": v,
		}, nil)
		wantResult(t, out, err)
	}

	t.Run("configured query", func(t *testing.T) {
		out, err := runMemory(t, store, flow.SubtypeDocument, map[string]any{
			"operation": "search", "query": "acme invoice", "limit": 5,
		}, nil)
		res := wantResult(t, out, err)
		hits := res.Outputs[flow.PortResult].([]any)
		if len(hits) != 2 {
			t.Fatalf("hits = %v", hits)
		}
	})

	t.Run("query falls back to string input", func(t *testing.T) {
		out, err := runMemory(t, store, flow.SubtypeDocument, map[string]any{
			"operation": "search",
		}, "standup")
		res := wantResult(t, out, err)
		hits := res.Outputs[flow.PortResult].([]any)
		if len(hits) != 1 {
			t.Fatalf("hits = %v", hits)
		}
		if hits[0].(map[string]any)["key"] != "n2" {
			t.Errorf("hit = %v", hits[0])
		}
	})

	t.Run("limit caps results", func(t *testing.T) {
		out, err := runMemory(t, store, flow.SubtypeDocument, map[string]any{
			"operation": "search", "query": "invoice", "limit": 1,
		}, nil)
		res := wantResult(t, out, err)
		hits := res.Outputs[flow.PortResult].([]any)
		if len(hits) != 1 {
			t.Errorf("hits = %v", hits)
		}
	})
}

func TestMemoryRunner_Delete(t *testing.T) {
	store := adapter.NewInMemStore()
	out, err := runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
		"operation": "put", "key": "gone", "value": 1,
	}, nil)
	wantResult(t, out, err)
	out, err = runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
		"operation": "delete", "key": "gone",
	}, nil)
	wantResult(t, out, err)
	out, err = runMemory(t, store, flow.SubtypeKeyValue, map[string]any{
		"operation": "get", "key": "gone",
	}, nil)
	res := wantResult(t, out, err)
	if res.Outputs["found"] != false {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestMemoryRunner_Validation(t *testing.T) {
	store := adapter.NewInMemStore()
	tests := []struct {
		name   string
		config map[string]any
	}{
		{"unknown operation", map[string]any{"operation": "truncate"}},
		{"put without key", map[string]any{"operation": "put"}},
		{"get without key", map[string]any{"operation": "get"}},
		{"delete without key", map[string]any{"operation": "delete"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runMemory(t, store, flow.SubtypeKeyValue, tt.config, nil)
			wantFail(t, out, err, flow.KindInvalidConfiguration)
		})
	}

	t.Run("no store configured", func(t *testing.T) {
		rc := runCtx(memoryNode(flow.SubtypeKeyValue, map[string]any{"operation": "get", "key": "k"}), nil)
		out, err := MemoryRunner{}.Run(context.Background(), rc)
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})
}
