package runner

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sageflow/sageflow-go/flow"
)

// runCtx builds a minimal RunContext for direct runner tests.
func runCtx(n *flow.Node, input any) *flow.RunContext {
	return &flow.RunContext{
		Node:    n,
		Inputs:  map[string]any{flow.PortInput: input},
		Eval:    flow.NewEvaluator(),
		Attempt: 1,
	}
}

func wantResult(t *testing.T, out flow.Outcome, err error) flow.Result {
	t.Helper()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	res, ok := out.(flow.Result)
	if !ok {
		t.Fatalf("outcome = %#v, want Result", out)
	}
	return res
}

func wantFail(t *testing.T, out flow.Outcome, err error, kind flow.Kind) flow.Fail {
	t.Helper()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f, ok := out.(flow.Fail)
	if !ok {
		t.Fatalf("outcome = %#v, want Fail", out)
	}
	if f.Kind != kind {
		t.Errorf("Kind = %s, want %s", f.Kind, kind)
	}
	return f
}

func TestIfRunner(t *testing.T) {
	node := func(condition string) *flow.Node {
		return &flow.Node{
			ID: "gate", Type: flow.TypeFlow, Subtype: flow.SubtypeIf,
			Config:  map[string]any{"condition": condition},
			Outputs: []flow.Port{{Name: "true"}, {Name: "false"}},
		}
	}

	t.Run("true branch", func(t *testing.T) {
		in := map[string]any{"amount": 120}
		out, err := IfRunner{}.Run(context.Background(), runCtx(node("amount > 100"), in))
		res := wantResult(t, out, err)
		if !reflect.DeepEqual(res.Outputs, map[string]any{"true": in}) {
			t.Errorf("Outputs = %v", res.Outputs)
		}
	})

	t.Run("false branch", func(t *testing.T) {
		in := map[string]any{"amount": 20}
		out, err := IfRunner{}.Run(context.Background(), runCtx(node("amount > 100"), in))
		res := wantResult(t, out, err)
		if _, ok := res.Outputs["false"]; !ok {
			t.Errorf("Outputs = %v, want value on false", res.Outputs)
		}
		if _, ok := res.Outputs["true"]; ok {
			t.Error("true port also produced")
		}
	})

	t.Run("non-boolean condition", func(t *testing.T) {
		out, err := IfRunner{}.Run(context.Background(), runCtx(node(`"yes"`), map[string]any{}))
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})

	t.Run("missing condition", func(t *testing.T) {
		n := &flow.Node{ID: "gate", Type: flow.TypeFlow, Subtype: flow.SubtypeIf}
		out, err := IfRunner{}.Run(context.Background(), runCtx(n, nil))
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})
}

func TestSwitchRunner(t *testing.T) {
	node := &flow.Node{
		ID: "route", Type: flow.TypeFlow, Subtype: flow.SubtypeSwitch,
		Config:  map[string]any{"selector": "tier"},
		Outputs: []flow.Port{{Name: "gold"}, {Name: "silver"}, {Name: "default"}},
	}

	t.Run("matching case port", func(t *testing.T) {
		in := map[string]any{"tier": "gold"}
		out, err := SwitchRunner{}.Run(context.Background(), runCtx(node, in))
		res := wantResult(t, out, err)
		if !reflect.DeepEqual(res.Outputs, map[string]any{"gold": in}) {
			t.Errorf("Outputs = %v", res.Outputs)
		}
	})

	t.Run("unmatched selector falls to default", func(t *testing.T) {
		in := map[string]any{"tier": "bronze"}
		out, err := SwitchRunner{}.Run(context.Background(), runCtx(node, in))
		res := wantResult(t, out, err)
		if _, ok := res.Outputs["default"]; !ok {
			t.Errorf("Outputs = %v, want value on default", res.Outputs)
		}
	})

	t.Run("non-string selector values stringify", func(t *testing.T) {
		n := &flow.Node{
			ID: "route", Type: flow.TypeFlow, Subtype: flow.SubtypeSwitch,
			Config:  map[string]any{"selector": "code"},
			Outputs: []flow.Port{{Name: "404"}, {Name: "default"}},
		}
		out, err := SwitchRunner{}.Run(context.Background(), runCtx(n, map[string]any{"code": 404}))
		res := wantResult(t, out, err)
		if _, ok := res.Outputs["404"]; !ok {
			t.Errorf("Outputs = %v, want value on 404", res.Outputs)
		}
	})
}

func TestFilterRunner(t *testing.T) {
	node := func(predicate string) *flow.Node {
		return &flow.Node{
			ID: "keep", Type: flow.TypeFlow, Subtype: flow.SubtypeFilter,
			Config: map[string]any{"predicate": predicate},
		}
	}

	t.Run("keeps matching items", func(t *testing.T) {
		items := []any{
			map[string]any{"name": "a", "score": 3},
			map[string]any{"name": "b", "score": 9},
			map[string]any{"name": "c", "score": 7},
		}
		out, err := FilterRunner{}.Run(context.Background(), runCtx(node("score > 5"), items))
		res := wantResult(t, out, err)
		kept := res.Outputs[flow.PortResult].([]any)
		if len(kept) != 2 {
			t.Fatalf("kept %d items, want 2", len(kept))
		}
	})

	t.Run("item binding covers scalars", func(t *testing.T) {
		out, err := FilterRunner{}.Run(context.Background(), runCtx(node("item % 2 == 0"), []any{1, 2, 3, 4}))
		res := wantResult(t, out, err)
		if !reflect.DeepEqual(res.Outputs[flow.PortResult], []any{2, 4}) {
			t.Errorf("kept = %v", res.Outputs[flow.PortResult])
		}
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		out, err := FilterRunner{}.Run(context.Background(), runCtx(node("false"), []any{1, 2}))
		res := wantResult(t, out, err)
		kept := res.Outputs[flow.PortResult].([]any)
		if kept == nil || len(kept) != 0 {
			t.Errorf("kept = %#v, want empty non-nil slice", kept)
		}
	})

	t.Run("non-array input", func(t *testing.T) {
		out, err := FilterRunner{}.Run(context.Background(), runCtx(node("true"), map[string]any{"x": 1}))
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})
}

func TestForEachRunner(t *testing.T) {
	t.Run("array input yields a loop plan", func(t *testing.T) {
		n := &flow.Node{ID: "each", Type: flow.TypeFlow, Subtype: flow.SubtypeForEach}
		out, err := ForEachRunner{}.Run(context.Background(), runCtx(n, []any{1, 2, 3}))
		res := wantResult(t, out, err)
		if res.Loop == nil {
			t.Fatal("no loop plan")
		}
		if !reflect.DeepEqual(res.Loop.Items, []any{1, 2, 3}) {
			t.Errorf("Items = %v", res.Loop.Items)
		}
	})

	t.Run("items_expression selects the array", func(t *testing.T) {
		n := &flow.Node{
			ID: "each", Type: flow.TypeFlow, Subtype: flow.SubtypeForEach,
			Config: map[string]any{"items_expression": "batch.rows", "max_iterations": 2},
		}
		in := map[string]any{"batch": map[string]any{"rows": []any{"x", "y", "z"}}}
		out, err := ForEachRunner{}.Run(context.Background(), runCtx(n, in))
		res := wantResult(t, out, err)
		if res.Loop == nil || len(res.Loop.Items) != 3 {
			t.Fatalf("Loop = %+v", res.Loop)
		}
		if res.Loop.MaxIterations != 2 {
			t.Errorf("MaxIterations = %d, want 2", res.Loop.MaxIterations)
		}
	})

	t.Run("non-array source", func(t *testing.T) {
		n := &flow.Node{ID: "each", Type: flow.TypeFlow, Subtype: flow.SubtypeForEach}
		out, err := ForEachRunner{}.Run(context.Background(), runCtx(n, "not items"))
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})
}

func TestMergeRunner(t *testing.T) {
	t.Run("pass-through for wait strategies", func(t *testing.T) {
		n := &flow.Node{ID: "join", Type: flow.TypeFlow, Subtype: flow.SubtypeMerge}
		in := []any{map[string]any{"a": 1}, map[string]any{"b": 2}}
		out, err := MergeRunner{}.Run(context.Background(), runCtx(n, in))
		res := wantResult(t, out, err)
		if !reflect.DeepEqual(res.Outputs[flow.PortResult], in) {
			t.Errorf("result = %v", res.Outputs[flow.PortResult])
		}
	})

	t.Run("merge_objects folds branch outputs", func(t *testing.T) {
		n := &flow.Node{
			ID: "join", Type: flow.TypeFlow, Subtype: flow.SubtypeMerge,
			Config: map[string]any{"strategy": "merge_objects"},
		}
		in := []any{map[string]any{"a": 1}, map[string]any{"b": 2, "a": 3}}
		out, err := MergeRunner{}.Run(context.Background(), runCtx(n, in))
		res := wantResult(t, out, err)
		want := map[string]any{"a": 3, "b": 2}
		if !reflect.DeepEqual(res.Outputs[flow.PortResult], want) {
			t.Errorf("result = %v, want %v", res.Outputs[flow.PortResult], want)
		}
	})

	t.Run("merge_objects rejects non-object branches", func(t *testing.T) {
		n := &flow.Node{
			ID: "join", Type: flow.TypeFlow, Subtype: flow.SubtypeMerge,
			Config: map[string]any{"strategy": "merge_objects"},
		}
		out, err := MergeRunner{}.Run(context.Background(), runCtx(n, []any{map[string]any{"a": 1}, 42}))
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})
}

func TestWaitRunner(t *testing.T) {
	t.Run("valid duration pauses as a timer", func(t *testing.T) {
		n := &flow.Node{
			ID: "hold", Type: flow.TypeFlow, Subtype: flow.SubtypeWait,
			Config: map[string]any{"duration": "2d"},
		}
		out, err := WaitRunner{}.Run(context.Background(), runCtx(n, nil))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		w, ok := out.(flow.Wait)
		if !ok {
			t.Fatalf("outcome = %#v, want Wait", out)
		}
		if w.Reason != flow.PauseTimer {
			t.Errorf("Reason = %s", w.Reason)
		}
		if w.Timeout != 48*time.Hour {
			t.Errorf("Timeout = %v", w.Timeout)
		}
		if w.Action != flow.TimeoutContinue {
			t.Errorf("Action = %s", w.Action)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		n := &flow.Node{
			ID: "hold", Type: flow.TypeFlow, Subtype: flow.SubtypeWait,
			Config: map[string]any{"duration": "whenever"},
		}
		out, err := WaitRunner{}.Run(context.Background(), runCtx(n, nil))
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})
}

func TestFailFromError(t *testing.T) {
	structured := &flow.Error{Kind: flow.KindProviderError, Message: "boom", Advice: "retry later"}
	f := failFromError(structured)
	if f.Kind != flow.KindProviderError || f.Advice != "retry later" {
		t.Errorf("failFromError(structured) = %+v", f)
	}
	f = failFromError(errors.New("plain"))
	if f.Kind != flow.KindInvalidConfiguration || f.Message != "plain" {
		t.Errorf("failFromError(plain) = %+v", f)
	}
}
