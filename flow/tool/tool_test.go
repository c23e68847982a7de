package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sageflow/sageflow-go/flow/adapter"
)

// fakeInvoker records the last request and plays back a canned response.
type fakeInvoker struct {
	last adapter.Request
	resp adapter.Response
	err  error
}

func (f *fakeInvoker) Do(_ context.Context, req adapter.Request) (adapter.Response, error) {
	f.last = req
	return f.resp, f.err
}

func TestCodeTool(t *testing.T) {
	t.Run("evaluates the final expression", func(t *testing.T) {
		ct := NewCodeTool(0)
		out, err := ct.Call(context.Background(), map[string]any{
			"code":  "var s = 0; for (var i = 0; i < input.length; i++) { s += input[i] * input[i] } s",
			"input": []any{int64(1), int64(2), int64(3)},
		})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["result"] != int64(14) {
			t.Errorf("result = %v (%T)", out["result"], out["result"])
		}
	})

	t.Run("missing code", func(t *testing.T) {
		ct := NewCodeTool(0)
		if _, err := ct.Call(context.Background(), map[string]any{}); err == nil {
			t.Error("accepted empty code")
		}
	})

	t.Run("wall time cap interrupts", func(t *testing.T) {
		_, err := RunScript(context.Background(), "while (true) {}", nil, 50*time.Millisecond)
		if !errors.Is(err, ErrCodeTimeout) {
			t.Errorf("error = %v, want ErrCodeTimeout", err)
		}
	})

	t.Run("context cancellation interrupts", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := RunScript(ctx, "while (true) {}", nil, time.Minute)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want deadline exceeded", err)
		}
	})

	t.Run("syntax errors surface", func(t *testing.T) {
		if _, err := RunScript(context.Background(), "function (", nil, time.Second); err == nil {
			t.Error("accepted broken source")
		}
	})
}

func TestHTTPTool(t *testing.T) {
	t.Run("parses JSON responses", func(t *testing.T) {
		inv := &fakeInvoker{resp: adapter.Response{Status: 200, Body: []byte(`{"id": 7}`)}}
		ht := NewHTTPTool(inv)
		out, err := ht.Call(context.Background(), map[string]any{"url": "https://api.example.com/items/7"})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["status"] != 200 {
			t.Errorf("status = %v", out["status"])
		}
		if body := out["body"].(map[string]any); body["id"] != float64(7) {
			t.Errorf("body = %v", out["body"])
		}
		if inv.last.Method != "GET" {
			t.Errorf("default method = %s", inv.last.Method)
		}
	})

	t.Run("string bodies pass through, objects encode", func(t *testing.T) {
		inv := &fakeInvoker{resp: adapter.Response{Status: 201}}
		ht := NewHTTPTool(inv)
		if _, err := ht.Call(context.Background(), map[string]any{
			"url": "https://api.example.com", "method": "post", "body": map[string]any{"a": 1},
		}); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if inv.last.Method != "POST" {
			t.Errorf("method = %s", inv.last.Method)
		}
		if string(inv.last.Body) != `{"a":1}` {
			t.Errorf("body = %s", inv.last.Body)
		}
		if inv.last.Headers["Content-Type"] != "application/json" {
			t.Errorf("headers = %v", inv.last.Headers)
		}
	})

	t.Run("url required", func(t *testing.T) {
		if _, err := NewHTTPTool(&fakeInvoker{}).Call(context.Background(), map[string]any{}); err == nil {
			t.Error("accepted missing url")
		}
	})

	t.Run("transport errors propagate", func(t *testing.T) {
		inv := &fakeInvoker{err: errors.New("dial tcp: refused")}
		if _, err := NewHTTPTool(inv).Call(context.Background(), map[string]any{"url": "https://down.example.com"}); err == nil {
			t.Error("transport error swallowed")
		}
	})
}

func TestScraperTool(t *testing.T) {
	page := `<html><head><title> Release Notes </title>
<style>body { color: red }</style></head>
<body><script>alert(1)</script><h1>v2.0</h1><p>Faster   everything.</p></body></html>`

	t.Run("strips markup and scripts", func(t *testing.T) {
		inv := &fakeInvoker{resp: adapter.Response{Status: 200, Body: []byte(page)}}
		st := NewScraperTool(inv)
		out, err := st.Call(context.Background(), map[string]any{"url": "https://example.com/notes"})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["title"] != "Release Notes" {
			t.Errorf("title = %q", out["title"])
		}
		text := out["text"].(string)
		if !strings.Contains(text, "v2.0") || !strings.Contains(text, "Faster everything.") {
			t.Errorf("text = %q", text)
		}
		if strings.Contains(text, "alert") || strings.Contains(text, "color") {
			t.Errorf("scripts or styles leaked: %q", text)
		}
	})

	t.Run("max_chars truncates", func(t *testing.T) {
		inv := &fakeInvoker{resp: adapter.Response{Status: 200, Body: []byte(page)}}
		out, err := NewScraperTool(inv).Call(context.Background(), map[string]any{
			"url": "https://example.com/notes", "max_chars": float64(10),
		})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if text := out["text"].(string); len(text) > 10 {
			t.Errorf("text = %q", text)
		}
	})

	t.Run("url required", func(t *testing.T) {
		if _, err := NewScraperTool(&fakeInvoker{}).Call(context.Background(), map[string]any{}); err == nil {
			t.Error("accepted missing url")
		}
	})
}

// fixedService is a canned adapter.Service.
type fixedService struct {
	res  adapter.Result
	err  error
	last struct {
		operation string
		params    map[string]any
		cred      adapter.Credential
	}
}

func (s *fixedService) Invoke(_ context.Context, operation string, params map[string]any, cred adapter.Credential) (adapter.Result, error) {
	s.last.operation = operation
	s.last.params = params
	s.last.cred = cred
	if s.err != nil {
		return adapter.Result{}, s.err
	}
	return s.res, nil
}

func TestMCPTool(t *testing.T) {
	t.Run("forwards input and fixed credential", func(t *testing.T) {
		svc := &fixedService{res: adapter.Result{Success: true, Data: map[string]any{"id": "I-1"}}}
		mt := NewMCPTool("github_create_issue", "", svc, "create_issue", adapter.Credential{Token: "gh-1"})

		out, err := mt.Call(context.Background(), map[string]any{"title": "bug"})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["id"] != "I-1" {
			t.Errorf("out = %v", out)
		}
		if svc.last.operation != "create_issue" || svc.last.cred.Token != "gh-1" {
			t.Errorf("invoked %q with %+v", svc.last.operation, svc.last.cred)
		}
		if svc.last.params["title"] != "bug" {
			t.Errorf("params = %v", svc.last.params)
		}
	})

	t.Run("service failures become errors", func(t *testing.T) {
		svc := &fixedService{res: adapter.Result{ErrorKind: adapter.ServiceErrRateLimited, Message: "slow down"}}
		mt := NewMCPTool("x", "", svc, "op", adapter.Credential{})
		_, err := mt.Call(context.Background(), nil)
		if err == nil || !strings.Contains(err.Error(), "rate_limited") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("spec defaults a description", func(t *testing.T) {
		mt := NewMCPTool("x", "", &fixedService{}, "create_page", adapter.Credential{})
		if !strings.Contains(mt.Spec().Description, "create_page") {
			t.Errorf("description = %q", mt.Spec().Description)
		}
	})
}

func TestMockToolRecordsCalls(t *testing.T) {
	m := &Mock{ToolName: "probe", Response: map[string]any{"ok": true}}
	out, err := m.Call(context.Background(), map[string]any{"n": 1})
	if err != nil || out["ok"] != true {
		t.Fatalf("Call() = %v, %v", out, err)
	}
	m.Call(context.Background(), map[string]any{"n": 2})
	if m.CallCount() != 2 {
		t.Errorf("CallCount() = %d", m.CallCount())
	}
	if calls := m.Calls(); calls[1]["n"] != 2 {
		t.Errorf("Calls() = %v", calls)
	}
}
