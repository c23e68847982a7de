package runner

import (
	"context"
	"testing"
	"time"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/adapter"
)

// mockService records invocations and plays back a canned result.
type mockService struct {
	calls []serviceCall
	res   adapter.Result
	err   error
}

type serviceCall struct {
	operation string
	params    map[string]any
	cred      adapter.Credential
}

func (m *mockService) Invoke(_ context.Context, operation string, params map[string]any, cred adapter.Credential) (adapter.Result, error) {
	m.calls = append(m.calls, serviceCall{operation, params, cred})
	return m.res, m.err
}

func externalNode(subtype string, config map[string]any) *flow.Node {
	return &flow.Node{ID: "ext", Type: flow.TypeExternalAction, Subtype: subtype, Config: config}
}

func externalCtx(n *flow.Node, svc adapter.Service, provider string, vault adapter.Vault) *flow.RunContext {
	services := adapter.NewServices()
	if svc != nil {
		services.Register(provider, svc)
	}
	rc := runCtx(n, nil)
	rc.ExecutionID = "exec-9"
	rc.Trigger = flow.TriggerEvent{Type: flow.SubtypeManual, UserID: "user-1"}
	rc.Services = services
	rc.Vault = vault
	return rc
}

func TestExternalRunner_InvokesProvider(t *testing.T) {
	vault := adapter.NewMemVault()
	vault.Put("user-1", "slack", adapter.Credential{Token: "xoxb-1"})
	svc := &mockService{res: adapter.Result{Success: true, Data: map[string]any{"ts": "123.456"}}}

	n := externalNode("slack", map[string]any{
		"operation": "post_message",
		"params":    map[string]any{"channel": "#ops", "text": "deployed"},
	})
	rc := externalCtx(n, svc, "slack", vault)
	rc.Inputs[flow.PortInput] = map[string]any{"sha": "abc"}

	out, err := ExternalRunner{}.Run(context.Background(), rc)
	res := wantResult(t, out, err)
	data := res.Outputs[flow.PortResult].(map[string]any)
	if data["ts"] != "123.456" {
		t.Errorf("result = %v", data)
	}
	if len(svc.calls) != 1 {
		t.Fatalf("calls = %d", len(svc.calls))
	}
	call := svc.calls[0]
	if call.operation != "post_message" {
		t.Errorf("operation = %s", call.operation)
	}
	if call.cred.Token != "xoxb-1" {
		t.Errorf("cred = %+v", call.cred)
	}
	if call.params["channel"] != "#ops" {
		t.Errorf("params = %v", call.params)
	}
	// Node input rides along unless the params claim the key.
	if in, ok := call.params["input"].(map[string]any); !ok || in["sha"] != "abc" {
		t.Errorf("input param = %v", call.params["input"])
	}
	if key, _ := call.params["idempotency_key"].(string); len(key) != 32 {
		t.Errorf("idempotency_key = %q", call.params["idempotency_key"])
	}
}

func TestExternalRunner_IdempotencyKeyStability(t *testing.T) {
	params := map[string]any{"channel": "#ops"}
	a := idempotencyKey("exec-9", "ext", "post_message", params)
	b := idempotencyKey("exec-9", "ext", "post_message", params)
	if a != b {
		t.Errorf("same invocation, different keys: %s vs %s", a, b)
	}
	if c := idempotencyKey("exec-9", "other", "post_message", params); c == a {
		t.Error("different nodes share a key")
	}
	if c := idempotencyKey("exec-9", "ext", "delete_message", params); c == a {
		t.Error("different operations share a key")
	}
}

func TestExternalRunner_CredentialHandling(t *testing.T) {
	node := externalNode("github", map[string]any{"operation": "create_issue"})

	t.Run("missing credentials", func(t *testing.T) {
		rc := externalCtx(node, &mockService{}, "github", adapter.NewMemVault())
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		f := wantFail(t, out, err, flow.KindCredentialsMissing)
		if f.Advice == "" {
			t.Error("no reconnect advice")
		}
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		vault := adapter.NewMemVault()
		vault.Put("user-1", "github", adapter.Credential{Token: "stale", ExpiresAt: time.Now().Add(-time.Hour)})
		rc := externalCtx(node, &mockService{}, "github", vault)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		wantFail(t, out, err, flow.KindCredentialsExpired)
	})

	t.Run("expired credential refreshes once", func(t *testing.T) {
		vault := adapter.NewMemVault()
		vault.Put("user-1", "github", adapter.Credential{
			Token: "stale", RefreshToken: "r-1", ExpiresAt: time.Now().Add(-time.Hour),
		})
		vault.RefreshFunc = func(provider, refreshToken string) (adapter.Credential, error) {
			if provider != "github" || refreshToken != "r-1" {
				t.Errorf("refresh(%s, %s)", provider, refreshToken)
			}
			return adapter.Credential{Token: "fresh"}, nil
		}
		svc := &mockService{res: adapter.Result{Success: true}}
		rc := externalCtx(node, svc, "github", vault)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		wantResult(t, out, err)
		if svc.calls[0].cred.Token != "fresh" {
			t.Errorf("invoked with %+v", svc.calls[0].cred)
		}
	})

	t.Run("failed refresh", func(t *testing.T) {
		vault := adapter.NewMemVault()
		vault.Put("user-1", "github", adapter.Credential{
			Token: "stale", RefreshToken: "r-1", ExpiresAt: time.Now().Add(-time.Hour),
		})
		rc := externalCtx(node, &mockService{}, "github", vault)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		wantFail(t, out, err, flow.KindCredentialsExpired)
	})

	t.Run("no vault configured", func(t *testing.T) {
		rc := externalCtx(node, &mockService{}, "github", nil)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		wantFail(t, out, err, flow.KindCredentialsMissing)
	})
}

func TestExternalRunner_ErrorMapping(t *testing.T) {
	vault := adapter.NewMemVault()
	vault.Put("user-1", "api_call", adapter.Credential{Token: "t"})
	node := externalNode("api_call", map[string]any{"operation": "post"})

	t.Run("rate limited is retryable", func(t *testing.T) {
		svc := &mockService{res: adapter.Result{ErrorKind: adapter.ServiceErrRateLimited, Message: "slow down"}}
		rc := externalCtx(node, svc, "api_call", vault)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		f := wantFail(t, out, err, flow.KindRateLimited)
		if !f.Retryable {
			t.Error("rate limit not retryable")
		}
	})

	t.Run("invalid request is terminal", func(t *testing.T) {
		svc := &mockService{res: adapter.Result{ErrorKind: adapter.ServiceErrInvalidRequest, Message: "bad params"}}
		rc := externalCtx(node, svc, "api_call", vault)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		f := wantFail(t, out, err, flow.KindInvalidConfiguration)
		if f.Retryable {
			t.Error("invalid request marked retryable")
		}
	})

	t.Run("provider errors are retryable", func(t *testing.T) {
		svc := &mockService{res: adapter.Result{ErrorKind: adapter.ServiceErrProvider, Message: "500"}}
		rc := externalCtx(node, svc, "api_call", vault)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		f := wantFail(t, out, err, flow.KindProviderError)
		if !f.Retryable {
			t.Error("provider error not retryable")
		}
	})

	t.Run("unregistered provider", func(t *testing.T) {
		rc := externalCtx(node, nil, "", vault)
		out, err := ExternalRunner{}.Run(context.Background(), rc)
		wantFail(t, out, err, flow.KindInvalidConfiguration)
	})
}

func TestExternalRunner_ProviderOverride(t *testing.T) {
	vault := adapter.NewMemVault()
	vault.Put("svc-account", "notion", adapter.Credential{Token: "n"})
	svc := &mockService{res: adapter.Result{Success: true}}

	n := externalNode("api_call", map[string]any{
		"operation": "create_page",
		"provider":  "notion",
		"user_id":   "svc-account",
	})
	rc := externalCtx(n, svc, "notion", vault)
	out, err := ExternalRunner{}.Run(context.Background(), rc)
	wantResult(t, out, err)
	if len(svc.calls) != 1 || svc.calls[0].cred.Token != "n" {
		t.Errorf("calls = %+v", svc.calls)
	}
}
