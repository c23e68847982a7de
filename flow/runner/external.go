package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/adapter"
)

// ExternalRunner invokes one operation against an external integration
// (Slack, GitHub, Google Calendar, Notion, or a generic API). The
// provider defaults to the node's subtype; credentials come from the
// vault keyed (user, provider), with one refresh attempt on expiry.
//
// Each invocation carries an idempotency key derived from the execution
// and node ids plus the parameter payload, so engine retries of the
// same call present the same key to providers that honor it.
type ExternalRunner struct{}

type externalConfig struct {
	Provider  string         `json:"provider,omitempty"`
	Operation string         `json:"operation" validate:"required"`
	Params    map[string]any `json:"params,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// Run implements flow.Runner.
func (ExternalRunner) Run(ctx context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	var cfg externalConfig
	if err := rc.DecodeConfig(&cfg); err != nil {
		return failFromError(err), nil
	}
	provider := cfg.Provider
	if provider == "" {
		provider = rc.Node.Subtype
	}
	if rc.Services == nil {
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: "no service registry configured"}, nil
	}
	svc, ok := rc.Services.Get(provider)
	if !ok {
		return flow.Fail{
			Kind:    flow.KindInvalidConfiguration,
			Message: fmt.Sprintf("no service registered for provider %q", provider),
		}, nil
	}

	userID := cfg.UserID
	if userID == "" {
		userID = rc.Trigger.UserID
	}
	cred, outcome := fetchCredential(ctx, rc.Vault, userID, provider)
	if outcome != nil {
		return *outcome, nil
	}

	params := make(map[string]any, len(cfg.Params)+2)
	for k, v := range cfg.Params {
		params[k] = v
	}
	if in := rc.MainInput(); in != nil {
		if _, taken := params["input"]; !taken {
			params["input"] = in
		}
	}
	params["idempotency_key"] = idempotencyKey(rc.ExecutionID, rc.Node.ID, cfg.Operation, cfg.Params)

	res, err := svc.Invoke(ctx, cfg.Operation, params, cred)
	if err != nil {
		return flow.Fail{Kind: flow.KindProviderError, Message: err.Error(), Retryable: true}, nil
	}
	if !res.Success {
		return serviceFail(res), nil
	}
	data := res.Data
	if data == nil {
		data = map[string]any{}
	}
	return flow.Result{Outputs: map[string]any{flow.PortResult: data}}, nil
}

// fetchCredential loads the credential, trying one refresh when the
// stored one has expired and carries a refresh token.
func fetchCredential(ctx context.Context, vault adapter.Vault, userID, provider string) (adapter.Credential, *flow.Outcome) {
	if vault == nil {
		return adapter.Credential{}, failOutcome(flow.Fail{
			Kind:    flow.KindCredentialsMissing,
			Message: "no credential vault configured",
			Advice:  "Connect " + provider + " and retry",
		})
	}
	cred, err := vault.Fetch(ctx, userID, provider)
	switch {
	case errors.Is(err, adapter.ErrCredentialsMissing):
		return adapter.Credential{}, failOutcome(flow.Fail{
			Kind:    flow.KindCredentialsMissing,
			Message: fmt.Sprintf("no %s credentials for user %s", provider, userID),
			Advice:  "Connect " + provider + " and retry",
		})
	case errors.Is(err, adapter.ErrCredentialsExpired):
		if cred.RefreshToken == "" {
			return adapter.Credential{}, failOutcome(flow.Fail{
				Kind:    flow.KindCredentialsExpired,
				Message: provider + " credentials expired",
				Advice:  "Reconnect " + provider + " and retry",
			})
		}
		fresh, rerr := vault.Refresh(ctx, provider, cred.RefreshToken)
		if rerr != nil {
			return adapter.Credential{}, failOutcome(flow.Fail{
				Kind:    flow.KindCredentialsExpired,
				Message: fmt.Sprintf("%s token refresh failed: %v", provider, rerr),
				Advice:  "Reconnect " + provider + " and retry",
			})
		}
		return fresh, nil
	case err != nil:
		return adapter.Credential{}, failOutcome(flow.Fail{
			Kind: flow.KindProviderError, Message: err.Error(), Retryable: true,
		})
	}
	return cred, nil
}

func failOutcome(f flow.Fail) *flow.Outcome {
	var out flow.Outcome = f
	return &out
}

// serviceFail maps a service's structured error kind onto a node
// failure, marking transient kinds retryable.
func serviceFail(res adapter.Result) flow.Fail {
	switch res.ErrorKind {
	case adapter.ServiceErrRateLimited:
		return flow.Fail{Kind: flow.KindRateLimited, Message: res.Message, Retryable: true}
	case adapter.ServiceErrInvalidRequest:
		return flow.Fail{Kind: flow.KindInvalidConfiguration, Message: res.Message}
	default:
		return flow.Fail{Kind: flow.KindProviderError, Message: res.Message, Retryable: true}
	}
}

// idempotencyKey is stable across retries of the same node invocation:
// it hashes the identifiers and the configured parameters, never
// attempt counters or timestamps.
func idempotencyKey(executionID, nodeID, operation string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	if data, err := json.Marshal(params); err == nil {
		h.Write([]byte{0})
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
