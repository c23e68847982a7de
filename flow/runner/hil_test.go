package runner

import (
	"context"
	"testing"
	"time"

	"github.com/sageflow/sageflow-go/flow"
)

func hilNode(config map[string]any) *flow.Node {
	return &flow.Node{ID: "ask", Type: flow.TypeHumanInTheLoop, Subtype: flow.SubtypeApproval, Config: config}
}

func TestHILRunner_WaitShape(t *testing.T) {
	rc := runCtx(hilNode(map[string]any{
		"channel":             "slack",
		"timeout_seconds":     3600,
		"timeout_action":      "inject_default",
		"message":             "Ship it?",
		"options":             []any{"approve", "reject"},
		"recipient":           "#releases",
		"default_response":    map[string]any{"decision": "approve"},
		"fail_on_rejection":   true,
		"relevance_threshold": 0.5,
	}), nil)
	rc.ExecutionID = "exec-1"

	out, err := HILRunner{}.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	w, ok := out.(flow.Wait)
	if !ok {
		t.Fatalf("outcome = %#v, want Wait", out)
	}
	if w.Reason != flow.PauseHuman {
		t.Errorf("Reason = %s", w.Reason)
	}
	if w.Timeout != time.Hour {
		t.Errorf("Timeout = %v", w.Timeout)
	}
	if w.Action != flow.TimeoutInjectDefault {
		t.Errorf("Action = %s", w.Action)
	}
	if w.Default["decision"] != "approve" {
		t.Errorf("Default = %v", w.Default)
	}
	if !w.FailOnRejection {
		t.Error("FailOnRejection not carried")
	}
	if w.Conditions["relevance_threshold"] != 0.5 {
		t.Errorf("Conditions = %v", w.Conditions)
	}
	if w.Interaction == nil {
		t.Fatal("no interaction")
	}
	if w.Interaction.Kind != flow.SubtypeApproval || w.Interaction.Channel != "slack" {
		t.Errorf("Interaction = %+v", w.Interaction)
	}
	if w.Interaction.Message != "Ship it?" || w.Interaction.Recipient != "#releases" {
		t.Errorf("Interaction = %+v", w.Interaction)
	}
	if len(w.Interaction.Options) != 2 {
		t.Errorf("Options = %v", w.Interaction.Options)
	}
}

func TestHILRunner_Defaults(t *testing.T) {
	rc := runCtx(hilNode(map[string]any{"channel": "in_app", "timeout_seconds": 60}), nil)
	rc.ExecutionID = "exec-2"

	out, err := HILRunner{}.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	w := out.(flow.Wait)
	if w.Action != flow.TimeoutFail {
		t.Errorf("Action = %s, want fail default", w.Action)
	}
	if w.Interaction.Message == "" {
		t.Error("no fallback message")
	}
	if _, set := w.Conditions["relevance_threshold"]; set {
		t.Errorf("threshold set without configuration: %v", w.Conditions)
	}
}

func TestHILRunner_ValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		ok     bool
	}{
		{"valid", map[string]any{"channel": "email", "timeout_seconds": 600}, true},
		{"unknown channel", map[string]any{"channel": "carrier_pigeon", "timeout_seconds": 600}, false},
		{"timeout below a minute", map[string]any{"channel": "slack", "timeout_seconds": 30}, false},
		{"timeout above a day", map[string]any{"channel": "slack", "timeout_seconds": 90000}, false},
		{"missing timeout", map[string]any{"channel": "slack"}, false},
		{"inject_default without default", map[string]any{
			"channel": "slack", "timeout_seconds": 600, "timeout_action": "inject_default",
		}, false},
		{"inject_default with default", map[string]any{
			"channel": "slack", "timeout_seconds": 600, "timeout_action": "inject_default",
			"default_response": map[string]any{"decision": "skip"},
		}, true},
		{"threshold out of range", map[string]any{
			"channel": "slack", "timeout_seconds": 600, "relevance_threshold": 1.5,
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := HILRunner{}.ValidateConfig(tt.config)
			if tt.ok && err != nil {
				t.Errorf("ValidateConfig() error = %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("ValidateConfig() accepted bad config")
			}
		})
	}
}

func TestHILRunner_RunRejectsBadConfig(t *testing.T) {
	out, err := HILRunner{}.Run(context.Background(), runCtx(hilNode(map[string]any{"channel": "slack"}), nil))
	wantFail(t, out, err, flow.KindInvalidConfiguration)
}
