package runner

import (
	"context"
	"time"

	"github.com/sageflow/sageflow-go/flow"
	"github.com/sageflow/sageflow-go/flow/adapter"
)

// HIL timeout bounds: one minute to one day.
const (
	MinHILTimeout = 60
	MaxHILTimeout = 86400
)

// HILRunner yields a human-interaction pause. The interaction kind is
// the node's subtype (approval, input, selection, review); the channel,
// timeout window, and timeout action are configuration, validated both
// at compile time and again at run time.
type HILRunner struct{}

type hilConfig struct {
	Channel        string `json:"channel" validate:"required,oneof=slack email webhook in_app"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"required,min=60,max=86400"`
	TimeoutAction  string `json:"timeout_action,omitempty" validate:"omitempty,oneof=fail continue inject_default"`

	Message   string   `json:"message,omitempty"`
	Options   []string `json:"options,omitempty"`
	Recipient string   `json:"recipient,omitempty"`

	// DefaultResponse is required whenever TimeoutAction is
	// inject_default.
	DefaultResponse map[string]any `json:"default_response,omitempty"`

	FailOnRejection    bool    `json:"fail_on_rejection,omitempty"`
	RelevanceThreshold float64 `json:"relevance_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
}

func decodeHIL(config map[string]any) (hilConfig, *flow.Error) {
	var cfg hilConfig
	if err := flow.DecodeConfig(config, &cfg); err != nil {
		if fe, ok := err.(*flow.Error); ok {
			return cfg, fe
		}
		return cfg, flow.Errf(flow.KindInvalidConfiguration, "%v", err)
	}
	if cfg.TimeoutAction == string(flow.TimeoutInjectDefault) && len(cfg.DefaultResponse) == 0 {
		return cfg, flow.Errf(flow.KindInvalidConfiguration, "inject_default requires a default_response")
	}
	return cfg, nil
}

// ValidateConfig implements flow.ConfigValidator so compilation rejects
// malformed interaction nodes before anything runs.
func (HILRunner) ValidateConfig(config map[string]any) error {
	if _, err := decodeHIL(config); err != nil {
		return err
	}
	return nil
}

// Run implements flow.Runner.
func (HILRunner) Run(_ context.Context, rc *flow.RunContext) (flow.Outcome, error) {
	cfg, ferr := decodeHIL(rc.Node.Config)
	if ferr != nil {
		return flow.Fail{Kind: ferr.Kind, Message: ferr.Message, Advice: ferr.Advice}, nil
	}

	action := flow.TimeoutAction(cfg.TimeoutAction)
	if action == "" {
		action = flow.TimeoutFail
	}

	conditions := map[string]any{}
	if cfg.RelevanceThreshold > 0 {
		conditions["relevance_threshold"] = cfg.RelevanceThreshold
	}

	message := cfg.Message
	if message == "" {
		message = "Workflow " + rc.ExecutionID + " is waiting for your " + rc.Node.Subtype
	}

	return flow.Wait{
		Reason:  flow.PauseHuman,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Action:  action,
		Default: cfg.DefaultResponse,

		Conditions: conditions,
		Interaction: &adapter.Interaction{
			Kind:      rc.Node.Subtype,
			Channel:   cfg.Channel,
			Message:   message,
			Options:   cfg.Options,
			Recipient: cfg.Recipient,
		},
		FailOnRejection: cfg.FailOnRejection,
	}, nil
}
