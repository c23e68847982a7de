package runner

import (
	"context"
	"testing"

	"github.com/sageflow/sageflow-go/flow"
)

func TestDefaultRegistryCoversBuiltinSubtypes(t *testing.T) {
	reg := Default()

	pairs := []struct {
		typ     flow.NodeType
		subtype string
	}{
		{flow.TypeTrigger, flow.SubtypeManual},
		{flow.TypeTrigger, flow.SubtypeWebhook},
		{flow.TypeTrigger, flow.SubtypeSchedule},
		{flow.TypeTrigger, flow.SubtypeEvent},
		{flow.TypeAction, flow.SubtypeRunCode},
		{flow.TypeAction, flow.SubtypeHTTPRequest},
		{flow.TypeAction, flow.SubtypeTransform},
		{flow.TypeAction, flow.SubtypeFileOperation},
		{flow.TypeExternalAction, flow.SubtypeSlack},
		{flow.TypeExternalAction, flow.SubtypeGitHub},
		{flow.TypeExternalAction, flow.SubtypeGoogleCalendar},
		{flow.TypeExternalAction, flow.SubtypeNotion},
		{flow.TypeExternalAction, flow.SubtypeAPICall},
		{flow.TypeAIAgent, flow.SubtypeAgent},
		{flow.TypeFlow, flow.SubtypeIf},
		{flow.TypeFlow, flow.SubtypeSwitch},
		{flow.TypeFlow, flow.SubtypeFilter},
		{flow.TypeFlow, flow.SubtypeForEach},
		{flow.TypeFlow, flow.SubtypeMerge},
		{flow.TypeFlow, flow.SubtypeWait},
		{flow.TypeHumanInTheLoop, flow.SubtypeApproval},
		{flow.TypeHumanInTheLoop, flow.SubtypeInput},
		{flow.TypeHumanInTheLoop, flow.SubtypeSelection},
		{flow.TypeHumanInTheLoop, flow.SubtypeReview},
		{flow.TypeTool, flow.SubtypeToolHTTP},
		{flow.TypeTool, flow.SubtypeCodeInterpreter},
		{flow.TypeTool, flow.SubtypeWebScraper},
		{flow.TypeTool, flow.SubtypeMCP},
		{flow.TypeMemory, flow.SubtypeBuffer},
		{flow.TypeMemory, flow.SubtypeKeyValue},
		{flow.TypeMemory, flow.SubtypeVector},
		{flow.TypeMemory, flow.SubtypeDocument},
	}
	for _, p := range pairs {
		if _, ok := reg.Lookup(p.typ, p.subtype); !ok {
			t.Errorf("no runner for (%s, %s)", p.typ, p.subtype)
		}
	}
}

func TestDefaultRegistryAcceptsCustomRunners(t *testing.T) {
	reg := Default()
	custom := flow.RunnerFunc(func(context.Context, *flow.RunContext) (flow.Outcome, error) {
		return flow.Result{Outputs: map[string]any{flow.PortResult: "custom"}}, nil
	})
	if err := reg.Register(flow.TypeAction, "my_action", custom); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(flow.TypeAction, flow.SubtypeTransform, custom); err == nil {
		t.Error("re-registering a builtin pair succeeded")
	}
}

func TestTriggerRunnerEchoesPayload(t *testing.T) {
	rc := runCtx(&flow.Node{ID: "t", Type: flow.TypeTrigger, Subtype: flow.SubtypeManual}, nil)
	rc.Trigger = flow.TriggerEvent{Type: flow.SubtypeManual, Payload: map[string]any{"order": "42"}}

	out, err := TriggerRunner{}.Run(context.Background(), rc)
	res := wantResult(t, out, err)
	got := res.Outputs[flow.PortResult].(map[string]any)
	if got["order"] != "42" {
		t.Errorf("payload = %v", got)
	}

	rc.Trigger = flow.TriggerEvent{Type: flow.SubtypeManual}
	out, err = TriggerRunner{}.Run(context.Background(), rc)
	res = wantResult(t, out, err)
	if res.Outputs[flow.PortResult] == nil {
		t.Error("nil payload not normalized to an empty map")
	}
}
