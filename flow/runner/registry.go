// Package runner implements the built-in runners for the eight node
// families: triggers, actions, external actions, AI agents, flow
// control, human-in-the-loop, tools, and memory.
package runner

import (
	"github.com/sageflow/sageflow-go/flow"
)

// Default returns a registry with every built-in runner registered.
// Callers can layer custom runners by registering additional
// (type, subtype) pairs before handing the registry to the engine.
func Default() *flow.Registry {
	reg := flow.NewRegistry()

	trigger := &TriggerRunner{}
	for _, subtype := range []string{
		flow.SubtypeManual, flow.SubtypeWebhook, flow.SubtypeSchedule, flow.SubtypeEvent,
	} {
		reg.MustRegister(flow.TypeTrigger, subtype, trigger)
	}

	reg.MustRegister(flow.TypeAction, flow.SubtypeRunCode, &CodeActionRunner{})
	reg.MustRegister(flow.TypeAction, flow.SubtypeHTTPRequest, &HTTPActionRunner{})
	reg.MustRegister(flow.TypeAction, flow.SubtypeTransform, &TransformRunner{})
	reg.MustRegister(flow.TypeAction, flow.SubtypeFileOperation, &FileRunner{})

	external := &ExternalRunner{}
	for _, subtype := range []string{
		flow.SubtypeSlack, flow.SubtypeGitHub, flow.SubtypeGoogleCalendar,
		flow.SubtypeNotion, flow.SubtypeAPICall,
	} {
		reg.MustRegister(flow.TypeExternalAction, subtype, external)
	}

	reg.MustRegister(flow.TypeAIAgent, flow.SubtypeAgent, &AgentRunner{})

	reg.MustRegister(flow.TypeFlow, flow.SubtypeIf, &IfRunner{})
	reg.MustRegister(flow.TypeFlow, flow.SubtypeSwitch, &SwitchRunner{})
	reg.MustRegister(flow.TypeFlow, flow.SubtypeFilter, &FilterRunner{})
	reg.MustRegister(flow.TypeFlow, flow.SubtypeForEach, &ForEachRunner{})
	reg.MustRegister(flow.TypeFlow, flow.SubtypeMerge, &MergeRunner{})
	reg.MustRegister(flow.TypeFlow, flow.SubtypeWait, &WaitRunner{})

	hil := &HILRunner{}
	for _, subtype := range []string{
		flow.SubtypeApproval, flow.SubtypeInput, flow.SubtypeSelection, flow.SubtypeReview,
	} {
		reg.MustRegister(flow.TypeHumanInTheLoop, subtype, hil)
	}

	toolRunner := &ToolRunner{}
	for _, subtype := range []string{
		flow.SubtypeToolHTTP, flow.SubtypeCodeInterpreter,
		flow.SubtypeWebScraper, flow.SubtypeMCP,
	} {
		reg.MustRegister(flow.TypeTool, subtype, toolRunner)
	}

	memory := &MemoryRunner{}
	for _, subtype := range []string{
		flow.SubtypeBuffer, flow.SubtypeKeyValue, flow.SubtypeVector, flow.SubtypeDocument,
	} {
		reg.MustRegister(flow.TypeMemory, subtype, memory)
	}

	return reg
}
