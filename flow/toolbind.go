package flow

import (
	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/tool"
)

// runContext assembles the per-invocation RunContext a runner sees.
func (e *Engine) runContext(s *execState, n *Node, inputs map[string]any, attempt int) *RunContext {
	rc := &RunContext{
		ExecutionID: s.ex.ID,
		Node:        n,
		Inputs:      inputs,
		Trigger:     s.ex.Trigger,
		Attempt:     attempt,
		Eval:        e.eval,
		AI:          e.ai,
		Models:      e.models,
		HTTP:        e.http,
		Vault:       e.vault,
		Services:    e.services,
		Memory:      e.memory,
		Notifiers:   e.notifiers,
		Classifier:  e.classifier,
		Log: e.log.With().
			Str("execution", s.ex.ID).
			Str("node", n.ID).
			Logger(),
	}
	if n.Type == TypeAIAgent {
		rc.Tools = e.bindAgentTools(s.g, n)
	}
	return rc
}

// bindAgentTools resolves an agent's AI_TOOL edges to live tools, in
// edge declaration order.
func (e *Engine) bindAgentTools(g *Compiled, agent *Node) []tool.Tool {
	var tools []tool.Tool
	for _, ed := range g.Outgoing(agent.ID) {
		if ed.EffectiveKind() != EdgeAITool {
			continue
		}
		tn := g.Node(ed.Target)
		if tn == nil {
			continue
		}
		if t := BindTool(tn, e.http, e.services); t != nil {
			tools = append(tools, t)
		}
	}
	return tools
}

// BindTool constructs the implementation behind a TOOL node. Unknown
// subtypes return nil; compilation already rejected unregistered ones,
// so nil here only means the subtype has no agent-callable form.
func BindTool(n *Node, invoker adapter.Invoker, services *adapter.Services) tool.Tool {
	switch n.Subtype {
	case SubtypeToolHTTP:
		return tool.NewHTTPTool(invoker)
	case SubtypeCodeInterpreter:
		timeout := tool.DefaultCodeTimeout
		if raw, ok := n.Config["timeout"].(string); ok {
			if d, err := ParseDuration(raw); err == nil && d > 0 {
				timeout = d
			}
		}
		return tool.NewCodeTool(timeout)
	case SubtypeWebScraper:
		return tool.NewScraperTool(invoker)
	case SubtypeMCP:
		if services == nil {
			return nil
		}
		provider, _ := n.Config["provider"].(string)
		operation, _ := n.Config["operation"].(string)
		svc, ok := services.Get(provider)
		if !ok {
			return nil
		}
		name, _ := n.Config["tool_name"].(string)
		if name == "" {
			name = provider + "_" + operation
		}
		description, _ := n.Config["description"].(string)
		var cred adapter.Credential
		if token, ok := n.Config["token"].(string); ok {
			cred = adapter.Credential{Token: token}
		}
		return tool.NewMCPTool(name, description, svc, operation, cred)
	}
	return nil
}
