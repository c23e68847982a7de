// Package flow implements the workflow execution engine: a typed node
// graph, a deterministic dispatcher, data routing between nodes, and a
// pause/resume protocol for human approvals and timers.
package flow

import (
	"time"
)

// NodeType is one of the eight node families the engine dispatches.
type NodeType string

const (
	TypeTrigger        NodeType = "TRIGGER"
	TypeAIAgent        NodeType = "AI_AGENT"
	TypeAction         NodeType = "ACTION"
	TypeExternalAction NodeType = "EXTERNAL_ACTION"
	TypeFlow           NodeType = "FLOW"
	TypeHumanInTheLoop NodeType = "HUMAN_IN_THE_LOOP"
	TypeTool           NodeType = "TOOL"
	TypeMemory         NodeType = "MEMORY"
)

// Subtypes enumerated per node family. The registry is keyed by
// (type, subtype); compile rejects pairs without a registered runner.
const (
	// TRIGGER
	SubtypeManual   = "manual"
	SubtypeWebhook  = "webhook"
	SubtypeSchedule = "schedule"
	SubtypeEvent    = "event"

	// ACTION
	SubtypeRunCode       = "run_code"
	SubtypeHTTPRequest   = "http_request"
	SubtypeTransform     = "data_transformation"
	SubtypeFileOperation = "file_operation"

	// EXTERNAL_ACTION
	SubtypeSlack          = "slack"
	SubtypeGitHub         = "github"
	SubtypeGoogleCalendar = "google_calendar"
	SubtypeNotion         = "notion"
	SubtypeAPICall        = "api_call"

	// AI_AGENT
	SubtypeAgent = "agent"

	// FLOW
	SubtypeIf      = "if"
	SubtypeSwitch  = "switch"
	SubtypeFilter  = "filter"
	SubtypeForEach = "for_each"
	SubtypeMerge   = "merge"
	SubtypeWait    = "wait"

	// HUMAN_IN_THE_LOOP
	SubtypeApproval  = "approval"
	SubtypeInput     = "input"
	SubtypeSelection = "selection"
	SubtypeReview    = "review"

	// TOOL
	SubtypeToolHTTP        = "http"
	SubtypeCodeInterpreter = "code_interpreter"
	SubtypeWebScraper      = "web_scraper"
	SubtypeMCP             = "mcp"

	// MEMORY
	SubtypeBuffer   = "buffer"
	SubtypeKeyValue = "key_value"
	SubtypeVector   = "vector"
	SubtypeDocument = "document"
)

// EdgeKind categorizes a connection. MAIN edges carry data at dispatch
// time; AI_TOOL and AI_MEMORY edges attach tool and memory nodes to an
// agent and surface under their category name in the agent's input map.
type EdgeKind string

const (
	EdgeMain     EdgeKind = "MAIN"
	EdgeAITool   EdgeKind = "AI_TOOL"
	EdgeAIMemory EdgeKind = "AI_MEMORY"
)

// ErrorPolicy controls what happens to the execution when a node fails.
type ErrorPolicy string

const (
	// PolicyStop terminates the execution as failed on the first
	// node failure.
	PolicyStop ErrorPolicy = "stop"

	// PolicyContinue marks the node failed and proceeds as if it had
	// produced no outputs on its regular ports. Downstream MERGE nodes
	// fire with the failed branch's contribution missing.
	PolicyContinue ErrorPolicy = "continue-regular"

	// PolicyErrorBranch routes the failure on the node's "error"
	// output port when the graph declares one, otherwise behaves like
	// PolicyContinue.
	PolicyErrorBranch ErrorPolicy = "continue-error-branch"
)

// Conventional port names. A node that declares no ports gets exactly
// these defaults.
const (
	PortResult = "result"
	PortInput  = "input"
	PortError  = "error"
	PortItem   = "item"
	PortDone   = "done"
)

// Port declares one named input or output slot on a node.
type Port struct {
	Name string `json:"name"`

	// Required marks an input port whose edge must deliver before the
	// node becomes ready. Only meaningful on input ports.
	Required bool `json:"required,omitempty"`
}

// Node is a typed vertex in the workflow graph.
type Node struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    NodeType `json:"type"`
	Subtype string   `json:"subtype"`

	// Position is opaque to the engine; authoring UIs use it.
	Position map[string]float64 `json:"position,omitempty"`

	// Config holds the static parameters, validated against the
	// subtype's typed configuration struct at compile time.
	Config map[string]any `json:"config,omitempty"`

	// Inputs and Outputs declare the node's port spec. Empty means the
	// conventional defaults: one "input" port, one "result" port.
	Inputs  []Port `json:"inputs,omitempty"`
	Outputs []Port `json:"outputs,omitempty"`

	// Timeout overrides the engine's default node timeout when > 0.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HasOutput reports whether the node declares (or defaults to) the
// named output port.
func (n *Node) HasOutput(name string) bool {
	if len(n.Outputs) == 0 {
		return name == PortResult
	}
	for _, p := range n.Outputs {
		if p.Name == name {
			return true
		}
	}
	return false
}

// HasInput reports whether the node declares (or defaults to) the
// named input port.
func (n *Node) HasInput(name string) bool {
	if len(n.Inputs) == 0 {
		return name == PortInput
	}
	for _, p := range n.Inputs {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ConversionDialect selects the language of an edge transformation.
type ConversionDialect string

const (
	DialectExpr ConversionDialect = "expr"
	DialectJQ   ConversionDialect = "jq"
)

// Conversion is an optional pure transformation applied to the value an
// edge carries, between extraction at the producer and merging at the
// consumer. Absent means identity.
type Conversion struct {
	Dialect ConversionDialect `json:"dialect"`
	Source  string            `json:"source"`
}

// Edge is a typed directed connection from a source output port to a
// target input port.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`

	// OutputKey names the output port on the source. Empty defaults to
	// "result".
	OutputKey string `json:"output_key,omitempty"`

	Target string `json:"target"`

	// InputKey names the input port on the target. Empty defaults to
	// "input".
	InputKey string `json:"input_key,omitempty"`

	Kind    EdgeKind    `json:"kind,omitempty"`
	Convert *Conversion `json:"convert,omitempty"`
}

// Out returns the effective output key.
func (e *Edge) Out() string {
	if e.OutputKey == "" {
		return PortResult
	}
	return e.OutputKey
}

// In returns the effective input key.
func (e *Edge) In() string {
	if e.InputKey == "" {
		return PortInput
	}
	return e.InputKey
}

// EffectiveKind returns the edge kind, defaulting to MAIN.
func (e *Edge) EffectiveKind() EdgeKind {
	if e.Kind == "" {
		return EdgeMain
	}
	return e.Kind
}

// Settings are per-workflow execution knobs.
type Settings struct {
	// Timeout bounds the whole execution. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`

	// ErrorPolicy defaults to PolicyStop.
	ErrorPolicy ErrorPolicy `json:"error_policy,omitempty"`

	// MaxParallel bounds concurrent runner invocations within one
	// execution. Zero selects the engine default.
	MaxParallel int `json:"max_parallel,omitempty"`

	// Retry overrides the engine's retry policy for retryable node
	// failures.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// Policy returns the effective error policy.
func (s *Settings) Policy() ErrorPolicy {
	if s == nil || s.ErrorPolicy == "" {
		return PolicyStop
	}
	return s.ErrorPolicy
}

// Workflow is the immutable description of an automation: a directed
// graph of typed nodes and edges plus execution settings. A workflow
// never changes during an execution; new versions are new snapshots.
type Workflow struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Version  int       `json:"version"`
	Nodes    []*Node   `json:"nodes"`
	Edges    []*Edge   `json:"edges"`
	Settings *Settings `json:"settings,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// TriggerEvent is the external stimulus that starts an execution. Type
// must match an admissible trigger node's subtype unless trigger
// validation is skipped.
type TriggerEvent struct {
	Type    string         `json:"type"`
	UserID  string         `json:"user_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at,omitempty"`
}
