package flow

import (
	"context"
	"strings"
	"testing"
)

func okRunner() Runner {
	return RunnerFunc(func(context.Context, *RunContext) (Outcome, error) {
		return Result{Outputs: map[string]any{PortResult: nil}}, nil
	})
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	pairs := []struct {
		typ NodeType
		sub string
	}{
		{TypeTrigger, SubtypeManual},
		{TypeTrigger, SubtypeWebhook},
		{TypeAction, SubtypeTransform},
		{TypeAction, SubtypeHTTPRequest},
		{TypeFlow, SubtypeIf},
		{TypeFlow, SubtypeForEach},
		{TypeFlow, SubtypeMerge},
		{TypeHumanInTheLoop, SubtypeApproval},
	}
	for _, p := range pairs {
		reg.MustRegister(p.typ, p.sub, okRunner())
	}
	return reg
}

func node(id string, typ NodeType, subtype string) *Node {
	return &Node{ID: id, Name: id, Type: typ, Subtype: subtype}
}

func edge(id, source, target string) *Edge {
	return &Edge{ID: id, Source: source, Target: target}
}

func TestCompile_ValidGraph(t *testing.T) {
	wf := &Workflow{
		ID:      "wf",
		Version: 1,
		Nodes: []*Node{
			node("start", TypeTrigger, SubtypeManual),
			node("work", TypeAction, SubtypeTransform),
		},
		Edges: []*Edge{edge("e1", "start", "work")},
	}
	g, err := Compile(wf, testRegistry(t))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if g.Node("work") == nil {
		t.Error("compiled graph lost node work")
	}
	if len(g.Triggers()) != 1 {
		t.Errorf("Triggers() = %d, want 1", len(g.Triggers()))
	}
	if g.TopoIndex("start") >= g.TopoIndex("work") {
		t.Error("topological order puts work before start")
	}
}

func TestCompile_Problems(t *testing.T) {
	tests := []struct {
		name string
		wf   *Workflow
		want string
	}{
		{
			name: "duplicate node id",
			wf: &Workflow{Nodes: []*Node{
				node("t", TypeTrigger, SubtypeManual),
				node("a", TypeAction, SubtypeTransform),
				node("a", TypeAction, SubtypeTransform),
			}},
			want: "duplicate node id",
		},
		{
			name: "unknown edge endpoint",
			wf: &Workflow{
				Nodes: []*Node{node("t", TypeTrigger, SubtypeManual)},
				Edges: []*Edge{edge("e1", "t", "ghost")},
			},
			want: "unknown target node",
		},
		{
			name: "whitespace in node name",
			wf: &Workflow{Nodes: []*Node{
				node("t", TypeTrigger, SubtypeManual),
				{ID: "a", Name: "has space", Type: TypeAction, Subtype: SubtypeTransform},
			}},
			want: "contains whitespace",
		},
		{
			name: "no registered runner",
			wf: &Workflow{Nodes: []*Node{
				node("t", TypeTrigger, SubtypeManual),
				node("a", TypeAction, "bogus_subtype"),
			}},
			want: "no runner registered",
		},
		{
			name: "undeclared output port",
			wf: &Workflow{
				Nodes: []*Node{
					node("t", TypeTrigger, SubtypeManual),
					node("a", TypeAction, SubtypeTransform),
				},
				Edges: []*Edge{{ID: "e1", Source: "t", Target: "a", OutputKey: "nope"}},
			},
			want: "no output port",
		},
		{
			name: "self loop on non-loop node",
			wf: &Workflow{
				Nodes: []*Node{
					node("t", TypeTrigger, SubtypeManual),
					node("a", TypeAction, SubtypeTransform),
				},
				Edges: []*Edge{edge("e1", "a", "a")},
			},
			want: "self-loop",
		},
		{
			name: "cycle",
			wf: &Workflow{
				Nodes: []*Node{
					node("t", TypeTrigger, SubtypeManual),
					node("a", TypeAction, SubtypeTransform),
					node("b", TypeAction, SubtypeTransform),
				},
				Edges: []*Edge{
					edge("e1", "a", "b"),
					edge("e2", "b", "a"),
				},
			},
			want: "cycle detected",
		},
		{
			name: "missing trigger",
			wf: &Workflow{Nodes: []*Node{
				node("a", TypeAction, SubtypeTransform),
			}},
			want: "no TRIGGER node",
		},
		{
			name: "unknown merge strategy",
			wf: &Workflow{Nodes: []*Node{
				node("t", TypeTrigger, SubtypeManual),
				{ID: "m", Name: "m", Type: TypeFlow, Subtype: SubtypeMerge,
					Config: map[string]any{"strategy": "quorum"}},
			}},
			want: "unknown merge strategy",
		},
		{
			name: "loop body leak",
			wf: &Workflow{
				Nodes: []*Node{
					node("t", TypeTrigger, SubtypeManual),
					node("loop", TypeFlow, SubtypeForEach),
					node("body", TypeAction, SubtypeTransform),
					node("outside", TypeAction, SubtypeTransform),
				},
				Edges: []*Edge{
					edge("e1", "t", "loop"),
					{ID: "e2", Source: "loop", Target: "body", OutputKey: PortItem},
					edge("e3", "t", "outside"),
					edge("e4", "outside", "body"),
				},
			},
			want: "from outside the body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.wf, testRegistry(t))
			ge, ok := err.(*GraphError)
			if !ok {
				t.Fatalf("Compile() error = %v, want *GraphError", err)
			}
			found := false
			for _, p := range ge.Problems {
				if strings.Contains(p, tt.want) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("problems %v do not mention %q", ge.Problems, tt.want)
			}
		})
	}
}

func TestCompile_CollectsAllProblems(t *testing.T) {
	wf := &Workflow{
		Nodes: []*Node{
			node("a", TypeAction, "bogus"),
			{ID: "b", Name: "spaced name", Type: TypeAction, Subtype: SubtypeTransform},
		},
		Edges: []*Edge{edge("e1", "a", "ghost")},
	}
	_, err := Compile(wf, testRegistry(t))
	ge, ok := err.(*GraphError)
	if !ok {
		t.Fatalf("Compile() error = %v, want *GraphError", err)
	}
	// bogus runner + whitespace + unknown target + no trigger
	if len(ge.Problems) < 4 {
		t.Errorf("Problems = %d, want at least 4: %v", len(ge.Problems), ge.Problems)
	}
}

func TestCompile_WithoutTriggerRequirement(t *testing.T) {
	wf := &Workflow{Nodes: []*Node{node("a", TypeAction, SubtypeTransform)}}
	if _, err := Compile(wf, testRegistry(t), WithoutTriggerRequirement()); err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
}

func TestCompile_ConfigValidatorRunsAtCompileTime(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeTrigger, SubtypeManual, okRunner())
	reg.MustRegister(TypeHumanInTheLoop, SubtypeApproval, validatingRunner{})

	wf := &Workflow{
		Nodes: []*Node{
			node("t", TypeTrigger, SubtypeManual),
			{ID: "h", Name: "h", Type: TypeHumanInTheLoop, Subtype: SubtypeApproval,
				Config: map[string]any{"bad": true}},
		},
	}
	_, err := Compile(wf, reg)
	if err == nil {
		t.Fatal("Compile() accepted configuration the runner rejects")
	}
}

type validatingRunner struct{}

func (validatingRunner) Run(context.Context, *RunContext) (Outcome, error) {
	return Result{}, nil
}

func (validatingRunner) ValidateConfig(config map[string]any) error {
	if _, bad := config["bad"]; bad {
		return Errf(KindInvalidConfiguration, "bad key present")
	}
	return nil
}

func TestCompiled_BodyDerivation(t *testing.T) {
	wf := &Workflow{
		Nodes: []*Node{
			node("t", TypeTrigger, SubtypeManual),
			node("loop", TypeFlow, SubtypeForEach),
			node("double", TypeAction, SubtypeTransform),
			node("after", TypeAction, SubtypeTransform),
		},
		Edges: []*Edge{
			edge("e1", "t", "loop"),
			{ID: "e2", Source: "loop", Target: "double", OutputKey: PortItem},
			{ID: "e3", Source: "loop", Target: "after", OutputKey: PortDone},
		},
	}
	g, err := Compile(wf, testRegistry(t))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	body := g.BodyOf("loop")
	if !body["double"] {
		t.Error("double not in loop body")
	}
	if body["after"] {
		t.Error("after wrongly pulled into loop body")
	}
	if !g.InBody("double") || g.InBody("after") {
		t.Error("InBody misclassifies nodes")
	}
}

func TestCompiled_MergeStrategy(t *testing.T) {
	wf := &Workflow{
		Nodes: []*Node{
			node("t", TypeTrigger, SubtypeManual),
			node("m", TypeFlow, SubtypeMerge),
			{ID: "m2", Name: "m2", Type: TypeFlow, Subtype: SubtypeMerge,
				Config: map[string]any{"strategy": MergeWaitAny}},
		},
	}
	g, err := Compile(wf, testRegistry(t))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if s, ok := g.MergeStrategy("m"); !ok || s != MergeWaitAll {
		t.Errorf("MergeStrategy(m) = %q, %v; want wait_all default", s, ok)
	}
	if s, _ := g.MergeStrategy("m2"); s != MergeWaitAny {
		t.Errorf("MergeStrategy(m2) = %q, want wait_any", s)
	}
	if _, ok := g.MergeStrategy("t"); ok {
		t.Error("MergeStrategy reported a non-merge node")
	}
}

func TestCompiled_RootsAndLeaves(t *testing.T) {
	wf := &Workflow{
		Nodes: []*Node{
			node("t", TypeTrigger, SubtypeManual),
			node("a", TypeAction, SubtypeTransform),
			node("b", TypeAction, SubtypeTransform),
		},
		Edges: []*Edge{
			edge("e1", "t", "a"),
			edge("e2", "a", "b"),
		},
	}
	g, err := Compile(wf, testRegistry(t))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if roots := g.Roots(); len(roots) != 1 || roots[0] != "t" {
		t.Errorf("Roots() = %v, want [t]", roots)
	}
	if leaves := g.Leaves(); len(leaves) != 1 || leaves[0] != "b" {
		t.Errorf("Leaves() = %v, want [b]", leaves)
	}
	down := g.Downstream("t")
	if !down["a"] || !down["b"] || down["t"] {
		t.Errorf("Downstream(t) = %v", down)
	}
}
