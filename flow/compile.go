package flow

import (
	"fmt"
	"sort"
	"strings"
)

// Compiled is the immutable, validated form of a workflow the engine
// dispatches over: the original graph plus derived adjacency, the
// topological order, and per-loop body sets.
type Compiled struct {
	Workflow *Workflow

	nodes map[string]*Node

	// outgoing and incoming list edges in declaration order.
	outgoing map[string][]*Edge
	incoming map[string][]*Edge

	// topoIndex orders nodes over non-loopback edges (Kahn, stable by
	// node id on ties). Loop body nodes are included; loopback edges
	// are not.
	topoIndex map[string]int

	// bodies maps a FOR_EACH node id to the set of node ids it owns.
	bodies map[string]map[string]bool

	// bodyOwner is the reverse: body node id -> owning loop node id.
	bodyOwner map[string]string

	// mergeStrategy caches the strategy of each MERGE node.
	mergeStrategy map[string]string

	triggers []*Node
}

// Merge strategies.
const (
	MergeWaitAll = "wait_all"
	MergeWaitAny = "wait_any"
	MergeObjects = "merge_objects"
)

// CompileOption tweaks validation.
type CompileOption func(*compileOpts)

type compileOpts struct {
	noTriggerRequired bool
}

// WithoutTriggerRequirement skips the at-least-one-trigger check, for
// executions started from an explicit node with supplied inputs.
func WithoutTriggerRequirement() CompileOption {
	return func(o *compileOpts) { o.noTriggerRequired = true }
}

// Compile validates a workflow and derives the structures the engine
// needs. All violations are collected; a non-nil error is always a
// *GraphError listing every problem found.
//
// Checks, in order: unique node ids, resolvable edge endpoints, no
// whitespace in node names, registered runner per (type, subtype),
// per-subtype configuration validity, port references declared,
// self-loops only on FOR_EACH, acyclicity over non-loopback edges,
// loop body isolation, and trigger presence.
func Compile(wf *Workflow, reg *Registry, opts ...CompileOption) (*Compiled, error) {
	var o compileOpts
	for _, opt := range opts {
		opt(&o)
	}

	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	c := &Compiled{
		Workflow:      wf,
		nodes:         make(map[string]*Node, len(wf.Nodes)),
		outgoing:      make(map[string][]*Edge),
		incoming:      make(map[string][]*Edge),
		topoIndex:     make(map[string]int, len(wf.Nodes)),
		bodies:        make(map[string]map[string]bool),
		bodyOwner:     make(map[string]string),
		mergeStrategy: make(map[string]string),
	}

	for _, n := range wf.Nodes {
		if n.ID == "" {
			fail("node with empty id")
			continue
		}
		if _, dup := c.nodes[n.ID]; dup {
			fail("duplicate node id %q", n.ID)
			continue
		}
		c.nodes[n.ID] = n
		if strings.ContainsAny(n.Name, " \t\n") {
			fail("node %q: name %q contains whitespace", n.ID, n.Name)
		}
		if n.Type == TypeTrigger {
			c.triggers = append(c.triggers, n)
		}
		if n.Type == TypeFlow && n.Subtype == SubtypeMerge {
			strategy, _ := n.Config["strategy"].(string)
			if strategy == "" {
				strategy = MergeWaitAll
			}
			switch strategy {
			case MergeWaitAll, MergeWaitAny, MergeObjects:
				c.mergeStrategy[n.ID] = strategy
			default:
				fail("node %q: unknown merge strategy %q", n.ID, strategy)
			}
		}
		if reg != nil {
			r, ok := reg.Lookup(n.Type, n.Subtype)
			if !ok {
				fail("node %q: no runner registered for (%s, %s)", n.ID, n.Type, n.Subtype)
			} else if v, ok := r.(ConfigValidator); ok {
				if err := v.ValidateConfig(n.Config); err != nil {
					fail("node %q: %v", n.ID, err)
				}
			}
		}
	}

	for _, e := range wf.Edges {
		src, srcOK := c.nodes[e.Source]
		dst, dstOK := c.nodes[e.Target]
		if !srcOK {
			fail("edge %q: unknown source node %q", e.ID, e.Source)
		}
		if !dstOK {
			fail("edge %q: unknown target node %q", e.ID, e.Target)
		}
		if !srcOK || !dstOK {
			continue
		}
		if e.Source == e.Target && !(src.Type == TypeFlow && src.Subtype == SubtypeForEach) {
			fail("edge %q: self-loop on node %q (only FOR_EACH declares loop semantics)", e.ID, e.Source)
			continue
		}
		if !src.HasOutput(e.Out()) && !isLoopPort(src, e.Out()) {
			fail("edge %q: source %q declares no output port %q", e.ID, e.Source, e.Out())
		}
		if !dst.HasInput(e.In()) && e.EffectiveKind() == EdgeMain {
			fail("edge %q: target %q declares no input port %q", e.ID, e.Target, e.In())
		}
		c.outgoing[e.Source] = append(c.outgoing[e.Source], e)
		c.incoming[e.Target] = append(c.incoming[e.Target], e)
	}

	if !o.noTriggerRequired && len(c.triggers) == 0 {
		fail("workflow has no TRIGGER node")
	}

	c.deriveBodies(fail)

	if !c.topoSort() {
		fail("cycle detected among non-loopback edges")
	}

	if len(problems) > 0 {
		return nil, &GraphError{Problems: problems}
	}
	return c, nil
}

// isLoopPort admits the item/done ports a FOR_EACH node produces even
// when its declared port spec is the default.
func isLoopPort(n *Node, port string) bool {
	if n.Type != TypeFlow || n.Subtype != SubtypeForEach {
		return false
	}
	return port == PortItem || port == PortDone || port == "results"
}

// deriveBodies computes, for each FOR_EACH node, the set of nodes
// reachable from its item-port edges. The body is owned by the loop:
// body nodes may only receive edges from inside the body or from the
// loop's item port.
func (c *Compiled) deriveBodies(fail func(string, ...any)) {
	for _, n := range c.Workflow.Nodes {
		if n.Type != TypeFlow || n.Subtype != SubtypeForEach {
			continue
		}
		body := make(map[string]bool)
		var frontier []string
		for _, e := range c.outgoing[n.ID] {
			if e.Out() == PortItem && e.Target != n.ID {
				frontier = append(frontier, e.Target)
			}
		}
		for len(frontier) > 0 {
			id := frontier[0]
			frontier = frontier[1:]
			if body[id] || id == n.ID {
				continue
			}
			body[id] = true
			for _, e := range c.outgoing[id] {
				frontier = append(frontier, e.Target)
			}
		}
		for id := range body {
			if owner, taken := c.bodyOwner[id]; taken && owner != n.ID {
				fail("node %q belongs to the bodies of both loops %q and %q", id, owner, n.ID)
				continue
			}
			c.bodyOwner[id] = n.ID
			for _, e := range c.incoming[id] {
				if e.Source == n.ID && e.Out() == PortItem {
					continue
				}
				if !body[e.Source] {
					fail("edge %q: loop body node %q receives data from outside the body of %q", e.ID, id, n.ID)
				}
			}
		}
		c.bodies[n.ID] = body
	}
}

// topoSort computes a Kahn order over non-loopback edges, stable by
// node id on ties. Returns false when a cycle remains.
func (c *Compiled) topoSort() bool {
	indeg := make(map[string]int, len(c.nodes))
	for id := range c.nodes {
		indeg[id] = 0
	}
	for _, edges := range c.incoming {
		for _, e := range edges {
			if e.Source == e.Target {
				continue
			}
			indeg[e.Target]++
		}
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	idx := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		c.topoIndex[id] = idx
		idx++

		var unlocked []string
		for _, e := range c.outgoing[id] {
			if e.Source == e.Target {
				continue
			}
			indeg[e.Target]--
			if indeg[e.Target] == 0 {
				unlocked = append(unlocked, e.Target)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}
	return idx == len(c.nodes)
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Node returns the node with the given id, or nil.
func (c *Compiled) Node(id string) *Node { return c.nodes[id] }

// Outgoing returns the edges leaving a node, in declaration order.
func (c *Compiled) Outgoing(id string) []*Edge { return c.outgoing[id] }

// Incoming returns the edges entering a node, in declaration order.
func (c *Compiled) Incoming(id string) []*Edge { return c.incoming[id] }

// TopoIndex returns the node's position in the topological order.
func (c *Compiled) TopoIndex(id string) int { return c.topoIndex[id] }

// Triggers returns the workflow's trigger nodes.
func (c *Compiled) Triggers() []*Node { return c.triggers }

// BodyOf returns the node ids owned by a FOR_EACH node's body.
func (c *Compiled) BodyOf(loopID string) map[string]bool { return c.bodies[loopID] }

// InBody reports whether a node belongs to any loop body. Body nodes
// are dispatched by their owning loop, not by the main wave scheduler.
func (c *Compiled) InBody(id string) bool {
	_, ok := c.bodyOwner[id]
	return ok
}

// MergeStrategy returns the strategy for a MERGE node (wait_all when
// unset) and whether the node is a MERGE at all.
func (c *Compiled) MergeStrategy(id string) (string, bool) {
	s, ok := c.mergeStrategy[id]
	return s, ok
}

// Roots returns node ids with no incoming MAIN edges, sorted.
func (c *Compiled) Roots() []string {
	var out []string
	for id := range c.nodes {
		hasMain := false
		for _, e := range c.incoming[id] {
			if e.EffectiveKind() == EdgeMain {
				hasMain = true
				break
			}
		}
		if !hasMain {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Leaves returns node ids with no outgoing MAIN edges, sorted.
func (c *Compiled) Leaves() []string {
	var out []string
	for id := range c.nodes {
		hasMain := false
		for _, e := range c.outgoing[id] {
			if e.EffectiveKind() == EdgeMain {
				hasMain = true
				break
			}
		}
		if !hasMain {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Downstream returns every node reachable from the given one over MAIN
// edges, excluding itself.
func (c *Compiled) Downstream(id string) map[string]bool {
	seen := make(map[string]bool)
	frontier := []string{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, e := range c.outgoing[cur] {
			if e.EffectiveKind() != EdgeMain || e.Target == cur {
				continue
			}
			if !seen[e.Target] {
				seen[e.Target] = true
				frontier = append(frontier, e.Target)
			}
		}
	}
	return seen
}
