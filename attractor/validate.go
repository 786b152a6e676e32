// ABOUTME: Graph validation rules checking structure and attributes before execution.
// ABOUTME: Errors block execution; warnings are advisory and always reported alongside errors.
package attractor

import (
	"fmt"
)

// Severity is a diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic is a single validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	NodeID   string     // optional
	Edge     *[2]string // optional (from, to)
}

// LintRule is the interface validation rules implement. Rules must be
// deterministic: same graph in, same diagnostics out, in the same order.
type LintRule interface {
	Name() string
	Apply(g *Graph) []Diagnostic
}

// builtinRules returns the fixed rule set in its deterministic order.
func builtinRules() []LintRule {
	return []LintRule{
		&startNodeRule{},
		&terminalNodeRule{},
		&reachabilityRule{},
		&edgeTargetExistsRule{},
		&startNoIncomingRule{},
		&exitNoOutgoingRule{},
		&conditionSyntaxRule{},
		&fidelityValidRule{},
		&retryTargetExistsRule{},
		&goalGateHasRetryRule{},
		&promptOnLLMNodesRule{},
		&orphanSubgraphRule{},
	}
}

// Validate runs all built-in rules plus any extras and returns every
// diagnostic, warnings included, even when errors are present.
func Validate(g *Graph, extraRules ...LintRule) []Diagnostic {
	var diags []Diagnostic
	rules := builtinRules()
	rules = append(rules, extraRules...)
	for _, rule := range rules {
		diags = append(diags, rule.Apply(g)...)
	}
	return diags
}

// ValidateOrError runs validation and returns a ValidationError when any
// error-severity diagnostic exists. The full diagnostic list is returned
// either way.
func ValidateOrError(g *Graph, extraRules ...LintRule) ([]Diagnostic, error) {
	diags := Validate(g, extraRules...)
	for _, d := range diags {
		if d.Severity == SeverityError {
			return diags, &ValidationError{Diagnostics: diags}
		}
	}
	return diags, nil
}

// --- built-in rules ---

type startNodeRule struct{}

func (r *startNodeRule) Name() string { return "StartNodeRule" }

func (r *startNodeRule) Apply(g *Graph) []Diagnostic {
	var starts []string
	for _, id := range g.NodeIDs() {
		if isStartNode(g.Nodes[id]) {
			starts = append(starts, id)
		}
	}
	switch len(starts) {
	case 1:
		return nil
	case 0:
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  "graph has no start node (shape=Mdiamond)",
		}}
	default:
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph has %d start nodes, expected exactly 1: %v", len(starts), starts),
		}}
	}
}

type terminalNodeRule struct{}

func (r *terminalNodeRule) Name() string { return "TerminalNodeRule" }

func (r *terminalNodeRule) Apply(g *Graph) []Diagnostic {
	if len(g.ExitNodes()) > 0 {
		return nil
	}
	return []Diagnostic{{
		Rule:     r.Name(),
		Severity: SeverityError,
		Message:  "graph has no exit node (shape=Msquare)",
	}}
}

// reachableFromStart returns the set of node IDs reachable from the
// start node by forward edge traversal, or nil when no start exists.
func reachableFromStart(g *Graph) map[string]bool {
	start := g.FindStartNode()
	if start == nil {
		return nil
	}
	visited := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(current) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return visited
}

type reachabilityRule struct{}

func (r *reachabilityRule) Name() string { return "ReachabilityRule" }

func (r *reachabilityRule) Apply(g *Graph) []Diagnostic {
	visited := reachableFromStart(g)
	if visited == nil {
		// No start node; StartNodeRule reports that.
		return nil
	}
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		if !visited[id] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q is not reachable from the start node", id),
				NodeID:   id,
			})
		}
	}
	return diags
}

type edgeTargetExistsRule struct{}

func (r *edgeTargetExistsRule) Name() string { return "EdgeTargetExistsRule" }

func (r *edgeTargetExistsRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if g.FindNode(e.From) == nil {
			edge := [2]string{e.From, e.To}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge source %q does not exist", e.From),
				Edge:     &edge,
			})
		}
		if g.FindNode(e.To) == nil {
			edge := [2]string{e.From, e.To}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge target %q does not exist", e.To),
				Edge:     &edge,
			})
		}
	}
	return diags
}

type startNoIncomingRule struct{}

func (r *startNoIncomingRule) Name() string { return "StartNoIncomingRule" }

func (r *startNoIncomingRule) Apply(g *Graph) []Diagnostic {
	start := g.FindStartNode()
	if start == nil {
		return nil
	}
	if incoming := g.IncomingEdges(start.ID); len(incoming) > 0 {
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("start node %q has %d incoming edge(s)", start.ID, len(incoming)),
			NodeID:   start.ID,
		}}
	}
	return nil
}

type exitNoOutgoingRule struct{}

func (r *exitNoOutgoingRule) Name() string { return "ExitNoOutgoingRule" }

func (r *exitNoOutgoingRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.ExitNodes() {
		if outgoing := g.OutgoingEdges(n.ID); len(outgoing) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("exit node %q has %d outgoing edge(s)", n.ID, len(outgoing)),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

type conditionSyntaxRule struct{}

func (r *conditionSyntaxRule) Name() string { return "ConditionSyntaxRule" }

func (r *conditionSyntaxRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		cond := e.Condition()
		if cond == "" {
			continue
		}
		if _, err := ParseCondition(cond); err != nil {
			edge := [2]string{e.From, e.To}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("invalid condition on edge %s->%s: %v", e.From, e.To, err),
				Edge:     &edge,
			})
		}
	}
	return diags
}

type fidelityValidRule struct{}

func (r *fidelityValidRule) Name() string { return "FidelityValidRule" }

func (r *fidelityValidRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		fid := g.Nodes[id].attr("fidelity")
		if fid != "" && !IsValidFidelity(fid) {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q has invalid fidelity %q", id, fid),
				NodeID:   id,
			})
		}
	}
	for _, e := range g.Edges {
		fid := e.attr("fidelity")
		if fid != "" && !IsValidFidelity(fid) {
			edge := [2]string{e.From, e.To}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("edge %s->%s has invalid fidelity %q", e.From, e.To, fid),
				Edge:     &edge,
			})
		}
	}
	return diags
}

type retryTargetExistsRule struct{}

func (r *retryTargetExistsRule) Name() string { return "RetryTargetExistsRule" }

func (r *retryTargetExistsRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	check := func(owner, attr, target string) {
		if target != "" && g.FindNode(target) == nil {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s %s %q does not reference an existing node", owner, attr, target),
				NodeID:   owner,
			})
		}
	}
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		check(id, "retry_target", n.RetryTarget())
		check(id, "fallback_retry_target", n.FallbackRetryTarget())
	}
	if t := g.Attrs["retry_target"]; t != "" && g.FindNode(t) == nil {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("graph retry_target %q does not reference an existing node", t),
		})
	}
	if t := g.Attrs["fallback_retry_target"]; t != "" && g.FindNode(t) == nil {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("graph fallback_retry_target %q does not reference an existing node", t),
		})
	}
	return diags
}

type goalGateHasRetryRule struct{}

func (r *goalGateHasRetryRule) Name() string { return "GoalGateHasRetryRule" }

func (r *goalGateHasRetryRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if !n.GoalGate() {
			continue
		}
		if resolveRetryTarget(n, g) == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("goal gate %q has no retry target at any resolution level", id),
				NodeID:   id,
			})
		}
	}
	return diags
}

type promptOnLLMNodesRule struct{}

func (r *promptOnLLMNodesRule) Name() string { return "PromptOnLlmNodesRule" }

func (r *promptOnLLMNodesRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		kind := ResolveHandlerKind(n)
		if kind != KindCodergen && kind != KindConditional {
			continue
		}
		if n.attr("prompt") == "" && n.attr("label") == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s node %q has no prompt", kind, id),
				NodeID:   id,
			})
		}
	}
	return diags
}

// orphanSubgraphRule warns when the graph splits into several weakly
// connected components. Reachability catches the hard error; this names
// the whole disconnected island.
type orphanSubgraphRule struct{}

func (r *orphanSubgraphRule) Name() string { return "OrphanSubgraphRule" }

func (r *orphanSubgraphRule) Apply(g *Graph) []Diagnostic {
	if len(g.Nodes) == 0 {
		return nil
	}

	// Union of forward and reverse adjacency for weak connectivity.
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if g.FindNode(e.From) == nil || g.FindNode(e.To) == nil {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		adj[e.To] = append(adj[e.To], e.From)
	}

	seen := make(map[string]bool)
	var components int
	for _, id := range g.NodeIDs() {
		if seen[id] {
			continue
		}
		components++
		queue := []string{id}
		seen[id] = true
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, next := range adj[current] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
	}

	if components > 1 {
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("graph contains %d disconnected subgraphs", components),
		}}
	}
	return nil
}
