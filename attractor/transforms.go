// ABOUTME: Pre-execution graph rewrites: stylesheet application and ${ctx.key} variable expansion.
// ABOUTME: Transforms run once on the engine's executable copy; expansion repeats lazily at dispatch time.
package attractor

import (
	"regexp"
	"strings"
)

// Transform is a rewrite applied to the executable graph copy before the
// engine loop starts.
type Transform interface {
	Apply(g *Graph) *Graph
}

// ApplyTransforms runs a transform chain in order.
func ApplyTransforms(g *Graph, transforms ...Transform) *Graph {
	result := g
	for _, t := range transforms {
		result = t.Apply(result)
	}
	return result
}

// DefaultTransforms returns the standard ordered transform chain.
func DefaultTransforms() []Transform {
	return []Transform{
		&StylesheetTransform{},
		&VariableExpansionTransform{},
	}
}

// StylesheetTransform parses the graph's stylesheet attribute and applies
// it to all nodes. An unparseable stylesheet is skipped; the graph still
// runs on its explicit attributes.
type StylesheetTransform struct{}

// Apply parses and applies the stylesheet from graph attributes.
func (t *StylesheetTransform) Apply(g *Graph) *Graph {
	text := g.Attrs["stylesheet"]
	if text == "" {
		text = g.Attrs["model_stylesheet"]
	}
	if text == "" {
		return g
	}

	ss, err := ParseStylesheet(text)
	if err != nil {
		return g
	}
	ss.Apply(g)
	return g
}

var ctxVarPattern = regexp.MustCompile(`\$\{ctx\.([A-Za-z0-9_.\-]+)\}`)

// VariableExpansionTransform replaces ${ctx.key} references in string
// attributes with values from the graph attribute map. At this stage
// only graph-level attributes are populated; per-node prompts expand
// again at dispatch time against the live context so references like
// ${ctx.prior.result} resolve.
type VariableExpansionTransform struct{}

// Apply expands ${ctx.key} references resolvable from graph attributes.
func (t *VariableExpansionTransform) Apply(g *Graph) *Graph {
	lookup := func(key string) (string, bool) {
		v, ok := g.Attrs[key]
		return v, ok
	}
	for _, node := range g.Nodes {
		for key, val := range node.Attrs {
			node.Attrs[key] = expandWith(val, lookup)
		}
	}
	for _, edge := range g.Edges {
		for key, val := range edge.Attrs {
			edge.Attrs[key] = expandWith(val, lookup)
		}
	}
	return g
}

// ExpandVariables replaces every ${ctx.key} in s with the context's
// string value for key. Unresolvable references are left verbatim.
func ExpandVariables(s string, ctx *Context) string {
	if ctx == nil {
		return s
	}
	return expandWith(s, func(key string) (string, bool) {
		if !ctx.Has(key) {
			return "", false
		}
		return ctx.GetString(key, ""), true
	})
}

func expandWith(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${ctx.") {
		return s
	}
	return ctxVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := ctxVarPattern.FindStringSubmatch(match)[1]
		if val, ok := lookup(key); ok {
			return val
		}
		return match
	})
}
