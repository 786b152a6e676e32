// ABOUTME: Five-step edge selection cascade choosing the next edge after a node completes.
// ABOUTME: Priority: condition match > preferred label > suggested IDs > weight > lexical tiebreak.
package attractor

import (
	"sort"
	"strings"
)

// NormalizeLabel lowercases a label, trims whitespace, and strips the
// '&' accelerator marker used for keyboard shortcuts.
func NormalizeLabel(label string) string {
	s := strings.ReplaceAll(label, "&", "")
	return strings.ToLower(strings.TrimSpace(s))
}

// bestByWeightThenLexical picks the highest-weight edge; ties break on
// the lexically-first To field. Returns nil for an empty slice.
func bestByWeightThenLexical(edges []*Edge) *Edge {
	if len(edges) == 0 {
		return nil
	}
	sorted := append([]*Edge(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		wi, wj := sorted[i].Weight(), sorted[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return sorted[i].To < sorted[j].To
	})
	return sorted[0]
}

// SelectEdge chooses the next edge out of a node given its outcome and
// the context. The cascade:
//
//  1. Condition match: among edges whose condition evaluates true,
//     highest weight wins, then lexical To.
//  2. Preferred label: an edge whose label equals the outcome's
//     preferred label after normalization.
//  3. Suggested IDs: the edge whose To appears earliest in the
//     outcome's suggested next IDs.
//  4. Highest weight among unconditional edges.
//  5. Lexical tiebreak on To.
//
// Steps 4–5 are skipped for failed outcomes: a failure only routes along
// an edge that explicitly matched it. Returns nil when no outgoing edge
// exists or nothing matched.
func SelectEdge(node *Node, outcome *Outcome, ctx *Context, graph *Graph) *Edge {
	edges := graph.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return nil
	}

	// Step 1: condition matches.
	var condMatches []*Edge
	for _, e := range edges {
		cond := e.Condition()
		if strings.TrimSpace(cond) == "" {
			continue
		}
		if EvaluateCondition(cond, outcome, ctx) {
			condMatches = append(condMatches, e)
		}
	}
	if len(condMatches) > 0 {
		return bestByWeightThenLexical(condMatches)
	}

	// Step 2: preferred label.
	if outcome.PreferredLabel != "" {
		want := NormalizeLabel(outcome.PreferredLabel)
		for _, e := range edges {
			if label := e.Label(); label != "" && NormalizeLabel(label) == want {
				return e
			}
		}
	}

	// Step 3: suggested next IDs, earliest suggestion first.
	for _, id := range outcome.SuggestedNextIDs {
		for _, e := range edges {
			if e.To == id {
				return e
			}
		}
	}

	// Steps 4–5: unconditional edges by weight then lexical. A failed
	// node must have matched explicitly above to continue.
	if outcome.Status == StatusFail {
		return nil
	}
	var unconditional []*Edge
	for _, e := range edges {
		if strings.TrimSpace(e.Condition()) == "" {
			unconditional = append(unconditional, e)
		}
	}
	return bestByWeightThenLexical(unconditional)
}
