// ABOUTME: Conditional handler running an agent session and scanning the response for edge labels.
// ABOUTME: Checks the last five lines first, then the whole response; a miss leaves preferred_label empty.
package attractor

import (
	"context"
	"strings"
)

// conditionalScanWindow is how many trailing lines are checked for an
// exact label match before falling back to a whole-response scan.
const conditionalScanWindow = 5

// ConditionalHandler handles branching decision nodes (shape=diamond).
// It runs a codergen session whose response is expected to name one of
// the outgoing edge labels, and routes by setting PreferredLabel.
type ConditionalHandler struct {
	Backend CodergenBackend
}

// Kind returns KindConditional.
func (h *ConditionalHandler) Kind() HandlerKind { return KindConditional }

// Execute runs the session and derives the preferred label from its
// output. Status is success unless the underlying session failed.
func (h *ConditionalHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := runAgentSession(ctx, h.Backend, node, pctx)
	if err != nil {
		return nil, err
	}

	outcome := outcomeFromAgentResult(node, result, store, pctx)
	if outcome.Status == StatusFail {
		return outcome, nil
	}

	var labels []string
	if g, ok := pctx.Get("_graph").(*Graph); ok {
		for _, e := range g.OutgoingEdges(node.ID) {
			if l := e.Label(); l != "" {
				labels = append(labels, l)
			}
		}
	}

	if label, found := matchResponseLabel(result.Output, labels); found {
		outcome.PreferredLabel = label
		outcome.Notes = "conditional " + node.ID + " selected label " + label
	}
	return outcome, nil
}

// matchResponseLabel finds which of the candidate labels the response
// names. The last conditionalScanWindow lines are checked for an exact
// normalized match first; on a miss the entire response is scanned for
// containment. Returns the raw edge label so edge selection can match
// it back exactly.
func matchResponseLabel(response string, labels []string) (string, bool) {
	if len(labels) == 0 {
		return "", false
	}

	lines := strings.Split(strings.TrimSpace(response), "\n")
	start := len(lines) - conditionalScanWindow
	if start < 0 {
		start = 0
	}

	// Exact match in the trailing window, scanning backwards so the very
	// last line wins.
	for i := len(lines) - 1; i >= start; i-- {
		line := NormalizeLabel(lines[i])
		for _, label := range labels {
			if line == NormalizeLabel(label) {
				return label, true
			}
		}
	}

	// Whole-response containment scan.
	normalized := NormalizeLabel(response)
	for _, label := range labels {
		if strings.Contains(normalized, NormalizeLabel(label)) {
			return label, true
		}
	}

	return "", false
}
