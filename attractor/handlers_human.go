// ABOUTME: Wait-human handler suspending the pipeline until an external response arrives.
// ABOUTME: On resume, the supplied response text becomes the outcome's preferred label.
package attractor

import (
	"context"
)

// humanResponseKey is the context slot the engine fills with the
// externally supplied response before re-dispatching a human gate.
const humanResponseKey = "_human_response"

// WaitHumanHandler handles human gate nodes (shape=hexagon). With no
// pending response the engine suspends: it writes a final checkpoint and
// returns an AwaitingHumanError to the caller, which may tear down the
// process entirely and resume later.
type WaitHumanHandler struct{}

// Kind returns KindWaitHuman.
func (h *WaitHumanHandler) Kind() HandlerKind { return KindWaitHuman }

// Execute consumes a pending human response, or signals suspension.
func (h *WaitHumanHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if response := pctx.GetString(humanResponseKey, ""); response != "" {
		return &Outcome{
			Status:         StatusSuccess,
			PreferredLabel: response,
			Notes:          "human responded: " + response,
			ContextUpdates: map[string]any{
				humanResponseKey:     nil, // consume
				node.ID + ".result":  response,
				"human.gate.node_id": node.ID,
			},
		}, nil
	}

	question := node.Label()
	if question == "" {
		question = "Select an option:"
	}

	var options []string
	if g, ok := pctx.Get("_graph").(*Graph); ok {
		for _, e := range g.OutgoingEdges(node.ID) {
			label := e.Label()
			if label == "" {
				label = e.To
			}
			options = append(options, label)
		}
	}

	return nil, &AwaitingHumanError{
		NodeID:   node.ID,
		Question: ExpandVariables(question, pctx),
		Options:  options,
	}
}
