// ABOUTME: Fan-in handler aggregating terminal outcomes of declared predecessors.
// ABOUTME: Success iff every child ended success or partial_success; results land under {id}.children.
package attractor

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// FanInHandler handles join nodes (shape=tripleoctagon). By the time the
// single-threaded loop reaches a fan-in, every sibling branch has merged
// its outcome into the context; a missing predecessor outcome means the
// join was reached prematurely and is reported as failure.
type FanInHandler struct{}

// Kind returns KindFanIn.
func (h *FanInHandler) Kind() HandlerKind { return KindFanIn }

// Execute aggregates predecessor outcomes into {id}.children.
func (h *FanInHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, ok := pctx.Get("_graph").(*Graph)
	if !ok {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "no graph reference available for fan-in node " + node.ID,
		}, nil
	}

	var preds []string
	for _, e := range g.IncomingEdges(node.ID) {
		preds = append(preds, e.From)
	}
	// Deterministic aggregation order regardless of branch completion order.
	sort.Strings(preds)

	children := make(map[string]any, len(preds))
	var missing, failed []string
	for _, pred := range preds {
		status := pctx.GetString(pred+".status", "")
		if status == "" {
			missing = append(missing, pred)
			continue
		}
		children[pred] = map[string]any{
			"status": status,
			"result": pctx.GetString(pred+".result", ""),
		}
		if !StageStatus(status).IsTerminalSuccess() {
			failed = append(failed, pred)
		}
	}

	updates := map[string]any{
		node.ID + ".children": children,
	}

	if len(missing) > 0 {
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  fmt.Sprintf("fan-in %s reached before predecessor(s) completed: %s", node.ID, strings.Join(missing, ", ")),
			ContextUpdates: updates,
		}, nil
	}
	if len(failed) > 0 {
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  fmt.Sprintf("branch(es) failed: %s", strings.Join(failed, ", ")),
			ContextUpdates: updates,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          fmt.Sprintf("fan-in %s merged %d branch(es)", node.ID, len(children)),
		ContextUpdates: updates,
	}, nil
}
