// ABOUTME: Parallel fan-out handler enumerating outgoing edges as concurrent child branches.
// ABOUTME: The engine performs the actual concurrent execution after this handler returns.
package attractor

import (
	"context"
	"strconv"
)

// ParallelHandler handles fan-out nodes (shape=component). It records
// the outgoing edge targets as branches; the engine spawns a child
// execution frame per branch, each against a context snapshot.
type ParallelHandler struct{}

// Kind returns KindParallel.
func (h *ParallelHandler) Kind() HandlerKind { return KindParallel }

// Execute lists the fan-out branches. No outgoing edges is a failure.
func (h *ParallelHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var branches []string
	if g, ok := pctx.Get("_graph").(*Graph); ok {
		for _, e := range g.OutgoingEdges(node.ID) {
			branches = append(branches, e.To)
		}
	}

	if len(branches) == 0 {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "no outgoing branches for parallel node " + node.ID,
		}, nil
	}

	maxParallel := 4
	if s := node.attr("max_parallel"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxParallel = n
		}
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "fanning out branches from " + node.ID,
		ContextUpdates: map[string]any{
			"parallel.branches":     branches,
			"parallel.max_parallel": maxParallel,
		},
	}, nil
}
