// ABOUTME: Start node handler marking pipeline entry.
// ABOUTME: Emits success with a start timestamp and no other context changes.
package attractor

import (
	"context"
	"time"
)

// StartHandler handles the pipeline entry node (shape=Mdiamond).
type StartHandler struct{}

// Kind returns KindStart.
func (h *StartHandler) Kind() HandlerKind { return KindStart }

// Execute records the start time and returns success.
func (h *StartHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "pipeline started at node " + node.ID,
		ContextUpdates: map[string]any{
			"_started_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}
