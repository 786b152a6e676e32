// ABOUTME: Exit node handler marking pipeline termination.
// ABOUTME: Goal-gate enforcement happens in the engine after this handler runs.
package attractor

import (
	"context"
	"time"
)

// ExitHandler handles terminal nodes (shape=Msquare). It records the
// finish time; the engine audits goal gates before accepting the exit.
type ExitHandler struct{}

// Kind returns KindExit.
func (h *ExitHandler) Kind() HandlerKind { return KindExit }

// Execute records the finish time and returns success.
func (h *ExitHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "pipeline exited at node " + node.ID,
		ContextUpdates: map[string]any{
			"_finished_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}
