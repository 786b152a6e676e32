// ABOUTME: Manager loop handler repeatedly dispatching agent sessions until a stop condition fires.
// ABOUTME: Semantics reduce to a bounded codergen loop; cycle count is capped by max_retries.
package attractor

import (
	"context"
	"fmt"
	"strings"
)

// ManagerLoopHandler handles manager nodes (shape=house). Each cycle
// runs one agent session; the loop stops when the session output
// contains the node's stop condition (or an OUTCOME marker), or when the
// cycle budget is exhausted.
type ManagerLoopHandler struct {
	Backend CodergenBackend
}

// Kind returns KindManager.
func (h *ManagerLoopHandler) Kind() HandlerKind { return KindManager }

// Execute runs the manager loop. The cycle budget is max_retries+1,
// defaulting to 5 cycles when the node declares no max_retries.
func (h *ManagerLoopHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxCycles := node.MaxRetries(4) + 1
	stopCondition := node.attr("stop_condition")

	totalCost := 0.0
	var lastOutput string

	for cycle := 1; cycle <= maxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := runAgentSession(ctx, h.Backend, node, pctx)
		if err != nil {
			return nil, err
		}
		totalCost += result.CostUSD
		lastOutput = result.Output

		if !result.Success {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("manager cycle %d failed: %s", cycle, result.FailureReason),
				ContextUpdates: map[string]any{
					node.ID + ".result":   lastOutput,
					node.ID + ".cost_usd": totalCost,
					node.ID + ".cycles":   cycle,
				},
			}, nil
		}

		if managerStopConditionMet(result.Output, stopCondition) {
			return &Outcome{
				Status: StatusSuccess,
				Notes:  fmt.Sprintf("manager %s stopped after %d cycle(s)", node.ID, cycle),
				ContextUpdates: map[string]any{
					node.ID + ".result":   lastOutput,
					node.ID + ".cost_usd": totalCost,
					node.ID + ".cycles":   cycle,
				},
			}, nil
		}
	}

	return &Outcome{
		Status:        StatusFail,
		FailureReason: fmt.Sprintf("manager %s exhausted %d cycle(s) without meeting its stop condition", node.ID, maxCycles),
		ContextUpdates: map[string]any{
			node.ID + ".result":   lastOutput,
			node.ID + ".cost_usd": totalCost,
			node.ID + ".cycles":   maxCycles,
		},
	}, nil
}

// managerStopConditionMet checks the session output against the
// configured stop condition, falling back to OUTCOME markers.
func managerStopConditionMet(output, stopCondition string) bool {
	if stopCondition != "" {
		return strings.Contains(strings.ToLower(output), strings.ToLower(stopCondition))
	}
	marker, found := DetectOutcomeMarker(output)
	return found && marker == "success"
}
