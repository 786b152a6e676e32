// ABOUTME: Concurrent fan-out branch execution with snapshotted contexts and deterministic merge.
// ABOUTME: Each branch walks from its start node to the fan-in; merges apply in lexical target order.
package attractor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// BranchResult holds everything a single fan-out branch produced.
type BranchResult struct {
	NodeID    string              // branch entry node
	Completed []string            // nodes the branch executed, in order
	Outcomes  map[string]*Outcome // per-node outcomes
	Updates   map[string]any      // context updates to merge into the parent
	CostUSD   float64             // total cost across the branch
	StoppedAt string              // fan-in node the branch reached, or ""
	Err       error               // branch-level error, nil on clean completion
}

// runBranches executes fan-out branches concurrently, merges their
// results into the parent state in lexical branch order, and returns the
// fan-in node the branches converged on (nil when none was declared).
func (e *Engine) runBranches(ctx context.Context, exec *Graph, state *runState, branches []string) (*Node, error) {
	maxParallel := state.pctx.GetInt("parallel.max_parallel", 4)
	if maxParallel < 1 {
		maxParallel = 1
	}

	results := make([]*BranchResult, len(branches))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, branchID := range branches {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// Each child owns a snapshot of the context at fan-out time.
			results[idx] = e.runBranch(ctx, exec, state.pctx.Clone(), state.store, state.registry, id)
		}(i, branchID)
	}
	wg.Wait()

	// Deterministic merge order: lexical by branch entry node.
	ordered := append([]*BranchResult(nil), results...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].NodeID < ordered[j].NodeID })

	var fanInID string
	for _, br := range ordered {
		if br == nil {
			continue
		}
		if br.Err != nil {
			return nil, fmt.Errorf("parallel branch %q failed: %w", br.NodeID, br.Err)
		}

		state.pctx.ApplyUpdates(br.Updates)
		state.totalCost += br.CostUSD
		for _, id := range br.Completed {
			state.completed = append(state.completed, id)
			state.stepCount++
			if o := br.Outcomes[id]; o != nil {
				state.outcomes[id] = o
				state.pctx.Set(id+".status", string(o.Status))
			}
		}
		if br.StoppedAt != "" && fanInID == "" {
			fanInID = br.StoppedAt
		}
	}

	state.pctx.Set(KeyTotalCost, state.totalCost)
	state.pctx.Set(KeyStepCount, state.stepCount)
	state.pctx.Set("_completed_order", append([]string(nil), state.completed...))

	statuses := make(map[string]string, len(state.outcomes))
	for id, o := range state.outcomes {
		statuses[id] = string(o.Status)
	}
	state.pctx.Set("node_outcomes", statuses)

	if fanInID == "" {
		return nil, nil
	}
	return exec.FindNode(fanInID), nil
}

// runBranch walks a single branch from its entry node, dispatching each
// node against the branch's private context until it reaches a fan-in
// node, a dead end, or a failure with no matching edge.
func (e *Engine) runBranch(
	ctx context.Context,
	exec *Graph,
	branchCtx *Context,
	store *ArtifactStore,
	registry *HandlerRegistry,
	startID string,
) *BranchResult {
	br := &BranchResult{
		NodeID:   startID,
		Outcomes: make(map[string]*Outcome),
		Updates:  make(map[string]any),
	}

	node := exec.FindNode(startID)
	if node == nil {
		br.Err = fmt.Errorf("branch entry node %q not found", startID)
		return br
	}

	// A branch never executes more nodes than the graph holds; cycles
	// inside a branch are a modeling error.
	for steps := 0; steps <= len(exec.Nodes); steps++ {
		if err := ctx.Err(); err != nil {
			br.Err = err
			return br
		}
		if ResolveHandlerKind(node) == KindFanIn {
			br.StoppedAt = node.ID
			return br
		}

		outcome, err := e.dispatchNode(ctx, exec, node, branchCtx, store, registry, nil)
		if err != nil {
			br.Err = err
			return br
		}

		br.Completed = append(br.Completed, node.ID)
		br.Outcomes[node.ID] = outcome
		if outcome.ContextUpdates != nil {
			branchCtx.ApplyUpdates(outcome.ContextUpdates)
			// Branch writes are key-disjoint by convention ({node_id}.*),
			// so carrying them all to the parent is commutative.
			for k, v := range outcome.ContextUpdates {
				br.Updates[k] = v
			}
		}
		branchCtx.Set(node.ID+".status", string(outcome.Status))
		br.Updates[node.ID+".status"] = string(outcome.Status)
		if outcome.Notes != "" {
			br.Updates[node.ID+".notes"] = outcome.Notes
		}
		if v, ok := outcome.ContextUpdates[node.ID+".cost_usd"]; ok {
			switch c := v.(type) {
			case float64:
				br.CostUSD += c
			case int:
				br.CostUSD += float64(c)
			}
		}

		// A branch failure is not fatal to the run: the branch stops and
		// the fan-in aggregates the failure.
		edge := SelectEdge(node, outcome, branchCtx, exec)
		if edge == nil {
			return br
		}
		next := exec.FindNode(edge.To)
		if next == nil {
			br.Err = fmt.Errorf("edge from %q targets unknown node %q", node.ID, edge.To)
			return br
		}
		node = next
	}

	br.Err = fmt.Errorf("branch from %q exceeded the graph size; cycle suspected", startID)
	return br
}
