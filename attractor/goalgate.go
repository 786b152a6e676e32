// ABOUTME: Goal-gate enforcement at exit nodes: audit, retry-target resolution, and loop reset.
// ABOUTME: The first failing gate in traversal order picks the reset target; downstream bookkeeping is trimmed.
package attractor

// auditGoalGates checks every goal-gate node that has a recorded outcome.
// Gates are examined in the order they were traversed (first completion
// wins for nodes visited more than once); the first gate whose last
// outcome is neither success nor partial_success is returned. A gate
// that was never visited passes vacuously.
func auditGoalGates(graph *Graph, completedNodes []string, outcomes map[string]*Outcome) (bool, *Node) {
	seen := make(map[string]bool, len(completedNodes))
	for _, id := range completedNodes {
		if seen[id] {
			continue
		}
		seen[id] = true

		node := graph.FindNode(id)
		if node == nil || !node.GoalGate() {
			continue
		}
		outcome, visited := outcomes[id]
		if !visited {
			continue
		}
		if !outcome.Status.IsTerminalSuccess() {
			return false, node
		}
	}
	return true, nil
}

// resolveRetryTarget resolves the retry target for a failing gate,
// consulting in order: the node's retry_target, the node's
// fallback_retry_target, the graph's retry_target, and the graph's
// fallback_retry_target. Returns "" when nothing is set.
func resolveRetryTarget(node *Node, graph *Graph) string {
	if t := node.RetryTarget(); t != "" {
		return t
	}
	if t := node.FallbackRetryTarget(); t != "" {
		return t
	}
	if graph != nil {
		if t := graph.Attrs["retry_target"]; t != "" {
			return t
		}
		if t := graph.Attrs["fallback_retry_target"]; t != "" {
			return t
		}
	}
	return ""
}

// trimForLoopReset removes the retry target and everything completed at
// or after its most recent completion from the bookkeeping, approximating
// "strictly-dominated downstream" by completion order. Context values
// are deliberately untouched: accumulated knowledge survives retries.
// Returns the trimmed completion list; outcomes is mutated in place.
func trimForLoopReset(target string, completedNodes []string, outcomes map[string]*Outcome) []string {
	cut := -1
	for i, id := range completedNodes {
		if id == target {
			cut = i
		}
	}
	if cut < 0 {
		// Target never completed; nothing downstream of it to trim.
		return completedNodes
	}

	removed := completedNodes[cut:]
	kept := append([]string(nil), completedNodes[:cut]...)

	// Only drop an outcome when the node does not also survive in the
	// kept prefix (a node can appear in both halves across retries).
	surviving := make(map[string]bool, len(kept))
	for _, id := range kept {
		surviving[id] = true
	}
	for _, id := range removed {
		if !surviving[id] {
			delete(outcomes, id)
		}
	}
	return kept
}
