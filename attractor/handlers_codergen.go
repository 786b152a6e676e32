// ABOUTME: Codergen handler running an opaque agent session for LLM-driven nodes.
// ABOUTME: Expands the prompt, injects a fidelity-bounded context preamble, and maps results to outcomes.
package attractor

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// defaultStubBackend serves codergen nodes when no backend is wired,
// keeping validation runs and tests free of network dependencies.
var defaultStubBackend = &StubBackend{}

// CodergenHandler handles LLM coding-task nodes (shape=box) and is the
// default for nodes with an unknown shape.
type CodergenHandler struct {
	Backend CodergenBackend
}

// Kind returns KindCodergen.
func (h *CodergenHandler) Kind() HandlerKind { return KindCodergen }

// Execute runs one agent session for the node and converts the result
// into an Outcome carrying {id}.result and {id}.cost_usd updates.
func (h *CodergenHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := runAgentSession(ctx, h.Backend, node, pctx)
	if err != nil {
		return nil, err
	}
	return outcomeFromAgentResult(node, result, store, pctx), nil
}

// runAgentSession builds the session config shared by the codergen,
// conditional, and manager handlers, and dispatches it to the backend.
func runAgentSession(ctx context.Context, backend CodergenBackend, node *Node, pctx *Context) (*AgentRunResult, error) {
	if backend == nil {
		backend = defaultStubBackend
	}

	prompt := ExpandVariables(node.Prompt(), pctx)
	if preamble := buildContextPreamble(node, pctx); preamble != "" {
		prompt = preamble + "\n\n" + prompt
	}

	config := AgentRunConfig{
		Prompt:       prompt,
		Model:        resolveModel(node, pctx),
		Provider:     node.attr("llm_provider"),
		WorkDir:      pctx.GetString("_workdir", ""),
		Goal:         pctx.GetString("goal", ""),
		NodeID:       node.ID,
		AllowedTools: splitToolList(node.attr("allowed_tools")),
		MaxBudgetUSD: node.MaxBudgetUSD(),
		Timeout:      node.Timeout(),
	}

	return backend.RunAgent(ctx, config)
}

// outcomeFromAgentResult maps an agent result into the uniform outcome
// envelope. A failed session always yields a failure. When the node has
// auto_status enabled, an OUTCOME:FAIL marker in the output of a
// successful session turns the outcome into a failure.
func outcomeFromAgentResult(node *Node, result *AgentRunResult, store *ArtifactStore, pctx *Context) *Outcome {
	updates := map[string]any{
		node.ID + ".result":   result.Output,
		node.ID + ".cost_usd": result.CostUSD,
	}

	if store != nil && result.Output != "" {
		if _, err := store.Store(node.ID+".output", "agent_output", []byte(result.Output)); err != nil {
			// Artifact loss is not worth failing the node over.
			updates[node.ID+".artifact_error"] = err.Error()
		}
	}

	if !result.Success {
		reason := result.FailureReason
		if reason == "" {
			reason = "agent session did not complete successfully"
		}
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  reason,
			ContextUpdates: updates,
			Notes:          fmt.Sprintf("agent session failed at %s", node.ID),
		}
	}

	status := StatusSuccess
	if node.AutoStatus() {
		if marker, found := DetectOutcomeMarker(result.Output); found && marker == "fail" {
			return &Outcome{
				Status:         StatusFail,
				FailureReason:  "agent reported OUTCOME:FAIL",
				ContextUpdates: updates,
			}
		}
	}

	return &Outcome{
		Status:         status,
		Notes:          fmt.Sprintf("agent session completed at %s (cost $%.4f)", node.ID, result.CostUSD),
		ContextUpdates: updates,
	}
}

// resolveModel picks the LLM model for a node: node attribute, then the
// graph-level default mirrored into context.
func resolveModel(node *Node, pctx *Context) string {
	if m := node.attr("llm_model"); m != "" {
		return m
	}
	if m := pctx.GetString("default_model", ""); m != "" {
		return m
	}
	return pctx.GetString("llm_model", "")
}

// splitToolList splits an allowed_tools attribute on commas and spaces.
func splitToolList(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	var tools []string
	for _, f := range fields {
		if f != "" {
			tools = append(tools, f)
		}
	}
	return tools
}

// preambleResultLimit bounds how much of each prior result the truncate
// fidelity mode carries into the preamble.
const preambleResultLimit = 2000

// buildContextPreamble renders prior node results into a prompt preamble
// according to the fidelity mode the engine resolved for this dispatch.
//
//	full:     every prior result, verbatim
//	truncate: the three most recent results, each bounded
//	compact:  statuses for all prior nodes plus the most recent result
//	summary:  statuses only
func buildContextPreamble(node *Node, pctx *Context) string {
	mode := FidelityMode(pctx.GetString("_fidelity", string(FidelityCompact)))

	completed := completedNodesFromContext(pctx)
	if len(completed) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Prior pipeline stages:\n")

	switch mode {
	case FidelityFull:
		for _, id := range completed {
			writeResultLine(&b, pctx, id, 0)
		}
	case FidelityTruncate:
		start := len(completed) - 3
		if start < 0 {
			start = 0
		}
		for _, id := range completed[start:] {
			writeResultLine(&b, pctx, id, preambleResultLimit)
		}
	case FidelitySummary:
		for _, id := range completed {
			fmt.Fprintf(&b, "- %s: %s\n", id, pctx.GetString(id+".status", "unknown"))
		}
	default: // compact
		for _, id := range completed {
			fmt.Fprintf(&b, "- %s: %s\n", id, pctx.GetString(id+".status", "unknown"))
		}
		last := completed[len(completed)-1]
		if result := pctx.GetString(last+".result", ""); result != "" {
			fmt.Fprintf(&b, "\nMost recent result (%s):\n%s\n", last, truncateText(result, preambleResultLimit))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func writeResultLine(b *strings.Builder, pctx *Context, id string, limit int) {
	result := pctx.GetString(id+".result", "")
	if result == "" {
		fmt.Fprintf(b, "- %s: %s\n", id, pctx.GetString(id+".status", "unknown"))
		return
	}
	if limit > 0 {
		result = truncateText(result, limit)
	}
	fmt.Fprintf(b, "- %s:\n%s\n", id, result)
}

// completedNodesFromContext lists node IDs with a recorded status, in
// completion order when the engine has recorded one, sorted otherwise.
func completedNodesFromContext(pctx *Context) []string {
	if order, ok := pctx.Get("_completed_order").([]string); ok {
		return order
	}
	var ids []string
	for _, key := range pctx.Keys() {
		if strings.HasSuffix(key, ".status") {
			ids = append(ids, strings.TrimSuffix(key, ".status"))
		}
	}
	sort.Strings(ids)
	return ids
}

func truncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}
