// ABOUTME: CodergenBackend interface decoupling LLM/agent execution from the codergen handler.
// ABOUTME: Includes the stub backend used by tests and --dry-run, and outcome marker detection.
package attractor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// CodergenBackend abstracts the opaque agent runner that codergen and
// conditional nodes invoke.
type CodergenBackend interface {
	// RunAgent executes one agent session. The context carries the node
	// deadline; cancellation must abort the session.
	RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
}

// AgentRunConfig configures a single agent session for a pipeline node.
type AgentRunConfig struct {
	Prompt       string        // expanded prompt including the context preamble
	Model        string        // LLM model name
	Provider     string        // LLM provider name
	BaseURL      string        // custom API base URL, "" for the provider default
	WorkDir      string        // working directory for file operations
	Goal         string        // pipeline-level goal
	NodeID       string        // node identifier for logging
	AllowedTools []string      // tool allowlist for the session
	MaxBudgetUSD float64       // per-session spend cap, 0 = unlimited
	Timeout      time.Duration // session deadline, 0 = none beyond ctx
}

// AgentRunResult is the outcome of one agent session.
type AgentRunResult struct {
	Output        string  // final text output
	CostUSD       float64 // dollars spent in this session
	TokensUsed    int     // total tokens across all turns
	ToolCalls     int     // tool invocations made
	Success       bool    // whether the session completed cleanly
	FailureReason string  // populated when Success is false
}

// DetectOutcomeMarker scans agent output for OUTCOME:FAIL / OUTCOME:PASS
// style markers (":" or "=" separator, case-insensitive). FAIL wins when
// both appear. Returns ("", false) when no marker is present.
func DetectOutcomeMarker(text string) (string, bool) {
	upper := strings.ToUpper(text)
	hasFail := strings.Contains(upper, "OUTCOME:FAIL") ||
		strings.Contains(upper, "OUTCOME=FAIL")
	hasPass := strings.Contains(upper, "OUTCOME:PASS") ||
		strings.Contains(upper, "OUTCOME=PASS") ||
		strings.Contains(upper, "OUTCOME:SUCCESS") ||
		strings.Contains(upper, "OUTCOME=SUCCESS")

	if hasFail {
		return "fail", true
	}
	if hasPass {
		return "success", true
	}
	return "", false
}

// StubBackend is the backend used by tests and --dry-run. It echoes a
// canned response per node (or a generic acknowledgment) at a fixed cost
// without touching any network.
type StubBackend struct {
	// Responses maps node ID to the output text the stub returns.
	Responses map[string]string
	// Costs maps node ID to the per-session cost; CostPerCall applies
	// when a node has no entry.
	Costs map[string]float64
	// CostPerCall is the default session cost. Zero is valid.
	CostPerCall float64
	// FailNodes marks node IDs whose sessions report failure.
	FailNodes map[string]bool

	mu    sync.Mutex
	calls []string
}

// RunAgent returns the canned response for the node.
func (b *StubBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.calls = append(b.calls, config.NodeID)
	b.mu.Unlock()

	cost := b.CostPerCall
	if c, ok := b.Costs[config.NodeID]; ok {
		cost = c
	}

	if b.FailNodes[config.NodeID] {
		return &AgentRunResult{
			Output:        "stub failure for " + config.NodeID,
			CostUSD:       cost,
			Success:       false,
			FailureReason: "stub backend configured to fail node " + config.NodeID,
		}, nil
	}

	output := b.Responses[config.NodeID]
	if output == "" {
		output = fmt.Sprintf("stub response for %s", config.NodeID)
	}

	return &AgentRunResult{
		Output:  output,
		CostUSD: cost,
		Success: true,
	}, nil
}

// Calls returns the node IDs dispatched to the stub, in order.
func (b *StubBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}
