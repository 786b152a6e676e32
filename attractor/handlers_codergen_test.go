// ABOUTME: Tests for the codergen handler and the shared agent-session plumbing.
// ABOUTME: Prompt expansion, preamble fidelity modes, outcome markers, and failure mapping.
package attractor

import (
	"context"
	"strings"
	"testing"
)

func TestCodergenSuccess(t *testing.T) {
	backend := &StubBackend{
		Responses:   map[string]string{"impl": "implemented the feature"},
		CostPerCall: 0.10,
	}
	node := &Node{ID: "impl", Attrs: map[string]string{"prompt": "implement it"}}

	outcome, err := (&CodergenHandler{Backend: backend}).Execute(context.Background(), node, NewContext(), NewArtifactStore(""))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Fatalf("status = %v: %s", outcome.Status, outcome.FailureReason)
	}
	if got := outcome.ContextUpdates["impl.result"]; got != "implemented the feature" {
		t.Errorf("impl.result = %v", got)
	}
	if got := outcome.ContextUpdates["impl.cost_usd"]; got != 0.10 {
		t.Errorf("impl.cost_usd = %v", got)
	}
}

func TestCodergenFailureMapsToFailOutcome(t *testing.T) {
	backend := &StubBackend{FailNodes: map[string]bool{"impl": true}}
	node := &Node{ID: "impl", Attrs: map[string]string{"prompt": "x"}}

	outcome, err := (&CodergenHandler{Backend: backend}).Execute(context.Background(), node, NewContext(), NewArtifactStore(""))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != StatusFail || outcome.FailureReason == "" {
		t.Errorf("outcome = %+v, want fail with reason", outcome)
	}
}

func TestCodergenOutcomeMarkerFail(t *testing.T) {
	backend := &StubBackend{Responses: map[string]string{"check": "tests are red\nOUTCOME:FAIL"}}
	node := &Node{ID: "check", Attrs: map[string]string{"prompt": "run tests"}}

	outcome, _ := (&CodergenHandler{Backend: backend}).Execute(context.Background(), node, NewContext(), NewArtifactStore(""))
	if outcome.Status != StatusFail {
		t.Errorf("status = %v, want fail from OUTCOME:FAIL marker", outcome.Status)
	}
}

func TestCodergenAutoStatusDisabledIgnoresMarker(t *testing.T) {
	backend := &StubBackend{Responses: map[string]string{"check": "OUTCOME:FAIL but who cares"}}
	node := &Node{ID: "check", Attrs: map[string]string{"prompt": "x", "auto_status": "false"}}

	outcome, _ := (&CodergenHandler{Backend: backend}).Execute(context.Background(), node, NewContext(), NewArtifactStore(""))
	if outcome.Status != StatusSuccess {
		t.Errorf("status = %v, want success with auto_status=false", outcome.Status)
	}
}

// promptRecordingBackend captures the prompt each session receives.
type promptRecordingBackend struct {
	prompts []string
	configs []AgentRunConfig
}

func (b *promptRecordingBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	b.prompts = append(b.prompts, config.Prompt)
	b.configs = append(b.configs, config)
	return &AgentRunResult{Output: "ok", Success: true}, nil
}

func TestCodergenExpandsPromptVariables(t *testing.T) {
	backend := &promptRecordingBackend{}
	node := &Node{ID: "review", Attrs: map[string]string{"prompt": "Review: ${ctx.impl.result}"}}

	pctx := NewContext()
	pctx.Set("impl.result", "wrote the parser")

	if _, err := (&CodergenHandler{Backend: backend}).Execute(context.Background(), node, pctx, NewArtifactStore("")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(backend.prompts[0], "Review: wrote the parser") {
		t.Errorf("prompt = %q, want expanded variable", backend.prompts[0])
	}
}

func TestCodergenSessionConfig(t *testing.T) {
	backend := &promptRecordingBackend{}
	node := &Node{ID: "impl", Attrs: map[string]string{
		"prompt":         "x",
		"llm_model":      "gpt-5.2",
		"llm_provider":   "openai",
		"allowed_tools":  "Bash,Read, Edit",
		"max_budget_usd": "0.75",
		"timeout":        "90s",
	}}

	pctx := NewContext()
	pctx.Set("goal", "ship the thing")
	pctx.Set("_workdir", "/tmp/work")

	if _, err := (&CodergenHandler{Backend: backend}).Execute(context.Background(), node, pctx, NewArtifactStore("")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	cfg := backend.configs[0]
	if cfg.Model != "gpt-5.2" || cfg.Provider != "openai" {
		t.Errorf("model/provider = %q/%q", cfg.Model, cfg.Provider)
	}
	if len(cfg.AllowedTools) != 3 || cfg.AllowedTools[2] != "Edit" {
		t.Errorf("allowed tools = %v", cfg.AllowedTools)
	}
	if cfg.MaxBudgetUSD != 0.75 {
		t.Errorf("budget = %v", cfg.MaxBudgetUSD)
	}
	if cfg.Timeout.Seconds() != 90 {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.Goal != "ship the thing" || cfg.WorkDir != "/tmp/work" {
		t.Errorf("goal/workdir = %q/%q", cfg.Goal, cfg.WorkDir)
	}
}

func TestPreambleFidelityModes(t *testing.T) {
	pctx := NewContext()
	pctx.Set("_completed_order", []string{"start", "a", "b"})
	pctx.Set("start.status", "success")
	pctx.Set("a.status", "success")
	pctx.Set("a.result", "result of a")
	pctx.Set("b.status", "success")
	pctx.Set("b.result", "result of b")

	node := &Node{ID: "next", Attrs: map[string]string{}}

	pctx.Set("_fidelity", "summary")
	summary := buildContextPreamble(node, pctx)
	if strings.Contains(summary, "result of b") {
		t.Error("summary mode should carry statuses only")
	}
	if !strings.Contains(summary, "b: success") {
		t.Errorf("summary missing statuses: %q", summary)
	}

	pctx.Set("_fidelity", "compact")
	compact := buildContextPreamble(node, pctx)
	if !strings.Contains(compact, "result of b") {
		t.Errorf("compact mode should carry the most recent result: %q", compact)
	}
	if strings.Contains(compact, "result of a") {
		t.Error("compact mode should not carry older results")
	}

	pctx.Set("_fidelity", "full")
	full := buildContextPreamble(node, pctx)
	if !strings.Contains(full, "result of a") || !strings.Contains(full, "result of b") {
		t.Errorf("full mode should carry everything: %q", full)
	}
}

func TestPreambleEmptyWithoutHistory(t *testing.T) {
	node := &Node{ID: "first", Attrs: map[string]string{}}
	if got := buildContextPreamble(node, NewContext()); got != "" {
		t.Errorf("preamble = %q, want empty before any node completes", got)
	}
}

func TestConditionalHandlerMatchesLastLines(t *testing.T) {
	g := mustParse(t, `digraph p {
		verify [shape=diamond, prompt="check"]
		verify -> done [label=PASS]
		verify -> fixup [label=FAIL]
	}`)

	backend := &StubBackend{Responses: map[string]string{
		"verify": "Looking at the tests...\nEverything is green.\nPASS",
	}}
	pctx := NewContext()
	pctx.Set("_graph", g)

	outcome, err := (&ConditionalHandler{Backend: backend}).Execute(context.Background(), g.Nodes["verify"], pctx, NewArtifactStore(""))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != StatusSuccess || outcome.PreferredLabel != "PASS" {
		t.Errorf("outcome = %+v, want success with PASS label", outcome)
	}
}

func TestMatchResponseLabel(t *testing.T) {
	labels := []string{"PASS", "FAIL"}

	tests := []struct {
		name      string
		response  string
		want      string
		wantFound bool
	}{
		{"last line exact", "thinking...\nPASS", "PASS", true},
		{"case insensitive", "reasoning\npass", "PASS", true},
		{"within window", "a\nFAIL\nb\nc\nd\ne", "FAIL", true},
		{"outside window falls to containment", "the verdict is PASS for sure\n1\n2\n3\n4\n5\n6", "PASS", true},
		{"no match", "inconclusive", "", false},
		{"last line wins over earlier window line", "FAIL was considered\nbut\nPASS", "PASS", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := matchResponseLabel(tt.response, labels)
			if got != tt.want || found != tt.wantFound {
				t.Errorf("matchResponseLabel = (%q, %v), want (%q, %v)", got, found, tt.want, tt.wantFound)
			}
		})
	}
}

func TestConditionalHandlerNoLabelLeavesPreferredEmpty(t *testing.T) {
	g := mustParse(t, `digraph p {
		verify [shape=diamond, prompt="check"]
		verify -> done [label=PASS]
	}`)
	backend := &StubBackend{Responses: map[string]string{"verify": "no verdict reached"}}
	pctx := NewContext()
	pctx.Set("_graph", g)

	outcome, _ := (&ConditionalHandler{Backend: backend}).Execute(context.Background(), g.Nodes["verify"], pctx, NewArtifactStore(""))
	if outcome.PreferredLabel != "" {
		t.Errorf("preferred label = %q, want empty on scan miss", outcome.PreferredLabel)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("status = %v, want success even without a label match", outcome.Status)
	}
}
