// ABOUTME: End-to-end engine tests: linear runs, conditional routing, goal-gate retries, guards, resume.
// ABOUTME: Uses scripted backends so traversal is deterministic and costs are controlled.
package attractor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// scriptedBackend returns per-node response sequences in order, repeating
// the last one once exhausted.
type scriptedBackend struct {
	mu        sync.Mutex
	responses map[string][]string
	costs     map[string]float64
	served    map[string]int
	calls     []string
}

func (b *scriptedBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.served == nil {
		b.served = make(map[string]int)
	}
	b.calls = append(b.calls, config.NodeID)

	output := "ok"
	if seq := b.responses[config.NodeID]; len(seq) > 0 {
		idx := b.served[config.NodeID]
		if idx >= len(seq) {
			idx = len(seq) - 1
		}
		output = seq[idx]
		b.served[config.NodeID]++
	}

	return &AgentRunResult{
		Output:  output,
		CostUSD: b.costs[config.NodeID],
		Success: true,
	}, nil
}

func testEngine(t *testing.T, backend CodergenBackend, mutate func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{
		LogsDir:      t.TempDir(),
		MaxSteps:     100,
		MaxBudgetUSD: -1,
		Backend:      backend,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cfg)
}

func assertCompleted(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("completed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("completed = %v, want %v", got, want)
		}
	}
}

const linearSource = `digraph linear {
	start [shape=Mdiamond]
	a [shape=box, prompt="step a"]
	b [shape=box, prompt="step b"]
	done [shape=Msquare]
	start -> a -> b -> done
}`

func TestEngineLinearRun(t *testing.T) {
	backend := &scriptedBackend{costs: map[string]float64{"a": 0.10, "b": 0.10}}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), linearSource)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertCompleted(t, result.CompletedNodes, []string{"start", "a", "b", "done"})
	if result.TotalCost != 0.20 {
		t.Errorf("total cost = %v, want 0.20", result.TotalCost)
	}
	if result.StepCount != len(result.CompletedNodes) {
		t.Errorf("step count %d != completed %d", result.StepCount, len(result.CompletedNodes))
	}
	if got := result.Context.GetFloat(KeyTotalCost, -1); got != 0.20 {
		t.Errorf("context total_cost = %v", got)
	}
}

const conditionalSource = `digraph cond {
	start [shape=Mdiamond]
	verify [shape=diamond, prompt="verify the work"]
	fixup [shape=box, prompt="fix it"]
	done [shape=Msquare]
	start -> verify
	verify -> done [label=PASS, condition="preferred_label = PASS"]
	verify -> fixup [label=FAIL, condition="preferred_label = FAIL"]
	fixup -> verify
}`

func TestEngineConditionalPass(t *testing.T) {
	backend := &scriptedBackend{responses: map[string][]string{"verify": {"looks good\nPASS"}}}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), conditionalSource)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "verify", "done"})
}

func TestEngineConditionalFailLoop(t *testing.T) {
	backend := &scriptedBackend{responses: map[string][]string{
		"verify": {"broken\nFAIL", "fixed now\nPASS"},
	}}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), conditionalSource)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "verify", "fixup", "verify", "done"})
	if result.StepCount != 5 {
		t.Errorf("step count = %d, want 5", result.StepCount)
	}
}

const gateSource = `digraph gate {
	start [shape=Mdiamond]
	implement [shape=box, prompt="implement"]
	test [shape=box, prompt="run tests", goal_gate=true, retry_target=implement]
	done [shape=Msquare]
	start -> implement -> test -> done
}`

func TestEngineGoalGateRetry(t *testing.T) {
	backend := &scriptedBackend{
		responses: map[string][]string{
			"test": {"red\nOUTCOME:FAIL", "green\nOUTCOME:PASS"},
		},
		costs: map[string]float64{"implement": 0.10, "test": 0.05},
	}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), gateSource)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertCompleted(t, result.CompletedNodes, []string{"start", "implement", "test", "done"})
	// Both attempts cost money: implement and test each ran twice.
	if want := 0.30; result.TotalCost != want {
		t.Errorf("total cost = %v, want %v (cost is monotonic across retries)", result.TotalCost, want)
	}
	if calls := backend.calls; len(calls) != 4 {
		t.Errorf("backend calls = %v, want implement,test,implement,test", calls)
	}
}

func TestEngineGoalGateNoTargetAborts(t *testing.T) {
	source := `digraph g {
		start [shape=Mdiamond]
		check [shape=box, prompt=x, goal_gate=true]
		done [shape=Msquare]
		start -> check -> done
	}`
	backend := &scriptedBackend{responses: map[string][]string{"check": {"OUTCOME:FAIL"}}}
	engine := testEngine(t, backend, nil)

	_, err := engine.Run(context.Background(), source)
	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("error = %v, want HandlerError (failed gate, no retry target, no fail edge)", err)
	}
}

func TestEngineGoalGateMaxRetries(t *testing.T) {
	backend := &scriptedBackend{responses: map[string][]string{"test": {"OUTCOME:FAIL"}}}
	engine := testEngine(t, backend, func(cfg *EngineConfig) {
		cfg.MaxGateRetries = 2
	})

	_, err := engine.Run(context.Background(), gateSource)
	var maxErr *MaxRetriesError
	if !errors.As(err, &maxErr) {
		t.Fatalf("error = %v, want MaxRetriesError", err)
	}
	if maxErr.GateID != "test" {
		t.Errorf("gate = %q", maxErr.GateID)
	}
}

func TestEngineBudgetCap(t *testing.T) {
	source := `digraph b {
		start [shape=Mdiamond]
		a [shape=box, prompt=pa]
		b [shape=box, prompt=pb]
		c [shape=box, prompt=pc]
		done [shape=Msquare]
		start -> a -> b -> c -> done
	}`
	backend := &scriptedBackend{costs: map[string]float64{"a": 0.10, "b": 0.10, "c": 0.10}}
	logs := t.TempDir()
	engine := testEngine(t, backend, func(cfg *EngineConfig) {
		cfg.LogsDir = logs
		cfg.MaxBudgetUSD = 0.15
		cfg.SessionID = "budget-test"
	})

	result, err := engine.Run(context.Background(), source)
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("error = %v, want BudgetExceededError", err)
	}

	// c was never dispatched.
	for _, call := range backend.calls {
		if call == "c" {
			t.Error("third costed node dispatched despite exhausted budget")
		}
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "a", "b"})
	if result.TotalCost != 0.20 {
		t.Errorf("total cost = %v, want 0.20", result.TotalCost)
	}

	// The final checkpoint reflects the aborted state.
	cp, cpErr := LoadCheckpoint(CheckpointPath(logs, "budget-test"))
	if cpErr != nil {
		t.Fatalf("LoadCheckpoint failed: %v", cpErr)
	}
	if cp.TotalCost != 0.20 || len(cp.CompletedNodes) != 3 {
		t.Errorf("checkpoint = %v / %v", cp.TotalCost, cp.CompletedNodes)
	}
}

func TestEngineZeroBudgetAbortsAfterFirstCost(t *testing.T) {
	backend := &scriptedBackend{costs: map[string]float64{"a": 0.10, "b": 0.10}}
	engine := testEngine(t, backend, func(cfg *EngineConfig) {
		cfg.MaxBudgetUSD = 0
	})

	result, err := engine.Run(context.Background(), linearSource)
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("error = %v, want BudgetExceededError on the check after the first costed node", err)
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "a"})
}

func TestEngineZeroMaxStepsAbortsBeforeDispatch(t *testing.T) {
	backend := &scriptedBackend{}
	engine := testEngine(t, backend, func(cfg *EngineConfig) {
		cfg.MaxSteps = 0
	})

	_, err := engine.Run(context.Background(), linearSource)
	var stepErr *StepLimitError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error = %v, want StepLimitError", err)
	}
	if len(backend.calls) != 0 {
		t.Errorf("backend dispatched %v, want nothing with max_steps=0", backend.calls)
	}
}

func TestEngineStepLimitMidRun(t *testing.T) {
	engine := testEngine(t, &scriptedBackend{}, func(cfg *EngineConfig) {
		cfg.MaxSteps = 2
	})

	result, err := engine.Run(context.Background(), linearSource)
	var stepErr *StepLimitError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error = %v, want StepLimitError", err)
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "a"})
}

func TestEngineHandlerMissing(t *testing.T) {
	source := `digraph m {
		start [shape=Mdiamond]
		weird [node_type=no_such_kind]
		done [shape=Msquare]
		start -> weird -> done
	}`
	engine := testEngine(t, &scriptedBackend{}, nil)

	_, err := engine.Run(context.Background(), source)
	var missing *HandlerMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want HandlerMissingError", err)
	}
	if missing.Kind != "no_such_kind" {
		t.Errorf("kind = %q", missing.Kind)
	}
}

func TestEngineValidationBlocksExecution(t *testing.T) {
	backend := &scriptedBackend{}
	engine := testEngine(t, backend, nil)

	_, err := engine.Run(context.Background(), `digraph bad { a [shape=box] }`)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(backend.calls) != 0 {
		t.Error("nodes dispatched despite validation errors")
	}
}

func TestEngineFailWithFixupEdge(t *testing.T) {
	source := `digraph f {
		start [shape=Mdiamond]
		risky [shape=box, prompt=x]
		recover [shape=box, prompt=y]
		done [shape=Msquare]
		start -> risky
		risky -> done [condition="outcome = success"]
		risky -> recover [condition="outcome = fail"]
		recover -> done
	}`
	backend := &scriptedBackend{responses: map[string][]string{"risky": {"OUTCOME:FAIL"}}}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("Run failed: %v (failures should route along fix-up edges)", err)
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "risky", "recover", "done"})
}

func TestEngineFailWithoutEdgeIsHandlerError(t *testing.T) {
	source := `digraph f {
		start [shape=Mdiamond]
		risky [shape=box, prompt=x]
		done [shape=Msquare]
		start -> risky -> done
	}`
	backend := &scriptedBackend{responses: map[string][]string{"risky": {"OUTCOME:FAIL"}}}
	engine := testEngine(t, backend, nil)

	_, err := engine.Run(context.Background(), source)
	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("error = %v, want HandlerError", err)
	}
	if handlerErr.NodeID != "risky" {
		t.Errorf("node = %q", handlerErr.NodeID)
	}
}

func TestEngineLoopRestartClearsBookkeepingKeepsContext(t *testing.T) {
	source := `digraph lr {
		start [shape=Mdiamond]
		work [shape=box, prompt=w]
		check [shape=diamond, prompt=c]
		again [shape=box, prompt=a]
		done [shape=Msquare]
		start -> work -> check
		check -> done [label=SHIP, condition="preferred_label = SHIP"]
		check -> again [label=RETRY, condition="preferred_label = RETRY"]
		again -> work [loop_restart=true]
	}`
	backend := &scriptedBackend{responses: map[string][]string{
		"work":  {"first pass", "second pass"},
		"check": {"RETRY", "SHIP"},
	}}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Bookkeeping restarted at work: only the post-restart segment remains.
	assertCompleted(t, result.CompletedNodes, []string{"work", "check", "done"})
	if result.StepCount != 3 {
		t.Errorf("step count = %d, want 3 after restart", result.StepCount)
	}
	// Context survived the restart: the first segment's writes are intact.
	if got := result.Context.GetString("again.status", ""); got != "success" {
		t.Errorf("again.status = %q, want pre-restart context preserved", got)
	}
}

func TestEngineWaitHumanSuspendAndResume(t *testing.T) {
	source := `digraph h {
		start [shape=Mdiamond]
		gate [shape=hexagon, label="Ship it?"]
		ship [shape=box, prompt=s]
		hold [shape=box, prompt=h]
		done [shape=Msquare]
		start -> gate
		gate -> ship [label=Yes]
		gate -> hold [label=No]
		ship -> done
		hold -> done
	}`
	logs := t.TempDir()
	backend := &scriptedBackend{}
	engine := testEngine(t, backend, func(cfg *EngineConfig) {
		cfg.LogsDir = logs
		cfg.SessionID = "human-test"
	})

	_, err := engine.Run(context.Background(), source)
	var awaiting *AwaitingHumanError
	if !errors.As(err, &awaiting) {
		t.Fatalf("error = %v, want AwaitingHumanError", err)
	}
	if awaiting.CheckpointPath == "" {
		t.Fatal("suspension should carry the checkpoint path")
	}

	// Resume in a fresh engine, as a restarted process would.
	graph := mustParse(t, source)
	engine2 := testEngine(t, backend, func(cfg *EngineConfig) {
		cfg.LogsDir = logs
	})
	result, err := engine2.Resume(context.Background(), graph, awaiting.CheckpointPath, "Yes")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "gate", "ship", "done"})
}

func TestEngineCrashResumeMatchesNonCrashRun(t *testing.T) {
	logs := t.TempDir()

	// First process: the test gate never goes green, so the retry
	// allowance runs out mid-pipeline and the process dies.
	failing := &scriptedBackend{responses: map[string][]string{"test": {"OUTCOME:FAIL"}}}
	engine1 := testEngine(t, failing, func(cfg *EngineConfig) {
		cfg.LogsDir = logs
		cfg.SessionID = "crash-test"
		cfg.MaxGateRetries = 1
	})
	_, err := engine1.Run(context.Background(), gateSource)
	var maxErr *MaxRetriesError
	if !errors.As(err, &maxErr) {
		t.Fatalf("first run error = %v, want MaxRetriesError", err)
	}

	// Relaunch: reads the checkpoint, loops back to implement, and the
	// now-green test lets the pipeline finish.
	passing := &scriptedBackend{responses: map[string][]string{"test": {"OUTCOME:PASS"}}}
	engine2 := testEngine(t, passing, func(cfg *EngineConfig) {
		cfg.LogsDir = logs
	})
	result, err := engine2.Resume(context.Background(), mustParse(t, gateSource), CheckpointPath(logs, "crash-test"), "")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	assertCompleted(t, result.CompletedNodes, []string{"start", "implement", "test", "done"})
}

func TestEngineResumeUnknownNode(t *testing.T) {
	logs := t.TempDir()
	cp := &Checkpoint{
		SessionID:   "s",
		CurrentNode: "ghost",
		Context:     map[string]any{},
	}
	path := CheckpointPath(logs, "s")
	if err := cp.Save(path); err != nil {
		t.Fatal(err)
	}

	engine := testEngine(t, &scriptedBackend{}, nil)
	_, err := engine.Resume(context.Background(), mustParse(t, linearSource), path, "")
	var resumeErr *ResumeError
	if !errors.As(err, &resumeErr) {
		t.Fatalf("error = %v, want ResumeError", err)
	}
}

func TestEngineCheckpointWrittenPerNode(t *testing.T) {
	logs := t.TempDir()
	var checkpointEvents int
	engine := testEngine(t, &scriptedBackend{}, func(cfg *EngineConfig) {
		cfg.LogsDir = logs
		cfg.SessionID = "ckpt-count"
		cfg.EventHandler = func(evt EngineEvent) {
			if evt.Type == EventCheckpointSaved {
				checkpointEvents++
			}
		}
	})

	result, err := engine.Run(context.Background(), linearSource)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if checkpointEvents != len(result.CompletedNodes) {
		t.Errorf("checkpoint events = %d, want one per node (%d)", checkpointEvents, len(result.CompletedNodes))
	}

	cp, err := LoadCheckpoint(CheckpointPath(logs, "ckpt-count"))
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.CurrentNode != "done" {
		t.Errorf("latest checkpoint current_node = %q, want done", cp.CurrentNode)
	}
}

func TestEngineGraphAttrGuardsApply(t *testing.T) {
	source := `digraph g {
		max_steps = 2
		start [shape=Mdiamond]
		a [shape=box, prompt=x]
		done [shape=Msquare]
		start -> a -> done
	}`
	engine := testEngine(t, &scriptedBackend{}, func(cfg *EngineConfig) {
		cfg.MaxSteps = -1 // defer to the graph attribute
	})

	_, err := engine.Run(context.Background(), source)
	var stepErr *StepLimitError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error = %v, want StepLimitError from graph max_steps", err)
	}
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := testEngine(t, &scriptedBackend{}, nil)
	_, err := engine.Run(ctx, linearSource)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestEngineSeedsContextWithGraphAttrs(t *testing.T) {
	source := `digraph g {
		goal = "deliver"
		custom = "kept"
		start [shape=Mdiamond]
		done [shape=Msquare]
		start -> done
	}`
	engine := testEngine(t, &scriptedBackend{}, nil)
	result, err := engine.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Context.GetString("goal", "") != "deliver" || result.Context.GetString("custom", "") != "kept" {
		t.Error("graph attributes not mirrored into context")
	}
}

func TestEngineCurrentNodeTracked(t *testing.T) {
	var seen []string
	engine := testEngine(t, &scriptedBackend{}, func(cfg *EngineConfig) {
		cfg.EventHandler = func(evt EngineEvent) {
			if evt.Type == EventStageStarted {
				seen = append(seen, evt.NodeID)
			}
		}
	})

	if _, err := engine.Run(context.Background(), linearSource); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Join(seen, ",") != "start,a,b,done" {
		t.Errorf("stage order = %v", seen)
	}
}
