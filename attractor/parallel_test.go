// ABOUTME: Tests for concurrent fan-out execution and deterministic fan-in merging.
// ABOUTME: Covers snapshot isolation, lexical merge order, branch failure, and cost accumulation.
package attractor

import (
	"context"
	"errors"
	"testing"
)

const fanOutSource = `digraph fan {
	start [shape=Mdiamond]
	split [shape=component]
	left [shape=box, prompt=l]
	right [shape=box, prompt=r]
	join [shape=tripleoctagon]
	done [shape=Msquare]
	start -> split
	split -> left -> join
	split -> right -> join
	join -> done
}`

func TestEngineFanOutFanIn(t *testing.T) {
	backend := &scriptedBackend{
		responses: map[string][]string{
			"left":  {"left result"},
			"right": {"right result"},
		},
		costs: map[string]float64{"left": 0.10, "right": 0.20},
	}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), fanOutSource)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Branch entries merge in lexical order: left before right.
	assertCompleted(t, result.CompletedNodes, []string{"start", "split", "left", "right", "join", "done"})

	if want := backend.costs["left"] + backend.costs["right"]; result.TotalCost != want {
		t.Errorf("total cost = %v, want both branch costs", result.TotalCost)
	}
	if got := result.Context.GetString("left.result", ""); got != "left result" {
		t.Errorf("left.result = %q", got)
	}
	if got := result.Context.GetString("right.result", ""); got != "right result" {
		t.Errorf("right.result = %q", got)
	}

	children, ok := result.Context.Get("join.children").(map[string]any)
	if !ok || len(children) != 2 {
		t.Fatalf("join.children = %v", result.Context.Get("join.children"))
	}

	if result.NodeOutcomes["join"].Status != StatusSuccess {
		t.Errorf("join status = %v", result.NodeOutcomes["join"].Status)
	}
}

func TestEngineFanOutBranchFailureFailsFanIn(t *testing.T) {
	backend := &scriptedBackend{
		responses: map[string][]string{
			"left":  {"fine"},
			"right": {"broken\nOUTCOME:FAIL"},
		},
	}
	engine := testEngine(t, backend, nil)

	result, err := engine.Run(context.Background(), fanOutSource)
	// The failing branch stops; the fan-in aggregates the failure and the
	// join fails with no fail edge of its own.
	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("error = %v, want HandlerError at the join", err)
	}
	if handlerErr.NodeID != "join" {
		t.Errorf("failing node = %q, want join", handlerErr.NodeID)
	}
	if result.NodeOutcomes["join"].Status != StatusFail {
		t.Errorf("join status = %v, want fail", result.NodeOutcomes["join"].Status)
	}
}

func TestRunBranchStopsAtFanIn(t *testing.T) {
	g := mustParse(t, fanOutSource)
	engine := testEngine(t, &scriptedBackend{responses: map[string][]string{"left": {"ok"}}}, nil)

	state, err := engine.newRunState(g)
	if err != nil {
		t.Fatal(err)
	}

	br := engine.runBranch(context.Background(), g, state.pctx.Clone(), state.store, state.registry, "left")
	if br.Err != nil {
		t.Fatalf("branch error: %v", br.Err)
	}
	if br.StoppedAt != "join" {
		t.Errorf("stopped at %q, want join (fan-in not executed by the branch)", br.StoppedAt)
	}
	if len(br.Completed) != 1 || br.Completed[0] != "left" {
		t.Errorf("branch completed = %v", br.Completed)
	}
}

func TestBranchSnapshotIsolation(t *testing.T) {
	g := mustParse(t, fanOutSource)
	engine := testEngine(t, &scriptedBackend{}, nil)

	state, err := engine.newRunState(g)
	if err != nil {
		t.Fatal(err)
	}
	state.pctx.Set("shared", "original")

	br := engine.runBranch(context.Background(), g, state.pctx.Clone(), state.store, state.registry, "left")
	if br.Err != nil {
		t.Fatalf("branch error: %v", br.Err)
	}

	// The branch wrote only under its own node IDs; the parent context
	// remains untouched until the merge applies br.Updates.
	if state.pctx.Has("left.status") {
		t.Error("branch wrote directly into the parent context")
	}
	if _, ok := br.Updates["left.status"]; !ok {
		t.Error("branch updates missing its own status key")
	}
	for key := range br.Updates {
		if key == "shared" {
			t.Error("branch updates must stay key-disjoint from parent state")
		}
	}
}

func TestBranchCycleGuard(t *testing.T) {
	source := `digraph cyc {
		start [shape=Mdiamond]
		split [shape=component]
		a [shape=box, prompt=x]
		b [shape=box, prompt=y]
		done [shape=Msquare]
		start -> split
		split -> a
		a -> b
		b -> a
		split -> done
	}`
	g := mustParse(t, source)
	engine := testEngine(t, &scriptedBackend{}, nil)

	state, err := engine.newRunState(g)
	if err != nil {
		t.Fatal(err)
	}

	br := engine.runBranch(context.Background(), g, state.pctx.Clone(), state.store, state.registry, "a")
	if br.Err == nil {
		t.Fatal("expected cycle guard to trip")
	}
}

func TestEngineFanOutWithoutFanInEndsRun(t *testing.T) {
	source := `digraph nofan {
		start [shape=Mdiamond]
		split [shape=component]
		a [shape=box, prompt=x]
		b [shape=box, prompt=y]
		done [shape=Msquare]
		start -> split
		split -> a
		split -> b
		a -> done
		b -> done
	}`
	// Neither branch reaches a fan-in node, so the run ends once the
	// branches finish.
	engine := testEngine(t, &scriptedBackend{}, nil)

	result, err := engine.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Context.Has("a.status") || !result.Context.Has("b.status") {
		t.Error("branch results missing from merged context")
	}
}
