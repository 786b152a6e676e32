// ABOUTME: Pipeline execution engine: dispatch, context merge, edge selection, guards, checkpoints.
// ABOUTME: Single-threaded cooperative traversal with goal-gate enforcement and loop restarts.
package attractor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// DefaultMaxGateRetries bounds goal-gate loop resets per run.
const DefaultMaxGateRetries = 5

// EngineConfig holds configuration for the pipeline execution engine.
type EngineConfig struct {
	SessionID string // "" = generate a ULID
	WorkDir   string // working directory exposed to handlers
	LogsDir   string // checkpoints, artifacts, events; "" disables persistence

	// MaxSteps caps node executions since the last loop reset. Positive
	// caps, zero aborts before the first dispatch, negative is unlimited.
	MaxSteps int
	// MaxBudgetUSD caps total spend. A non-negative cap aborts once
	// total_cost reaches it (after at least one costed node); negative
	// is unlimited.
	MaxBudgetUSD float64
	// MaxGateRetries caps goal-gate loop resets; 0 means DefaultMaxGateRetries.
	MaxGateRetries int

	DefaultRetry RetryPolicy
	Transforms   []Transform      // nil = DefaultTransforms
	ExtraRules   []LintRule       // additional validation rules
	Handlers     *HandlerRegistry // nil = DefaultHandlerRegistry
	Backend      CodergenBackend  // nil = stub backend

	EventHandler func(EngineEvent) // optional event callback
	Sink         LogSink           // optional durable event storage
	Logger       zerolog.Logger    // diagnostic logging; zero value is silent

	// BestEffortCheckpoints downgrades checkpoint write failures from
	// fatal to logged.
	BestEffortCheckpoints bool
}

// Engine runs attractor graph pipelines.
type Engine struct {
	config EngineConfig
}

// RunResult holds the final state of a completed pipeline execution.
type RunResult struct {
	SessionID      string
	FinalOutcome   *Outcome
	CompletedNodes []string
	NodeOutcomes   map[string]*Outcome
	Context        *Context
	TotalCost      float64
	StepCount      int
	CheckpointPath string
}

// NewEngine creates an engine with the given configuration.
func NewEngine(config EngineConfig) *Engine {
	if config.MaxGateRetries <= 0 {
		config.MaxGateRetries = DefaultMaxGateRetries
	}
	if config.DefaultRetry.MaxAttempts < 1 {
		config.DefaultRetry = DefaultRetryPolicy()
	}
	return &Engine{config: config}
}

// runState carries the mutable traversal bookkeeping for one execution.
type runState struct {
	sessionID      string
	pctx           *Context
	store          *ArtifactStore
	registry       *HandlerRegistry
	current        *Node
	completed      []string
	outcomes       map[string]*Outcome
	totalCost      float64
	stepCount      int
	gateRetries    int
	checkpointPath string
}

// Run parses DOT source and executes the resulting graph.
func (e *Engine) Run(ctx context.Context, source string) (*RunResult, error) {
	graph, err := Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return e.RunGraph(ctx, graph)
}

// RunGraph validates, transforms, and executes an already-parsed graph.
// The parsed graph is never mutated; execution runs against a clone.
func (e *Engine) RunGraph(ctx context.Context, graph *Graph) (*RunResult, error) {
	exec, err := e.prepareGraph(graph)
	if err != nil {
		return nil, err
	}

	state, err := e.newRunState(exec)
	if err != nil {
		return nil, err
	}

	start := exec.FindStartNode()
	if start == nil {
		return nil, &ValidationError{Diagnostics: []Diagnostic{{
			Rule:     "StartNodeRule",
			Severity: SeverityError,
			Message:  "graph has no start node",
		}}}
	}
	state.current = start

	e.emit(state, newEngineEvent(EventPipelineStarted, "", map[string]any{"session_id": state.sessionID}))
	return e.execute(ctx, exec, state)
}

// Resume rebuilds state from a checkpoint and continues execution. When
// the checkpointed node is a human gate and humanResponse is non-empty,
// the gate is re-dispatched with the response; otherwise traversal
// continues from the node after the checkpointed one.
func (e *Engine) Resume(ctx context.Context, graph *Graph, checkpointPath, humanResponse string) (*RunResult, error) {
	cp, err := LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, err
	}

	exec, err := e.prepareGraph(graph)
	if err != nil {
		return nil, err
	}

	node := exec.FindNode(cp.CurrentNode)
	if node == nil {
		return nil, &ResumeError{Reason: fmt.Sprintf("checkpoint references unknown node %q", cp.CurrentNode)}
	}
	for _, id := range cp.CompletedNodes {
		if exec.FindNode(id) == nil {
			return nil, &ResumeError{Reason: fmt.Sprintf("checkpoint references unknown completed node %q", id)}
		}
	}

	state, err := e.newRunState(exec)
	if err != nil {
		return nil, err
	}
	if cp.SessionID != "" {
		state.sessionID = cp.SessionID
		if e.config.LogsDir != "" {
			state.checkpointPath = CheckpointPath(e.config.LogsDir, cp.SessionID)
		}
	}

	for k, v := range cp.Context {
		state.pctx.Set(k, v)
	}
	// Re-pin engine-managed references the checkpoint cannot carry.
	state.pctx.Set("_graph", exec)
	if e.config.WorkDir != "" {
		state.pctx.Set("_workdir", e.config.WorkDir)
	}
	state.completed = append(state.completed, cp.CompletedNodes...)
	for id, o := range cp.NodeOutcomes {
		state.outcomes[id] = o
	}
	state.totalCost = cp.TotalCost
	state.stepCount = cp.StepCount
	state.pctx.Set("_completed_order", append([]string(nil), state.completed...))

	if ResolveHandlerKind(node) == KindWaitHuman && humanResponse != "" {
		state.pctx.Set(humanResponseKey, humanResponse)
		state.current = node
	} else {
		outcome := cp.NodeOutcomes[cp.CurrentNode]
		if outcome == nil {
			outcome = &Outcome{Status: StatusSuccess}
		}
		edge := SelectEdge(node, outcome, state.pctx, exec)
		if edge == nil && outcome.Status == StatusFail {
			// The process died right after a failing goal gate; redo the
			// same loop reset the live engine would have performed.
			if target := resolveRetryTarget(node, exec); node.GoalGate() && target != "" && exec.FindNode(target) != nil {
				if err := e.performGateRetry(exec, state, node, target); err != nil {
					return nil, err
				}
				e.emit(state, newEngineEvent(EventPipelineStarted, state.current.ID, map[string]any{
					"session_id": state.sessionID,
					"resumed":    true,
				}))
				return e.execute(ctx, exec, state)
			}
		}
		if edge == nil {
			return nil, &ResumeError{Reason: fmt.Sprintf("no edge to resume along from node %q", cp.CurrentNode)}
		}
		next := exec.FindNode(edge.To)
		if next == nil {
			return nil, &ResumeError{Reason: fmt.Sprintf("edge from %q targets unknown node %q", cp.CurrentNode, edge.To)}
		}
		state.pctx.Set("_fidelity", string(ResolveFidelity(edge, next, exec)))
		state.current = next
	}

	e.emit(state, newEngineEvent(EventPipelineStarted, state.current.ID, map[string]any{
		"session_id": state.sessionID,
		"resumed":    true,
	}))
	return e.execute(ctx, exec, state)
}

// prepareGraph clones, transforms, and validates a graph for execution.
func (e *Engine) prepareGraph(graph *Graph) (*Graph, error) {
	exec := graph.Clone()

	transforms := e.config.Transforms
	if transforms == nil {
		transforms = DefaultTransforms()
	}
	exec = ApplyTransforms(exec, transforms...)

	if _, err := ValidateOrError(exec, e.config.ExtraRules...); err != nil {
		return nil, err
	}
	return exec, nil
}

// newRunState initializes the context, artifact store, and registry.
func (e *Engine) newRunState(exec *Graph) (*runState, error) {
	sessionID := e.config.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	pctx := NewContext()
	for k, v := range exec.Attrs {
		pctx.Set(k, v)
	}
	pctx.Set("_graph", exec)
	if e.config.WorkDir != "" {
		pctx.Set("_workdir", e.config.WorkDir)
	}

	registry := e.config.Handlers
	if registry == nil {
		registry = DefaultHandlerRegistry()
	}
	e.wireBackend(registry)

	var store *ArtifactStore
	var checkpointPath string
	if e.config.LogsDir != "" {
		store = NewArtifactStore(e.config.LogsDir)
		checkpointPath = CheckpointPath(e.config.LogsDir, sessionID)
	} else {
		store = NewArtifactStore("")
	}

	return &runState{
		sessionID:      sessionID,
		pctx:           pctx,
		store:          store,
		registry:       registry,
		outcomes:       make(map[string]*Outcome),
		checkpointPath: checkpointPath,
	}, nil
}

// wireBackend injects the configured backend into the session-running
// handlers in the registry.
func (e *Engine) wireBackend(registry *HandlerRegistry) {
	if e.config.Backend == nil {
		return
	}
	if h, ok := registry.Get(KindCodergen).(*CodergenHandler); ok {
		h.Backend = e.config.Backend
	}
	if h, ok := registry.Get(KindConditional).(*ConditionalHandler); ok {
		h.Backend = e.config.Backend
	}
	if h, ok := registry.Get(KindManager).(*ManagerLoopHandler); ok {
		h.Backend = e.config.Backend
	}
}

// maxSteps resolves the step cap: config wins; an unlimited config
// defers to the graph's max_steps attribute.
func (e *Engine) maxSteps(exec *Graph) int {
	if e.config.MaxSteps >= 0 {
		return e.config.MaxSteps
	}
	if s := exec.Attrs["max_steps"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return -1
}

// maxBudget resolves the budget cap the same way.
func (e *Engine) maxBudget(exec *Graph) float64 {
	if e.config.MaxBudgetUSD >= 0 {
		return e.config.MaxBudgetUSD
	}
	if s := exec.Attrs["max_budget_usd"]; s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return -1
}

// execute drives the traversal loop until completion, suspension, or a
// fatal error. Fatal errors are preceded by a final checkpoint write.
func (e *Engine) execute(ctx context.Context, exec *Graph, state *runState) (*RunResult, error) {
	maxSteps := e.maxSteps(exec)
	maxBudget := e.maxBudget(exec)

	for {
		if err := ctx.Err(); err != nil {
			e.finalize(state, err)
			return state.result(nil), err
		}

		// Resource guards run before every dispatch. A zero budget trips
		// only once something has actually been spent.
		if maxSteps >= 0 && state.stepCount >= maxSteps {
			err := &StepLimitError{Steps: state.stepCount, MaxSteps: maxSteps}
			e.finalize(state, err)
			return state.result(nil), err
		}
		if maxBudget >= 0 && state.totalCost > 0 && state.totalCost >= maxBudget {
			err := &BudgetExceededError{TotalCost: state.totalCost, MaxBudget: maxBudget}
			e.finalize(state, err)
			return state.result(nil), err
		}

		node := state.current
		state.pctx.Set(KeyCurrentNode, node.ID)
		e.config.Logger.Debug().Str("node", node.ID).Int("step", state.stepCount).Msg("dispatching node")
		e.emit(state, newEngineEvent(EventStageStarted, node.ID, nil))

		outcome, err := e.dispatchNode(ctx, exec, node, state.pctx, state.store, state.registry, state)
		if err != nil {
			var awaiting *AwaitingHumanError
			if errors.As(err, &awaiting) {
				// Suspension: checkpoint with the gate as current node so
				// resume re-dispatches it with the supplied response.
				if cpErr := e.writeCheckpoint(state, node.ID); cpErr != nil && !e.config.BestEffortCheckpoints {
					return state.result(nil), cpErr
				}
				awaiting.CheckpointPath = state.checkpointPath
				e.emit(state, newEngineEvent(EventPipelineSuspended, node.ID, map[string]any{"question": awaiting.Question}))
				return state.result(nil), awaiting
			}
			e.emit(state, newEngineEvent(EventStageFailed, node.ID, map[string]any{"error": err.Error()}))
			e.finalize(state, err)
			return state.result(nil), err
		}

		// Merge context updates, then the engine-conventional keys.
		state.recordOutcome(node, outcome)

		if outcome.Status.IsTerminalSuccess() {
			e.emit(state, newEngineEvent(EventStageCompleted, node.ID, map[string]any{"status": string(outcome.Status)}))
		} else {
			data := map[string]any{"status": string(outcome.Status)}
			if outcome.FailureReason != "" {
				data["reason"] = outcome.FailureReason
			}
			e.emit(state, newEngineEvent(EventStageFailed, node.ID, data))
		}

		// Fan-out branches recorded by the parallel handler execute
		// before the checkpoint so the snapshot sees the merged results.
		if branches := branchList(state.pctx.Get("parallel.branches")); len(branches) > 0 {
			state.pctx.Set("parallel.branches", nil)
			fanIn, err := e.runBranches(ctx, exec, state, branches)
			if err != nil {
				e.finalize(state, err)
				return state.result(nil), err
			}
			if cpErr := e.writeCheckpoint(state, node.ID); cpErr != nil && !e.config.BestEffortCheckpoints {
				return state.result(nil), cpErr
			}
			if fanIn != nil {
				state.current = fanIn
				continue
			}
			// No fan-in declared; the branches were the end of the line.
			e.emit(state, newEngineEvent(EventPipelineCompleted, node.ID, nil))
			return state.result(outcome), nil
		} else {
			if cpErr := e.writeCheckpoint(state, node.ID); cpErr != nil && !e.config.BestEffortCheckpoints {
				return state.result(nil), cpErr
			}
		}

		// Exit nodes trigger the goal-gate audit instead of edge selection.
		if isExitNode(node) {
			done, err := e.enforceGoalGates(exec, state)
			if err != nil {
				e.finalize(state, err)
				return state.result(nil), err
			}
			if done {
				e.emit(state, newEngineEvent(EventPipelineCompleted, node.ID, map[string]any{
					"total_cost": state.totalCost,
					"steps":      state.stepCount,
				}))
				return state.result(outcome), nil
			}
			continue // loop reset re-entered the traversal
		}

		edge := SelectEdge(node, outcome, state.pctx, exec)
		if edge == nil {
			if outcome.Status == StatusFail {
				// A failing goal gate with a resolvable retry target loops
				// back instead of aborting.
				if target := resolveRetryTarget(node, exec); node.GoalGate() && target != "" && exec.FindNode(target) != nil {
					if err := e.performGateRetry(exec, state, node, target); err != nil {
						e.finalize(state, err)
						return state.result(nil), err
					}
					continue
				}
				err := &HandlerError{NodeID: node.ID, Reason: outcome.FailureReason}
				e.finalize(state, err)
				return state.result(nil), err
			}
			// Natural end of the pipeline.
			e.emit(state, newEngineEvent(EventPipelineCompleted, node.ID, nil))
			return state.result(outcome), nil
		}

		next := exec.FindNode(edge.To)
		if next == nil {
			err := &HandlerError{NodeID: node.ID, Reason: fmt.Sprintf("edge targets unknown node %q", edge.To)}
			e.finalize(state, err)
			return state.result(nil), err
		}

		if edge.LoopRestart() {
			// Clear completion bookkeeping but keep the context: knowledge
			// accumulates across retries.
			e.config.Logger.Debug().Str("target", edge.To).Msg("loop restart")
			e.emit(state, newEngineEvent(EventLoopReset, node.ID, map[string]any{"target": edge.To}))
			state.completed = nil
			state.outcomes = make(map[string]*Outcome)
			state.stepCount = 0
			state.pctx.Set("_completed_order", []string{})
			state.pctx.Set(KeyStepCount, 0)
		}

		state.pctx.Set("_fidelity", string(ResolveFidelity(edge, next, exec)))
		state.current = next
	}
}

// enforceGoalGates audits goal gates at an exit node. Returns done=true
// when the pipeline may complete. A failing gate resolves a retry target
// and performs a loop reset; unresolvable targets and exhausted retry
// allowances are fatal.
func (e *Engine) enforceGoalGates(exec *Graph, state *runState) (bool, error) {
	ok, failing := auditGoalGates(exec, state.completed, state.outcomes)
	if ok {
		return true, nil
	}

	target := resolveRetryTarget(failing, exec)
	if target == "" || exec.FindNode(target) == nil {
		return false, &GoalGateError{GateID: failing.ID}
	}
	if err := e.performGateRetry(exec, state, failing, target); err != nil {
		return false, err
	}
	return false, nil
}

// performGateRetry executes a loop reset toward the retry target for a
// failing gate, bounding the global retry counter.
func (e *Engine) performGateRetry(exec *Graph, state *runState, failing *Node, target string) error {
	state.gateRetries++
	limit := e.config.MaxGateRetries
	if s := exec.Attrs["max_retries"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			limit = n
		}
	}
	if state.gateRetries > limit {
		return &MaxRetriesError{GateID: failing.ID, Retries: state.gateRetries, MaxRetries: limit}
	}

	e.config.Logger.Info().
		Str("gate", failing.ID).
		Str("target", target).
		Int("retry", state.gateRetries).
		Msg("goal gate unsatisfied, resetting loop")
	e.emit(state, newEngineEvent(EventLoopReset, failing.ID, map[string]any{
		"target": target,
		"retry":  state.gateRetries,
	}))

	state.completed = trimForLoopReset(target, state.completed, state.outcomes)
	state.stepCount = len(state.completed)
	state.pctx.Set("_completed_order", append([]string(nil), state.completed...))
	state.pctx.Set(KeyStepCount, state.stepCount)
	state.pctx.Set(KeyCurrentNode, target)
	state.current = exec.FindNode(target)
	return nil
}

// dispatchNode resolves the handler and executes it with the node's
// retry policy and deadline.
func (e *Engine) dispatchNode(
	ctx context.Context,
	exec *Graph,
	node *Node,
	pctx *Context,
	store *ArtifactStore,
	registry *HandlerRegistry,
	state *runState,
) (*Outcome, error) {
	handler, err := registry.Resolve(node)
	if err != nil {
		return nil, err
	}

	policy := buildRetryPolicy(node, exec, e.config.DefaultRetry)
	onRetry := func(attempt int) {
		if state != nil {
			e.emit(state, newEngineEvent(EventStageRetrying, node.ID, map[string]any{"attempt": attempt}))
		}
	}
	return executeWithRetry(ctx, handler, node, pctx, store, policy, onRetry)
}

// recordOutcome merges an outcome into the run state and the context,
// updating cost, step count, and the per-node conventional keys.
func (s *runState) recordOutcome(node *Node, outcome *Outcome) {
	if outcome.ContextUpdates != nil {
		s.pctx.ApplyUpdates(outcome.ContextUpdates)
	}

	cost := 0.0
	if v, ok := outcome.ContextUpdates[node.ID+".cost_usd"]; ok {
		switch c := v.(type) {
		case float64:
			cost = c
		case int:
			cost = float64(c)
		}
	}
	s.totalCost += cost

	s.completed = append(s.completed, node.ID)
	s.outcomes[node.ID] = outcome
	s.stepCount++

	s.pctx.Set(node.ID+".status", string(outcome.Status))
	if outcome.Notes != "" {
		s.pctx.Set(node.ID+".notes", outcome.Notes)
	}
	s.pctx.Set(KeyOutcome, string(outcome.Status))
	if outcome.PreferredLabel != "" {
		s.pctx.Set(KeyPreferredLabel, outcome.PreferredLabel)
	} else {
		s.pctx.Set(KeyPreferredLabel, nil)
	}
	s.pctx.Set(KeyTotalCost, s.totalCost)
	s.pctx.Set(KeyStepCount, s.stepCount)
	s.pctx.Set("_completed_order", append([]string(nil), s.completed...))

	statuses := make(map[string]string, len(s.outcomes))
	for id, o := range s.outcomes {
		statuses[id] = string(o.Status)
	}
	s.pctx.Set("node_outcomes", statuses)
}

// result snapshots the run state into a RunResult.
func (s *runState) result(final *Outcome) *RunResult {
	return &RunResult{
		SessionID:      s.sessionID,
		FinalOutcome:   final,
		CompletedNodes: append([]string(nil), s.completed...),
		NodeOutcomes:   s.outcomes,
		Context:        s.pctx,
		TotalCost:      s.totalCost,
		StepCount:      s.stepCount,
		CheckpointPath: s.checkpointPath,
	}
}

// writeCheckpoint persists the current state. Errors are returned as
// CheckpointError; best-effort mode logs and continues.
func (e *Engine) writeCheckpoint(state *runState, currentNode string) error {
	if state.checkpointPath == "" {
		return nil
	}

	ctxSnapshot := state.pctx.Snapshot()
	delete(ctxSnapshot, "_graph") // not serializable, re-pinned on resume

	cp := &Checkpoint{
		SessionID:      state.sessionID,
		CurrentNode:    currentNode,
		CompletedNodes: append([]string(nil), state.completed...),
		NodeOutcomes:   state.outcomes,
		Context:        ctxSnapshot,
		TotalCost:      state.totalCost,
		StepCount:      state.stepCount,
		Timestamp:      time.Now().UTC(),
	}

	if err := cp.Save(state.checkpointPath); err != nil {
		if e.config.BestEffortCheckpoints {
			e.config.Logger.Warn().Err(err).Msg("checkpoint write failed (best effort)")
			return nil
		}
		return err
	}
	e.emit(state, newEngineEvent(EventCheckpointSaved, currentNode, map[string]any{"path": state.checkpointPath}))
	return nil
}

// finalize writes a last checkpoint and emits the failure event for a
// fatal error.
func (e *Engine) finalize(state *runState, cause error) {
	if state.current != nil {
		_ = e.writeCheckpoint(state, state.current.ID)
	}
	e.emit(state, newEngineEvent(EventPipelineFailed, "", map[string]any{"error": cause.Error()}))
}

// emit fans an event out to the callback and the durable sink.
func (e *Engine) emit(state *runState, evt EngineEvent) {
	if e.config.EventHandler != nil {
		e.config.EventHandler(evt)
	}
	if e.config.Sink != nil && state != nil {
		if err := e.config.Sink.Append(state.sessionID, evt); err != nil {
			e.config.Logger.Warn().Err(err).Msg("event sink append failed")
		}
	}
}

// branchList coerces the parallel.branches context value, which arrives
// as []string fresh from the handler or []any after a checkpoint cycle.
func branchList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// safeExecute wraps handler.Execute with panic recovery so one
// misbehaving handler cannot crash the engine.
func safeExecute(ctx context.Context, handler NodeHandler, node *Node, pctx *Context, store *ArtifactStore) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic in node %q: %v\n%s", node.ID, r, debug.Stack())
			outcome = nil
		}
	}()
	return handler.Execute(ctx, node, pctx, store)
}

// executeWithRetry runs a handler under the node's deadline with
// exponential backoff between attempts. Deadline expiry becomes a
// failure outcome with reason "timeout" so edge selection can route to a
// fix-up path; parent-context cancellation propagates as an error.
func executeWithRetry(
	ctx context.Context,
	handler NodeHandler,
	node *Node,
	pctx *Context,
	store *ArtifactStore,
	policy RetryPolicy,
	onRetry func(attempt int),
) (*Outcome, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		nodeCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout := node.Timeout(); timeout > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		outcome, err := safeExecute(nodeCtx, handler, node, pctx, store)
		timedOut := nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err != nil {
			var awaiting *AwaitingHumanError
			if errors.As(err, &awaiting) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if timedOut {
				err = nil
				outcome = &Outcome{Status: StatusFail, FailureReason: "timeout"}
			} else {
				lastErr = err
				if attempt < policy.MaxAttempts {
					if onRetry != nil {
						onRetry(attempt)
					}
					sleepWithContext(ctx, policy.Backoff.DelayForAttempt(attempt-1))
					continue
				}
				return failureOutcome(node, fmt.Sprintf("execution error after %d attempt(s): %v", attempt, err)), nil
			}
		}

		switch outcome.Status {
		case StatusSuccess, StatusPartialSuccess, StatusSkipped:
			return outcome, nil
		case StatusRetry:
			if attempt < policy.MaxAttempts {
				if onRetry != nil {
					onRetry(attempt)
				}
				sleepWithContext(ctx, policy.Backoff.DelayForAttempt(attempt-1))
				continue
			}
			return failureOutcome(node, fmt.Sprintf("retries exhausted after %d attempt(s)", attempt)), nil
		default: // StatusFail
			if timedOut && attempt < policy.MaxAttempts {
				if onRetry != nil {
					onRetry(attempt)
				}
				sleepWithContext(ctx, policy.Backoff.DelayForAttempt(attempt-1))
				continue
			}
			return outcome, nil
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return failureOutcome(node, "retries exhausted"), nil
}

// failureOutcome builds the terminal failure for exhausted retries,
// honoring allow_partial.
func failureOutcome(node *Node, reason string) *Outcome {
	if node.AllowPartial() {
		return &Outcome{Status: StatusPartialSuccess, FailureReason: reason}
	}
	return &Outcome{Status: StatusFail, FailureReason: reason}
}

// sleepWithContext sleeps for d unless the context is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
