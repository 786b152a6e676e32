// ABOUTME: Tagged error kinds raised by the pipeline engine and its collaborators.
// ABOUTME: Errors are values matched with errors.As; fatal kinds terminate the run after a final checkpoint.
package attractor

import (
	"fmt"
	"strings"
)

// ValidationError aborts execution before the first dispatch when any
// error-severity diagnostic exists.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	var errCount int
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			errCount++
		}
	}
	return fmt.Sprintf("pipeline validation failed with %d error(s)", errCount)
}

// HandlerMissingError means a node resolved to a handler kind with no
// registered implementation.
type HandlerMissingError struct {
	Kind   string
	NodeID string
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("no handler registered for kind %q (node %q)", e.Kind, e.NodeID)
}

// HandlerError means a handler returned Fail and edge selection found no
// fallback edge to route the failure along.
type HandlerError struct {
	NodeID string
	Reason string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %q failed with no outgoing fail edge: %s", e.NodeID, e.Reason)
}

// StepLimitError is the step-count resource guard.
type StepLimitError struct {
	Steps    int
	MaxSteps int
}

func (e *StepLimitError) Error() string {
	return fmt.Sprintf("step limit exceeded: %d step(s) executed, max is %d", e.Steps, e.MaxSteps)
}

// BudgetExceededError is the monetary resource guard.
type BudgetExceededError struct {
	TotalCost float64
	MaxBudget float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: $%.4f spent, cap is $%.4f", e.TotalCost, e.MaxBudget)
}

// MaxRetriesError means goal-gate loop resets exhausted the graph-level
// retry allowance.
type MaxRetriesError struct {
	GateID     string
	Retries    int
	MaxRetries int
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("goal gate %q still failing after %d retry loop(s), max is %d", e.GateID, e.Retries, e.MaxRetries)
}

// GoalGateError means an exit was reached with a failing gate and no
// retry target could be resolved at any level.
type GoalGateError struct {
	GateID string
}

func (e *GoalGateError) Error() string {
	return fmt.Sprintf("goal gate unsatisfied for node %q, no retry target available", e.GateID)
}

// CheckpointError wraps a durable-store failure. Fatal unless the engine
// was configured for best-effort checkpointing.
type CheckpointError struct {
	Path string
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint write to %q failed: %v", e.Path, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// ResumeError means a checkpoint could not be read or no longer matches
// the graph it claims to belong to.
type ResumeError struct {
	Reason string
	Err    error
}

func (e *ResumeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resume failed: %s: %v", e.Reason, e.Err)
	}
	return "resume failed: " + e.Reason
}

func (e *ResumeError) Unwrap() error { return e.Err }

// AwaitingHumanError suspends the pipeline at a wait-human node. The
// engine writes a final checkpoint before returning it; the caller
// resumes with the human's response text.
type AwaitingHumanError struct {
	NodeID         string
	Question       string
	Options        []string
	CheckpointPath string
}

func (e *AwaitingHumanError) Error() string {
	return fmt.Sprintf("pipeline suspended at human gate %q: %s [%s]",
		e.NodeID, e.Question, strings.Join(e.Options, " | "))
}
