// ABOUTME: Per-node retry policy and exponential backoff for handler execution.
// ABOUTME: Backoff doubles from 500ms and caps at 30s; attempts are bounded by the node's max_retries.
package attractor

import (
	"math"
	"time"
)

// RetryPolicy controls how many times a node execution is retried.
// MaxAttempts of 1 means no retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// DefaultBackoff returns the standard backoff schedule:
// 0.5s, 1s, 2s, 4s, ... capped at 30s.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
	}
}

// DelayForAttempt calculates the delay before retry number attempt
// (0-indexed): InitialDelay * Factor^attempt, capped at MaxDelay.
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	base := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	capped := math.Min(base, float64(b.MaxDelay.Nanoseconds()))
	return time.Duration(int64(capped))
}

// DefaultRetryPolicy returns a single-attempt policy with the standard
// backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: DefaultBackoff()}
}

// buildRetryPolicy resolves the retry policy for a node: node-level
// max_retries wins, then the graph default, then the engine default.
func buildRetryPolicy(node *Node, graph *Graph, fallback RetryPolicy) RetryPolicy {
	if fallback.MaxAttempts < 1 {
		fallback = DefaultRetryPolicy()
	}

	if retries := node.MaxRetries(-1); retries >= 0 {
		policy := fallback
		policy.MaxAttempts = retries + 1
		return policy
	}

	if graph != nil {
		if s := graph.Attrs["default_max_retries"]; s != "" {
			g := &Node{Attrs: map[string]string{"max_retries": s}}
			if retries := g.MaxRetries(-1); retries >= 0 {
				policy := fallback
				policy.MaxAttempts = retries + 1
				return policy
			}
		}
	}

	return fallback
}
