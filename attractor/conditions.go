// ABOUTME: Edge guard expression language: conjunctions of "key OP value" clauses joined by &&.
// ABOUTME: Parses to a clause list for validation and evaluates against the outcome and context.
package attractor

import (
	"fmt"
	"strings"
)

// CondOp is a clause comparison operator.
type CondOp string

const (
	OpEquals    CondOp = "="
	OpNotEquals CondOp = "!="
)

// CondClause is a single "key OP value" comparison.
type CondClause struct {
	Key   string
	Op    CondOp
	Value string
}

// Condition is a conjunction of clauses. The zero value (no clauses)
// evaluates to true, representing an unconditional edge.
type Condition struct {
	Clauses []CondClause
}

// ParseCondition parses a condition expression. An empty or
// whitespace-only expression parses to the unconditional Condition.
func ParseCondition(expr string) (*Condition, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return &Condition{}, nil
	}

	cond := &Condition{}
	for _, raw := range strings.Split(trimmed, "&&") {
		clause := strings.TrimSpace(raw)
		if clause == "" {
			return nil, fmt.Errorf("empty clause in condition %q", expr)
		}

		// != before = since it is the longer operator.
		var key, value string
		var op CondOp
		if idx := strings.Index(clause, "!="); idx >= 0 {
			key, op, value = clause[:idx], OpNotEquals, clause[idx+2:]
		} else if idx := strings.Index(clause, "="); idx >= 0 {
			key, op, value = clause[:idx], OpEquals, clause[idx+1:]
		} else {
			return nil, fmt.Errorf("clause %q has no operator (= or !=)", clause)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)
		if key == "" {
			return nil, fmt.Errorf("clause %q has an empty key", clause)
		}
		if value == "" {
			return nil, fmt.Errorf("clause %q has an empty value", clause)
		}
		cond.Clauses = append(cond.Clauses, CondClause{Key: key, Op: op, Value: value})
	}
	return cond, nil
}

// Eval evaluates the condition against an outcome and context. Every
// clause must hold. A clause over a key that is present in neither the
// outcome nor the context evaluates to false for both operators, so a
// missing key never matches.
func (c *Condition) Eval(outcome *Outcome, ctx *Context) bool {
	for _, clause := range c.Clauses {
		resolved, ok, foldCase := resolveCondKey(clause.Key, outcome, ctx)
		if !ok {
			return false
		}

		var equal bool
		if foldCase {
			equal = strings.EqualFold(resolved, clause.Value)
		} else {
			equal = resolved == clause.Value
		}

		if clause.Op == OpEquals && !equal {
			return false
		}
		if clause.Op == OpNotEquals && equal {
			return false
		}
	}
	return true
}

// EvaluateCondition parses and evaluates a condition expression in one
// step. Unparseable expressions evaluate to false; the validator reports
// them before execution ever starts.
func EvaluateCondition(expr string, outcome *Outcome, ctx *Context) bool {
	cond, err := ParseCondition(expr)
	if err != nil {
		return false
	}
	return cond.Eval(outcome, ctx)
}

// resolveCondKey resolves a clause key to its current string value.
// "outcome" and "preferred_label" are reserved keys backed by the most
// recent outcome and compared case-insensitively; everything else reads
// the context with exact comparison. The "context." prefix is accepted
// as an explicit namespace for context keys.
func resolveCondKey(key string, outcome *Outcome, ctx *Context) (value string, present bool, foldCase bool) {
	switch key {
	case "outcome":
		if outcome == nil {
			return "", false, true
		}
		return string(outcome.Status), true, true
	case "preferred_label":
		if outcome == nil || outcome.PreferredLabel == "" {
			// Fall back to the context copy the engine maintains.
			if ctx != nil && ctx.Has(KeyPreferredLabel) {
				return ctx.GetString(KeyPreferredLabel, ""), true, true
			}
			return "", false, true
		}
		return outcome.PreferredLabel, true, true
	}

	lookup := key
	if strings.HasPrefix(key, "context.") {
		lookup = strings.TrimPrefix(key, "context.")
	}
	if ctx == nil || !ctx.Has(lookup) {
		return "", false, false
	}
	return ctx.GetString(lookup, ""), true, false
}
