package rules

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an operation referenced a rule, ticket, or user
// that does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError indicates a malformed rule definition at create or
// update time. The rule is never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid rule: " + e.Reason
	}
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a failed read or write against the backing
// store during action execution. It is captured per execution and does
// not abort the engine pass.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// EvaluationError wraps an unexpected failure while evaluating a rule's
// condition. It is isolated to the rule that produced it.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s evaluation failed: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
