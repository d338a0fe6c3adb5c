package evac

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadlineExceeded marks a run whose global deadline expired during simulation.
	// The run continues with partial results.
	ErrDeadlineExceeded = errors.New("run deadline exceeded")

	// ErrNoViableScenario marks a run in which no scenario completed.
	ErrNoViableScenario = errors.New("no viable scenario")

	// ErrInfeasibleConstraints marks a run whose planner produced no scenario.
	ErrInfeasibleConstraints = errors.New("infeasible constraints")

	// ErrRunCancelled is the cancellation cause used when an operator cancels a run.
	ErrRunCancelled = errors.New("run cancelled")
)

// ValidationError reports a bad intent, constraint or scenario.
// Surfaced immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError is shorthand for &ValidationError{Field: field, Reason: fmt.Sprintf(...)}.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientSimulationError is a simulation failure worth retrying
// (engine timeout, resource contention).
type TransientSimulationError struct {
	Op  string
	Err error
}

func (e *TransientSimulationError) Error() string {
	return fmt.Sprintf("transient simulation failure in %s: %v", e.Op, e.Err)
}

func (e *TransientSimulationError) Unwrap() error { return e.Err }

// PermanentSimulationError is a simulation failure that will not go away on retry.
type PermanentSimulationError struct {
	Op  string
	Err error
}

func (e *PermanentSimulationError) Error() string {
	return fmt.Sprintf("permanent simulation failure in %s: %v", e.Op, e.Err)
}

func (e *PermanentSimulationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientSimulationError.
func IsTransient(err error) bool {
	var te *TransientSimulationError
	return errors.As(err, &te)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AbstentionReason explains why the explanation stage declined to answer.
// Abstention is an expected outcome, not an error.
type AbstentionReason string

const (
	AbstentionNone                 AbstentionReason = ""
	AbstentionInsufficientEvidence AbstentionReason = "insufficient_citations"
	AbstentionLowConfidence        AbstentionReason = "low_confidence"
	AbstentionRetrievalUnavailable AbstentionReason = "retrieval_unavailable"
)
