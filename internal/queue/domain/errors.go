package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a job id is unknown to the store
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned when a job's actual state does not match the
	// state a transition requires
	ErrConflict = errors.New("job state conflict")

	// ErrClaimConflict marks a lost claim race. The scheduler absorbs it.
	ErrClaimConflict = errors.New("job already claimed")

	// ErrValidation is the sentinel behind every ValidationError
	ErrValidation = errors.New("invalid enqueue request")

	// ErrHandlerFailure wraps errors returned or raised by a queue handler
	ErrHandlerFailure = errors.New("handler failure")

	// ErrTimeout is recorded when a handler exceeds its time budget
	ErrTimeout = errors.New("timeout")

	// ErrAttemptsExhausted is logged when a job lands in the failed state
	ErrAttemptsExhausted = errors.New("attempts exhausted")

	// ErrNoHandler is recorded when a job's queue has no registered handler
	ErrNoHandler = errors.New("no handler registered")
)

// ValidationError lists the problems found in an enqueue request
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError from one or more problems
func NewValidationError(problems ...string) error {
	return &ValidationError{Problems: problems}
}

// HandlerError wraps a failure reported by a handler so it matches ErrHandlerFailure
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailure, e.Err}
}

// NewHandlerError wraps err as a handler failure. Returns nil for a nil err.
func NewHandlerError(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err}
}

// TransitionError describes a rejected state transition
func TransitionError(id string, actual State, op string) error {
	return fmt.Errorf("%w: cannot %s job %s in state %s", ErrConflict, op, id, actual)
}
