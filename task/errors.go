package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a request rejected before any state change.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrConcurrencyViolation marks a second writer or a duplicate start.
	ErrConcurrencyViolation = errors.New("concurrency violation")
	// ErrCancelled is returned by work that observed a cancellation request.
	ErrCancelled = errors.New("task cancelled")
)

// StageError is a failure raised by the worker of a phase.
type StageError struct {
	Phase Phase
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
