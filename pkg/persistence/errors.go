// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates a workflow definition was not found by the given identifier.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrExecutionAlreadyExists indicates an execution with the same identifier already exists.
	ErrExecutionAlreadyExists = errors.New("workflow execution already exists")

	// ErrJobNotFound indicates a queue job was not found.
	ErrJobNotFound = errors.New("queue job not found")

	// ErrJobAlreadyExists indicates a queue job with the same identifier already exists.
	ErrJobAlreadyExists = errors.New("queue job already exists")

	// ErrVersionConflict indicates an execution changed since it was read.
	ErrVersionConflict = errors.New("execution version conflict")

	// ErrLeaseLost indicates the job is no longer claimed by the releasing worker.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrInvalidTransition indicates a job cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// DefinitionError wraps definition-related errors with additional context.
type DefinitionError struct {
	Op           string // Operation being performed (e.g., "ByID", "Save", "Delete")
	DefinitionID string
	Err          error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow definition %s: %v", e.Op, e.DefinitionID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for definition errors.
func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewDefinitionError(op, definitionID string, err error) *DefinitionError {
	return &DefinitionError{Op: op, DefinitionID: definitionID, Err: err}
}

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Version     int // Version the caller expected, for conflicts
	Err         error
}

func (e *ExecutionError) Error() string {
	if errors.Is(e.Err, ErrVersionConflict) {
		return fmt.Sprintf("%s operation failed for execution %s at version %d: %v", e.Op, e.ExecutionID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// JobError wraps queue job errors with additional context.
type JobError struct {
	Op    string
	JobID string
	Owner string // Worker that attempted the operation, if any
	Err   error
}

func (e *JobError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("%s operation failed for job %s (owner %s): %v", e.Op, e.JobID, e.Owner, e.Err)
	}

	return fmt.Sprintf("%s operation failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func (e *JobError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewJobError(op, jobID string, err error) *JobError {
	return &JobError{Op: op, JobID: jobID, Err: err}
}

// IsDefinitionNotFound checks if an error indicates a definition was not found.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsJobNotFound checks if an error indicates a job was not found.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsJobAlreadyExists checks if an error indicates a duplicate job identifier.
func IsJobAlreadyExists(err error) bool {
	return errors.Is(err, ErrJobAlreadyExists)
}

// IsVersionConflict checks if an error indicates a lost optimistic update.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsLeaseLost checks if an error indicates a release by a worker that no longer owns the job.
func IsLeaseLost(err error) bool {
	return errors.Is(err, ErrLeaseLost)
}
