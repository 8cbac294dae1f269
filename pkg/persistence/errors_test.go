package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/careflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error constants are available", func(t *testing.T) {
		assert.NotNil(t, persistence.ErrDefinitionNotFound)
		assert.NotNil(t, persistence.ErrExecutionNotFound)
		assert.NotNil(t, persistence.ErrJobNotFound)
		assert.NotNil(t, persistence.ErrVersionConflict)
		assert.NotNil(t, persistence.ErrLeaseLost)
	})

	t.Run("error checking functions work correctly", func(t *testing.T) {
		definitionErr := persistence.NewDefinitionError("ByID", "wf-123", persistence.ErrDefinitionNotFound)
		executionErr := persistence.NewExecutionError("ByID", "exec-1", persistence.ErrExecutionNotFound)
		jobErr := persistence.NewJobError("Release", "job-1", persistence.ErrLeaseLost)

		assert.True(t, persistence.IsDefinitionNotFound(definitionErr))
		assert.True(t, persistence.IsExecutionNotFound(executionErr))
		assert.True(t, persistence.IsLeaseLost(jobErr))
		assert.False(t, persistence.IsJobNotFound(jobErr))

		wrapped := fmt.Errorf("engine: %w", definitionErr)
		assert.True(t, errors.Is(wrapped, persistence.ErrDefinitionNotFound))
	})

	t.Run("version conflict error contains the expected version", func(t *testing.T) {
		err := &persistence.ExecutionError{Op: "Update", ExecutionID: "exec-1", Version: 4, Err: persistence.ErrVersionConflict}

		assert.True(t, persistence.IsVersionConflict(err))
		assert.Contains(t, err.Error(), "exec-1")
		assert.Contains(t, err.Error(), "version 4")
	})

	t.Run("job error names the owner", func(t *testing.T) {
		err := &persistence.JobError{Op: "Release", JobID: "job-1", Owner: "worker-7", Err: persistence.ErrLeaseLost}

		assert.Contains(t, err.Error(), "Release")
		assert.Contains(t, err.Error(), "worker-7")
		assert.Contains(t, err.Error(), "job lease lost")
	})
}
