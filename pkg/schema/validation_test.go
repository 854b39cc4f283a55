package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("runtime_dag.job1", ErrCodeValidation, "step \"job1\" is not declared")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "runtime_dag.job1", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, "step \"job1\" is not declared", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("restart_config.skip_steps[0]", ErrCodeValidation, "skip step not declared")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeCycleDetected, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("runtime_dag.job1", ErrCodeValidation, "step \"job1\" is not declared")

	err := r.ToError()
	require.NotNil(t, err)

	lcErr, ok := err.(*LifecycleError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, lcErr.Code)
	assert.Equal(t, "step \"job1\" is not declared", lcErr.Message)
	assert.Equal(t, 1, lcErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	lcErr, ok := err.(*LifecycleError)
	require.True(t, ok)
	assert.Contains(t, lcErr.Message, "2 errors")
	assert.Equal(t, 2, lcErr.Details["error_count"])
	assert.Equal(t, 1, lcErr.Details["warning_count"])
}

func TestWorkflowSummary_Validate(t *testing.T) {
	s := &WorkflowSummary{
		WorkflowID: "sample-wf",
		Steps:      []string{"job1", "job.2"},
		RuntimeDAG: map[string]StepTransition{
			"job1":  {Successors: map[string]string{"job.2": "", "job9": ""}},
			"job.2": {Predecessors: []string{"job1"}},
		},
		FailureModes:  map[string]FailureMode{"job1": "EXPLODE"},
		RunPolicy:     RunPolicyRestartFromSpecific,
		RestartConfig: &RestartConfig{SkipSteps: []string{"ghost"}},
	}

	r := s.Validate()
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 2)
	assert.Equal(t, "runtime_dag.job1.successors", r.Errors[0].Path)
	assert.Contains(t, r.Errors[0].Message, "job9")
	assert.Equal(t, "failure_modes.job1", r.Errors[1].Path)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "restart_config.skip_steps[0]", r.Warnings[0].Path)
}

func TestWorkflowSummary_ValidateWellFormed(t *testing.T) {
	s := &WorkflowSummary{
		WorkflowID: "sample-wf",
		Steps:      []string{"job1", "job.2"},
		RuntimeDAG: map[string]StepTransition{
			"job1":  {Successors: map[string]string{"job.2": "status == 'SUCCEEDED'"}},
			"job.2": {Predecessors: []string{"job1"}},
		},
	}
	assert.Nil(t, s.Validate().ToError())
}
