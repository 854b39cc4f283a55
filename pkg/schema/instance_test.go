package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceStatus_IsTerminal(t *testing.T) {
	terminal := []InstanceStatus{InstanceStatusSucceeded, InstanceStatusFailed,
		InstanceStatusFailedWithTerminalError, InstanceStatusStopped, InstanceStatusTimedOut}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
		assert.Empty(t, ValidInstanceTransitions[s], s)
	}
	for _, s := range []InstanceStatus{InstanceStatusCreated, InstanceStatusInProgress, InstanceStatusPaused} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, InstanceStatus("BOGUS").Valid())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(InstanceStatusCreated, InstanceStatusStopped))
	assert.True(t, CanTransition(InstanceStatusInProgress, InstanceStatusSucceeded))
	assert.False(t, CanTransition(InstanceStatusCreated, InstanceStatusSucceeded))
	assert.False(t, CanTransition(InstanceStatusStopped, InstanceStatusInProgress))
}

func TestInstanceRunUUID_String(t *testing.T) {
	r := InstanceRunUUID{InstanceID: 1, RunID: 2, UUID: "uuid1"}
	assert.Equal(t, "InstanceRunUUID(instance_id=1, run_id=2, uuid=uuid1)", r.String())
}

func TestStepStatus_Attributes(t *testing.T) {
	for _, s := range OrderedStepStatuses {
		assert.True(t, s.Valid(), s)
		if s.IsComplete() || s.IsRetryable() || s.IsFailure() {
			assert.True(t, s.IsTerminal(), s)
		}
	}
	assert.Len(t, OrderedStepStatuses, len(stepStatusTable))
	assert.True(t, StepStatusUserFailed.IsRetryable())
	assert.False(t, StepStatusFatallyFailed.IsRetryable())
	assert.True(t, StepStatusCompletedWithError.IsComplete())
	assert.False(t, StepStatusStopped.IsFailure())
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.False(t, TaskStatusScheduled.IsTerminal())
	assert.False(t, TaskStatusInProgress.IsTerminal())
	assert.False(t, TaskStatus("").IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.True(t, TaskStatusCompleted.IsTerminal())
}

func TestTerminalStatus_InstanceStatus(t *testing.T) {
	assert.Equal(t, InstanceStatusSucceeded, TerminalStatusSucceeded.InstanceStatus())
	assert.Equal(t, InstanceStatusFailedWithTerminalError, TerminalStatusFailedWithTerminalError.InstanceStatus())
	assert.Equal(t, InstanceStatusTimedOut, TerminalStatusTimedOut.InstanceStatus())
	assert.Equal(t, InstanceStatusStopped, TerminalStatusStopped.InstanceStatus())
	assert.Equal(t, InstanceStatusFailed, TerminalStatusFailed.InstanceStatus())
}
