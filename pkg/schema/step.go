package schema

// StepStatus is the runtime status of a single step execution.
type StepStatus string

const (
	StepStatusNotCreated         StepStatus = "NOT_CREATED"
	StepStatusCreated            StepStatus = "CREATED"
	StepStatusInitialized        StepStatus = "INITIALIZED"
	StepStatusPaused             StepStatus = "PAUSED"
	StepStatusWaitingForSignals  StepStatus = "WAITING_FOR_SIGNALS"
	StepStatusEvaluatingParams   StepStatus = "EVALUATING_PARAMS"
	StepStatusWaitingForPermits  StepStatus = "WAITING_FOR_PERMITS"
	StepStatusStarting           StepStatus = "STARTING"
	StepStatusRunning            StepStatus = "RUNNING"
	StepStatusFinishing          StepStatus = "FINISHING"
	StepStatusDisabled           StepStatus = "DISABLED"
	StepStatusUnsatisfied        StepStatus = "UNSATISFIED"
	StepStatusSkipped            StepStatus = "SKIPPED"
	StepStatusSucceeded          StepStatus = "SUCCEEDED"
	StepStatusCompletedWithError StepStatus = "COMPLETED_WITH_ERROR"
	StepStatusUserFailed         StepStatus = "USER_FAILED"
	StepStatusPlatformFailed     StepStatus = "PLATFORM_FAILED"
	StepStatusFatallyFailed      StepStatus = "FATALLY_FAILED"
	StepStatusInternallyFailed   StepStatus = "INTERNALLY_FAILED"
	StepStatusStopped            StepStatus = "STOPPED"
	StepStatusTimedOut           StepStatus = "TIMED_OUT"
	StepStatusTimeoutFailed      StepStatus = "TIMEOUT_FAILED"
)

type stepStatusAttrs struct {
	terminal  bool
	complete  bool
	retryable bool
	failure   bool
}

var stepStatusTable = map[StepStatus]stepStatusAttrs{
	StepStatusNotCreated:         {},
	StepStatusCreated:            {},
	StepStatusInitialized:        {},
	StepStatusPaused:             {},
	StepStatusWaitingForSignals:  {},
	StepStatusEvaluatingParams:   {},
	StepStatusWaitingForPermits:  {},
	StepStatusStarting:           {},
	StepStatusRunning:            {},
	StepStatusFinishing:          {},
	StepStatusDisabled:           {terminal: true},
	StepStatusUnsatisfied:        {terminal: true},
	StepStatusSkipped:            {terminal: true, complete: true},
	StepStatusSucceeded:          {terminal: true, complete: true},
	StepStatusCompletedWithError: {terminal: true, complete: true},
	StepStatusUserFailed:         {terminal: true, retryable: true, failure: true},
	StepStatusPlatformFailed:     {terminal: true, retryable: true, failure: true},
	StepStatusFatallyFailed:      {terminal: true, failure: true},
	StepStatusInternallyFailed:   {terminal: true, failure: true},
	StepStatusStopped:            {terminal: true},
	StepStatusTimedOut:           {terminal: true},
	StepStatusTimeoutFailed:      {terminal: true, retryable: true, failure: true},
}

// OrderedStepStatuses lists every step status in lifecycle order.
// Iteration over per-status maps uses this order so results are deterministic.
var OrderedStepStatuses = []StepStatus{
	StepStatusNotCreated, StepStatusCreated, StepStatusInitialized, StepStatusPaused,
	StepStatusWaitingForSignals, StepStatusEvaluatingParams, StepStatusWaitingForPermits,
	StepStatusStarting, StepStatusRunning, StepStatusFinishing, StepStatusDisabled,
	StepStatusUnsatisfied, StepStatusSkipped, StepStatusSucceeded, StepStatusCompletedWithError,
	StepStatusUserFailed, StepStatusPlatformFailed, StepStatusFatallyFailed,
	StepStatusInternallyFailed, StepStatusStopped, StepStatusTimedOut, StepStatusTimeoutFailed,
}

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	_, ok := stepStatusTable[s]
	return ok
}

// IsTerminal reports whether the step will not make further progress on its own.
func (s StepStatus) IsTerminal() bool { return stepStatusTable[s].terminal }

// IsComplete reports whether downstream steps may run after this status.
func (s StepStatus) IsComplete() bool { return stepStatusTable[s].complete }

// IsRetryable reports whether the step may still be retried by the runtime.
func (s StepStatus) IsRetryable() bool { return stepStatusTable[s].retryable }

// IsFailure reports whether the status is one of the failure outcomes.
func (s StepStatus) IsFailure() bool { return stepStatusTable[s].failure }

// TaskStatus is the execution engine's own status for a task.
type TaskStatus string

const (
	TaskStatusScheduled               TaskStatus = "SCHEDULED"
	TaskStatusInProgress              TaskStatus = "IN_PROGRESS"
	TaskStatusCanceled                TaskStatus = "CANCELED"
	TaskStatusFailed                  TaskStatus = "FAILED"
	TaskStatusFailedWithTerminalError TaskStatus = "FAILED_WITH_TERMINAL_ERROR"
	TaskStatusCompleted               TaskStatus = "COMPLETED"
	TaskStatusCompletedWithErrors     TaskStatus = "COMPLETED_WITH_ERRORS"
	TaskStatusTimedOut                TaskStatus = "TIMED_OUT"
	TaskStatusSkipped                 TaskStatus = "SKIPPED"
)

// IsTerminal reports whether the engine will not run the task again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusScheduled, TaskStatusInProgress, "":
		return false
	default:
		return true
	}
}

// Task is one engine task record. Step tasks carry the step runtime summary in OutputData.
type Task struct {
	TaskID        string         `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Type          string         `json:"task_type" yaml:"task_type"`
	Seq           int            `json:"seq" yaml:"seq"`
	ReferenceName string         `json:"reference_task_name" yaml:"reference_task_name"`
	Status        TaskStatus     `json:"status" yaml:"status"`
	OutputData    map[string]any `json:"output_data,omitempty" yaml:"output_data,omitempty"`
}

// StepRuntimeState is the status and timing of a step execution. Times are epoch millis.
type StepRuntimeState struct {
	Status    StepStatus `json:"status"`
	StartTime *int64     `json:"start_time,omitempty"`
	EndTime   *int64     `json:"end_time,omitempty"`
}

// StepRuntimeSummary is the structured record a step task writes into its output.
type StepRuntimeSummary struct {
	StepID       string                  `json:"step_id,omitempty"`
	Type         string                  `json:"type"`
	RuntimeState StepRuntimeState        `json:"runtime_state"`
	Rollup       *WorkflowRollupOverview `json:"rollup,omitempty"`
}

// FailureMode controls how a step failure affects the rest of the DAG.
type FailureMode string

const (
	// FailureModeFailAfterRunning lets the remaining branches finish before the workflow fails.
	FailureModeFailAfterRunning FailureMode = "FAIL_AFTER_RUNNING"
	// FailureModeFailImmediately ends the workflow as soon as the step fails.
	FailureModeFailImmediately FailureMode = "FAIL_IMMEDIATELY"
)

// TerminalStatus is the final outcome the progress evaluator assigns to a workflow DAG.
type TerminalStatus string

const (
	TerminalStatusSucceeded               TerminalStatus = "SUCCEEDED"
	TerminalStatusFailed                  TerminalStatus = "FAILED"
	TerminalStatusFailedWithTerminalError TerminalStatus = "FAILED_WITH_TERMINAL_ERROR"
	TerminalStatusTimedOut                TerminalStatus = "TIMED_OUT"
	TerminalStatusStopped                 TerminalStatus = "STOPPED"
)

// InstanceStatus maps the DAG outcome onto the instance status it finalizes to.
func (s TerminalStatus) InstanceStatus() InstanceStatus {
	switch s {
	case TerminalStatusSucceeded:
		return InstanceStatusSucceeded
	case TerminalStatusFailedWithTerminalError:
		return InstanceStatusFailedWithTerminalError
	case TerminalStatusTimedOut:
		return InstanceStatusTimedOut
	case TerminalStatusStopped:
		return InstanceStatusStopped
	default:
		return InstanceStatusFailed
	}
}
