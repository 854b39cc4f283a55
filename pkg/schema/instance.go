package schema

import (
	"fmt"
	"time"
)

// InstanceStatus represents the lifecycle state of one workflow instance run.
type InstanceStatus string

const (
	InstanceStatusCreated                 InstanceStatus = "CREATED"
	InstanceStatusInProgress              InstanceStatus = "IN_PROGRESS"
	InstanceStatusPaused                  InstanceStatus = "PAUSED"
	InstanceStatusTimedOut                InstanceStatus = "TIMED_OUT"
	InstanceStatusStopped                 InstanceStatus = "STOPPED"
	InstanceStatusFailed                  InstanceStatus = "FAILED"
	InstanceStatusFailedWithTerminalError InstanceStatus = "FAILED_WITH_TERMINAL_ERROR"
	InstanceStatusSucceeded               InstanceStatus = "SUCCEEDED"
)

// IsTerminal reports whether no further execution transition can occur.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusFailedWithTerminalError,
		InstanceStatusStopped, InstanceStatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s InstanceStatus) Valid() bool {
	_, ok := ValidInstanceTransitions[s]
	return ok
}

// ValidInstanceTransitions defines the allowed status transitions for instance runs.
var ValidInstanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusCreated: {InstanceStatusInProgress, InstanceStatusStopped, InstanceStatusFailed,
		InstanceStatusFailedWithTerminalError, InstanceStatusTimedOut},
	InstanceStatusInProgress: {InstanceStatusPaused, InstanceStatusSucceeded, InstanceStatusFailed,
		InstanceStatusFailedWithTerminalError, InstanceStatusStopped, InstanceStatusTimedOut},
	InstanceStatusPaused: {InstanceStatusInProgress, InstanceStatusStopped, InstanceStatusFailed,
		InstanceStatusTimedOut},
	InstanceStatusSucceeded:               {},
	InstanceStatusFailed:                  {},
	InstanceStatusFailedWithTerminalError: {},
	InstanceStatusStopped:                 {},
	InstanceStatusTimedOut:                {},
}

// CanTransition reports whether from -> to is an allowed instance status transition.
func CanTransition(from, to InstanceStatus) bool {
	for _, a := range ValidInstanceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Action is a termination action requested against an instance run.
type Action string

const (
	// ActionStop lets running steps wind down before the run is marked STOPPED.
	ActionStop Action = "STOP"
	// ActionKill terminates the run immediately and marks it FAILED.
	ActionKill Action = "KILL"
)

// Valid reports whether a is a known termination action.
func (a Action) Valid() bool {
	return a == ActionStop || a == ActionKill
}

// User identifies the actor behind an action.
type User struct {
	Name string `json:"name" yaml:"name"`
}

// WorkflowInstance is one run of a workflow instance as persisted by the instance store.
type WorkflowInstance struct {
	WorkflowID   string         `json:"workflow_id"`
	InstanceID   int64          `json:"workflow_instance_id"`
	RunID        int64          `json:"workflow_run_id"`
	WorkflowUUID string         `json:"workflow_uuid"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Status       InstanceStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	ModifiedAt   time.Time      `json:"modified_at"`
}

// Identity returns a compact identifier for logs.
func (w *WorkflowInstance) Identity() string {
	return fmt.Sprintf("[%s][%d][%d]", w.WorkflowID, w.InstanceID, w.RunID)
}

// InstanceRunUUID identifies one execution attempt of one instance slot.
type InstanceRunUUID struct {
	InstanceID int64  `json:"instance_id"`
	RunID      int64  `json:"run_id"`
	UUID       string `json:"uuid"`
}

func (r InstanceRunUUID) String() string {
	return fmt.Sprintf("InstanceRunUUID(instance_id=%d, run_id=%d, uuid=%s)", r.InstanceID, r.RunID, r.UUID)
}
