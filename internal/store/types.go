package store

import (
	"fmt"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// InstanceAction is a termination request recorded against one instance run.
// At most one action is kept per run; later requests are ignored.
type InstanceAction struct {
	WorkflowID string        `json:"workflow_id"`
	InstanceID int64         `json:"workflow_instance_id"`
	RunID      int64         `json:"workflow_run_id"`
	Action     schema.Action `json:"action"`
	User       string        `json:"user"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// escalates reports whether next replaces the recorded action. Only STOP can be raised to KILL.
func escalates(recorded, next schema.Action) bool {
	return recorded == schema.ActionStop && next == schema.ActionKill
}

// terminatedStatus is the status a never-started run moves to when an action arrives.
func terminatedStatus(action schema.Action) schema.InstanceStatus {
	if action == schema.ActionKill {
		return schema.InstanceStatusFailed
	}
	return schema.InstanceStatusStopped
}

func runKey(workflowID string, instanceID, runID int64) string {
	return fmt.Sprintf("%s/%d/%d", workflowID, instanceID, runID)
}

func storeNotFound(resource, id string) *schema.LifecycleError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.LifecycleError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func invalidTransition(id string, from, to schema.InstanceStatus) *schema.LifecycleError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"instance run %s cannot move from %s to %s", id, from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
