package store

import (
	"context"

	"github.com/rendis/lifecycle/pkg/schema"
)

// Store defines the persistence layer for workflow instance runs, their
// termination actions, and the engine tasks progress checks read.
// All implementations must be safe for concurrent use.
type Store interface {
	// Instance runs
	CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	NewRun(ctx context.Context, workflowID string, instanceID int64) (*schema.WorkflowInstance, error)
	GetInstanceRun(ctx context.Context, workflowID string, instanceID, runID int64) (*schema.WorkflowInstance, error)
	GetInstanceStatus(ctx context.Context, workflowID string, instanceID, runID int64) (schema.InstanceStatus, error)
	ListInstanceRuns(ctx context.Context, workflowID string, instanceID int64) ([]*schema.WorkflowInstance, error)
	UpdateInstanceStatus(ctx context.Context, workflowID string, instanceID, runID int64, status schema.InstanceStatus) error
	StartRun(ctx context.Context, workflowID string, instanceID, runID int64, executionID string) error

	// Termination actions
	Terminate(ctx context.Context, inst *schema.WorkflowInstance, user schema.User, action schema.Action, reason string) error
	ListActions(ctx context.Context, workflowID string, instanceID, runID int64) ([]*InstanceAction, error)

	// Engine tasks
	UpsertTask(ctx context.Context, workflowID string, instanceID, runID int64, task *schema.Task) error
	ListTasks(ctx context.Context, workflowID string, instanceID, runID int64) ([]*schema.Task, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
