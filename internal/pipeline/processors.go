package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/internal/termination"
	"github.com/rendis/lifecycle/pkg/schema"
)

// TerminateThenRunProcessor is satisfied by *termination.Coordinator.
type TerminateThenRunProcessor interface {
	Process(ctx context.Context, event *schema.TerminateThenRunJobEvent) termination.Outcome
}

// TerminateThenRunHandler decodes terminate-then-run jobs and runs the coordinator on them.
type TerminateThenRunHandler struct {
	codec       *Codec
	coordinator TerminateThenRunProcessor
}

// NewTerminateThenRunHandler creates the handler for schema.JobTypeTerminateThenRun.
func NewTerminateThenRunHandler(codec *Codec, coordinator TerminateThenRunProcessor) *TerminateThenRunHandler {
	return &TerminateThenRunHandler{codec: codec, coordinator: coordinator}
}

func (h *TerminateThenRunHandler) Handle(ctx context.Context, job *schema.JobEnvelope) error {
	event, err := h.codec.DecodeTerminateThenRun(job)
	if err != nil {
		return err
	}
	return h.coordinator.Process(ctx, event).Err()
}

// RunStore is the part of the instance store that starts runs.
type RunStore interface {
	GetInstanceRun(ctx context.Context, workflowID string, instanceID, runID int64) (*schema.WorkflowInstance, error)
	ListInstanceRuns(ctx context.Context, workflowID string, instanceID int64) ([]*schema.WorkflowInstance, error)
	NewRun(ctx context.Context, workflowID string, instanceID int64) (*schema.WorkflowInstance, error)
	StartRun(ctx context.Context, workflowID string, instanceID, runID int64, executionID string) error
}

// RunInstancesHandler starts the runs named by run-instances jobs.
//
// A CREATED run is started as is. A terminal run is restarted as a new run of the
// same instance unless a later run already exists; a later run still CREATED (left behind by
// a failed start) is started instead. Active and missing runs are skipped,
// so redelivered jobs do not start anything twice.
type RunInstancesHandler struct {
	codec  *Codec
	runs   RunStore
	logger *slog.Logger
}

// NewRunInstancesHandler creates the handler for schema.JobTypeRunInstances.
func NewRunInstancesHandler(codec *Codec, runs RunStore, logger *slog.Logger) *RunInstancesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunInstancesHandler{codec: codec, runs: runs, logger: logger}
}

func (h *RunInstancesHandler) Handle(ctx context.Context, job *schema.JobEnvelope) error {
	event, err := h.codec.DecodeRunInstances(job)
	if err != nil {
		return err
	}
	ctx = logging.WithWorkflowID(ctx, event.WorkflowID)
	for _, run := range event.Runs {
		if err := h.start(logging.WithRun(ctx, run.InstanceID, run.RunID), event.WorkflowID, run); err != nil {
			return err
		}
	}
	return nil
}

func (h *RunInstancesHandler) start(ctx context.Context, workflowID string, run schema.InstanceRunUUID) error {
	inst, err := h.runs.GetInstanceRun(ctx, workflowID, run.InstanceID, run.RunID)
	if schema.IsNotFound(err) {
		h.logger.InfoContext(ctx, "run to start not found, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if inst.WorkflowUUID != run.UUID {
		return schema.NewErrorf(schema.ErrCodeInternal,
			"workflow instance uuid [%s] in job event does not match DB row uuid [%s]", run.UUID, inst.WorkflowUUID)
	}

	switch {
	case inst.Status == schema.InstanceStatusCreated:
		return h.startRun(ctx, inst, executionIDOf(inst))

	case inst.Status.IsTerminal():
		runs, err := h.runs.ListInstanceRuns(ctx, workflowID, run.InstanceID)
		if err != nil {
			return err
		}
		if later := latestRunAfter(runs, inst.RunID); later != nil {
			if later.Status == schema.InstanceStatusCreated {
				h.logger.InfoContext(ctx, "restarted run was never started, starting it", "later_run_id", later.RunID)
				return h.startRun(logging.WithRun(ctx, later.InstanceID, later.RunID), later, executionIDOf(later))
			}
			h.logger.InfoContext(ctx, "instance already restarted, skipping", "later_run_id", later.RunID)
			return nil
		}
		next, err := h.runs.NewRun(ctx, workflowID, run.InstanceID)
		if err != nil {
			return err
		}
		return h.startRun(logging.WithRun(ctx, next.InstanceID, next.RunID), next, next.ExecutionID)

	default:
		h.logger.InfoContext(ctx, "run already active, skipping", "status", inst.Status)
		return nil
	}
}

// latestRunAfter returns the highest run newer than runID, or nil.
func latestRunAfter(runs []*schema.WorkflowInstance, runID int64) *schema.WorkflowInstance {
	var latest *schema.WorkflowInstance
	for _, r := range runs {
		if r.RunID > runID && (latest == nil || r.RunID > latest.RunID) {
			latest = r
		}
	}
	return latest
}

func executionIDOf(inst *schema.WorkflowInstance) string {
	if inst.ExecutionID != "" {
		return inst.ExecutionID
	}
	return uuid.NewString()
}

func (h *RunInstancesHandler) startRun(ctx context.Context, inst *schema.WorkflowInstance, executionID string) error {
	err := h.runs.StartRun(ctx, inst.WorkflowID, inst.InstanceID, inst.RunID, executionID)
	if schema.ErrorCode(err) == schema.ErrCodeInvalidTransition {
		h.logger.InfoContext(ctx, "run moved on before it could be started, skipping", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "run started", "execution_id", executionID)
	return nil
}
