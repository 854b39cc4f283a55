package termination

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/pkg/schema"
)

const tracerName = "github.com/rendis/lifecycle/internal/termination"

// InstanceStore reads instance runs. Missing runs are reported with a NOT_FOUND error.
type InstanceStore interface {
	GetInstanceRun(ctx context.Context, workflowID string, instanceID, runID int64) (*schema.WorkflowInstance, error)
	GetInstanceStatus(ctx context.Context, workflowID string, instanceID, runID int64) (schema.InstanceStatus, error)
}

// ActionSink issues termination requests. Repeated requests for the same run must be harmless.
type ActionSink interface {
	Terminate(ctx context.Context, inst *schema.WorkflowInstance, user schema.User, action schema.Action, reason string) error
}

// Controller terminates single instance runs.
type Controller struct {
	instances InstanceStore
	actions   ActionSink
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewController creates a controller over the given store and action sink.
func NewController(instances InstanceStore, actions ActionSink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		instances: instances,
		actions:   actions,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// Terminate requests termination of one run and never waits for it to finish.
// watch is true when a termination was issued and the caller has to re-read the run status.
// A run missing from the store or already terminal is left alone.
func (c *Controller) Terminate(
	ctx context.Context,
	workflowID string,
	run schema.InstanceRunUUID,
	user schema.User,
	action schema.Action,
	reason string,
) (watch bool, err error) {
	ctx = logging.WithRun(logging.WithWorkflowID(ctx, workflowID), run.InstanceID, run.RunID)
	ctx, span := c.tracer.Start(ctx, "termination.terminate", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Int64("workflow.instance_id", run.InstanceID),
		attribute.Int64("workflow.run_id", run.RunID),
		attribute.String("termination.action", string(action)),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("termination.issued", watch))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	inst, err := c.instances.GetInstanceRun(ctx, workflowID, run.InstanceID, run.RunID)
	if schema.IsNotFound(err) {
		c.logger.InfoContext(ctx, "instance run not found, nothing to terminate", "run", run.String())
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if inst == nil {
		return false, schema.NewErrorf(schema.ErrCodeInternal, "workflow instance %s is null", run)
	}
	if err := checkUUID(run, inst); err != nil {
		return false, err
	}
	if inst.Status == "" {
		return false, schema.NewErrorf(schema.ErrCodeInternal, "status of workflow instance %s is null", inst.Identity())
	}
	if inst.Status.IsTerminal() {
		c.logger.DebugContext(ctx, "instance run already terminal", "status", inst.Status)
		return false, nil
	}
	if inst.ExecutionID == "" {
		return false, schema.NewErrorf(schema.ErrCodeInternal, "execution id of workflow instance %s is null", inst.Identity())
	}

	if err := c.actions.Terminate(ctx, inst, user, action, reason); err != nil {
		return false, err
	}
	c.logger.InfoContext(ctx, "termination issued",
		"action", action, "user", user.Name, "status", inst.Status, "execution_id", inst.ExecutionID)
	return true, nil
}

// checkUUID rejects a stored run that is not the run the job event was built for.
func checkUUID(run schema.InstanceRunUUID, inst *schema.WorkflowInstance) error {
	if inst.WorkflowUUID == run.UUID {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInternal,
		"workflow instance uuid [%s] in job event does not match DB row uuid [%s]", run.UUID, inst.WorkflowUUID).
		WithDetails(map[string]any{"event_uuid": run.UUID, "row_uuid": inst.WorkflowUUID})
}
