package termination

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/pkg/schema"
)

// RetryReason is the reason of a retryable outcome caused by an unexpected fault.
const RetryReason = "failed to terminate a workflow and will retry to terminate it"

// Publisher emits the follow-up event that starts the run-after run.
type Publisher interface {
	PublishRunInstances(ctx context.Context, event *schema.RunInstancesJobEvent) error
}

// Coordinator processes terminate-then-run job events.
//
// Nothing is kept between calls: every attempt re-reads the stored statuses and
// reports a retryable outcome while some targeted run is still terminating.
type Coordinator struct {
	controller *Controller
	instances  InstanceStore
	publisher  Publisher
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewCoordinator creates a coordinator.
func NewCoordinator(controller *Controller, instances InstanceStore, publisher Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		controller: controller,
		instances:  instances,
		publisher:  publisher,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// Process runs one attempt of a terminate-then-run job.
//
// Every one-time run is terminated first. The run-after run is looked at only once all
// one-time runs are terminal; when it is terminal (or gone) the run-instances event for it
// is published. Events without a run-after run complete without publishing.
func (c *Coordinator) Process(ctx context.Context, event *schema.TerminateThenRunJobEvent) Outcome {
	if event == nil {
		return Internal(schema.NewError(schema.ErrCodeInternal, "terminate-then-run job event is null"))
	}
	ctx = logging.WithWorkflowID(ctx, event.WorkflowID())
	ctx, span := c.tracer.Start(ctx, "termination.process", trace.WithAttributes(
		attribute.String("workflow.id", event.WorkflowID()),
		attribute.String("termination.action", string(event.Action())),
		attribute.Int("termination.one_runs", len(event.OneRuns())),
	))
	defer span.End()

	out := c.process(ctx, event)

	span.SetAttributes(
		attribute.String("termination.outcome", out.Kind.String()),
		attribute.Bool("termination.published", out.Published),
	)
	switch out.Kind {
	case OutcomeSucceeded:
		c.logger.InfoContext(ctx, "terminate-then-run job done", "published", out.Published)
	case OutcomeRetryable:
		span.SetStatus(codes.Error, out.Reason)
		c.logger.InfoContext(ctx, "terminate-then-run job will retry", "reason", out.Reason, "error", out.Cause)
	case OutcomeInternal:
		span.SetStatus(codes.Error, out.Reason)
		if out.Cause != nil {
			span.RecordError(out.Cause)
		}
		c.logger.ErrorContext(ctx, "terminate-then-run job failed", "reason", out.Reason)
	}
	return out
}

func (c *Coordinator) process(ctx context.Context, event *schema.TerminateThenRunJobEvent) Outcome {
	wf := event.WorkflowID()

	var watched []schema.InstanceRunUUID
	for _, run := range event.OneRuns() {
		watch, err := c.controller.Terminate(ctx, wf, run, event.User(), event.Action(), event.Reason())
		if err != nil {
			return classify(err)
		}
		if watch {
			watched = append(watched, run)
		}
	}

	pending, err := c.stillTerminating(ctx, wf, watched)
	if err != nil {
		return classify(err)
	}
	if len(pending) > 0 {
		return Retryable(pendingReason(pending), pending, nil)
	}

	runAfter, ok := event.RunAfter()
	if !ok {
		return Succeeded(false)
	}

	resolved, err := c.runAfterResolved(ctx, wf, runAfter)
	if err != nil {
		return classify(err)
	}
	if !resolved {
		if _, err := c.controller.Terminate(ctx, wf, runAfter, event.User(), event.Action(), event.Reason()); err != nil {
			return classify(err)
		}
		pending = []schema.InstanceRunUUID{runAfter}
		return Retryable(pendingReason(pending), pending, nil)
	}

	follow := &schema.RunInstancesJobEvent{
		WorkflowID: wf,
		Runs:       []schema.InstanceRunUUID{runAfter},
		User:       event.User(),
		Reason:     event.Reason(),
	}
	if err := c.publisher.PublishRunInstances(ctx, follow); err != nil {
		return classify(err)
	}
	return Succeeded(true)
}

// stillTerminating re-reads the status of every run a termination was issued for.
func (c *Coordinator) stillTerminating(ctx context.Context, workflowID string, runs []schema.InstanceRunUUID) ([]schema.InstanceRunUUID, error) {
	var pending []schema.InstanceRunUUID
	for _, run := range runs {
		ok, err := c.resolved(ctx, workflowID, run)
		if err != nil {
			return nil, err
		}
		if !ok {
			pending = append(pending, run)
		}
	}
	return pending, nil
}

// resolved reports whether a run is terminal or no longer stored.
func (c *Coordinator) resolved(ctx context.Context, workflowID string, run schema.InstanceRunUUID) (bool, error) {
	status, err := c.instances.GetInstanceStatus(ctx, workflowID, run.InstanceID, run.RunID)
	if schema.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return status.IsTerminal(), nil
}

// runAfterResolved is resolved for the run-after run, which also has to be the run the event names.
func (c *Coordinator) runAfterResolved(ctx context.Context, workflowID string, run schema.InstanceRunUUID) (bool, error) {
	inst, err := c.instances.GetInstanceRun(ctx, workflowID, run.InstanceID, run.RunID)
	if schema.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if inst != nil {
		if err := checkUUID(run, inst); err != nil {
			return false, err
		}
	}
	return c.resolved(ctx, workflowID, run)
}

func pendingReason(pending []schema.InstanceRunUUID) string {
	return fmt.Sprintf("%v is still terminating and will check it again", pending)
}

// classify keeps invariant violations and turns every other fault into a job-level retry.
func classify(err error) Outcome {
	if schema.IsInternal(err) {
		return Internal(err)
	}
	return Retryable(RetryReason, nil, err)
}
