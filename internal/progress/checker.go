package progress

import (
	"context"
	"log/slog"

	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/pkg/schema"
)

// TaskSource lists the engine tasks of one instance run.
type TaskSource interface {
	ListTasks(ctx context.Context, workflowID string, instanceID, runID int64) ([]*schema.Task, error)
}

// Result is the outcome of one progress check.
type Result struct {
	Overview *schema.WorkflowRuntimeOverview `json:"overview"`
	Status   schema.TerminalStatus           `json:"status,omitempty"`
	Done     bool                            `json:"done"`
}

// Checker loads a run's tasks and evaluates its progress.
type Checker struct {
	source     TaskSource
	conv       TaskConventions
	aggregator *Aggregator
	evaluator  *Evaluator
	logger     *slog.Logger
}

// NewChecker wires a checker over the given task source.
func NewChecker(source TaskSource, conv TaskConventions, evaluator *Evaluator, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		source:     source,
		conv:       conv,
		aggregator: NewAggregator(conv),
		evaluator:  evaluator,
		logger:     logger,
	}
}

// Check computes the run overview and decides whether the DAG is done.
func (c *Checker) Check(ctx context.Context, summary *schema.WorkflowSummary, base *schema.WorkflowRollupOverview, strict bool) (*Result, error) {
	if summary == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "workflow summary is nil")
	}
	ctx = logging.WithRun(logging.WithWorkflowID(ctx, summary.WorkflowID), summary.InstanceID, summary.RunID)

	tasks, err := c.source.ListTasks(ctx, summary.WorkflowID, summary.InstanceID, summary.RunID)
	if err != nil {
		return nil, err
	}
	return c.Evaluate(ctx, summary, base, tasks, strict)
}

// Evaluate runs the aggregator and evaluator over an already loaded task list.
func (c *Checker) Evaluate(ctx context.Context, summary *schema.WorkflowSummary, base *schema.WorkflowRollupOverview, tasks []*schema.Task, strict bool) (*Result, error) {
	realTasks := c.conv.UserDefinedRealTaskMap(tasks)

	overview, err := c.aggregator.ComputeOverview(summary, base, realTasks)
	if err != nil {
		return nil, err
	}
	status, done, err := c.evaluator.CheckProgress(realTasks, summary, overview, strict)
	if err != nil {
		c.logger.ErrorContext(ctx, "progress check failed", "error", err)
		return nil, err
	}

	c.logger.DebugContext(ctx, "progress checked",
		"real_tasks", len(realTasks), "total_steps", overview.TotalStepCount,
		"done", done, "status", status, "strict", strict)
	return &Result{Overview: overview, Status: status, Done: done}, nil
}
