package progress

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rendis/lifecycle/pkg/schema"
)

const defaultDAGCacheSize = 256

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*evaluatorOptions)

type evaluatorOptions struct {
	cacheSize int
	logger    *slog.Logger
}

// WithDAGCacheSize bounds the number of parsed runtime DAGs kept in memory.
func WithDAGCacheSize(n int) EvaluatorOption {
	return func(o *evaluatorOptions) { o.cacheSize = n }
}

// WithLogger sets the evaluator logger.
func WithLogger(l *slog.Logger) EvaluatorOption {
	return func(o *evaluatorOptions) { o.logger = l }
}

// Evaluator decides whether a run's DAG has finished and with which terminal status.
type Evaluator struct {
	conv       TaskConventions
	conditions *ConditionEngine
	dags       *lru.Cache[string, *RuntimeDAG]
	logger     *slog.Logger
}

// NewEvaluator creates an evaluator for the given task conventions.
func NewEvaluator(conv TaskConventions, opts ...EvaluatorOption) (*Evaluator, error) {
	o := evaluatorOptions{cacheSize: defaultDAGCacheSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	conditions, err := NewConditionEngine()
	if err != nil {
		return nil, err
	}
	dags, err := lru.New[string, *RuntimeDAG](o.cacheSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{conv: conv, conditions: conditions, dags: dags, logger: o.logger}, nil
}

// CheckProgress evaluates realTasks (keyed by step reference name) against the run's runtime DAG.
// done is false while some step is still running or can still start.
//
// strict marks a final check made by the caller that ends the workflow. Retryable step failures
// only count as terminal when strict is set and every engine task has reached a terminal status;
// other failures always count. A failed FAIL_IMMEDIATELY step ends the DAG with
// FAILED_WITH_TERMINAL_ERROR even if other steps are still running. So does a strict check
// that finds a step created before one of its non-excluded predecessors.
func (e *Evaluator) CheckProgress(
	realTasks map[string]*schema.Task,
	summary *schema.WorkflowSummary,
	overview *schema.WorkflowRuntimeOverview,
	strict bool,
) (schema.TerminalStatus, bool, error) {
	if summary == nil || overview == nil {
		return "", false, schema.NewError(schema.ErrCodeInternal, "workflow summary and runtime overview are required")
	}

	dag, err := e.runtimeDAG(summary)
	if err != nil {
		return "", false, err
	}
	excluded := summary.RestartExclusions()

	refs := sortedKeys(realTasks)
	for _, ref := range refs {
		if !dag.Contains(ref) && !excluded[ref] {
			return "", false, schema.NewErrorf(schema.ErrCodeInvalidState,
				"invalid state: stepId [%s] should not have any status", ref).WithStep(ref)
		}
	}

	honorRetryable := strict && allTasksTerminal(realTasks)

	var pending, failed, timedOut, stopped bool
	for _, ref := range refs {
		if excluded[ref] {
			continue
		}
		status, err := e.stepStatus(realTasks[ref])
		if err != nil {
			return "", false, err
		}
		if !status.IsTerminal() || (status.IsRetryable() && !honorRetryable) {
			pending = true
			continue
		}
		switch {
		case status.IsFailure():
			if summary.FailureModeOf(ref) == schema.FailureModeFailImmediately {
				e.logger.Debug("step failed immediately", "workflow", summary.Identity(), "step_id", ref, "status", status)
				return schema.TerminalStatusFailedWithTerminalError, true, nil
			}
			failed = true
		case status == schema.StepStatusTimedOut:
			timedOut = true
		case status == schema.StepStatusStopped:
			stopped = true
		}
	}
	if pending {
		return "", false, nil
	}

	// A step cannot have run before a predecessor that this run had to execute.
	if orphan, pred := orphanedStep(dag, realTasks, excluded); orphan != "" {
		if !strict {
			return "", false, nil
		}
		e.logger.Warn("step ran before its predecessor was created",
			"workflow", summary.Identity(), "step_id", orphan, "predecessor", pred)
		return schema.TerminalStatusFailedWithTerminalError, true, nil
	}

	if overview.ExistsNotCreatedStep() {
		done, err := e.confirmDone(dag, realTasks, excluded)
		if err != nil || !done {
			return "", false, err
		}
	}

	switch {
	case !overview.ExistsCreatedStep():
		return schema.TerminalStatusFailed, true, nil
	case failed:
		return schema.TerminalStatusFailed, true, nil
	case timedOut:
		return schema.TerminalStatusTimedOut, true, nil
	case stopped:
		return schema.TerminalStatusStopped, true, nil
	default:
		return schema.TerminalStatusSucceeded, true, nil
	}
}

// orphanedStep returns a created step with a non-excluded predecessor that was never created.
func orphanedStep(dag *RuntimeDAG, realTasks map[string]*schema.Task, excluded map[string]bool) (string, string) {
	for _, step := range dag.Sorted {
		if _, created := realTasks[step]; !created || excluded[step] {
			continue
		}
		for _, pred := range dag.Predecessors[step] {
			if _, created := realTasks[pred]; !created && !excluded[pred] {
				return step, pred
			}
		}
	}
	return "", ""
}

// confirmDone reports whether no step that has not been created can still start.
// A step can start once every non-excluded predecessor completed and its edge condition holds.
func (e *Evaluator) confirmDone(dag *RuntimeDAG, realTasks map[string]*schema.Task, excluded map[string]bool) (bool, error) {
	for _, step := range dag.Sorted {
		if excluded[step] {
			continue
		}
		if _, created := realTasks[step]; created {
			continue
		}
		ok, err := e.canStart(dag, step, realTasks, excluded)
		if err != nil {
			return false, err
		}
		if ok {
			e.logger.Debug("step can still start", "step_id", step)
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) canStart(dag *RuntimeDAG, step string, realTasks map[string]*schema.Task, excluded map[string]bool) (bool, error) {
	for _, pred := range dag.Predecessors[step] {
		if excluded[pred] {
			continue
		}
		task, ok := realTasks[pred]
		if !ok {
			return false, nil
		}
		status, err := e.stepStatus(task)
		if err != nil {
			return false, err
		}
		if !status.IsComplete() {
			return false, nil
		}
		holds, err := e.conditions.Evaluate(dag.Condition(pred, step), status, task.OutputData)
		if err != nil {
			return false, err
		}
		if !holds {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) stepStatus(t *schema.Task) (schema.StepStatus, error) {
	rs, err := e.conv.StepSummary(t)
	if err != nil {
		return "", err
	}
	return rs.RuntimeState.Status, nil
}

func (e *Evaluator) runtimeDAG(summary *schema.WorkflowSummary) (*RuntimeDAG, error) {
	key, err := dagCacheKey(summary)
	if err != nil {
		return nil, err
	}
	if dag, ok := e.dags.Get(key); ok {
		return dag, nil
	}
	dag, err := ParseRuntimeDAG(summary)
	if err != nil {
		return nil, err
	}
	e.dags.Add(key, dag)
	return dag, nil
}

// dagCacheKey scopes the cache entry to both the run and the exact DAG it was parsed from.
func dagCacheKey(summary *schema.WorkflowSummary) (string, error) {
	data, err := json.Marshal(summary.RuntimeDAG)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeInternal, "cannot encode runtime dag").WithCause(err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%s:%x", summary.CacheKey(), h.Sum64()), nil
}

func allTasksTerminal(tasks map[string]*schema.Task) bool {
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}
