package progress

import (
	"fmt"

	"github.com/rendis/lifecycle/pkg/schema"
)

// Aggregator derives runtime and rollup overviews from the real tasks of a run.
type Aggregator struct {
	conv TaskConventions
}

// NewAggregator creates an aggregator for the given task conventions.
func NewAggregator(conv TaskConventions) *Aggregator {
	return &Aggregator{conv: conv}
}

// ComputeOverview summarizes realTasks (keyed by step reference name) against the run's definition.
// Container steps contribute their own rollup; other steps count as one leaf. base is the rollup
// carried over from earlier runs and is merged into the result. Tasks without a summary count as CREATED.
func (a *Aggregator) ComputeOverview(
	summary *schema.WorkflowSummary,
	base *schema.WorkflowRollupOverview,
	realTasks map[string]*schema.Task,
) (*schema.WorkflowRuntimeOverview, error) {
	if summary == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "workflow summary is nil")
	}

	states := make(map[string]schema.StepRuntimeState, len(realTasks))
	rollup := schema.NewRollupOverview()
	refKey := fmt.Sprintf("%s:%d", summary.WorkflowID, summary.InstanceID)

	for _, ref := range sortedKeys(realTasks) {
		rs, err := a.conv.StepSummary(realTasks[ref])
		if err != nil {
			return nil, err
		}
		states[ref] = rs.RuntimeState

		if a.conv.IsContainer(rs.Type) && rs.Rollup != nil {
			rollup.Merge(rs.Rollup)
			continue
		}
		status := rs.RuntimeState.Status
		if status == schema.StepStatusSucceeded || status == schema.StepStatusSkipped {
			rollup.AddLeaf(status, "", "")
		} else {
			rollup.AddLeaf(status, refKey, fmt.Sprintf("%d:%s", summary.RunID, ref))
		}
	}
	rollup.Merge(base)

	steps := make(map[string]bool, len(summary.RuntimeDAG)+len(states))
	for id := range summary.RuntimeDAG {
		steps[id] = true
	}
	for id := range states {
		steps[id] = true
	}

	return &schema.WorkflowRuntimeOverview{
		TotalStepCount: int64(len(steps)),
		StepOverview:   ToStepStatusMap(summary, states),
		RollupOverview: rollup,
	}, nil
}

// ToStepStatusMap groups step runtime states by status, recording each step's ordinal and timing.
func ToStepStatusMap(
	summary *schema.WorkflowSummary,
	states map[string]schema.StepRuntimeState,
) map[schema.StepStatus]*schema.StepStatusSummary {
	out := make(map[schema.StepStatus]*schema.StepStatusSummary)
	for _, ref := range sortedKeys(states) {
		state := states[ref]
		s, ok := out[state.Status]
		if !ok {
			s = &schema.StepStatusSummary{}
			out[state.Status] = s
		}
		s.AddStep(schema.StepTiming{
			Ordinal:   summary.StepOrdinal(ref),
			StartTime: state.StartTime,
			EndTime:   state.EndTime,
		})
	}
	return out
}
