package progress

import (
	"encoding/json"

	"github.com/rendis/lifecycle/pkg/schema"
)

const (
	// DefaultStepTaskType tags engine tasks that run a user-defined step.
	DefaultStepTaskType = "LIFECYCLE_STEP"
	// DefaultSummaryField is the output key holding a step's runtime summary.
	DefaultSummaryField = "step_runtime_summary"
)

// TaskConventions names the engine-side tags the aggregator and evaluator depend on.
type TaskConventions struct {
	StepTaskType   string
	SummaryField   string
	ContainerTypes []string
}

// DefaultConventions returns the conventions used by the bundled step runtime.
func DefaultConventions() TaskConventions {
	return TaskConventions{
		StepTaskType:   DefaultStepTaskType,
		SummaryField:   DefaultSummaryField,
		ContainerTypes: []string{"FOREACH", "SUBWORKFLOW", "WHILE"},
	}
}

// IsUserDefinedTask reports whether the task runs a workflow step.
func (c TaskConventions) IsUserDefinedTask(t *schema.Task) bool {
	return t != nil && t.Type == c.StepTaskType
}

// IsRealTask reports whether the task represents a step that was actually created.
// Placeholder tasks have a negative seq or carry a summary without a created status.
func (c TaskConventions) IsRealTask(t *schema.Task) bool {
	if t == nil || t.Seq < 0 {
		return false
	}
	if _, ok := t.OutputData[c.SummaryField]; !ok {
		return true
	}
	summary, ok, err := c.RuntimeSummary(t)
	if err != nil || !ok {
		return false
	}
	status := summary.RuntimeState.Status
	return status.Valid() && status != schema.StepStatusNotCreated
}

// IsUserDefinedRealTask combines IsUserDefinedTask and IsRealTask.
func (c TaskConventions) IsUserDefinedRealTask(t *schema.Task) bool {
	return c.IsUserDefinedTask(t) && c.IsRealTask(t)
}

// IsContainer reports whether a step type carries its own leaf rollup.
func (c TaskConventions) IsContainer(stepType string) bool {
	for _, ct := range c.ContainerTypes {
		if ct == stepType {
			return true
		}
	}
	return false
}

// RuntimeSummary decodes the step runtime summary from the task output.
// ok is false when the task carries no summary.
func (c TaskConventions) RuntimeSummary(t *schema.Task) (*schema.StepRuntimeSummary, bool, error) {
	raw, present := t.OutputData[c.SummaryField]
	if !present || raw == nil {
		return nil, false, nil
	}
	switch v := raw.(type) {
	case *schema.StepRuntimeSummary:
		return v, true, nil
	case schema.StepRuntimeSummary:
		return &v, true, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeInternal,
			"cannot encode runtime summary of task %s", t.ReferenceName).WithCause(err)
	}
	var summary schema.StepRuntimeSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeInternal,
			"invalid runtime summary in task %s", t.ReferenceName).WithCause(err)
	}
	return &summary, true, nil
}

// StepSummary returns the task's runtime summary. A real task that has not written one yet
// is reported as CREATED, so every reader of a run sees the same step status.
func (c TaskConventions) StepSummary(t *schema.Task) (*schema.StepRuntimeSummary, error) {
	rs, ok, err := c.RuntimeSummary(t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &schema.StepRuntimeSummary{
			StepID:       t.ReferenceName,
			RuntimeState: schema.StepRuntimeState{Status: schema.StepStatusCreated},
		}, nil
	}
	return rs, nil
}
