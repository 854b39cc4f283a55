package progress

import (
	"os"
	"testing"

	"github.com/rendis/lifecycle/pkg/schema"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// --- helpers ---

func loadSummary(t *testing.T, name string) *schema.WorkflowSummary {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	var s schema.WorkflowSummary
	require.NoError(t, yaml.Unmarshal(data, &s))
	return &s
}

func stepTask(ref string, seq int, taskStatus schema.TaskStatus, stepStatus schema.StepStatus) *schema.Task {
	return &schema.Task{
		Type:          DefaultStepTaskType,
		Seq:           seq,
		ReferenceName: ref,
		Status:        taskStatus,
		OutputData: map[string]any{
			DefaultSummaryField: map[string]any{
				"step_id":       ref,
				"type":          "NOOP",
				"runtime_state": map[string]any{"status": string(stepStatus)},
			},
		},
	}
}

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(DefaultConventions())
	require.NoError(t, err)
	return e
}

func check(t *testing.T, e *Evaluator, summary *schema.WorkflowSummary, tasks map[string]*schema.Task, strict bool) (schema.TerminalStatus, bool, error) {
	t.Helper()
	overview, err := NewAggregator(DefaultConventions()).ComputeOverview(summary, schema.NewRollupOverview(), tasks)
	require.NoError(t, err)
	return e.CheckProgress(tasks, summary, overview, strict)
}
