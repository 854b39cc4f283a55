package progress

import (
	"testing"

	"github.com/rendis/lifecycle/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRuntimeDAG(t *testing.T) {
	dag, err := ParseRuntimeDAG(loadSummary(t, "sample-wf-summary.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"job1"}, dag.Roots)
	assert.Equal(t, []string{"job1", "job.2", "job3", "job4"}, dag.Sorted)
	assert.Equal(t, []string{"job.2", "job3"}, dag.Predecessors["job4"])
	assert.Equal(t, "true", dag.Condition("job1", "job3"))
	assert.Equal(t, "", dag.Condition("job1", "job.2"))
	assert.True(t, dag.Contains("job4"))
	assert.False(t, dag.Contains("job5"))
}

func TestParseRuntimeDAG_MergesOneSidedEdges(t *testing.T) {
	summary := &schema.WorkflowSummary{RuntimeDAG: map[string]schema.StepTransition{
		"a": {},
		"b": {Predecessors: []string{"a"}},
		"c": {},
		"d": {},
	}}
	summary.RuntimeDAG["c"] = schema.StepTransition{Successors: map[string]string{"d": "status == 'SUCCEEDED'"}}

	dag, err := ParseRuntimeDAG(summary)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, dag.Roots)
	assert.Equal(t, []string{"a"}, dag.Predecessors["b"])
	assert.Equal(t, []string{"c"}, dag.Predecessors["d"])
	assert.Equal(t, "status == 'SUCCEEDED'", dag.Condition("c", "d"))
}

func TestParseRuntimeDAG_Cycle(t *testing.T) {
	summary := &schema.WorkflowSummary{RuntimeDAG: map[string]schema.StepTransition{
		"a": {Predecessors: []string{"c"}},
		"b": {Predecessors: []string{"a"}},
		"c": {Predecessors: []string{"b"}},
	}}
	_, err := ParseRuntimeDAG(summary)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
	assert.True(t, schema.IsInternal(err))
}

func TestParseRuntimeDAG_Invalid(t *testing.T) {
	_, err := ParseRuntimeDAG(nil)
	assert.True(t, schema.IsInternal(err))

	_, err = ParseRuntimeDAG(&schema.WorkflowSummary{RuntimeDAG: map[string]schema.StepTransition{
		"a": {Predecessors: []string{"ghost"}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step ghost")

	_, err = ParseRuntimeDAG(&schema.WorkflowSummary{RuntimeDAG: map[string]schema.StepTransition{
		"a": {Successors: map[string]string{"a": ""}},
	}})
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
}

func TestParseRuntimeDAG_Empty(t *testing.T) {
	dag, err := ParseRuntimeDAG(&schema.WorkflowSummary{})
	require.NoError(t, err)
	assert.Empty(t, dag.Sorted)
}
