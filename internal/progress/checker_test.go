package progress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/lifecycle/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTaskSource struct {
	mu    sync.Mutex
	tasks []*schema.Task
	err   error
	calls int
}

func (m *mockTaskSource) ListTasks(_ context.Context, _ string, _, _ int64) ([]*schema.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.tasks, m.err
}

func TestChecker_Check(t *testing.T) {
	source := &mockTaskSource{tasks: []*schema.Task{
		stepTask("job1", 1, schema.TaskStatusCompleted, schema.StepStatusSucceeded),
		stepTask("job.2", 2, schema.TaskStatusCompleted, schema.StepStatusSucceeded),
		stepTask("job3", 3, schema.TaskStatusCompleted, schema.StepStatusSucceeded),
		stepTask("job4", 4, schema.TaskStatusCompleted, schema.StepStatusSucceeded),
		{Type: "JOIN", Seq: 5, ReferenceName: "join", Status: schema.TaskStatusCompleted},
		{Type: DefaultStepTaskType, Seq: -1, ReferenceName: "placeholder"},
	}}
	checker := NewChecker(source, DefaultConventions(), newTestEvaluator(t), nil)

	res, err := checker.Check(context.Background(), loadSummary(t, "sample-wf-summary.yaml"), nil, true)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, schema.TerminalStatusSucceeded, res.Status)
	assert.Equal(t, int64(4), res.Overview.TotalStepCount)
	assert.Equal(t, int64(4), res.Overview.RollupOverview.TotalLeafCount)
	assert.Equal(t, 1, source.calls)
}

func TestChecker_CheckSourceError(t *testing.T) {
	source := &mockTaskSource{err: errors.New("db down")}
	checker := NewChecker(source, DefaultConventions(), newTestEvaluator(t), nil)

	_, err := checker.Check(context.Background(), loadSummary(t, "sample-wf-summary.yaml"), nil, true)
	assert.EqualError(t, err, "db down")

	_, err = checker.Check(context.Background(), nil, nil, true)
	assert.True(t, schema.IsInternal(err))
}

func TestChecker_EvaluateInvalidState(t *testing.T) {
	checker := NewChecker(&mockTaskSource{}, DefaultConventions(), newTestEvaluator(t), nil)
	tasks := []*schema.Task{stepTask("job9", 1, schema.TaskStatusCompleted, schema.StepStatusSucceeded)}

	_, err := checker.Evaluate(context.Background(), loadSummary(t, "sample-wf-summary.yaml"), nil, tasks, false)
	assert.Equal(t, schema.ErrCodeInvalidState, schema.ErrorCode(err))
}
