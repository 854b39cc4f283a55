package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lifecycle/pkg/schema"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// stores runs each test against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func seedInstance(t *testing.T, s Store, instanceID, runID int64, status schema.InstanceStatus) *schema.WorkflowInstance {
	t.Helper()
	inst := &schema.WorkflowInstance{
		WorkflowID: "sample-wf",
		InstanceID: instanceID,
		RunID:      runID,
		Status:     status,
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func TestCreateAndGetInstance(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		inst := &schema.WorkflowInstance{
			WorkflowID:   "sample-wf",
			InstanceID:   1,
			RunID:        1,
			WorkflowUUID: "uuid1",
			ExecutionID:  "exe1",
			Status:       schema.InstanceStatusInProgress,
		}
		require.NoError(t, s.CreateInstance(ctx, inst))

		got, err := s.GetInstanceRun(ctx, "sample-wf", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, "uuid1", got.WorkflowUUID)
		assert.Equal(t, "exe1", got.ExecutionID)
		assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
		assert.False(t, got.CreatedAt.IsZero())

		status, err := s.GetInstanceStatus(ctx, "sample-wf", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStatusInProgress, status)

		assert.Error(t, s.CreateInstance(ctx, inst), "duplicate run")
	})
}

func TestCreateInstanceDefaults(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		inst := seedInstance(t, s, 1, 1, "")
		assert.NotEmpty(t, inst.WorkflowUUID)
		assert.Equal(t, schema.InstanceStatusCreated, inst.Status)

		got, err := s.GetInstanceRun(context.Background(), "sample-wf", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, "", got.ExecutionID)
	})
}

func TestGetInstanceNotFound(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetInstanceRun(ctx, "sample-wf", 9, 1)
		assert.True(t, schema.IsNotFound(err))

		_, err = s.GetInstanceStatus(ctx, "sample-wf", 9, 1)
		assert.True(t, schema.IsNotFound(err))
	})
}

func TestNewRun(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedInstance(t, s, 1, 1, schema.InstanceStatusSucceeded)

		run, err := s.NewRun(ctx, "sample-wf", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), run.RunID)
		assert.Equal(t, schema.InstanceStatusCreated, run.Status)
		assert.NotEmpty(t, run.WorkflowUUID)
		assert.NotEmpty(t, run.ExecutionID)

		first, err := s.NewRun(ctx, "sample-wf", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.RunID)

		runs, err := s.ListInstanceRuns(ctx, "sample-wf", 1)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, int64(1), runs[0].RunID)
		assert.Equal(t, int64(2), runs[1].RunID)
	})
}

func TestUpdateInstanceStatus(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedInstance(t, s, 1, 1, schema.InstanceStatusCreated)

		require.NoError(t, s.StartRun(ctx, "sample-wf", 1, 1, "exe1"))
		got, err := s.GetInstanceRun(ctx, "sample-wf", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
		assert.Equal(t, "exe1", got.ExecutionID)

		require.NoError(t, s.UpdateInstanceStatus(ctx, "sample-wf", 1, 1, schema.InstanceStatusSucceeded))

		err = s.UpdateInstanceStatus(ctx, "sample-wf", 1, 1, schema.InstanceStatusInProgress)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

		err = s.UpdateInstanceStatus(ctx, "sample-wf", 7, 1, schema.InstanceStatusStopped)
		assert.True(t, schema.IsNotFound(err))

		err = s.StartRun(ctx, "sample-wf", 1, 1, "")
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})
}

func TestTerminate(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := seedInstance(t, s, 1, 1, schema.InstanceStatusCreated)
		running := seedInstance(t, s, 2, 1, schema.InstanceStatusInProgress)
		user := schema.User{Name: "tester"}

		require.NoError(t, s.Terminate(ctx, created, user, schema.ActionKill, "test-reason"))
		require.NoError(t, s.Terminate(ctx, created, user, schema.ActionStop, "again"))
		require.NoError(t, s.Terminate(ctx, running, user, schema.ActionStop, "test-reason"))

		status, err := s.GetInstanceStatus(ctx, "sample-wf", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStatusFailed, status, "a never-started run is killed on the spot")

		status, err = s.GetInstanceStatus(ctx, "sample-wf", 2, 1)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStatusInProgress, status, "running executions stop asynchronously")

		actions, err := s.ListActions(ctx, "sample-wf", 1, 1)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, schema.ActionKill, actions[0].Action)
		assert.Equal(t, "tester", actions[0].User)
		assert.Equal(t, "test-reason", actions[0].Reason)

		err = s.Terminate(ctx, running, user, "PAUSE", "")
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})
}

func TestTerminateStopEscalatesToKill(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		running := seedInstance(t, s, 1, 1, schema.InstanceStatusInProgress)
		created := seedInstance(t, s, 2, 1, schema.InstanceStatusCreated)
		user := schema.User{Name: "tester"}
		operator := schema.User{Name: "operator"}

		require.NoError(t, s.Terminate(ctx, running, user, schema.ActionStop, "stop it"))
		require.NoError(t, s.Terminate(ctx, running, operator, schema.ActionKill, "stop is stuck"))
		require.NoError(t, s.Terminate(ctx, running, user, schema.ActionStop, "stop again"))

		actions, err := s.ListActions(ctx, "sample-wf", 1, 1)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, schema.ActionKill, actions[0].Action)
		assert.Equal(t, "operator", actions[0].User)
		assert.Equal(t, "stop is stuck", actions[0].Reason)

		require.NoError(t, s.Terminate(ctx, created, user, schema.ActionStop, ""))
		require.NoError(t, s.Terminate(ctx, created, user, schema.ActionKill, ""))

		status, err := s.GetInstanceStatus(ctx, "sample-wf", 2, 1)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStatusStopped, status, "a run stopped before it started keeps its terminal status")

		actions, err = s.ListActions(ctx, "sample-wf", 2, 1)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, schema.ActionKill, actions[0].Action)
	})
}

func TestUpsertAndListTasks(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task := &schema.Task{
			TaskID:        "t-1",
			Type:          "LIFECYCLE_STEP",
			Seq:           2,
			ReferenceName: "job1",
			Status:        schema.TaskStatusInProgress,
			OutputData: map[string]any{
				"step_runtime_summary": map[string]any{"runtime_state": map[string]any{"status": "RUNNING"}},
			},
		}
		require.NoError(t, s.UpsertTask(ctx, "sample-wf", 1, 1, task))
		require.NoError(t, s.UpsertTask(ctx, "sample-wf", 1, 1, &schema.Task{
			Type: "JOIN", Seq: 1, ReferenceName: "join", Status: schema.TaskStatusCompleted,
		}))

		task.Status = schema.TaskStatusCompleted
		require.NoError(t, s.UpsertTask(ctx, "sample-wf", 1, 1, task))

		tasks, err := s.ListTasks(ctx, "sample-wf", 1, 1)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "join", tasks[0].ReferenceName)
		assert.Nil(t, tasks[0].OutputData)
		assert.Equal(t, "job1", tasks[1].ReferenceName)
		assert.Equal(t, "t-1", tasks[1].TaskID)
		assert.Equal(t, schema.TaskStatusCompleted, tasks[1].Status)
		summary := tasks[1].OutputData["step_runtime_summary"].(map[string]any)
		assert.Equal(t, "RUNNING", summary["runtime_state"].(map[string]any)["status"])

		other, err := s.ListTasks(ctx, "sample-wf", 1, 2)
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
	assert.Equal(t, "libsql", s.Dialect())
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE TABLE b (y INT);")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE TABLE b (y INT)"}, stmts)
}
