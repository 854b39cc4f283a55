package termination

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/pkg/schema"
)

var (
	run1 = schema.InstanceRunUUID{InstanceID: 1, RunID: 1, UUID: "uuid1"}
	run2 = schema.InstanceRunUUID{InstanceID: 2, RunID: 1, UUID: "uuid2"}
	run3 = schema.InstanceRunUUID{InstanceID: 3, RunID: 1, UUID: "uuid3"}
)

type fixture struct {
	store       *fakeStore
	actions     *fakeActions
	publisher   *fakePublisher
	coordinator *Coordinator
}

func newFixture() *fixture {
	f := &fixture{store: newFakeStore(), actions: &fakeActions{}, publisher: &fakePublisher{}}
	controller := NewController(f.store, f.actions, nil)
	f.coordinator = NewCoordinator(controller, f.store, f.publisher, nil)
	return f
}

// stopWithRunAfter stops instances 1 and 2 before running instance 3.
func stopWithRunAfter(t *testing.T) *schema.TerminateThenRunJobEvent {
	t.Helper()
	event, err := schema.NewTerminateThenRunBuilder(testWorkflowID, schema.ActionStop, tester, "test-reason").
		AddOneRun(run1).
		AddOneRun(run2).
		AddRunAfter(3, 1, "uuid3").
		Build()
	require.NoError(t, err)
	return event
}

// killAll kills instances 1, 2 and 3 without a run-after run.
func killAll(t *testing.T) *schema.TerminateThenRunJobEvent {
	t.Helper()
	event, err := schema.NewTerminateThenRunBuilder(testWorkflowID, schema.ActionKill, tester, "test-reason").
		AddOneRun(run1).
		AddOneRun(run2).
		AddOneRun(run3).
		Build()
	require.NoError(t, err)
	return event
}

func TestProcessRunAfterNotDone(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusCreated, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusCreated, "uuid2", "exe2")
	f.store.setStatus(1, schema.InstanceStatusCreated)
	f.store.setStatus(2, schema.InstanceStatusStopped)

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeRetryable, out.Kind)
	assert.Equal(t,
		"[InstanceRunUUID(instance_id=1, run_id=1, uuid=uuid1)] is still terminating and will check it again",
		out.Reason)
	assert.Equal(t, []schema.InstanceRunUUID{run1}, out.Pending)
	assert.Equal(t, []int64{1, 2}, f.actions.terminated())
	assert.Equal(t, terminateCall{InstanceID: 1, User: tester, Action: schema.ActionStop, Reason: "test-reason"}, f.actions.calls[0])
	assert.Zero(t, f.publisher.count())

	err := out.Err()
	assert.True(t, schema.IsRetryable(err))
}

func TestProcessRunAfterDone(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusCreated, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusCreated, "uuid2", "exe2")
	f.store.setStatus(1, schema.InstanceStatusFailed)
	f.store.setStatus(2, schema.InstanceStatusStopped)

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.True(t, out.Published)
	assert.NoError(t, out.Err())
	assert.Equal(t, []int64{1, 2}, f.actions.terminated())
	require.Equal(t, 1, f.publisher.count())

	follow := f.publisher.events[0]
	assert.Equal(t, testWorkflowID, follow.WorkflowID)
	assert.Equal(t, []schema.InstanceRunUUID{run3}, follow.Runs)
	assert.Equal(t, tester, follow.User)
	assert.Equal(t, "test-reason", follow.Reason)
}

func TestProcessWithoutRunAfterNotDone(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusCreated, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusCreated, "uuid2", "exe2")
	f.store.put(3, schema.InstanceStatusCreated, "uuid3", "exe3")
	f.store.setStatus(1, schema.InstanceStatusCreated)
	f.store.setStatus(2, schema.InstanceStatusStopped)
	f.store.setStatus(3, schema.InstanceStatusFailed)

	out := f.coordinator.Process(context.Background(), killAll(t))

	require.Equal(t, OutcomeRetryable, out.Kind)
	assert.Equal(t, []schema.InstanceRunUUID{run1}, out.Pending)
	assert.Contains(t, out.Reason, "[InstanceRunUUID(instance_id=1, run_id=1, uuid=uuid1)]")
	assert.Equal(t, []int64{1, 2, 3}, f.actions.terminated())
	for _, c := range f.actions.calls {
		assert.Equal(t, schema.ActionKill, c.Action)
	}
	assert.Zero(t, f.publisher.count())
}

func TestProcessPendingListsEveryRun(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusInProgress, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusCreated, "uuid2", "exe2")
	f.store.put(3, schema.InstanceStatusPaused, "uuid3", "exe3")
	f.store.setStatus(1, schema.InstanceStatusInProgress)
	f.store.setStatus(2, schema.InstanceStatusStopped)
	f.store.setStatus(3, schema.InstanceStatusPaused)

	out := f.coordinator.Process(context.Background(), killAll(t))

	require.Equal(t, OutcomeRetryable, out.Kind)
	assert.Equal(t, []schema.InstanceRunUUID{run1, run3}, out.Pending)

	var le *schema.LifecycleError
	require.ErrorAs(t, out.Err(), &le)
	assert.Equal(t, []string{run1.String(), run3.String()}, le.Details["pending"])
}

func TestProcessWithoutRunAfterDone(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusSucceeded, "uuid1", "")
	f.store.put(2, schema.InstanceStatusCreated, "uuid2", "exe2")
	f.store.put(3, schema.InstanceStatusCreated, "uuid3", "exe3")
	f.store.setStatus(2, schema.InstanceStatusStopped)
	f.store.setStatus(3, schema.InstanceStatusFailed)

	out := f.coordinator.Process(context.Background(), killAll(t))

	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.False(t, out.Published)
	assert.Equal(t, []int64{2, 3}, f.actions.terminated())
	assert.Zero(t, f.publisher.count())
}

func TestProcessAllAlreadyTerminal(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusSucceeded, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusFailed, "uuid2", "exe2")
	f.store.setStatus(2, schema.InstanceStatusStopped)
	f.store.setStatus(3, schema.InstanceStatusFailed)

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))
	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.Empty(t, f.actions.terminated())
	assert.Equal(t, 1, f.publisher.count())

	f.publisher.events = nil
	f.store.put(3, schema.InstanceStatusStopped, "uuid3", "exe3")
	out = f.coordinator.Process(context.Background(), killAll(t))
	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.Empty(t, f.actions.terminated())
	assert.Zero(t, f.publisher.count())
}

func TestProcessUUIDMismatch(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusCreated, "uuid2", "exe1")

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeInternal, out.Kind)
	assert.Contains(t, out.Reason, "in job event does not match DB row uuid [uuid2]")
	assert.Empty(t, f.actions.terminated())
	assert.Zero(t, f.publisher.count())

	err := out.Err()
	assert.Equal(t, schema.ErrCodeInternal, schema.ErrorCode(err))
	assert.False(t, schema.IsRetryable(err))
}

func TestProcessRunAfterUUIDMismatch(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusStopped, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusStopped, "uuid2", "exe2")
	f.store.put(3, schema.InstanceStatusStopped, "uuid-restarted", "exe3")
	f.store.setStatus(3, schema.InstanceStatusStopped)

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeInternal, out.Kind)
	assert.Contains(t, out.Reason, "uuid [uuid3] in job event does not match DB row uuid [uuid-restarted]")
	assert.Empty(t, f.actions.terminated())
	assert.Zero(t, f.publisher.count(), "a run-after run that was replaced is never started")
	assert.False(t, schema.IsRetryable(out.Err()))
}

func TestProcessRunNotFound(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusCreated, "uuid1", "exe1")
	f.store.getErrs[2] = schema.NewError(schema.ErrCodeNotFound, "test")
	f.store.setStatus(1, schema.InstanceStatusStopped)

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.Equal(t, []int64{1}, f.actions.terminated())
	assert.Equal(t, 1, f.publisher.count())
}

func TestProcessRunAfterAbsent(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusStopped, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusStopped, "uuid2", "exe2")

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.Empty(t, f.actions.terminated())
	assert.Equal(t, 1, f.publisher.count())
}

func TestProcessRunAfterStillRunning(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusStopped, "uuid1", "exe1")
	f.store.put(2, schema.InstanceStatusStopped, "uuid2", "exe2")
	f.store.put(3, schema.InstanceStatusInProgress, "uuid3", "exe3")
	f.store.setStatus(3, schema.InstanceStatusInProgress)

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeRetryable, out.Kind)
	assert.Equal(t, []schema.InstanceRunUUID{run3}, out.Pending)
	assert.Equal(t, []int64{3}, f.actions.terminated())
	assert.Zero(t, f.publisher.count())

	f.store.setStatus(3, schema.InstanceStatusStopped)
	out = f.coordinator.Process(context.Background(), stopWithRunAfter(t))
	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.Equal(t, 1, f.publisher.count())
}

func TestProcessNullExecutionID(t *testing.T) {
	f := newFixture()
	f.store.put(1, schema.InstanceStatusCreated, "uuid1", "")

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeInternal, out.Kind)
	assert.Contains(t, out.Reason, "execution id")
	assert.Empty(t, f.actions.terminated())
}

func TestProcessNullStatus(t *testing.T) {
	f := newFixture()
	f.store.put(1, "", "uuid1", "exe1")

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeInternal, out.Kind)
	assert.Contains(t, out.Reason, "status of workflow instance")
}

func TestProcessUnexpectedError(t *testing.T) {
	f := newFixture()
	boom := errors.New("test")
	f.store.getErrs[1] = boom

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeRetryable, out.Kind)
	assert.Equal(t, RetryReason, out.Reason)
	assert.Empty(t, out.Pending)

	err := out.Err()
	assert.True(t, schema.IsRetryable(err))
	assert.ErrorIs(t, err, boom)
}

func TestProcessPublishFailure(t *testing.T) {
	f := newFixture()
	f.publisher.err = schema.NewError(schema.ErrCodePublish, "queue unavailable")

	out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

	require.Equal(t, OutcomeRetryable, out.Kind)
	assert.Equal(t, schema.ErrCodePublish, schema.ErrorCode(out.Cause))
}

func TestProcessNilEvent(t *testing.T) {
	out := newFixture().coordinator.Process(context.Background(), nil)
	assert.Equal(t, OutcomeInternal, out.Kind)
}

// The publish gate never opens while a targeted run is non-terminal.
func TestProcessGatingOrder(t *testing.T) {
	statuses := []schema.InstanceStatus{
		schema.InstanceStatusCreated, schema.InstanceStatusInProgress, schema.InstanceStatusStopped,
	}
	for _, s1 := range statuses {
		for _, s2 := range statuses {
			for _, s3 := range statuses {
				f := newFixture()
				f.store.put(1, schema.InstanceStatusInProgress, "uuid1", "exe1")
				f.store.put(2, schema.InstanceStatusInProgress, "uuid2", "exe2")
				f.store.put(3, s3, "uuid3", "exe3")
				f.store.setStatus(1, s1)
				f.store.setStatus(2, s2)
				f.store.setStatus(3, s3)

				out := f.coordinator.Process(context.Background(), stopWithRunAfter(t))

				allTerminal := s1.IsTerminal() && s2.IsTerminal() && s3.IsTerminal()
				assert.Equal(t, allTerminal, f.publisher.count() == 1, "%s/%s/%s", s1, s2, s3)
				assert.Equal(t, allTerminal, out.IsSuccess(), "%s/%s/%s", s1, s2, s3)
				if !s1.IsTerminal() || !s2.IsTerminal() {
					assert.NotContains(t, f.actions.terminated(), int64(3), "run-after is left alone while one-time runs terminate")
				}
			}
		}
	}
}

func TestProcessWithMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for id, status := range map[int64]schema.InstanceStatus{
		1: schema.InstanceStatusCreated,
		2: schema.InstanceStatusInProgress,
		3: schema.InstanceStatusSucceeded,
	} {
		require.NoError(t, s.CreateInstance(ctx, &schema.WorkflowInstance{
			WorkflowID: testWorkflowID, InstanceID: id, RunID: 1,
			WorkflowUUID: fmt.Sprintf("uuid%d", id), ExecutionID: "exe", Status: status,
		}))
	}
	publisher := &fakePublisher{}
	coordinator := NewCoordinator(NewController(s, s, nil), s, publisher, nil)
	event := stopWithRunAfter(t)

	out := coordinator.Process(ctx, event)
	require.Equal(t, OutcomeRetryable, out.Kind)
	assert.Equal(t, []schema.InstanceRunUUID{run2}, out.Pending, "created runs stop on the spot")

	status, err := s.GetInstanceStatus(ctx, testWorkflowID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusStopped, status)

	// The execution reacts to the recorded action.
	require.NoError(t, s.UpdateInstanceStatus(ctx, testWorkflowID, 2, 1, schema.InstanceStatusStopped))

	out = coordinator.Process(ctx, event)
	require.Equal(t, OutcomeSucceeded, out.Kind, out.Reason)
	assert.Equal(t, 1, publisher.count())

	actions, err := s.ListActions(ctx, testWorkflowID, 2, 1)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}
