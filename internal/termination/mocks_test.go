package termination

import (
	"context"
	"sync"

	"github.com/rendis/lifecycle/pkg/schema"
)

const testWorkflowID = "sample-minimal-wf"

var tester = schema.User{Name: "tester"}

// fakeStore serves instance runs of run id 1, keyed by instance id.
type fakeStore struct {
	mu        sync.Mutex
	instances map[int64]*schema.WorkflowInstance
	statuses  map[int64]schema.InstanceStatus
	getErrs   map[int64]error
	getCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		instances: make(map[int64]*schema.WorkflowInstance),
		statuses:  make(map[int64]schema.InstanceStatus),
		getErrs:   make(map[int64]error),
	}
}

func (f *fakeStore) put(instanceID int64, status schema.InstanceStatus, uuid, executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[instanceID] = &schema.WorkflowInstance{
		WorkflowID:   testWorkflowID,
		InstanceID:   instanceID,
		RunID:        1,
		WorkflowUUID: uuid,
		ExecutionID:  executionID,
		Status:       status,
	}
}

// setStatus sets the status returned when the run is re-read.
func (f *fakeStore) setStatus(instanceID int64, status schema.InstanceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[instanceID] = status
}

func (f *fakeStore) GetInstanceRun(_ context.Context, workflowID string, instanceID, runID int64) (*schema.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.getErrs[instanceID]; err != nil {
		return nil, err
	}
	inst, ok := f.instances[instanceID]
	if !ok || inst.WorkflowID != workflowID || inst.RunID != runID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance run %d not found", instanceID)
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeStore) GetInstanceStatus(_ context.Context, _ string, instanceID, _ int64) (schema.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[instanceID]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "instance run %d not found", instanceID)
	}
	return status, nil
}

type terminateCall struct {
	InstanceID int64
	User       schema.User
	Action     schema.Action
	Reason     string
}

type fakeActions struct {
	mu    sync.Mutex
	calls []terminateCall
	err   error
}

func (f *fakeActions) Terminate(_ context.Context, inst *schema.WorkflowInstance, user schema.User, action schema.Action, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, terminateCall{InstanceID: inst.InstanceID, User: user, Action: action, Reason: reason})
	return nil
}

func (f *fakeActions) terminated() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.InstanceID
	}
	return ids
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*schema.RunInstancesJobEvent
	err    error
}

func (f *fakePublisher) PublishRunInstances(_ context.Context, event *schema.RunInstancesJobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}
