package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/lifecycle/pkg/schema"
)

type runRef struct {
	workflowID string
	instanceID int64
	runID      int64
}

type taskRef struct {
	run runRef
	ref string
	seq int
}

// MemoryStore is an in-process Store used by the CLI's local mode and by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[runRef]*schema.WorkflowInstance
	actions   map[runRef]*InstanceAction
	tasks     map[taskRef]*schema.Task
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[runRef]*schema.WorkflowInstance),
		actions:   make(map[runRef]*InstanceAction),
		tasks:     make(map[taskRef]*schema.Task),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateInstance(_ context.Context, inst *schema.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runRef{inst.WorkflowID, inst.InstanceID, inst.RunID}
	if _, exists := m.instances[key]; exists {
		return schema.NewErrorf(schema.ErrCodeStore, "instance run %s already exists", inst.Identity())
	}
	if inst.WorkflowUUID == "" {
		inst.WorkflowUUID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = schema.InstanceStatusCreated
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.ModifiedAt = timeOrNow(inst.ModifiedAt)
	cp := *inst
	m.instances[key] = &cp
	return nil
}

func (m *MemoryStore) NewRun(_ context.Context, workflowID string, instanceID int64) (*schema.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last int64
	for k := range m.instances {
		if k.workflowID == workflowID && k.instanceID == instanceID && k.runID > last {
			last = k.runID
		}
	}
	now := time.Now().UTC()
	inst := &schema.WorkflowInstance{
		WorkflowID:   workflowID,
		InstanceID:   instanceID,
		RunID:        last + 1,
		WorkflowUUID: uuid.NewString(),
		ExecutionID:  uuid.NewString(),
		Status:       schema.InstanceStatusCreated,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	cp := *inst
	m.instances[runRef{workflowID, instanceID, inst.RunID}] = &cp
	return inst, nil
}

func (m *MemoryStore) GetInstanceRun(_ context.Context, workflowID string, instanceID, runID int64) (*schema.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[runRef{workflowID, instanceID, runID}]
	if !ok {
		return nil, storeNotFound("instance run", runKey(workflowID, instanceID, runID))
	}
	cp := *inst
	return &cp, nil
}

func (m *MemoryStore) GetInstanceStatus(ctx context.Context, workflowID string, instanceID, runID int64) (schema.InstanceStatus, error) {
	inst, err := m.GetInstanceRun(ctx, workflowID, instanceID, runID)
	if err != nil {
		return "", err
	}
	return inst.Status, nil
}

func (m *MemoryStore) ListInstanceRuns(_ context.Context, workflowID string, instanceID int64) ([]*schema.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowInstance
	for k, inst := range m.instances {
		if k.workflowID == workflowID && k.instanceID == instanceID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (m *MemoryStore) UpdateInstanceStatus(_ context.Context, workflowID string, instanceID, runID int64, status schema.InstanceStatus) error {
	return m.transition(workflowID, instanceID, runID, status, "")
}

func (m *MemoryStore) StartRun(_ context.Context, workflowID string, instanceID, runID int64, executionID string) error {
	if executionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required to start a run")
	}
	return m.transition(workflowID, instanceID, runID, schema.InstanceStatusInProgress, executionID)
}

func (m *MemoryStore) transition(workflowID string, instanceID, runID int64, to schema.InstanceStatus, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := runKey(workflowID, instanceID, runID)
	inst, ok := m.instances[runRef{workflowID, instanceID, runID}]
	if !ok {
		return storeNotFound("instance run", id)
	}
	if !schema.CanTransition(inst.Status, to) {
		return invalidTransition(id, inst.Status, to)
	}
	inst.Status = to
	inst.ModifiedAt = time.Now().UTC()
	if executionID != "" {
		inst.ExecutionID = executionID
	}
	return nil
}

// Terminate records the action and terminates runs that never started.
// A recorded STOP is replaced by a later KILL; any other repeated request is ignored.
func (m *MemoryStore) Terminate(_ context.Context, inst *schema.WorkflowInstance, user schema.User, action schema.Action, reason string) error {
	if !action.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown termination action %q", action)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runRef{inst.WorkflowID, inst.InstanceID, inst.RunID}
	if recorded, exists := m.actions[key]; exists && !escalates(recorded.Action, action) {
		return nil
	}
	now := time.Now().UTC()
	m.actions[key] = &InstanceAction{
		WorkflowID: inst.WorkflowID,
		InstanceID: inst.InstanceID,
		RunID:      inst.RunID,
		Action:     action,
		User:       user.Name,
		Reason:     reason,
		CreatedAt:  now,
	}
	if stored, ok := m.instances[key]; ok && stored.Status == schema.InstanceStatusCreated {
		stored.Status = terminatedStatus(action)
		stored.ModifiedAt = now
	}
	return nil
}

func (m *MemoryStore) ListActions(_ context.Context, workflowID string, instanceID, runID int64) ([]*InstanceAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[runRef{workflowID, instanceID, runID}]
	if !ok {
		return nil, nil
	}
	cp := *a
	return []*InstanceAction{&cp}, nil
}

func (m *MemoryStore) UpsertTask(_ context.Context, workflowID string, instanceID, runID int64, task *schema.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[taskRef{runRef{workflowID, instanceID, runID}, task.ReferenceName, task.Seq}] = &cp
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, workflowID string, instanceID, runID int64) ([]*schema.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run := runRef{workflowID, instanceID, runID}
	var out []*schema.Task
	for k, t := range m.tasks {
		if k.run == run {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ReferenceName < out[j].ReferenceName
	})
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
