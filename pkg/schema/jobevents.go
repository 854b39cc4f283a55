package schema

import (
	"encoding/json"
	"time"
)

// Job type constants carried by JobEnvelope.Type.
const (
	JobTypeTerminateThenRun = "terminate_then_run_instance"
	JobTypeRunInstances     = "run_workflow_instances"
)

// JobEnvelope wraps a job event payload for transport through the job pipeline.
type JobEnvelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// TerminateThenRunJobEvent asks the coordinator to terminate a set of runs and, once they
// are terminal, start the run-after run. Values are only produced by TerminateThenRunBuilder
// or by decoding, and are never modified afterwards.
type TerminateThenRunJobEvent struct {
	workflowID string
	action     Action
	user       User
	reason     string
	oneRuns    []InstanceRunUUID
	runAfter   *InstanceRunUUID
}

func (e *TerminateThenRunJobEvent) WorkflowID() string { return e.workflowID }
func (e *TerminateThenRunJobEvent) Action() Action     { return e.action }
func (e *TerminateThenRunJobEvent) User() User         { return e.user }
func (e *TerminateThenRunJobEvent) Reason() string     { return e.reason }

// OneRuns returns a copy of the runs terminated unconditionally, in insertion order.
func (e *TerminateThenRunJobEvent) OneRuns() []InstanceRunUUID {
	out := make([]InstanceRunUUID, len(e.oneRuns))
	copy(out, e.oneRuns)
	return out
}

// RunAfter returns the gating run, if one is configured.
func (e *TerminateThenRunJobEvent) RunAfter() (InstanceRunUUID, bool) {
	if e.runAfter == nil {
		return InstanceRunUUID{}, false
	}
	return *e.runAfter, true
}

type terminateThenRunWire struct {
	WorkflowID string            `json:"workflow_id"`
	Action     Action            `json:"action"`
	User       User              `json:"user"`
	Reason     string            `json:"reason"`
	OneRuns    []InstanceRunUUID `json:"one_runs,omitempty"`
	RunAfter   *InstanceRunUUID  `json:"run_after,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *TerminateThenRunJobEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(terminateThenRunWire{
		WorkflowID: e.workflowID,
		Action:     e.action,
		User:       e.user,
		Reason:     e.reason,
		OneRuns:    e.oneRuns,
		RunAfter:   e.runAfter,
	})
}

// UnmarshalJSON decodes the event and validates it the same way Build does.
func (e *TerminateThenRunJobEvent) UnmarshalJSON(data []byte) error {
	var w terminateThenRunWire
	if err := json.Unmarshal(data, &w); err != nil {
		return NewError(ErrCodeValidation, "invalid terminate-then-run payload").WithCause(err)
	}
	b := NewTerminateThenRunBuilder(w.WorkflowID, w.Action, w.User, w.Reason)
	for _, r := range w.OneRuns {
		b.AddOneRun(r)
	}
	if w.RunAfter != nil {
		b.AddRunAfter(w.RunAfter.InstanceID, w.RunAfter.RunID, w.RunAfter.UUID)
	}
	built, err := b.Build()
	if err != nil {
		return err
	}
	*e = *built
	return nil
}

// TerminateThenRunBuilder accumulates runs before producing an immutable event.
type TerminateThenRunBuilder struct {
	event TerminateThenRunJobEvent
	built bool
}

// NewTerminateThenRunBuilder starts a terminate-then-run event for one workflow.
func NewTerminateThenRunBuilder(workflowID string, action Action, user User, reason string) *TerminateThenRunBuilder {
	return &TerminateThenRunBuilder{event: TerminateThenRunJobEvent{
		workflowID: workflowID,
		action:     action,
		user:       user,
		reason:     reason,
	}}
}

// AddOneRun adds a run to terminate unconditionally. Duplicates are ignored.
func (b *TerminateThenRunBuilder) AddOneRun(run InstanceRunUUID) *TerminateThenRunBuilder {
	for _, r := range b.event.oneRuns {
		if r == run {
			return b
		}
	}
	b.event.oneRuns = append(b.event.oneRuns, run)
	return b
}

// AddRunAfter sets the run whose termination gates the follow-up run-start event.
func (b *TerminateThenRunBuilder) AddRunAfter(instanceID, runID int64, uuid string) *TerminateThenRunBuilder {
	b.event.runAfter = &InstanceRunUUID{InstanceID: instanceID, RunID: runID, UUID: uuid}
	return b
}

// Build validates the accumulated fields and returns the event. A builder can only build once.
func (b *TerminateThenRunBuilder) Build() (*TerminateThenRunJobEvent, error) {
	if b.built {
		return nil, NewError(ErrCodeValidation, "terminate-then-run event already built")
	}
	e := b.event
	switch {
	case e.workflowID == "":
		return nil, NewError(ErrCodeValidation, "workflow_id is required")
	case !e.action.Valid():
		return nil, NewErrorf(ErrCodeValidation, "unknown termination action %q", e.action)
	case len(e.oneRuns) == 0 && e.runAfter == nil:
		return nil, NewError(ErrCodeValidation, "terminate-then-run event has no runs")
	}
	for _, r := range e.oneRuns {
		if r.UUID == "" {
			return nil, NewErrorf(ErrCodeValidation, "%s is missing a uuid", r)
		}
	}
	if e.runAfter != nil {
		if e.runAfter.UUID == "" {
			return nil, NewErrorf(ErrCodeValidation, "run-after %s is missing a uuid", *e.runAfter)
		}
		for _, r := range e.oneRuns {
			if r == *e.runAfter {
				return nil, NewErrorf(ErrCodeValidation, "%s is both a one-time run and the run-after run", r)
			}
		}
	}
	b.built = true
	out := e
	out.oneRuns = append([]InstanceRunUUID(nil), e.oneRuns...)
	if e.runAfter != nil {
		ra := *e.runAfter
		out.runAfter = &ra
	}
	return &out, nil
}

// RunInstancesJobEvent starts the given runs of a workflow.
type RunInstancesJobEvent struct {
	WorkflowID string            `json:"workflow_id"`
	Runs       []InstanceRunUUID `json:"runs"`
	User       User              `json:"user"`
	Reason     string            `json:"reason,omitempty"`
}

// Validate checks the event carries something to run.
func (e *RunInstancesJobEvent) Validate() error {
	if e.WorkflowID == "" {
		return NewError(ErrCodeValidation, "workflow_id is required")
	}
	if len(e.Runs) == 0 {
		return NewError(ErrCodeValidation, "run-instances event has no runs")
	}
	return nil
}
