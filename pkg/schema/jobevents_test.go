package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminateThenRunBuilder_Build(t *testing.T) {
	b := NewTerminateThenRunBuilder("sample-wf", ActionStop, User{Name: "tester"}, "test-reason")
	b.AddOneRun(InstanceRunUUID{InstanceID: 1, RunID: 1, UUID: "uuid1"}).
		AddOneRun(InstanceRunUUID{InstanceID: 2, RunID: 1, UUID: "uuid2"}).
		AddOneRun(InstanceRunUUID{InstanceID: 1, RunID: 1, UUID: "uuid1"}).
		AddRunAfter(3, 1, "uuid3")

	event, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, "sample-wf", event.WorkflowID())
	assert.Equal(t, ActionStop, event.Action())
	assert.Equal(t, "tester", event.User().Name)
	assert.Equal(t, "test-reason", event.Reason())
	assert.Equal(t, []InstanceRunUUID{
		{InstanceID: 1, RunID: 1, UUID: "uuid1"},
		{InstanceID: 2, RunID: 1, UUID: "uuid2"},
	}, event.OneRuns())
	runAfter, ok := event.RunAfter()
	require.True(t, ok)
	assert.Equal(t, InstanceRunUUID{InstanceID: 3, RunID: 1, UUID: "uuid3"}, runAfter)
}

func TestTerminateThenRunBuilder_BuiltEventIsIsolated(t *testing.T) {
	b := NewTerminateThenRunBuilder("wf", ActionKill, User{Name: "u"}, "r")
	b.AddOneRun(InstanceRunUUID{InstanceID: 1, RunID: 1, UUID: "uuid1"})
	event, err := b.Build()
	require.NoError(t, err)

	runs := event.OneRuns()
	runs[0].UUID = "mutated"
	assert.Equal(t, "uuid1", event.OneRuns()[0].UUID)

	b.AddOneRun(InstanceRunUUID{InstanceID: 2, RunID: 1, UUID: "uuid2"})
	assert.Len(t, event.OneRuns(), 1)

	_, err = b.Build()
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
}

func TestTerminateThenRunBuilder_Invalid(t *testing.T) {
	run := InstanceRunUUID{InstanceID: 1, RunID: 1, UUID: "uuid1"}
	tests := []struct {
		name    string
		builder *TerminateThenRunBuilder
		want    string
	}{
		{"missing workflow", NewTerminateThenRunBuilder("", ActionStop, User{}, "").AddOneRun(run), "workflow_id"},
		{"bad action", NewTerminateThenRunBuilder("wf", "PAUSE", User{}, "").AddOneRun(run), "unknown termination action"},
		{"no runs", NewTerminateThenRunBuilder("wf", ActionStop, User{}, ""), "no runs"},
		{"missing uuid", NewTerminateThenRunBuilder("wf", ActionStop, User{}, "").AddOneRun(InstanceRunUUID{InstanceID: 1, RunID: 1}), "missing a uuid"},
		{"run after is one run", NewTerminateThenRunBuilder("wf", ActionStop, User{}, "").AddOneRun(run).AddRunAfter(1, 1, "uuid1"), "both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			assert.Equal(t, ErrCodeValidation, ErrorCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTerminateThenRunJobEvent_JSON(t *testing.T) {
	event, err := NewTerminateThenRunBuilder("wf", ActionKill, User{Name: "tester"}, "why").
		AddOneRun(InstanceRunUUID{InstanceID: 1, RunID: 2, UUID: "uuid1"}).
		AddRunAfter(3, 1, "uuid3").
		Build()
	require.NoError(t, err)

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"workflow_id": "wf",
		"action": "KILL",
		"user": {"name": "tester"},
		"reason": "why",
		"one_runs": [{"instance_id": 1, "run_id": 2, "uuid": "uuid1"}],
		"run_after": {"instance_id": 3, "run_id": 1, "uuid": "uuid3"}
	}`, string(data))

	var decoded TerminateThenRunJobEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.OneRuns(), decoded.OneRuns())
}

func TestTerminateThenRunJobEvent_UnmarshalRejectsInvalid(t *testing.T) {
	var decoded TerminateThenRunJobEvent
	err := json.Unmarshal([]byte(`{"workflow_id":"wf","action":"STOP"}`), &decoded)
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
}

func TestRunInstancesJobEvent_Validate(t *testing.T) {
	assert.Error(t, (&RunInstancesJobEvent{}).Validate())
	assert.Error(t, (&RunInstancesJobEvent{WorkflowID: "wf"}).Validate())
	assert.NoError(t, (&RunInstancesJobEvent{
		WorkflowID: "wf",
		Runs:       []InstanceRunUUID{{InstanceID: 3, RunID: 1, UUID: "uuid3"}},
	}).Validate())
}
