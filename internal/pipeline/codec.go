package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/lifecycle/pkg/schema"
)

const runSchemaJSON = `{
  "type": "object",
  "required": ["instance_id", "run_id", "uuid"],
  "properties": {
    "instance_id": {"type": "integer", "minimum": 1},
    "run_id": {"type": "integer", "minimum": 1},
    "uuid": {"type": "string", "minLength": 1}
  }
}`

const userSchemaJSON = `{
  "type": "object",
  "required": ["name"],
  "properties": {"name": {"type": "string", "minLength": 1}}
}`

var payloadSchemas = map[string]string{
	schema.JobTypeTerminateThenRun: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_id", "action", "user"],
  "properties": {
    "workflow_id": {"type": "string", "minLength": 1},
    "action": {"enum": ["STOP", "KILL"]},
    "user": ` + userSchemaJSON + `,
    "reason": {"type": "string"},
    "one_runs": {"type": "array", "items": ` + runSchemaJSON + `},
    "run_after": ` + runSchemaJSON + `
  },
  "anyOf": [
    {"required": ["one_runs"], "properties": {"one_runs": {"minItems": 1}}},
    {"required": ["run_after"]}
  ]
}`,
	schema.JobTypeRunInstances: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_id", "runs", "user"],
  "properties": {
    "workflow_id": {"type": "string", "minLength": 1},
    "runs": {"type": "array", "minItems": 1, "items": ` + runSchemaJSON + `},
    "user": ` + userSchemaJSON + `,
    "reason": {"type": "string"}
  }
}`,
}

// Codec wraps job events into envelopes and validates payloads against the JSON Schema of their type.
// It is safe for concurrent use.
type Codec struct {
	schemas map[string]*jsonschema.Schema
	newID   func() string
	now     func() time.Time
}

// NewCodec compiles the payload schemas of every known job type.
func NewCodec() (*Codec, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for jobType, src := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", jobType, err)
		}
		url := "lifecycle://jobs/" + jobType + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", jobType, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", jobType, err)
		}
		compiled[jobType] = s
	}
	return &Codec{schemas: compiled, newID: uuid.NewString, now: time.Now}, nil
}

// Wrap encodes payload as a new envelope of the given type.
func (c *Codec) Wrap(jobType string, payload any) (*schema.JobEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode %s payload", jobType).WithCause(err)
	}
	if err := c.Validate(jobType, data); err != nil {
		return nil, err
	}
	return &schema.JobEnvelope{
		ID:         c.newID(),
		Type:       jobType,
		Payload:    data,
		Attempt:    1,
		EnqueuedAt: c.now().UTC(),
	}, nil
}

// Validate checks a raw payload against the schema of its job type.
func (c *Codec) Validate(jobType string, payload []byte) error {
	s, ok := c.schemas[jobType]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown job type %q", jobType)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s payload is not valid JSON", jobType).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toValidationError(jobType, err)
	}
	return nil
}

// DecodeTerminateThenRun validates and decodes a terminate-then-run envelope.
func (c *Codec) DecodeTerminateThenRun(job *schema.JobEnvelope) (*schema.TerminateThenRunJobEvent, error) {
	if err := c.check(job, schema.JobTypeTerminateThenRun); err != nil {
		return nil, err
	}
	event := &schema.TerminateThenRunJobEvent{}
	if err := json.Unmarshal(job.Payload, event); err != nil {
		return nil, asValidation(err)
	}
	return event, nil
}

// DecodeRunInstances validates and decodes a run-instances envelope.
func (c *Codec) DecodeRunInstances(job *schema.JobEnvelope) (*schema.RunInstancesJobEvent, error) {
	if err := c.check(job, schema.JobTypeRunInstances); err != nil {
		return nil, err
	}
	event := &schema.RunInstancesJobEvent{}
	if err := json.Unmarshal(job.Payload, event); err != nil {
		return nil, asValidation(err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func (c *Codec) check(job *schema.JobEnvelope, jobType string) error {
	if job == nil {
		return schema.NewError(schema.ErrCodeValidation, "job is nil")
	}
	if job.Type != jobType {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s has type %q, want %q", job.ID, job.Type, jobType)
	}
	return c.Validate(job.Type, job.Payload)
}

func asValidation(err error) error {
	var le *schema.LifecycleError
	if errors.As(err, &le) {
		return err
	}
	return schema.NewError(schema.ErrCodeValidation, "decode job payload").WithCause(err)
}

// toValidationError flattens a jsonschema error tree into one coded error.
func toValidationError(jobType string, err error) *schema.LifecycleError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	msg := fmt.Sprintf("invalid %s payload", jobType)
	if len(violations) == 1 {
		msg += ": " + violations[0]
	} else if len(violations) > 1 {
		msg = fmt.Sprintf("%s: %d violations", msg, len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
