package termination

import (
	"errors"

	"github.com/rendis/lifecycle/pkg/schema"
)

// OutcomeKind classifies how one processing attempt of a job ended.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeRetryable
	OutcomeInternal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Coordinator.Process call.
// Pending lists the runs still terminating when Kind is OutcomeRetryable.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	Pending   []schema.InstanceRunUUID
	Published bool
	Cause     error
}

// Succeeded reports a completed job. published is set when the follow-up event went out.
func Succeeded(published bool) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Published: published}
}

// Retryable reports a job that must be redelivered.
func Retryable(reason string, pending []schema.InstanceRunUUID, cause error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason, Pending: pending, Cause: cause}
}

// Internal reports a job that retrying cannot fix. The reason is taken verbatim from err.
func Internal(err error) Outcome {
	reason := ""
	var le *schema.LifecycleError
	if errors.As(err, &le) {
		reason = le.Message
	} else if err != nil {
		reason = err.Error()
	}
	return Outcome{Kind: OutcomeInternal, Reason: reason, Cause: err}
}

// IsSuccess reports whether the job completed.
func (o Outcome) IsSuccess() bool { return o.Kind == OutcomeSucceeded }

// Err converts the outcome into a coded error for the job pipeline. Successful outcomes return nil.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeSucceeded:
		return nil
	case OutcomeRetryable:
		e := schema.NewError(schema.ErrCodeRetryable, o.Reason).WithCause(o.Cause)
		if len(o.Pending) > 0 {
			pending := make([]string, len(o.Pending))
			for i, p := range o.Pending {
				pending[i] = p.String()
			}
			e.WithDetails(map[string]any{"pending": pending})
		}
		return e
	default:
		if schema.IsInternal(o.Cause) {
			return o.Cause
		}
		return schema.NewError(schema.ErrCodeInternal, o.Reason).WithCause(o.Cause)
	}
}
