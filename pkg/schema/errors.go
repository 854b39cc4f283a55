package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRetryable         = "RETRYABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodePublish           = "PUBLISH_ERROR"
)

// LifecycleError is the structured error type shared by every lifecycle component.
type LifecycleError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LifecycleError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LifecycleError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the job that produced the error should be redelivered.
func (e *LifecycleError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRetryable, ErrCodeStore, ErrCodePublish:
		return true
	default:
		return false
	}
}

// IsInternal reports whether the error is a data-invariant violation that retrying cannot fix.
func (e *LifecycleError) IsInternal() bool {
	return e.Code == ErrCodeInternal || e.Code == ErrCodeInvalidState || e.Code == ErrCodeCycleDetected
}

// NewError creates a new LifecycleError.
func NewError(code, message string) *LifecycleError {
	return &LifecycleError{Code: code, Message: message}
}

// NewErrorf creates a new LifecycleError with a formatted message.
func NewErrorf(code, format string, args ...any) *LifecycleError {
	return &LifecycleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *LifecycleError) WithStep(stepID string) *LifecycleError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *LifecycleError) WithCause(err error) *LifecycleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LifecycleError) WithDetails(details map[string]any) *LifecycleError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the outermost LifecycleError in err's chain, or "".
func ErrorCode(err error) string {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}

// IsInternal reports whether err carries a non-retryable invariant violation.
func IsInternal(err error) bool {
	var le *LifecycleError
	return errors.As(err, &le) && le.IsInternal()
}

// IsRetryable reports whether err is a coded error marked for redelivery.
func IsRetryable(err error) bool {
	var le *LifecycleError
	return errors.As(err, &le) && le.IsRetryable()
}
