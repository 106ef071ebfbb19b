package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeOperation      = "OPERATION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeStepFailed     = "STEP_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeRollback       = "ROLLBACK_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeStore          = "STORE_ERROR"
)

// PipelineError is the structured error type for all pipedock operations.
type PipelineError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Cause    error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *PipelineError) WithStep(name string) *PipelineError {
	e.StepName = name
	return e
}

// WithAttempts attaches the attempt count to the error.
func (e *PipelineError) WithAttempts(n int) *PipelineError {
	e.Attempts = n
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// IsTimeout reports whether the error carries the timeout code.
func (e *PipelineError) IsTimeout() bool {
	return e.Code == ErrCodeTimeout
}

// IsRetryable reports whether another attempt could plausibly succeed.
// Validation, lookup, and cancellation failures are permanent.
func (e *PipelineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeCancelled, ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}
