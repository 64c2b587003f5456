package tripwire

import "fmt"

// Severity classifies how an error should be treated by consumers.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	// SeverityFatal marks adapter misbehavior that must be surfaced, such as
	// an adapter that keeps running past its deadline.
	SeverityFatal Severity = "fatal"
)

// EvalErrorKind identifies a condition-evaluation failure class.
type EvalErrorKind string

const (
	EvalFieldMissing EvalErrorKind = "field_missing"
	EvalTypeMismatch EvalErrorKind = "type_mismatch"
	EvalTimeout      EvalErrorKind = "timeout"
)

// EvalError is the canonical error type for condition evaluation.
// It is JSON-serializable so it can be handed to the Watch collaborator as-is.
type EvalError struct {
	Kind    EvalErrorKind `json:"kind"`
	Field   string        `json:"field,omitempty"`
	Message string        `json:"message"`
	Cause   error         `json:"-"`
}

func (e *EvalError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *EvalError) Unwrap() error {
	return e.Cause
}

// ToMap converts the error to a map suitable for forward payloads and
// expression contexts.
func (e *EvalError) ToMap() map[string]any {
	return map[string]any{
		"kind":    string(e.Kind),
		"field":   e.Field,
		"message": e.Message,
	}
}

func fieldMissing(field string) *EvalError {
	return &EvalError{
		Kind:    EvalFieldMissing,
		Field:   field,
		Message: fmt.Sprintf("field %q not present in event and no default configured", field),
	}
}

func typeMismatch(field, format string, args ...any) *EvalError {
	return &EvalError{
		Kind:    EvalTypeMismatch,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

func evalTimeout(triggerID string) *EvalError {
	return &EvalError{
		Kind:    EvalTimeout,
		Message: fmt.Sprintf("condition evaluation for trigger %q exceeded its timeout", triggerID),
	}
}

// ExecErrorKind identifies an execution-side failure class.
type ExecErrorKind string

const (
	ExecValidation       ExecErrorKind = "validation"
	ExecRuntime          ExecErrorKind = "runtime"
	ExecResourceExceeded ExecErrorKind = "resource_exceeded"
	ExecTimeout          ExecErrorKind = "timeout"
	ExecNotFound         ExecErrorKind = "not_found"
	ExecInternal         ExecErrorKind = "internal"
)

// ExecError is the canonical error type for function execution, adapter
// lifecycle failures, and configuration validation. Every failure path in the
// execution core produces one of the Kind values above — never an untyped
// error.
type ExecError struct {
	Kind     ExecErrorKind `json:"kind"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Cause    error         `json:"-"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Severity, e.Message)
}

func (e *ExecError) Unwrap() error {
	return e.Cause
}

func (e *ExecError) ToMap() map[string]any {
	return map[string]any{
		"kind":     string(e.Kind),
		"severity": string(e.Severity),
		"message":  e.Message,
	}
}

// NewExecError builds an ExecError with SeverityError, wrapping cause.
func NewExecError(kind ExecErrorKind, cause error, format string, args ...any) *ExecError {
	return &ExecError{
		Kind:     kind,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
		Cause:    cause,
	}
}

func validationError(format string, args ...any) *ExecError {
	return NewExecError(ExecValidation, nil, format, args...)
}

func notFound(kind, id string) *ExecError {
	return NewExecError(ExecNotFound, nil, "%s %q not registered", kind, id)
}
