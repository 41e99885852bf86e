// Package apierr implements the error taxonomy of spec.md §7 as typed,
// wrappable errors, classified once at the HTTP boundary into a status
// code and body shape.
package apierr

import (
	"errors"
	"fmt"

	"github.com/agentmesh/coordinator/internal/domain"
)

// Kind is one of the taxonomy's error kinds.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindDemandMismatch Kind = "demand_mismatch"
	KindInternal       Kind = "internal"
)

// Error carries a Kind plus a human-readable message and, for validation
// errors, structured field-level detail.
type Error struct {
	Kind             Kind
	Message          string
	ValidationErrors []ValidationDetail
	ParametersSchema domain.JSONValue
	Cause            error
}

// ValidationDetail is one entry of a validation failure's detail list,
// matching the wire shape in spec.md §6.
type ValidationDetail struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	SchemaPath string `json:"schema_path"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NotFound builds a not-found error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error carrying structured details.
func Validation(message string, details ...ValidationDetail) *Error {
	return &Error{Kind: KindValidation, Message: message, ValidationErrors: details}
}

// WithParametersSchema attaches the schema a parameter_validation_failed
// error was validated against, so the caller sees what shape was expected
// (spec.md §6).
func (e *Error) WithParametersSchema(schema domain.JSONValue) *Error {
	e.ParametersSchema = schema
	return e
}

// DemandMismatch builds a demand-mismatch error (enqueue-time conflict
// between a blueprint's demands and a caller's additional demands).
func DemandMismatch(format string, args ...interface{}) *Error {
	return &Error{Kind: KindDemandMismatch, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error for opaque presentation to the caller.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
