// Package apperr defines the error taxonomy shared by the guard, the flag
// store and the administration services.
//
// Callers classify failures with errors.Is against the sentinel kinds:
//
//	if errors.Is(err, apperr.ErrForbidden) { ... }
//
// or with KindOf when mapping to transport status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when no principal can be resolved for the caller
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the principal lacks the required capability or role
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a flag, entry or user does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when optimistic or lock retries are exhausted
	ErrConflict = errors.New("conflict")

	// ErrDependency is returned when the datastore or another collaborator is unavailable
	ErrDependency = errors.New("dependency unavailable")
)

// Error carries a kind sentinel plus the operation and optional field that failed.
type Error struct {
	Kind    error
	Op      string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Unauthorized builds an ErrUnauthorized error
func Unauthorized(op, message string) error {
	return &Error{Kind: ErrUnauthorized, Op: op, Message: message}
}

// Forbidden builds an ErrForbidden error
func Forbidden(op, message string) error {
	return &Error{Kind: ErrForbidden, Op: op, Message: message}
}

// Validation builds an ErrValidation error for a specific field
func Validation(op, field, message string) error {
	return &Error{Kind: ErrValidation, Op: op, Field: field, Message: message}
}

// NotFound builds an ErrNotFound error
func NotFound(op, message string) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: message}
}

// Conflict builds an ErrConflict error
func Conflict(op string, err error) error {
	return &Error{Kind: ErrConflict, Op: op, Message: "concurrent modification, retries exhausted", Err: err}
}

// ConflictWith builds an ErrConflict error for a write that lost to another one
func ConflictWith(op, message string) error {
	return &Error{Kind: ErrConflict, Op: op, Message: message}
}

// Dependency wraps a datastore or collaborator failure
func Dependency(op string, err error) error {
	return &Error{Kind: ErrDependency, Op: op, Err: err}
}

var kinds = []error{ErrUnauthorized, ErrForbidden, ErrValidation, ErrNotFound, ErrConflict, ErrDependency}

// KindOf returns the sentinel kind of err, or nil when err is not classified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// Code returns a stable, machine-readable code for err.
func Code(err error) string {
	switch KindOf(err) {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrForbidden:
		return "forbidden"
	case ErrValidation:
		return "validation_error"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrDependency:
		return "dependency_error"
	default:
		return "internal_error"
	}
}
