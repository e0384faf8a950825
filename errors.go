package parley

import (
	"context"
	"errors"
	"net"
)

// ============================================================================
// Failure Taxonomy
// ============================================================================

// ErrorKind classifies a failure by how callers should react to it:
// transient failures may be retried, the others may not.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindPermission ErrorKind = "permission"
	KindConflict   ErrorKind = "conflict"
	KindValidation ErrorKind = "validation"
)

// Error is a classified failure. It wraps the underlying cause so
// errors.Is and errors.As keep working through it.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Classify maps an arbitrary error onto the failure taxonomy. Anything
// not recognizably permanent is treated as transient, since network
// style failures dominate in practice and retrying them is safe.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return classifyAPI(ae)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindTransient
}

func classifyAPI(e *APIError) ErrorKind {
	switch e.Code {
	case "UNAUTHORIZED", "FORBIDDEN", "PERMISSION_DENIED":
		return KindPermission
	case "CONFLICT", "ALREADY_EXISTS":
		return KindConflict
	case "INVALID_ARGUMENT", "NOT_FOUND", "VALIDATION":
		return KindValidation
	case "TIMEOUT", "NETWORK", "UNAVAILABLE":
		return KindTransient
	}
	switch e.Status {
	case 401, 403:
		return KindPermission
	case 409:
		return KindConflict
	case 400, 404, 422:
		return KindValidation
	}
	return KindTransient
}

// IsTransient reports whether the failure is worth retrying.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

// IsPermission reports whether the caller lacks access. Retrying
// without new credentials will not help.
func IsPermission(err error) bool {
	return err != nil && Classify(err) == KindPermission
}

// IsConflict reports whether the write collided with durable state
// that already reflects it, such as deleting an already-deleted row.
func IsConflict(err error) bool {
	return err != nil && Classify(err) == KindConflict
}

// IsValidation reports whether the request itself was malformed.
func IsValidation(err error) bool {
	return err != nil && Classify(err) == KindValidation
}
