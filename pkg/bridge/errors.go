package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a kernel error. The same vocabulary appears in
// InvocationResult.ErrorKind so that callers can treat routing failures as
// typed outcomes rather than exceptions.
type ErrorKind string

const (
	// ErrorKindNotFound indicates an absent capability or WAL entry.
	ErrorKindNotFound ErrorKind = "NOT_FOUND"

	// ErrorKindConflict indicates a duplicate live registration.
	ErrorKindConflict ErrorKind = "CONFLICT"

	// ErrorKindInvalidState indicates an illegal WAL or saga transition.
	ErrorKindInvalidState ErrorKind = "INVALID_STATE"

	// ErrorKindDurability indicates the underlying store failed to persist a
	// required write.
	ErrorKindDurability ErrorKind = "DURABILITY"

	// ErrorKindInvalidContext indicates a missing trace id or caller identity.
	ErrorKindInvalidContext ErrorKind = "INVALID_CONTEXT"

	// ErrorKindTimeout indicates an invocation exceeded its deadline.
	ErrorKindTimeout ErrorKind = "TIMEOUT"

	// ErrorKindInvocation carries a target capability's own reported failure.
	ErrorKindInvocation ErrorKind = "INVOCATION"
)

// Error is a classified kernel error with optional realm/capability and
// operation context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Capability is the capability reference involved, if applicable.
	Capability string `json:"capability,omitempty"`

	// OperationID is the saga operation involved, if applicable.
	OperationID string `json:"operation_id,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Capability != "" {
		msg += fmt.Sprintf(" (capability=%s)", e.Capability)
	}
	if e.OperationID != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.OperationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can use errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithCapability adds capability context to the error.
func (e *Error) WithCapability(ref string) *Error {
	e.Capability = ref
	return e
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(operationID string) *Error {
	e.OperationID = operationID
	return e
}

// NewNotFoundError creates a NOT_FOUND error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Kind: ErrorKindNotFound, Message: message, Err: err}
}

// NewConflictError creates a CONFLICT error.
func NewConflictError(message string, err error) *Error {
	return &Error{Kind: ErrorKindConflict, Message: message, Err: err}
}

// NewInvalidStateError creates an INVALID_STATE error.
func NewInvalidStateError(message string, err error) *Error {
	return &Error{Kind: ErrorKindInvalidState, Message: message, Err: err}
}

// NewDurabilityError creates a DURABILITY error.
func NewDurabilityError(message string, err error) *Error {
	return &Error{Kind: ErrorKindDurability, Message: message, Err: err}
}

// NewInvalidContextError creates an INVALID_CONTEXT error.
func NewInvalidContextError(message string, err error) *Error {
	return &Error{Kind: ErrorKindInvalidContext, Message: message, Err: err}
}

// NewTimeoutError creates a TIMEOUT error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Kind: ErrorKindTimeout, Message: message, Err: err}
}

// NewInvocationError creates an INVOCATION error wrapping a capability's own
// reported failure.
func NewInvocationError(message string, err error) *Error {
	return &Error{Kind: ErrorKindInvocation, Message: message, Err: err}
}

// KindOf returns the ErrorKind of err, or ErrorKindInvocation if err is not a
// classified kernel error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindInvocation
}

// IsNotFound returns true if err is classified NOT_FOUND.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindNotFound
}

// IsConflict returns true if err is classified CONFLICT.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindConflict
}

// IsInvalidState returns true if err is classified INVALID_STATE.
func IsInvalidState(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindInvalidState
}

// IsDurability returns true if err is classified DURABILITY.
func IsDurability(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindDurability
}

// IsTimeout returns true if err is classified TIMEOUT.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindTimeout
}

// IsRetryable reports whether the coordinator may retry a step that failed
// with this kind. Only timeouts are retryable; NOT_FOUND and validation-type
// failures never are, and the router itself never retries anything since not
// all capabilities are idempotent.
func (k ErrorKind) IsRetryable() bool {
	return k == ErrorKindTimeout
}
