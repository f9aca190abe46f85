package bridge

import (
	"strings"

	"github.com/google/uuid"
)

// Trace context propagation. Pure data transformation, no side effects.
// Every hop through the Router or Coordinator derives a child context before
// delegating further, which guarantees a strict tree of spans rooted at the
// initiating call.

// NewRootContext generates a fresh trace/span id pair with no parent. Used at
// the outermost entry point of a top-level operation.
func NewRootContext(callerIdentity, authorizationToken string) TraceContext {
	return TraceContext{
		TraceID:            newID(),
		SpanID:             newID(),
		CallerIdentity:     callerIdentity,
		AuthorizationToken: authorizationToken,
	}
}

// ChildOf derives a new hop from parent: fresh span id, same trace id and
// identity, parent span id set to the parent's span id.
func ChildOf(parent TraceContext) TraceContext {
	return TraceContext{
		TraceID:            parent.TraceID,
		SpanID:             newID(),
		ParentSpanID:       parent.SpanID,
		CallerIdentity:     parent.CallerIdentity,
		AuthorizationToken: parent.AuthorizationToken,
	}
}

// ValidateContext fails with INVALID_CONTEXT if the trace id or caller
// identity is empty. A missing trace id is an error, never a silent default.
func ValidateContext(tc TraceContext) error {
	if strings.TrimSpace(tc.TraceID) == "" {
		return NewInvalidContextError("trace context has no trace id", nil)
	}
	if strings.TrimSpace(tc.CallerIdentity) == "" {
		return NewInvalidContextError("trace context has no caller identity", nil)
	}
	return nil
}

func newID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
