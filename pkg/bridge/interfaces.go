package bridge

import (
	"context"
)

// Handler is the uniform invocation contract every capability handler
// implements. Implementations must treat params and tc as read-only.
type Handler interface {
	// Invoke executes the capability. A non-nil error indicates the handler
	// itself could not run; a business failure is reported through the result
	// envelope with OK=false.
	Invoke(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
	return f(ctx, params, tc)
}

// Registry maintains the mapping from (realm, name, version) to endpoint
// descriptors, with liveness tracking. It must support concurrent readers and
// writers with per-key serialization.
type Registry interface {
	// Register upserts a descriptor. It fails with a CONFLICT error if the
	// same (realm, name, version) is already registered with a different
	// endpoint and the existing entry's heartbeat has not expired.
	Register(ctx context.Context, desc CapabilityDescriptor) error

	// Heartbeat refreshes an entry's liveness. It fails with NOT_FOUND if no
	// matching entry exists.
	Heartbeat(ctx context.Context, realm, name, version string) error

	// Resolve returns a live descriptor. When realm is empty the lookup runs
	// against callerRealm first, then falls back to a realm prefix parsed out
	// of name ("realm.capability"). An empty version selects the highest
	// registered version. Fails with NOT_FOUND if no live entry matches.
	Resolve(ctx context.Context, callerRealm, realm, name, version string) (*CapabilityDescriptor, error)

	// List returns all entries that are live or within the diagnostic
	// retention window, optionally filtered by realm.
	List(ctx context.Context, realm string) ([]CapabilityDescriptor, error)

	// Deregister removes an entry. Removing an absent entry is not an error.
	Deregister(ctx context.Context, realm, name, version string) error
}

// WAL is the durable, append-only record of multi-step operation intents and
// outcomes. Implementations must be safe for many concurrently running
// operations; a single coordinator owns all writes for one operation id.
type WAL interface {
	// Append assigns the next sequence number for operationID (starting at 0)
	// and writes the entry with status pending. It fails with a DURABILITY
	// error if the write does not complete durably; callers must not execute
	// the step's side effect until Append succeeds.
	Append(ctx context.Context, operationID, stepName string, payload, compensationRef []byte) (*WALEntry, error)

	// Commit transitions the entry to committed. Fails with INVALID_STATE if
	// the entry does not exist or is not pending, or if any earlier entry for
	// the operation is still pending.
	Commit(ctx context.Context, operationID string, sequenceNumber int64) error

	// MarkRolledBack transitions the entry to rolled_back. Legal from
	// committed (after its compensation ran) and from pending (an in-doubt
	// entry abandoned during recovery, or a failed step that never committed).
	MarkRolledBack(ctx context.Context, operationID string, sequenceNumber int64) error

	// ReadAll returns every entry for operationID ordered by sequence number.
	// Used by crash recovery to reconstruct a saga's progress.
	ReadAll(ctx context.Context, operationID string) ([]WALEntry, error)
}

// TraceStore is the append-only sink for execution trace events. Record is
// fire-and-forget from the caller's perspective: a failed write is surfaced
// on an operator-visible channel but never blocks the saga or router.
type TraceStore interface {
	// Record appends one event.
	Record(ctx context.Context, event *TraceEvent) error

	// Query returns all events for a trace ordered by timestamp.
	Query(ctx context.Context, traceID string) ([]TraceEvent, error)
}

// Dispatcher performs the actual invocation against a resolved descriptor's
// endpoint. Implementations exist for in-process handlers and for network
// endpoints; the router selects among them by endpoint shape.
type Dispatcher interface {
	// Dispatch invokes the capability behind desc.Endpoint. The trace context
	// and params are propagated unchanged in content.
	Dispatch(ctx context.Context, desc *CapabilityDescriptor, params map[string]any, tc TraceContext) (*InvocationResult, error)
}
