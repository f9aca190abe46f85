package bridge

import (
	"time"
)

// CapabilityDescriptor identifies one invocable unit of behavior owned by a
// realm. The triple (Realm, Name, Version) is globally unique.
type CapabilityDescriptor struct {
	// Realm is the owning domain boundary.
	Realm string `json:"realm" yaml:"realm" validate:"required"`

	// Name is the capability identifier, unique within the realm.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the capability version (dotted numeric, e.g. "1.2.0").
	Version string `json:"version" yaml:"version" validate:"required"`

	// Endpoint is the opaque dispatch handle: an in-process handler key or a
	// network address such as "http://insights:8080". The kernel never
	// interprets it beyond choosing a dispatcher.
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required"`

	// Schema optionally describes the input/output shape. Opaque to the kernel.
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`

	// StatusProbe optionally names a companion capability that reports whether
	// a given operation step's side effect occurred. Consulted during crash
	// recovery for in-doubt steps.
	StatusProbe string `json:"status_probe,omitempty" yaml:"status_probe,omitempty"`

	// RegisteredAt is when the descriptor was first registered.
	RegisteredAt time.Time `json:"registered_at" yaml:"-"`

	// LastHeartbeat is the last time the owning realm heartbeated this entry.
	LastHeartbeat time.Time `json:"last_heartbeat" yaml:"-"`
}

// Key returns the unique registry key for this descriptor.
func (d *CapabilityDescriptor) Key() string {
	return d.Realm + "/" + d.Name + "@" + d.Version
}

// TraceContext carries causality and caller identity across hops. It is the
// kernel's wire-level envelope; the routing layer passes AuthorizationToken
// through without ever inspecting it.
type TraceContext struct {
	// TraceID is stable for the whole top-level operation.
	TraceID string `json:"trace_id"`

	// SpanID is unique per hop.
	SpanID string `json:"span_id"`

	// ParentSpanID is the SpanID of the hop that delegated here.
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// CallerIdentity is an opaque principal descriptor.
	CallerIdentity string `json:"caller_identity"`

	// AuthorizationToken is opaque and passed through unmodified.
	AuthorizationToken string `json:"-"`
}

// WALStatus is the lifecycle state of a write-ahead log entry.
type WALStatus string

const (
	// WALStatusPending means the step's intent is recorded but its outcome is
	// not yet known.
	WALStatusPending WALStatus = "pending"

	// WALStatusCommitted means the step's side effect completed successfully.
	WALStatusCommitted WALStatus = "committed"

	// WALStatusRolledBack means the step was compensated, or abandoned as
	// in-doubt during recovery.
	WALStatusRolledBack WALStatus = "rolled_back"
)

// WALEntry is one durable record of a step's intent and outcome.
// SequenceNumber is strictly increasing and contiguous per OperationID.
type WALEntry struct {
	// OperationID identifies the multi-step operation this entry belongs to.
	OperationID string `json:"operation_id"`

	// SequenceNumber is the entry's position within the operation, starting at 0.
	SequenceNumber int64 `json:"sequence_number"`

	// StepName is the human-readable name of the step.
	StepName string `json:"step_name"`

	// Payload is the serialized step input. Opaque to the WAL.
	Payload []byte `json:"payload,omitempty"`

	// CompensationRef describes how to undo this step. Opaque to the WAL; the
	// coordinator serializes a compensationRef into it.
	CompensationRef []byte `json:"compensation_ref,omitempty"`

	// Status is the entry's lifecycle state.
	Status WALStatus `json:"status"`

	// WrittenAt is when the entry was first appended.
	WrittenAt time.Time `json:"written_at"`
}

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	// SagaStatusRunning means steps are executing forward.
	SagaStatusRunning SagaStatus = "running"

	// SagaStatusCompleted means all steps committed. Terminal.
	SagaStatusCompleted SagaStatus = "completed"

	// SagaStatusCompensating means a step failed and committed steps are being
	// undone in reverse order.
	SagaStatusCompensating SagaStatus = "compensating"

	// SagaStatusCompensated means every committed step was undone. Terminal.
	SagaStatusCompensated SagaStatus = "compensated"

	// SagaStatusFailed means a compensating action itself failed. Terminal;
	// requires manual reconciliation and is never auto-retried.
	SagaStatusFailed SagaStatus = "failed"
)

// IsTerminal returns true if the status is a final state.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusCompensated, SagaStatusFailed:
		return true
	}
	return false
}

// StepSpec names a capability to invoke and the capability that undoes it.
type StepSpec struct {
	// Name is the step's name, recorded in the WAL.
	Name string `json:"name" validate:"required"`

	// Capability is the capability reference to invoke. Either a bare name
	// (resolved within the caller's realm) or realm-qualified
	// ("insights.query_semantic").
	Capability string `json:"capability" validate:"required"`

	// Params is the step input, passed through to the handler unchanged.
	Params map[string]any `json:"params,omitempty"`

	// Compensation is the capability reference that semantically undoes this
	// step. Empty means the step needs no compensation.
	Compensation string `json:"compensation,omitempty"`

	// CompensationParams is the input for the compensating capability.
	CompensationParams map[string]any `json:"compensation_params,omitempty"`

	// StatusProbe optionally names an idempotent capability that reports
	// whether this step's side effect occurred, for crash recovery.
	StatusProbe string `json:"status_probe,omitempty"`
}

// SagaInstance is the in-flight or completed state of one multi-step
// operation. It is exclusively owned and mutated by the Coordinator;
// all other components see read-only copies.
type SagaInstance struct {
	// OperationID is the unique identifier of this operation.
	OperationID string `json:"operation_id"`

	// Steps is the ordered list of step descriptors.
	Steps []StepSpec `json:"steps"`

	// CurrentIndex is the index of the next step to execute, or the index at
	// which execution stopped.
	CurrentIndex int `json:"current_index"`

	// Status is the saga's lifecycle state.
	Status SagaStatus `json:"status"`

	// StartedAt is when the saga began.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the saga reached a terminal state.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Err holds the failure that triggered compensation, if any.
	Err string `json:"error,omitempty"`
}

// TraceEventType classifies an execution trace observation.
type TraceEventType string

const (
	// EventRouteStart is emitted by the Router before dispatching an invocation.
	EventRouteStart TraceEventType = "route_start"

	// EventRouteEnd is emitted by the Router after an invocation returns,
	// with elapsed duration and outcome.
	EventRouteEnd TraceEventType = "route_end"

	// EventWALWrite is emitted for every WAL append/commit/rollback.
	EventWALWrite TraceEventType = "wal_write"

	// EventSagaTransition is emitted for every saga status transition.
	EventSagaTransition TraceEventType = "saga_transition"
)

// TraceEvent is one observation emitted to the execution trace store.
// Append-only; never mutated after write.
type TraceEvent struct {
	// ID is the unique identifier of this event.
	ID string `json:"id"`

	// TraceID correlates the event with a top-level operation.
	TraceID string `json:"trace_id"`

	// SpanID identifies the hop that emitted the event.
	SpanID string `json:"span_id"`

	// EventType classifies the observation.
	EventType TraceEventType `json:"event_type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Detail contains event-type-specific structured data.
	Detail map[string]any `json:"detail,omitempty"`
}

// InvocationResult is the uniform envelope every capability handler returns,
// and the sole contract the kernel imposes on collaborators.
type InvocationResult struct {
	// OK reports whether the invocation succeeded.
	OK bool `json:"ok"`

	// Value is the handler's output, if any.
	Value any `json:"value,omitempty"`

	// ErrorKind classifies the failure when OK is false.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// ErrorDetail is the handler's or router's human-readable failure detail.
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Failure builds a failed InvocationResult with the given kind and detail.
func Failure(kind ErrorKind, detail string) *InvocationResult {
	return &InvocationResult{OK: false, ErrorKind: kind, ErrorDetail: detail}
}

// Success builds a successful InvocationResult carrying value.
func Success(value any) *InvocationResult {
	return &InvocationResult{OK: true, Value: value}
}
