package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/realmbridge/realmbridge/pkg/telemetry"
)

// DefaultInvokeTimeout bounds a single capability invocation when the caller's
// context carries no deadline of its own.
const DefaultInvokeTimeout = 30 * time.Second

// RouterConfig holds router tuning knobs.
type RouterConfig struct {
	// DefaultTimeout bounds each invocation when the incoming context has no
	// deadline. Zero means DefaultInvokeTimeout.
	DefaultTimeout time.Duration
}

// Router is the single mediated invocation path between realms. It resolves a
// capability reference through the registry, derives a child trace context,
// dispatches, and returns the handler's result envelope unchanged.
//
// The router holds no per-invocation state; every Invoke is independent and
// the router is safe for concurrent use.
type Router struct {
	registry   Registry
	dispatcher Dispatcher
	traces     TraceStore
	tel        *telemetry.Telemetry
	log        *telemetry.Logger
	timeout    time.Duration
}

// NewRouter creates a router over the given registry and dispatcher. traces
// may be nil, in which case no execution trace events are emitted. tel may be
// nil for a no-op telemetry stack.
func NewRouter(registry Registry, dispatcher Dispatcher, traces TraceStore, tel *telemetry.Telemetry, cfg RouterConfig) *Router {
	if tel == nil {
		tel = telemetry.Nop()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &Router{
		registry:   registry,
		dispatcher: dispatcher,
		traces:     traces,
		tel:        tel,
		log:        tel.Logger.NewComponentLogger("router"),
		timeout:    timeout,
	}
}

// Invoke resolves capabilityRef on behalf of callerRealm and dispatches params
// to the resolved endpoint. A bare name resolves within callerRealm. A
// realm-qualified reference ("insights.query_semantic") is split first and
// resolved against that explicit realm only; it is never shadowed by a
// caller-realm capability whose literal name contains the separator. An empty
// version selects the highest registered version.
//
// A missing capability is not an error: it comes back as a failed result with
// kind NOT_FOUND so the caller can fall back or compensate. The returned error
// is non-nil only for an invalid trace context, which the caller cannot
// recover from by routing differently.
func (r *Router) Invoke(ctx context.Context, callerRealm, capabilityRef, version string, params map[string]any, tc TraceContext) (*InvocationResult, error) {
	if err := ValidateContext(tc); err != nil {
		return nil, err
	}

	child := ChildOf(tc)
	log := r.log.WithTraceID(child.TraceID).WithField("capability_ref", capabilityRef)

	ctx, span := r.tel.Tracer.StartRouteSpan(ctx, capabilityRef, child.TraceID)
	defer span.End()

	start := time.Now()
	r.recordEvent(ctx, child, EventRouteStart, map[string]any{
		"capability_ref": capabilityRef,
		"caller_realm":   callerRealm,
	})

	refRealm, name, qualified := strings.Cut(capabilityRef, ".")
	if !qualified {
		refRealm, name = "", capabilityRef
	}
	desc, err := r.registry.Resolve(ctx, callerRealm, refRealm, name, version)
	if err != nil {
		if IsNotFound(err) {
			log.Debug("capability not found")
			result := Failure(ErrorKindNotFound, err.Error())
			r.finishRoute(ctx, child, capabilityRef, callerRealm, start, result)
			return result, nil
		}
		telemetry.RecordError(span, err)
		r.finishRoute(ctx, child, capabilityRef, callerRealm, start, Failure(KindOf(err), err.Error()))
		return nil, err
	}

	span.SetAttributes(telemetry.AttrRealm.String(desc.Realm))
	log = log.WithCapability(desc.Realm, desc.Name)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.dispatcher.Dispatch(ctx, desc, params, child)
	if err != nil {
		// Dispatch failures are folded into the envelope so every caller sees
		// the same shape regardless of where the failure arose.
		result = Failure(KindOf(err), err.Error())
	}
	if result == nil {
		result = Failure(ErrorKindInvocation, fmt.Sprintf("handler for %s returned no result", desc.Key()))
	}

	if result.OK {
		telemetry.RecordSuccess(span)
		log.Debug("invocation succeeded")
	} else {
		span.SetAttributes(telemetry.AttrErrorKind.String(string(result.ErrorKind)))
		log.WithField("error_kind", string(result.ErrorKind)).Debug("invocation failed")
	}

	r.finishRoute(ctx, child, capabilityRef, desc.Realm, start, result)
	return result, nil
}

// finishRoute emits the route_end trace event and invocation metrics.
func (r *Router) finishRoute(ctx context.Context, tc TraceContext, capabilityRef, realm string, start time.Time, result *InvocationResult) {
	elapsed := time.Since(start)
	outcome := "ok"
	detail := map[string]any{
		"capability_ref": capabilityRef,
		"duration_ms":    elapsed.Milliseconds(),
		"ok":             result.OK,
	}
	if !result.OK {
		outcome = string(result.ErrorKind)
		detail["error_kind"] = string(result.ErrorKind)
	}
	r.recordEvent(ctx, tc, EventRouteEnd, detail)
	r.tel.Metrics.RecordInvocation(realm, capabilityRef, outcome, elapsed)
}

// recordEvent writes one execution trace event. Trace writes never fail the
// invocation; a write error is logged and counted.
func (r *Router) recordEvent(ctx context.Context, tc TraceContext, eventType TraceEventType, detail map[string]any) {
	if r.traces == nil {
		return
	}
	event := &TraceEvent{
		ID:        uuid.New().String(),
		TraceID:   tc.TraceID,
		SpanID:    tc.SpanID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
	if err := r.traces.Record(ctx, event); err != nil {
		r.log.WithError(err).WithTraceID(tc.TraceID).Warn("trace event write failed")
		r.tel.Metrics.RecordTraceWriteFailure()
	}
}
