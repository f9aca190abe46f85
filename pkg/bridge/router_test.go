package bridge

import (
	"context"
	"testing"
	"time"
)

func TestRouterInvokeSuccess(t *testing.T) {
	reg, _, traces, local, router, _ := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "create_order", "handler:create_order")
	local.RegisterHandler("handler:create_order", okHandler(map[string]any{"order_id": "o-1"}))

	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "create_order", "", nil, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected success, got %s: %s", result.ErrorKind, result.ErrorDetail)
	}

	types := traces.eventTypes()
	if len(types) != 2 || types[0] != EventRouteStart || types[1] != EventRouteEnd {
		t.Errorf("expected [route_start route_end], got %v", types)
	}
}

func TestRouterInvokeRealmQualified(t *testing.T) {
	reg, _, _, local, router, _ := newTestKernel(DefaultCoordinatorConfig())
	reg.add("insights", "query_semantic", "handler:query")
	local.RegisterHandler("handler:query", okHandler("rows"))

	// Caller in a different realm reaches the capability via its realm prefix.
	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "insights.query_semantic", "", nil, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected success, got %s: %s", result.ErrorKind, result.ErrorDetail)
	}
}

func TestRouterQualifiedRefOverridesCallerRealm(t *testing.T) {
	reg, _, _, local, router, _ := newTestKernel(DefaultCoordinatorConfig())
	reg.add("insights", "query_semantic", "handler:insights")
	// A caller-realm capability whose literal name contains the separator
	// must not shadow the qualified reference.
	reg.add("orders", "insights.query_semantic", "handler:shadow")
	local.RegisterHandler("handler:insights", okHandler("from-insights"))
	local.RegisterHandler("handler:shadow", okHandler("from-orders"))

	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "insights.query_semantic", "", nil, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected success, got %s: %s", result.ErrorKind, result.ErrorDetail)
	}
	if result.Value != "from-insights" {
		t.Errorf("qualified ref must dispatch to the explicit realm, got %v", result.Value)
	}
}

func TestRouterQualifiedRefUnknownRealmIsNotFound(t *testing.T) {
	reg, _, _, local, router, _ := newTestKernel(DefaultCoordinatorConfig())
	// Only the literal dotted name exists in the caller's realm.
	reg.add("orders", "insights.query_semantic", "handler:shadow")
	local.RegisterHandler("handler:shadow", okHandler("from-orders"))

	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "insights.query_semantic", "", nil, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK || result.ErrorKind != ErrorKindNotFound {
		t.Errorf("expected NOT_FOUND for an unregistered realm, got ok=%v kind=%s", result.OK, result.ErrorKind)
	}
}

func TestRouterInvokeNotFoundIsResult(t *testing.T) {
	_, _, _, _, router, _ := newTestKernel(DefaultCoordinatorConfig())

	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "no_such_capability", "", nil, tc)
	if err != nil {
		t.Fatalf("a missing capability must not be an error, got: %v", err)
	}
	if result.OK {
		t.Fatal("expected a failed result")
	}
	if result.ErrorKind != ErrorKindNotFound {
		t.Errorf("expected NOT_FOUND, got %s", result.ErrorKind)
	}
}

func TestRouterInvokeInvalidContext(t *testing.T) {
	_, _, _, _, router, _ := newTestKernel(DefaultCoordinatorConfig())

	_, err := router.Invoke(context.Background(), "orders", "anything", "", nil, TraceContext{})
	if err == nil {
		t.Fatal("expected an error for an empty trace context")
	}
	if KindOf(err) != ErrorKindInvalidContext {
		t.Errorf("expected INVALID_CONTEXT, got %s", KindOf(err))
	}
}

func TestRouterFoldsDispatchErrorIntoEnvelope(t *testing.T) {
	reg, _, _, _, router, _ := newTestKernel(DefaultCoordinatorConfig())
	// Registered but no handler bound: the local dispatcher errors.
	reg.add("orders", "create_order", "handler:missing")

	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "create_order", "", nil, tc)
	if err != nil {
		t.Fatalf("dispatch failures must come back as a result, got error: %v", err)
	}
	if result.OK {
		t.Fatal("expected a failed result")
	}
	if result.ErrorKind != ErrorKindNotFound {
		t.Errorf("expected NOT_FOUND from the dispatcher, got %s", result.ErrorKind)
	}
}

func TestRouterInvokeTimeout(t *testing.T) {
	reg, _, _, local, _, _ := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "slow", "handler:slow")
	local.RegisterHandler("handler:slow", HandlerFunc(func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return Success(nil), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	router := NewRouter(reg, local, nil, nil, RouterConfig{DefaultTimeout: 50 * time.Millisecond})

	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "slow", "", nil, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK {
		t.Fatal("expected a timed-out result")
	}
	if result.ErrorKind != ErrorKindTimeout {
		t.Errorf("expected TIMEOUT, got %s", result.ErrorKind)
	}
}

func TestRouterPropagatesChildContext(t *testing.T) {
	reg, _, _, local, router, _ := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "echo_context", "handler:echo")

	var seen TraceContext
	local.RegisterHandler("handler:echo", HandlerFunc(func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
		seen = tc
		return Success(nil), nil
	}))

	root := NewRootContext("user:alice", "bearer tok")
	if _, err := router.Invoke(context.Background(), "orders", "echo_context", "", nil, root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if seen.TraceID != root.TraceID {
		t.Error("trace id must propagate unchanged")
	}
	if seen.SpanID == root.SpanID {
		t.Error("handler must see a fresh span id")
	}
	if seen.ParentSpanID != root.SpanID {
		t.Error("handler's parent span must be the caller's span")
	}
	if seen.AuthorizationToken != "bearer tok" {
		t.Error("authorization token must pass through unmodified")
	}
}

func TestRouterTraceWriteFailureDoesNotFailInvocation(t *testing.T) {
	reg, _, _, local, _, _ := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "create_order", "handler:create")
	local.RegisterHandler("handler:create", okHandler(nil))

	traces := newMockTraceStore()
	traces.failAll = true
	router := NewRouter(reg, local, traces, nil, RouterConfig{})

	tc := NewRootContext("user:alice", "")
	result, err := router.Invoke(context.Background(), "orders", "create_order", "", nil, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("a broken trace store must not fail the invocation: %s", result.ErrorDetail)
	}
}
