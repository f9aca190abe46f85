package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// LocalDispatcher dispatches capabilities whose endpoint is an in-process
// handler key. Realms running in the same process register their handlers
// here under the handle they advertise in their descriptors.
type LocalDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalDispatcher creates an empty in-process dispatcher.
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{handlers: make(map[string]Handler)}
}

// RegisterHandler binds an endpoint handle to a handler. Re-registering a
// handle replaces the previous handler.
func (d *LocalDispatcher) RegisterHandler(endpoint string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[endpoint] = h
}

// DeregisterHandler removes an endpoint handle.
func (d *LocalDispatcher) DeregisterHandler(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, endpoint)
}

// Dispatch implements Dispatcher.
func (d *LocalDispatcher) Dispatch(ctx context.Context, desc *CapabilityDescriptor, params map[string]any, tc TraceContext) (*InvocationResult, error) {
	d.mu.RLock()
	h, ok := d.handlers[desc.Endpoint]
	d.mu.RUnlock()

	if !ok {
		return nil, NewNotFoundError(
			fmt.Sprintf("no in-process handler bound to endpoint %q", desc.Endpoint), nil).
			WithCapability(desc.Realm + "." + desc.Name)
	}

	type outcome struct {
		res *InvocationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.Invoke(ctx, params, tc)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		// The handler goroutine keeps running; its result is discarded. The
		// caller decides whether the underlying side effect is in doubt.
		return nil, NewTimeoutError("in-process invocation deadline exceeded", ctx.Err()).
			WithCapability(desc.Realm + "." + desc.Name)
	}
}

// DispatcherMux selects a dispatcher by endpoint shape: endpoints with an
// http(s) scheme go to the remote dispatcher, everything else to the local
// one. A nil remote makes network endpoints unresolvable in this deployment.
type DispatcherMux struct {
	local  Dispatcher
	remote Dispatcher
}

// NewDispatcherMux creates a mux over a local and an optional remote
// dispatcher.
func NewDispatcherMux(local, remote Dispatcher) *DispatcherMux {
	return &DispatcherMux{local: local, remote: remote}
}

// Dispatch implements Dispatcher.
func (m *DispatcherMux) Dispatch(ctx context.Context, desc *CapabilityDescriptor, params map[string]any, tc TraceContext) (*InvocationResult, error) {
	if isNetworkEndpoint(desc.Endpoint) {
		if m.remote == nil {
			return nil, NewNotFoundError(
				fmt.Sprintf("network endpoint %q but no remote dispatcher configured", desc.Endpoint), nil).
				WithCapability(desc.Realm + "." + desc.Name)
		}
		return m.remote.Dispatch(ctx, desc, params, tc)
	}
	return m.local.Dispatch(ctx, desc, params, tc)
}

func isNetworkEndpoint(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}
