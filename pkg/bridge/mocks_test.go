package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockRegistry resolves descriptors from a fixed map keyed by
// "realm/name" and ignores versions.
type mockRegistry struct {
	mu      sync.Mutex
	entries map[string]CapabilityDescriptor
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{entries: make(map[string]CapabilityDescriptor)}
}

func (m *mockRegistry) add(realm, name, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[realm+"/"+name] = CapabilityDescriptor{
		Realm: realm, Name: name, Version: "1.0.0", Endpoint: endpoint,
	}
}

func (m *mockRegistry) Register(ctx context.Context, desc CapabilityDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[desc.Realm+"/"+desc.Name] = desc
	return nil
}

func (m *mockRegistry) Heartbeat(ctx context.Context, realm, name, version string) error {
	return nil
}

func (m *mockRegistry) Resolve(ctx context.Context, callerRealm, realm, name, version string) (*CapabilityDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if realm != "" {
		if d, ok := m.entries[realm+"/"+name]; ok {
			return &d, nil
		}
		return nil, NewNotFoundError("no live capability "+realm+"/"+name, nil)
	}
	if d, ok := m.entries[callerRealm+"/"+name]; ok {
		return &d, nil
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			if d, ok := m.entries[name[:i]+"/"+name[i+1:]]; ok {
				return &d, nil
			}
			break
		}
	}
	return nil, NewNotFoundError("no live capability matches "+name, nil)
}

func (m *mockRegistry) List(ctx context.Context, realm string) ([]CapabilityDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CapabilityDescriptor, 0, len(m.entries))
	for _, d := range m.entries {
		if realm == "" || d.Realm == realm {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockRegistry) Deregister(ctx context.Context, realm, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, realm+"/"+name)
	return nil
}

// mockWAL is an in-memory WAL enforcing the entry lifecycle, with optional
// fault injection.
type mockWAL struct {
	mu         sync.Mutex
	entries    map[string][]WALEntry
	failAppend bool
	failCommit bool
}

func newMockWAL() *mockWAL {
	return &mockWAL{entries: make(map[string][]WALEntry)}
}

func (w *mockWAL) Append(ctx context.Context, operationID, stepName string, payload, compensationRef []byte) (*WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAppend {
		return nil, NewDurabilityError("injected append failure", nil)
	}
	entry := WALEntry{
		OperationID:     operationID,
		SequenceNumber:  int64(len(w.entries[operationID])),
		StepName:        stepName,
		Payload:         payload,
		CompensationRef: compensationRef,
		Status:          WALStatusPending,
		WrittenAt:       time.Now().UTC(),
	}
	w.entries[operationID] = append(w.entries[operationID], entry)
	return &entry, nil
}

func (w *mockWAL) Commit(ctx context.Context, operationID string, sequenceNumber int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failCommit {
		return NewDurabilityError("injected commit failure", nil)
	}
	return w.setStatus(operationID, sequenceNumber, WALStatusCommitted, WALStatusPending)
}

func (w *mockWAL) MarkRolledBack(ctx context.Context, operationID string, sequenceNumber int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setStatus(operationID, sequenceNumber, WALStatusRolledBack, WALStatusPending, WALStatusCommitted)
}

func (w *mockWAL) setStatus(operationID string, seq int64, to WALStatus, from ...WALStatus) error {
	entries := w.entries[operationID]
	if seq < 0 || seq >= int64(len(entries)) {
		return NewInvalidStateError(fmt.Sprintf("entry %d does not exist", seq), nil)
	}
	for _, f := range from {
		if entries[seq].Status == f {
			entries[seq].Status = to
			return nil
		}
	}
	return NewInvalidStateError(
		fmt.Sprintf("entry %d is %s, cannot transition to %s", seq, entries[seq].Status, to), nil)
}

// seed installs a pre-existing entry, for recovery tests.
func (w *mockWAL) seed(operationID, stepName string, compensationRef []byte, status WALStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[operationID] = append(w.entries[operationID], WALEntry{
		OperationID:     operationID,
		SequenceNumber:  int64(len(w.entries[operationID])),
		StepName:        stepName,
		CompensationRef: compensationRef,
		Status:          status,
		WrittenAt:       time.Now().UTC(),
	})
}

func (w *mockWAL) ReadAll(ctx context.Context, operationID string) ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WALEntry(nil), w.entries[operationID]...), nil
}

func (w *mockWAL) IncompleteOperations(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []string
	for id, entries := range w.entries {
		for _, e := range entries {
			if e.Status == WALStatusPending || e.Status == WALStatusCommitted {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (w *mockWAL) statuses(operationID string) []WALStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WALStatus, 0, len(w.entries[operationID]))
	for _, e := range w.entries[operationID] {
		out = append(out, e.Status)
	}
	return out
}

// mockTraceStore collects events in memory, with optional fault injection.
type mockTraceStore struct {
	mu      sync.Mutex
	events  []TraceEvent
	failAll bool
}

func newMockTraceStore() *mockTraceStore {
	return &mockTraceStore{}
}

func (s *mockTraceStore) Record(ctx context.Context, event *TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return NewDurabilityError("injected trace failure", nil)
	}
	s.events = append(s.events, *event)
	return nil
}

func (s *mockTraceStore) Query(ctx context.Context, traceID string) ([]TraceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TraceEvent
	for _, e := range s.events {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *mockTraceStore) eventTypes() []TraceEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraceEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func (s *mockTraceStore) countType(et TraceEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType == et {
			n++
		}
	}
	return n
}

// newTestKernel wires a router and coordinator over mocks with an in-process
// dispatcher.
func newTestKernel(cfg CoordinatorConfig) (*mockRegistry, *mockWAL, *mockTraceStore, *LocalDispatcher, *Router, *Coordinator) {
	reg := newMockRegistry()
	wal := newMockWAL()
	traces := newMockTraceStore()
	local := NewLocalDispatcher()
	router := NewRouter(reg, local, traces, nil, RouterConfig{DefaultTimeout: 2 * time.Second})
	coord := NewCoordinator(router, wal, traces, nil, cfg)
	return reg, wal, traces, local, router, coord
}

// okHandler returns a successful result with the given value.
func okHandler(value any) HandlerFunc {
	return func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
		return Success(value), nil
	}
}

// failHandler returns a failed result with the given kind.
func failHandler(kind ErrorKind, detail string) HandlerFunc {
	return func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
		return Failure(kind, detail), nil
	}
}

// countingHandler records invocation counts and delegates.
type countingHandler struct {
	mu    sync.Mutex
	count int
	inner Handler
}

func (h *countingHandler) Invoke(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return h.inner.Invoke(ctx, params, tc)
}

func (h *countingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
