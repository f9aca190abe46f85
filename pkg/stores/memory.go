package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/realmbridge/realmbridge/pkg/bridge"
)

// MemoryWAL is an in-memory WAL for tests and ephemeral deployments. It
// enforces the same lifecycle rules as the SQLite store but provides no
// durability across restarts.
type MemoryWAL struct {
	mu      sync.Mutex
	entries map[string][]bridge.WALEntry
}

// NewMemoryWAL creates an empty in-memory WAL.
func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{entries: make(map[string][]bridge.WALEntry)}
}

// Append assigns the next contiguous sequence number and stores the entry
// pending.
func (w *MemoryWAL) Append(ctx context.Context, operationID, stepName string, payload, compensationRef []byte) (*bridge.WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := bridge.WALEntry{
		OperationID:     operationID,
		SequenceNumber:  int64(len(w.entries[operationID])),
		StepName:        stepName,
		Payload:         append([]byte(nil), payload...),
		CompensationRef: append([]byte(nil), compensationRef...),
		Status:          bridge.WALStatusPending,
		WrittenAt:       time.Now().UTC(),
	}
	w.entries[operationID] = append(w.entries[operationID], entry)
	return &entry, nil
}

// Commit transitions an entry from pending to committed, refusing to commit
// past an earlier pending entry.
func (w *MemoryWAL) Commit(ctx context.Context, operationID string, sequenceNumber int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.entries[operationID]
	if sequenceNumber < 0 || sequenceNumber >= int64(len(entries)) {
		return bridge.NewInvalidStateError(
			fmt.Sprintf("wal entry %d does not exist", sequenceNumber), nil,
		).WithOperation(operationID)
	}
	for i := int64(0); i < sequenceNumber; i++ {
		if entries[i].Status == bridge.WALStatusPending {
			return bridge.NewInvalidStateError(
				fmt.Sprintf("cannot commit entry %d: entry %d still pending", sequenceNumber, i), nil,
			).WithOperation(operationID)
		}
	}
	if entries[sequenceNumber].Status != bridge.WALStatusPending {
		return bridge.NewInvalidStateError(
			fmt.Sprintf("wal entry %d is %s, cannot transition to committed", sequenceNumber, entries[sequenceNumber].Status), nil,
		).WithOperation(operationID)
	}
	entries[sequenceNumber].Status = bridge.WALStatusCommitted
	return nil
}

// MarkRolledBack transitions an entry to rolled_back from pending or
// committed.
func (w *MemoryWAL) MarkRolledBack(ctx context.Context, operationID string, sequenceNumber int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.entries[operationID]
	if sequenceNumber < 0 || sequenceNumber >= int64(len(entries)) {
		return bridge.NewInvalidStateError(
			fmt.Sprintf("wal entry %d does not exist", sequenceNumber), nil,
		).WithOperation(operationID)
	}
	if entries[sequenceNumber].Status == bridge.WALStatusRolledBack {
		return bridge.NewInvalidStateError(
			fmt.Sprintf("wal entry %d is already rolled_back", sequenceNumber), nil,
		).WithOperation(operationID)
	}
	entries[sequenceNumber].Status = bridge.WALStatusRolledBack
	return nil
}

// ReadAll returns copies of every entry for operationID in sequence order.
func (w *MemoryWAL) ReadAll(ctx context.Context, operationID string) ([]bridge.WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bridge.WALEntry(nil), w.entries[operationID]...), nil
}

// IncompleteOperations returns ids of operations with pending or committed
// entries, oldest first.
func (w *MemoryWAL) IncompleteOperations(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	type candidate struct {
		id    string
		first time.Time
	}
	var candidates []candidate
	for id, entries := range w.entries {
		for _, e := range entries {
			if e.Status == bridge.WALStatusPending || e.Status == bridge.WALStatusCommitted {
				candidates = append(candidates, candidate{id: id, first: entries[0].WrittenAt})
				break
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].first.Before(candidates[j].first) })

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	return ids, nil
}

// MemoryTraceStore is an in-memory execution trace store for tests and
// ephemeral deployments.
type MemoryTraceStore struct {
	mu     sync.Mutex
	events []bridge.TraceEvent
}

// NewMemoryTraceStore creates an empty in-memory trace store.
func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{}
}

// Record appends one event.
func (s *MemoryTraceStore) Record(ctx context.Context, event *bridge.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// Query returns all events for a trace ordered by timestamp.
func (s *MemoryTraceStore) Query(ctx context.Context, traceID string) ([]bridge.TraceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bridge.TraceEvent
	for _, e := range s.events {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Interface conformance checks.
var (
	_ bridge.WAL        = (*SQLiteStore)(nil)
	_ bridge.TraceStore = (*SQLiteStore)(nil)
	_ bridge.WALScanner = (*SQLiteStore)(nil)
	_ bridge.WAL        = (*MemoryWAL)(nil)
	_ bridge.WALScanner = (*MemoryWAL)(nil)
	_ bridge.TraceStore = (*MemoryTraceStore)(nil)
)
