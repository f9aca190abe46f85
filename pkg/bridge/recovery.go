package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/realmbridge/realmbridge/pkg/telemetry"
)

// Crash recovery replays the write-ahead log of operations that were in
// flight when the process died. Recovery never resumes an operation forward:
// the surviving record is the WAL alone, which carries enough to undo the
// committed prefix but not to re-plan the remaining steps. The outcome of a
// recovered operation is therefore always compensated or failed. A trailing
// pending entry is in doubt; when its step declared a status probe the probe
// decides whether the side effect must be undone, otherwise the entry is
// abandoned as not-run.

// WALScanner is implemented by WAL stores that can enumerate operations with
// entries outside a terminal state. RecoverAll uses it when available.
type WALScanner interface {
	// IncompleteOperations returns the ids of operations that still have
	// pending or committed entries.
	IncompleteOperations(ctx context.Context) ([]string, error)
}

// RecoveryResult summarizes what recovery did for one operation.
type RecoveryResult struct {
	// OperationID is the recovered operation.
	OperationID string `json:"operation_id"`

	// Status is the terminal state the operation was driven to.
	Status SagaStatus `json:"status"`

	// Compensated counts committed entries whose compensation ran.
	Compensated int `json:"compensated"`

	// Abandoned counts pending entries rolled back without compensation.
	Abandoned int `json:"abandoned"`

	// Probed reports whether a status probe was consulted for an in-doubt
	// entry.
	Probed bool `json:"probed"`
}

// Recover drives one interrupted operation to a terminal state by replaying
// its WAL. callerRealm scopes capability resolution for compensations and
// probes. Fails with NOT_FOUND if the operation has no WAL entries.
func (c *Coordinator) Recover(ctx context.Context, operationID, callerRealm string, tc TraceContext) (*RecoveryResult, error) {
	if err := ValidateContext(tc); err != nil {
		return nil, err
	}

	entries, err := c.wal.ReadAll(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, NewNotFoundError("no wal entries for operation "+operationID, nil).WithOperation(operationID)
	}

	log := c.log.WithOperationID(operationID).WithTraceID(tc.TraceID)
	log.WithField("entries", len(entries)).Info("recovering operation")

	result := &RecoveryResult{OperationID: operationID}

	var committed []WALEntry
	var pending *WALEntry
	allRolledBack := true
	for i := range entries {
		switch entries[i].Status {
		case WALStatusCommitted:
			committed = append(committed, entries[i])
			allRolledBack = false
		case WALStatusPending:
			// Sequence numbers are contiguous and a coordinator appends at
			// most one entry past the committed prefix, so only the last
			// entry can be pending.
			pending = &entries[i]
			allRolledBack = false
		}
	}

	if allRolledBack {
		result.Status = SagaStatusCompensated
		log.Info("operation already fully rolled back")
		return result, nil
	}

	if pending != nil {
		undo, probed := c.resolveInDoubt(ctx, callerRealm, *pending, tc, log)
		result.Probed = probed
		if undo {
			committed = append(committed, *pending)
		} else {
			if err := c.wal.MarkRolledBack(ctx, operationID, pending.SequenceNumber); err != nil {
				return nil, err
			}
			c.recordWALEvent(ctx, tc, operationID, pending.SequenceNumber, "rollback")
			result.Abandoned++
		}
	}

	inst := c.registerRecovered(operationID, entries)
	c.transition(ctx, inst, tc, SagaStatusCompensating, "recovered after crash")

	for i := len(committed) - 1; i >= 0; i-- {
		entry := committed[i]
		if err := c.compensateEntry(ctx, operationID, callerRealm, entry, tc); err != nil {
			log.WithError(err).WithField("step", entry.StepName).Error("recovery compensation failed, manual reconciliation required")
			c.tel.Metrics.RecordCompensation("failed")
			c.transition(ctx, inst, tc, SagaStatusFailed, err.Error())
			result.Status = SagaStatusFailed
			return result, nil
		}
		c.recordWALEvent(ctx, tc, operationID, entry.SequenceNumber, "rollback")
		result.Compensated++
	}

	c.transition(ctx, inst, tc, SagaStatusCompensated, "recovered after crash")
	result.Status = SagaStatusCompensated
	log.WithField("compensated", result.Compensated).Info("operation recovered")
	return result, nil
}

// RecoverAll recovers every incomplete operation the WAL knows about. It
// requires a WAL store that implements WALScanner and fails with
// INVALID_STATE otherwise. Recovery continues past individual failures so one
// stuck operation cannot block the rest.
func (c *Coordinator) RecoverAll(ctx context.Context, callerRealm string, tc TraceContext) ([]RecoveryResult, error) {
	scanner, ok := c.wal.(WALScanner)
	if !ok {
		return nil, NewInvalidStateError("wal store does not support scanning for incomplete operations", nil)
	}

	ids, err := scanner.IncompleteOperations(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]RecoveryResult, 0, len(ids))
	for _, id := range ids {
		res, err := c.Recover(ctx, id, callerRealm, tc)
		if err != nil {
			c.log.WithError(err).WithOperationID(id).Error("recovery failed")
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// resolveInDoubt decides whether an in-doubt pending entry's side effect must
// be undone. When the step declared a status probe the probe is asked; a
// probe answer of {"occurred": true} means the side effect ran. Without a
// probe, or when the probe itself fails, the entry is treated as not-run,
// which matches an append-then-crash ordering where the side effect never
// started.
func (c *Coordinator) resolveInDoubt(ctx context.Context, callerRealm string, entry WALEntry, tc TraceContext, log *telemetry.Logger) (undo, probed bool) {
	var ref compensationRef
	if len(entry.CompensationRef) > 0 {
		if err := json.Unmarshal(entry.CompensationRef, &ref); err != nil {
			log.WithError(err).WithField("step", entry.StepName).Warn("unreadable compensation ref on in-doubt entry")
			return false, false
		}
	}
	if ref.StatusProbe == "" {
		return false, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := c.router.Invoke(probeCtx, callerRealm, ref.StatusProbe, "", map[string]any{
		"operation_id":    entry.OperationID,
		"step_name":       entry.StepName,
		"sequence_number": entry.SequenceNumber,
	}, tc)
	if err != nil || !result.OK {
		log.WithField("step", entry.StepName).Warn("status probe unavailable, treating in-doubt step as not run")
		return false, true
	}

	if m, ok := result.Value.(map[string]any); ok {
		if occurred, ok := m["occurred"].(bool); ok && occurred {
			log.WithField("step", entry.StepName).Info("status probe confirmed side effect, compensating")
			return true, true
		}
	}
	return false, true
}

// registerRecovered records a synthetic instance for a recovered operation so
// Status works uniformly for crashed and live sagas. Step specs are rebuilt
// from the WAL's step names and compensation refs; forward params and
// capability references did not survive the crash and are left empty.
func (c *Coordinator) registerRecovered(operationID string, entries []WALEntry) *SagaInstance {
	steps := make([]StepSpec, 0, len(entries))
	for _, e := range entries {
		var ref compensationRef
		_ = json.Unmarshal(e.CompensationRef, &ref)
		steps = append(steps, StepSpec{
			Name:         e.StepName,
			Compensation: ref.Capability,
			StatusProbe:  ref.StatusProbe,
		})
	}

	inst := &SagaInstance{
		OperationID: operationID,
		Steps:       steps,
		Status:      SagaStatusRunning,
		StartedAt:   entries[0].WrittenAt,
	}
	c.mu.Lock()
	c.instances[operationID] = inst
	c.done[operationID] = make(chan struct{})
	c.mu.Unlock()
	return inst
}
