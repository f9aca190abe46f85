package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/realmbridge/realmbridge/pkg/telemetry"
)

// CoordinatorConfig holds saga execution tuning knobs.
type CoordinatorConfig struct {
	// MaxTimeoutRetries bounds how many times a step that failed with a
	// TIMEOUT kind is retried before compensation starts. Zero disables
	// retries. Only timeouts are ever retried; every other failure kind
	// triggers compensation immediately.
	MaxTimeoutRetries int

	// RetryBaseDelay is the first retry backoff. Doubles per attempt with
	// jitter. Zero means 250ms.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff growth. Zero means 5s.
	RetryMaxDelay time.Duration

	// InstanceRetention is how long a terminal instance stays visible to
	// Status before it is evicted from memory. The WAL keeps the durable
	// record. Zero means 1h.
	InstanceRetention time.Duration
}

// DefaultCoordinatorConfig returns the coordinator defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxTimeoutRetries: 2,
		RetryBaseDelay:    250 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		InstanceRetention: time.Hour,
	}
}

// compensationRef is the serialized undo descriptor written into each WAL
// entry alongside the step intent. Recovery reconstructs compensation from
// this record alone, without the original step list.
type compensationRef struct {
	Capability  string         `json:"capability,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	StatusProbe string         `json:"status_probe,omitempty"`
}

// Coordinator drives multi-step operations to completion or to a fully
// compensated state. Every step's intent is written to the WAL before its
// side effect runs, and committed steps are undone in reverse order when a
// later step fails.
//
// A saga instance is owned exclusively by the coordinator goroutine running
// it; Status and WaitUntilDone hand out copies.
type Coordinator struct {
	router *Router
	wal    WAL
	traces TraceStore
	tel    *telemetry.Telemetry
	log    *telemetry.Logger
	cfg    CoordinatorConfig

	mu        sync.RWMutex
	instances map[string]*SagaInstance
	cancels   map[string]context.CancelFunc
	done      map[string]chan struct{}
	wg        sync.WaitGroup
}

// NewCoordinator creates a saga coordinator. traces may be nil to disable
// execution trace events; tel may be nil for a no-op telemetry stack.
func NewCoordinator(router *Router, wal WAL, traces TraceStore, tel *telemetry.Telemetry, cfg CoordinatorConfig) *Coordinator {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.InstanceRetention <= 0 {
		cfg.InstanceRetention = time.Hour
	}
	return &Coordinator{
		router:    router,
		wal:       wal,
		traces:    traces,
		tel:       tel,
		log:       tel.Logger.NewComponentLogger("saga"),
		cfg:       cfg,
		instances: make(map[string]*SagaInstance),
		cancels:   make(map[string]context.CancelFunc),
		done:      make(map[string]chan struct{}),
	}
}

// Begin starts a saga asynchronously and returns its operation id. The saga
// runs on its own goroutine detached from ctx's cancellation; use Cancel to
// stop it, and Status or WaitUntilDone to observe it.
func (c *Coordinator) Begin(ctx context.Context, callerRealm string, steps []StepSpec, tc TraceContext) (string, error) {
	inst, err := c.admit(steps, tc)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancels[inst.OperationID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(runCtx, inst, callerRealm, tc)
	}()
	return inst.OperationID, nil
}

// Execute runs a saga synchronously and returns its terminal state. The
// returned instance is completed, compensated, or failed.
func (c *Coordinator) Execute(ctx context.Context, callerRealm string, steps []StepSpec, tc TraceContext) (*SagaInstance, error) {
	inst, err := c.admit(steps, tc)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancels[inst.OperationID] = cancel
	c.mu.Unlock()

	c.run(runCtx, inst, callerRealm, tc)
	return c.Status(inst.OperationID)
}

// admit validates the request and registers a new running instance.
func (c *Coordinator) admit(steps []StepSpec, tc TraceContext) (*SagaInstance, error) {
	if err := ValidateContext(tc); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, NewInvalidStateError("saga has no steps", nil)
	}
	for i, s := range steps {
		if s.Name == "" || s.Capability == "" {
			return nil, NewInvalidStateError(fmt.Sprintf("step %d is missing a name or capability", i), nil)
		}
	}

	inst := &SagaInstance{
		OperationID: uuid.New().String(),
		Steps:       steps,
		Status:      SagaStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	c.mu.Lock()
	c.instances[inst.OperationID] = inst
	c.done[inst.OperationID] = make(chan struct{})
	c.mu.Unlock()

	c.tel.Metrics.RecordSagaStarted()
	return inst, nil
}

// Status returns a copy of the instance's current state. Fails with NOT_FOUND
// for an unknown operation id.
func (c *Coordinator) Status(operationID string) (*SagaInstance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[operationID]
	if !ok {
		return nil, NewNotFoundError("unknown operation "+operationID, nil).WithOperation(operationID)
	}
	cp := *inst
	cp.Steps = append([]StepSpec(nil), inst.Steps...)
	return &cp, nil
}

// Cancel requests compensation of a running saga. The saga stops before its
// next step and unwinds what has committed. Fails with INVALID_STATE if the
// saga is already terminal.
func (c *Coordinator) Cancel(ctx context.Context, operationID string) error {
	c.mu.Lock()
	inst, ok := c.instances[operationID]
	if !ok {
		c.mu.Unlock()
		return NewNotFoundError("unknown operation "+operationID, nil).WithOperation(operationID)
	}
	if inst.Status.IsTerminal() {
		c.mu.Unlock()
		return NewInvalidStateError("operation is already "+string(inst.Status), nil).WithOperation(operationID)
	}
	cancel := c.cancels[operationID]
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// WaitUntilDone blocks until the saga reaches a terminal state or ctx is
// cancelled, then returns the instance.
func (c *Coordinator) WaitUntilDone(ctx context.Context, operationID string) (*SagaInstance, error) {
	c.mu.RLock()
	ch, ok := c.done[operationID]
	c.mu.RUnlock()
	if !ok {
		return nil, NewNotFoundError("unknown operation "+operationID, nil).WithOperation(operationID)
	}
	select {
	case <-ch:
		return c.Status(operationID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown waits for all running sagas to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the saga's steps in order. On any step failure it marks the
// failed step's pending entry rolled back and compensates the committed
// prefix in reverse.
func (c *Coordinator) run(ctx context.Context, inst *SagaInstance, callerRealm string, tc TraceContext) {
	log := c.log.WithOperationID(inst.OperationID).WithTraceID(tc.TraceID)
	spanCtx, span := c.tel.Tracer.StartSagaSpan(ctx, inst.OperationID, tc.TraceID)
	defer span.End()
	ctx = spanCtx

	log.WithField("steps", len(inst.Steps)).Info("saga started")

	var committed []WALEntry
	for i, step := range inst.Steps {
		c.setIndex(inst, i)

		if ctx.Err() != nil {
			log.Info("saga cancelled before step " + step.Name)
			c.compensate(ctx, inst, callerRealm, tc, committed, "cancelled")
			return
		}

		entry, sideEffectDone, failKind, failDetail := c.runStep(ctx, inst, callerRealm, step, tc, log)
		if failKind != "" {
			// Failure bookkeeping runs on a detached context: a cancelled
			// saga must still record its unwinding durably.
			cleanCtx := context.WithoutCancel(ctx)
			switch {
			case entry != nil && sideEffectDone:
				// The step's side effect ran but its commit record did not
				// land, so the step is compensated along with the prefix.
				committed = append(committed, *entry)
			case entry != nil:
				// The failed step never committed, so there is nothing to
				// undo; its pending entry is simply abandoned.
				if err := c.wal.MarkRolledBack(cleanCtx, inst.OperationID, entry.SequenceNumber); err != nil {
					log.WithError(err).Error("failed to roll back pending entry")
				} else {
					c.recordWALEvent(cleanCtx, tc, inst.OperationID, entry.SequenceNumber, "rollback")
				}
			}
			log.WithField("step", step.Name).WithField("error_kind", string(failKind)).
				Warn("step failed: " + failDetail)
			c.compensate(ctx, inst, callerRealm, tc, committed, failDetail)
			return
		}
		committed = append(committed, *entry)
	}

	c.setIndex(inst, len(inst.Steps))
	c.transition(ctx, inst, tc, SagaStatusCompleted, "")
	telemetry.RecordSuccess(span)
	log.Info("saga completed")
}

// runStep appends the step's intent, invokes the capability with bounded
// timeout retries, and commits on success. On failure it returns the pending
// entry (nil if the append itself failed), whether the step's side effect
// ran, and the failure kind and detail.
func (c *Coordinator) runStep(ctx context.Context, inst *SagaInstance, callerRealm string, step StepSpec, tc TraceContext, log *telemetry.Logger) (*WALEntry, bool, ErrorKind, string) {
	stepCtx, span := c.tel.Tracer.StartStepSpan(ctx, inst.OperationID, step.Name, step.Capability)
	defer span.End()

	payload, err := json.Marshal(step.Params)
	if err != nil {
		return nil, false, ErrorKindInvocation, "step params are not serializable: " + err.Error()
	}
	ref, err := json.Marshal(compensationRef{
		Capability:  step.Compensation,
		Params:      step.CompensationParams,
		StatusProbe: step.StatusProbe,
	})
	if err != nil {
		return nil, false, ErrorKindInvocation, "compensation ref is not serializable: " + err.Error()
	}

	entry, err := c.wal.Append(stepCtx, inst.OperationID, step.Name, payload, ref)
	if err != nil {
		// The side effect never ran; the operation stops here with the
		// already-committed prefix intact for compensation.
		telemetry.RecordError(span, err)
		return nil, false, ErrorKindDurability, "wal append failed: " + err.Error()
	}
	c.recordWALEvent(stepCtx, tc, inst.OperationID, entry.SequenceNumber, "append")

	result := c.invokeWithRetry(stepCtx, callerRealm, step, tc, log)
	if !result.OK {
		telemetry.RecordError(span, fmt.Errorf("%s: %s", result.ErrorKind, result.ErrorDetail))
		return entry, false, result.ErrorKind, result.ErrorDetail
	}

	if err := c.wal.Commit(stepCtx, inst.OperationID, entry.SequenceNumber); err != nil {
		// In doubt: the side effect succeeded but its durable record did not.
		// Treat the step as failed and compensate it along with the prefix.
		telemetry.RecordError(span, err)
		return entry, true, ErrorKindDurability, "wal commit failed: " + err.Error()
	}
	c.recordWALEvent(stepCtx, tc, inst.OperationID, entry.SequenceNumber, "commit")

	telemetry.RecordSuccess(span)
	return entry, true, "", ""
}

// invokeWithRetry routes the step's invocation, retrying only timeouts, with
// exponential backoff and jitter, up to MaxTimeoutRetries extra attempts.
func (c *Coordinator) invokeWithRetry(ctx context.Context, callerRealm string, step StepSpec, tc TraceContext, log *telemetry.Logger) *InvocationResult {
	var result *InvocationResult
	for attempt := 0; ; attempt++ {
		res, err := c.router.Invoke(ctx, callerRealm, step.Capability, "", step.Params, tc)
		if err != nil {
			return Failure(KindOf(err), err.Error())
		}
		result = res
		if result.OK || !result.ErrorKind.IsRetryable() || attempt >= c.cfg.MaxTimeoutRetries {
			return result
		}

		delay := c.backoff(attempt)
		log.WithField("step", step.Name).WithField("attempt", attempt+1).
			Debugf("step timed out, retrying in %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Failure(ErrorKindTimeout, "cancelled while waiting to retry: "+ctx.Err().Error())
		}
	}
}

// backoff returns the delay before retry attempt+1: base doubled per attempt,
// capped, with up to 25% random jitter.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBaseDelay << uint(attempt)
	if d > c.cfg.RetryMaxDelay || d <= 0 {
		d = c.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// compensate undoes the committed entries in reverse order. The work runs on
// a context detached from saga cancellation so a Cancel cannot strand a
// half-unwound operation. Any compensation failure leaves the saga failed,
// which is terminal and never auto-retried.
func (c *Coordinator) compensate(ctx context.Context, inst *SagaInstance, callerRealm string, tc TraceContext, committed []WALEntry, cause string) {
	compCtx := context.WithoutCancel(ctx)
	c.transition(compCtx, inst, tc, SagaStatusCompensating, cause)
	log := c.log.WithOperationID(inst.OperationID).WithTraceID(tc.TraceID)

	for i := len(committed) - 1; i >= 0; i-- {
		entry := committed[i]
		if err := c.compensateEntry(compCtx, inst.OperationID, callerRealm, entry, tc); err != nil {
			log.WithError(err).WithField("step", entry.StepName).Error("compensation failed, manual reconciliation required")
			c.tel.Metrics.RecordCompensation("failed")
			c.transition(compCtx, inst, tc, SagaStatusFailed, err.Error())
			return
		}
		c.recordWALEvent(compCtx, tc, inst.OperationID, entry.SequenceNumber, "rollback")
	}

	c.transition(compCtx, inst, tc, SagaStatusCompensated, cause)
	log.Info("saga compensated")
}

// compensateEntry undoes one committed entry and marks it rolled back. An
// entry whose step declared no compensation is rolled back directly.
func (c *Coordinator) compensateEntry(ctx context.Context, operationID, callerRealm string, entry WALEntry, tc TraceContext) error {
	var ref compensationRef
	if len(entry.CompensationRef) > 0 {
		if err := json.Unmarshal(entry.CompensationRef, &ref); err != nil {
			return NewInvalidStateError("compensation ref for step "+entry.StepName+" is unreadable", err)
		}
	}

	if ref.Capability == "" {
		c.tel.Metrics.RecordCompensation("skipped")
		return c.wal.MarkRolledBack(ctx, operationID, entry.SequenceNumber)
	}

	spanCtx, span := c.tel.Tracer.StartCompensationSpan(ctx, operationID, entry.StepName)
	defer span.End()

	result, err := c.router.Invoke(spanCtx, callerRealm, ref.Capability, "", ref.Params, tc)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if !result.OK {
		err := NewInvocationError(fmt.Sprintf("compensation %s failed: %s", ref.Capability, result.ErrorDetail), nil).
			WithCapability(ref.Capability).WithOperation(operationID)
		telemetry.RecordError(span, err)
		return err
	}

	if err := c.wal.MarkRolledBack(spanCtx, operationID, entry.SequenceNumber); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	c.tel.Metrics.RecordCompensation("ok")
	telemetry.RecordSuccess(span)
	return nil
}

// transition moves the saga to a new status, stamps terminal instances, and
// emits the saga_transition trace event and metrics.
func (c *Coordinator) transition(ctx context.Context, inst *SagaInstance, tc TraceContext, to SagaStatus, detail string) {
	c.mu.Lock()
	from := inst.Status
	if from == to {
		c.mu.Unlock()
		return
	}
	inst.Status = to
	if detail != "" && to != SagaStatusCompleted {
		inst.Err = detail
	}
	var duration time.Duration
	if to.IsTerminal() {
		now := time.Now().UTC()
		inst.EndedAt = &now
		duration = now.Sub(inst.StartedAt)
		// The closed channel stays in the map so WaitUntilDone on an
		// already-finished saga returns immediately.
		if ch, ok := c.done[inst.OperationID]; ok {
			close(ch)
		}
	}
	c.mu.Unlock()

	c.tel.Metrics.RecordSagaTransition(string(from), string(to))
	if to.IsTerminal() {
		c.tel.Metrics.RecordSagaCompleted(string(to), duration)
		time.AfterFunc(c.cfg.InstanceRetention, func() { c.evict(inst.OperationID) })
	}
	c.recordEvent(ctx, tc, EventSagaTransition, map[string]any{
		"operation_id": inst.OperationID,
		"from":         string(from),
		"to":           string(to),
	})
}

// evict drops a terminal instance from memory once its retention has passed.
func (c *Coordinator) evict(operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, operationID)
	delete(c.cancels, operationID)
	delete(c.done, operationID)
}

func (c *Coordinator) setIndex(inst *SagaInstance, i int) {
	c.mu.Lock()
	inst.CurrentIndex = i
	c.mu.Unlock()
}

// recordWALEvent emits one wal_write trace event.
func (c *Coordinator) recordWALEvent(ctx context.Context, tc TraceContext, operationID string, seq int64, kind string) {
	c.tel.Metrics.RecordWALWrite(kind)
	c.recordEvent(ctx, tc, EventWALWrite, map[string]any{
		"operation_id":    operationID,
		"sequence_number": seq,
		"kind":            kind,
	})
}

// recordEvent writes one execution trace event. Never blocks or fails the saga.
func (c *Coordinator) recordEvent(ctx context.Context, tc TraceContext, eventType TraceEventType, detail map[string]any) {
	if c.traces == nil {
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
	if err := c.traces.Record(ctx, event); err != nil {
		c.log.WithError(err).WithTraceID(tc.TraceID).Warn("trace event write failed")
		c.tel.Metrics.RecordTraceWriteFailure()
	}
}
