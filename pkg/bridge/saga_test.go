package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSagaAllStepsSucceed(t *testing.T) {
	reg, wal, traces, local, _, coord := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "reserve_stock", "handler:reserve")
	reg.add("orders", "charge_payment", "handler:charge")
	local.RegisterHandler("handler:reserve", okHandler(nil))
	local.RegisterHandler("handler:charge", okHandler(nil))

	steps := []StepSpec{
		{Name: "reserve", Capability: "reserve_stock", Compensation: "release_stock"},
		{Name: "charge", Capability: "charge_payment", Compensation: "refund_payment"},
	}

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", steps, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inst.Status != SagaStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.Err)
	}
	if inst.EndedAt == nil {
		t.Error("terminal saga must have an end time")
	}

	statuses := wal.statuses(inst.OperationID)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 wal entries, got %d", len(statuses))
	}
	for i, s := range statuses {
		if s != WALStatusCommitted {
			t.Errorf("entry %d: expected committed, got %s", i, s)
		}
	}

	if n := traces.countType(EventSagaTransition); n != 1 {
		t.Errorf("expected 1 saga transition (running->completed), got %d", n)
	}
	// 2 appends + 2 commits.
	if n := traces.countType(EventWALWrite); n != 4 {
		t.Errorf("expected 4 wal_write events, got %d", n)
	}
}

func TestSagaAppendPrecedesInvocation(t *testing.T) {
	reg, wal, _, local, _, coord := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "reserve_stock", "handler:reserve")

	// The handler observes the WAL mid-flight: the step's own intent must
	// already be on disk, still pending, before the side effect runs.
	var pendingAtInvoke int
	local.RegisterHandler("handler:reserve", HandlerFunc(func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
		ids, _ := wal.IncompleteOperations(ctx)
		for _, id := range ids {
			entries, _ := wal.ReadAll(ctx, id)
			for _, e := range entries {
				if e.Status == WALStatusPending {
					pendingAtInvoke++
				}
			}
		}
		return Success(nil), nil
	}))

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", []StepSpec{
		{Name: "reserve", Capability: "reserve_stock"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != SagaStatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if pendingAtInvoke != 1 {
		t.Errorf("expected exactly one pending intent at invocation time, got %d", pendingAtInvoke)
	}
}

func TestSagaCompensatesOnStepFailure(t *testing.T) {
	reg, wal, traces, local, _, coord := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "reserve_stock", "handler:reserve")
	reg.add("orders", "release_stock", "handler:release")
	reg.add("orders", "charge_payment", "handler:charge")

	release := &countingHandler{inner: okHandler(nil)}
	local.RegisterHandler("handler:reserve", okHandler(nil))
	local.RegisterHandler("handler:release", release)
	local.RegisterHandler("handler:charge", failHandler(ErrorKindInvocation, "card declined"))

	steps := []StepSpec{
		{Name: "reserve", Capability: "reserve_stock", Compensation: "release_stock"},
		{Name: "charge", Capability: "charge_payment", Compensation: "refund_payment"},
	}

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", steps, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inst.Status != SagaStatusCompensated {
		t.Fatalf("expected compensated, got %s (%s)", inst.Status, inst.Err)
	}
	if release.calls() != 1 {
		t.Errorf("expected exactly one compensation call, got %d", release.calls())
	}

	statuses := wal.statuses(inst.OperationID)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 wal entries, got %d", len(statuses))
	}
	// Both the committed first step and the failed step's pending entry end
	// rolled back.
	for i, s := range statuses {
		if s != WALStatusRolledBack {
			t.Errorf("entry %d: expected rolled_back, got %s", i, s)
		}
	}

	// running->compensating->compensated.
	if n := traces.countType(EventSagaTransition); n != 2 {
		t.Errorf("expected 2 saga transitions, got %d", n)
	}
}

func TestSagaCompensationRunsInReverseOrder(t *testing.T) {
	reg, _, _, local, _, coord := newTestKernel(DefaultCoordinatorConfig())

	var order []string
	record := func(name string) HandlerFunc {
		return func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
			order = append(order, name)
			return Success(nil), nil
		}
	}

	reg.add("orders", "step_a", "handler:a")
	reg.add("orders", "step_b", "handler:b")
	reg.add("orders", "boom", "handler:boom")
	reg.add("orders", "undo_a", "handler:undo_a")
	reg.add("orders", "undo_b", "handler:undo_b")
	local.RegisterHandler("handler:a", record("a"))
	local.RegisterHandler("handler:b", record("b"))
	local.RegisterHandler("handler:boom", failHandler(ErrorKindInvocation, "boom"))
	local.RegisterHandler("handler:undo_a", record("undo_a"))
	local.RegisterHandler("handler:undo_b", record("undo_b"))

	steps := []StepSpec{
		{Name: "a", Capability: "step_a", Compensation: "undo_a"},
		{Name: "b", Capability: "step_b", Compensation: "undo_b"},
		{Name: "c", Capability: "boom"},
	}

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", steps, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != SagaStatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}

	want := []string{"a", "b", "undo_b", "undo_a"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestSagaFailedCompensationIsTerminal(t *testing.T) {
	reg, wal, _, local, _, coord := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "reserve_stock", "handler:reserve")
	reg.add("orders", "release_stock", "handler:release")
	reg.add("orders", "charge_payment", "handler:charge")
	local.RegisterHandler("handler:reserve", okHandler(nil))
	local.RegisterHandler("handler:release", failHandler(ErrorKindInvocation, "release rejected"))
	local.RegisterHandler("handler:charge", failHandler(ErrorKindInvocation, "card declined"))

	steps := []StepSpec{
		{Name: "reserve", Capability: "reserve_stock", Compensation: "release_stock"},
		{Name: "charge", Capability: "charge_payment"},
	}

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", steps, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inst.Status != SagaStatusFailed {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	if inst.Err == "" {
		t.Error("failed saga must carry the compensation error")
	}

	// The committed entry stays committed: its compensation did not run to
	// completion, so it must remain visible for manual reconciliation.
	statuses := wal.statuses(inst.OperationID)
	if statuses[0] != WALStatusCommitted {
		t.Errorf("expected entry 0 to stay committed, got %s", statuses[0])
	}

	// Canceling a terminal saga is rejected.
	if err := coord.Cancel(context.Background(), inst.OperationID); !IsInvalidState(err) {
		t.Errorf("expected INVALID_STATE canceling a failed saga, got %v", err)
	}
}

func TestSagaRetriesTimeoutsOnly(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.MaxTimeoutRetries = 3
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond

	reg, _, _, local, _, coord := newTestKernel(cfg)
	reg.add("orders", "flaky", "handler:flaky")

	var calls atomic.Int32
	local.RegisterHandler("handler:flaky", HandlerFunc(func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
		if calls.Add(1) < 3 {
			return Failure(ErrorKindTimeout, "deadline exceeded"), nil
		}
		return Success(nil), nil
	}))

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", []StepSpec{
		{Name: "flaky", Capability: "flaky"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != SagaStatusCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", inst.Status, inst.Err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSagaDoesNotRetryNonTimeoutFailures(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.MaxTimeoutRetries = 3
	cfg.RetryBaseDelay = time.Millisecond

	reg, _, _, local, _, coord := newTestKernel(cfg)
	reg.add("orders", "declined", "handler:declined")

	declined := &countingHandler{inner: failHandler(ErrorKindInvocation, "card declined")}
	local.RegisterHandler("handler:declined", declined)

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", []StepSpec{
		{Name: "charge", Capability: "declined"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != SagaStatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	if declined.calls() != 1 {
		t.Errorf("non-timeout failures must not be retried, got %d calls", declined.calls())
	}
}

func TestSagaRetriesExhausted(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.MaxTimeoutRetries = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond

	reg, _, _, local, _, coord := newTestKernel(cfg)
	reg.add("orders", "always_slow", "handler:slow")

	slow := &countingHandler{inner: failHandler(ErrorKindTimeout, "deadline exceeded")}
	local.RegisterHandler("handler:slow", slow)

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", []StepSpec{
		{Name: "slow", Capability: "always_slow"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != SagaStatusCompensated {
		t.Fatalf("expected compensated after exhausted retries, got %s", inst.Status)
	}
	if slow.calls() != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d calls", slow.calls())
	}
}

func TestSagaBeginStatusAndWait(t *testing.T) {
	reg, _, _, local, _, coord := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "quick", "handler:quick")
	local.RegisterHandler("handler:quick", okHandler(nil))

	tc := NewRootContext("user:alice", "")
	opID, err := coord.Begin(context.Background(), "orders", []StepSpec{
		{Name: "quick", Capability: "quick"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := coord.WaitUntilDone(ctx, opID)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if inst.Status != SagaStatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}

	// Status stays queryable after completion.
	again, err := coord.Status(opID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if again.Status != SagaStatusCompleted {
		t.Errorf("expected completed, got %s", again.Status)
	}

	if _, err := coord.Status("no-such-op"); !IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unknown operation, got %v", err)
	}
}

func TestSagaCancelTriggersCompensation(t *testing.T) {
	reg, _, _, local, _, coord := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "first", "handler:first")
	reg.add("orders", "undo_first", "handler:undo_first")
	reg.add("orders", "blocked", "handler:blocked")

	started := make(chan struct{})
	release := make(chan struct{})
	undo := &countingHandler{inner: okHandler(nil)}

	local.RegisterHandler("handler:first", okHandler(nil))
	local.RegisterHandler("handler:undo_first", undo)
	local.RegisterHandler("handler:blocked", HandlerFunc(func(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error) {
		close(started)
		select {
		case <-release:
			return Success(nil), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	defer close(release)

	tc := NewRootContext("user:alice", "")
	opID, err := coord.Begin(context.Background(), "orders", []StepSpec{
		{Name: "first", Capability: "first", Compensation: "undo_first"},
		{Name: "blocked", Capability: "blocked"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-started
	if err := coord.Cancel(context.Background(), opID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := coord.WaitUntilDone(ctx, opID)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if inst.Status != SagaStatusCompensated {
		t.Fatalf("expected compensated after cancel, got %s (%s)", inst.Status, inst.Err)
	}
	if undo.calls() != 1 {
		t.Errorf("expected the committed step to be compensated once, got %d", undo.calls())
	}
}

func TestSagaRejectsEmptySteps(t *testing.T) {
	_, _, _, _, _, coord := newTestKernel(DefaultCoordinatorConfig())

	tc := NewRootContext("user:alice", "")
	if _, err := coord.Begin(context.Background(), "orders", nil, tc); !IsInvalidState(err) {
		t.Errorf("expected INVALID_STATE for empty steps, got %v", err)
	}
	if _, err := coord.Execute(context.Background(), "orders", []StepSpec{{Name: "x"}}, tc); !IsInvalidState(err) {
		t.Errorf("expected INVALID_STATE for step without capability, got %v", err)
	}
	if _, err := coord.Begin(context.Background(), "orders", []StepSpec{{Name: "x", Capability: "y"}}, TraceContext{}); KindOf(err) != ErrorKindInvalidContext {
		t.Errorf("expected INVALID_CONTEXT for empty trace context, got %v", err)
	}
}

func TestSagaTerminalInstanceEvicted(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.InstanceRetention = 20 * time.Millisecond
	reg, _, _, local, _, coord := newTestKernel(cfg)
	reg.add("orders", "create_order", "handler:create")
	local.RegisterHandler("handler:create", okHandler(nil))

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", []StepSpec{
		{Name: "create", Capability: "create_order"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != SagaStatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := coord.Status(inst.OperationID); IsNotFound(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal instance was not evicted after its retention window")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSagaWALAppendFailureStopsForward(t *testing.T) {
	reg, wal, _, local, _, coord := newTestKernel(DefaultCoordinatorConfig())
	reg.add("orders", "reserve_stock", "handler:reserve")

	reserve := &countingHandler{inner: okHandler(nil)}
	local.RegisterHandler("handler:reserve", reserve)
	wal.failAppend = true

	tc := NewRootContext("user:alice", "")
	inst, err := coord.Execute(context.Background(), "orders", []StepSpec{
		{Name: "reserve", Capability: "reserve_stock"},
	}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inst.Status != SagaStatusCompensated {
		t.Fatalf("expected compensated, got %s", inst.Status)
	}
	if reserve.calls() != 0 {
		t.Errorf("side effect must never run before its intent is durable, got %d calls", reserve.calls())
	}
}
