// Package bridge provides the core types and components of the realmbridge
// orchestration kernel: durable multi-step operations and cross-realm
// capability routing.
//
// # Overview
//
// A realm is an independently deployable domain boundary that owns a set of
// named capabilities. The kernel lets a caller in one realm invoke a
// capability owned by another realm without holding a direct reference to the
// implementation, and lets an orchestrator run a multi-step operation across
// realms with write-ahead durability and compensating rollback.
//
// The execution path is:
//
//  1. Begin - the Coordinator allocates an operation id and starts a saga
//  2. Append - each step's intent is written to the WAL before any side effect
//  3. Invoke - the Router resolves the target capability and dispatches it
//  4. Commit - the WAL entry transitions to committed on step success
//  5. Compensate - on failure, committed steps are undone in reverse order
//
// Every hop derives a child TraceContext, and every routed invocation and
// WAL/saga transition is recorded in the execution trace store for post-hoc
// correlation by trace id.
//
// # Core Domain Types
//
//   - CapabilityDescriptor: one invocable unit, keyed (realm, name, version)
//   - TraceContext: causal/identity envelope carried through every hop
//   - WALEntry: durable record of a step's intent and outcome
//   - SagaInstance: the state machine of one multi-step operation
//   - StepSpec: a step and its compensating capability
//   - TraceEvent: one observation in the execution trace store
//   - InvocationResult: the uniform envelope every capability handler returns
//
// # Collaborator Contract
//
// Business-logic handlers register as capabilities and implement a single
// uniform signature:
//
//	type Handler interface {
//	    Invoke(ctx context.Context, params map[string]any, tc TraceContext) (*InvocationResult, error)
//	}
//
// Anything beyond this envelope is the handler's private concern. The kernel
// never inspects the authorization token it carries.
package bridge
