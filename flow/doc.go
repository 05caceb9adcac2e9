// Package flow implements a workflow-run token coordinator.
//
// Given a declarative workflow definition (nodes, transitions, fan-out and
// fan-in rules), the engine drives one execution instance (a "run") to
// completion by tracking units of in-flight work ("tokens"), deciding which
// node each token moves to next, dispatching the corresponding task to an
// external executor, and reconciling the task's result back into shared run
// state.
//
// The engine does not execute node actions itself. Every node's action (an
// LLM call, an HTTP call, a tool invocation) is performed by an external
// executor reached through a task queue; the engine's outbound surface is a
// stream of TaskMessage values and its inbound surface is ProcessTaskResult.
// Result delivery may be concurrent, out of order, and duplicated; all
// inbound paths are guarded by source-state checks so replays are idempotent
// no-ops.
//
// Core pieces:
//   - Token state machine: pending -> dispatched -> executing -> terminal,
//     with a waiting_for_siblings state for tokens parked at a join point.
//   - Routing engine: turns a completed task into successor tokens,
//     evaluating transition conditions over a context snapshot in ascending
//     priority order, with fan-out via spawn counts or foreach collections.
//   - Synchronization engine: reunites sibling tokens at a fan-in point
//     exactly once, merges their branch-local outputs, and resumes
//     execution with a single proceeding token.
//   - Context store: per-run namespaces (input, state, output, plus one
//     branch namespace per in-flight fan-out lineage) with dotted-path
//     access and JSON Schema validation.
//
// All state mutations for one run execute inside a single serialized
// transaction (store.Store.WithRun), so each result delivery is atomic:
// read current token and fan-in state, decide, write new state. Different
// runs proceed fully in parallel.
package flow
