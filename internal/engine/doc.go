// Package engine implements the scheduled task orchestration engine.
//
// The engine owns four pieces of shared state, each guarded by its own lock:
//
//   - the task registry (validated definitions, enable/disable flags)
//   - the schedule table (task id -> next-due timestamp)
//   - the metrics store (per-task rolling counters, single writer: the executor)
//   - the live-execution set (in-flight attempt chains, removed on termination)
//
// A single scheduler loop wakes on a fixed tick, lists due tasks in priority
// order, runs each through the admission gates (concurrency, dependency
// freshness, conditions, resources) and dispatches approved tasks as
// independent goroutines. The executor serializes attempts per task id with
// a keyed mutex: at most one attempt chain (including retries) is in flight
// for a given task at any time.
//
// Execution history is intentionally not persisted; metrics and live state
// live and die with the process.
package engine
