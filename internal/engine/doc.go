// Package engine drives one workflow run from planned to completed or
// failed.
//
// ARCHITECTURE:
//
// Single-Writer Run Loop:
// Every decision about a run is made on one goroutine. Bus handlers for
// task results, entropy alerts and algedonic signals only enqueue events;
// Run dequeues them one at a time and is the only code that writes run and
// task rows to the ledger. Workers execute concurrently through a
// worker.Dispatcher, up to the parallelism allowed by the run's depth.
//
// Event Processing Flow:
//  1. Ready movements (all dependencies completed) are dispatched as tasks
//  2. The dispatcher publishes task.{run}.completed or .failed
//  3. The loop persists usage, runs the gate pipeline and marks the movement
//     done, or schedules a retry with backoff
//  4. Exhausted movements abort the run or skip their downstream, depending
//     on the failure action
//
// Algedonic signals pause or shut down the run. A pause stops new dispatch
// while in-flight tasks settle; a shutdown drains in-flight tasks for at
// most the drain timeout and records whatever is left as abandoned.
//
// Every state change is appended to the ledger before it is acted on. A
// failed ledger write stops the run.
package engine
