// Package ledger provides the SQLite-backed system of record for runs.
//
// The ledger holds four tables:
//   - runs: one row per workflow execution with cumulative token/cost usage
//   - tasks: one row per dispatch attempt of a movement
//   - events: the append-only audit stream that replay reads back
//   - context_summaries: cached summaries, soft-invalidated rather than deleted
//
// # Invariants
//
// Status columns only hold the values of RunStatus and TaskStatus, and
// updates follow the transition tables in status.go. Re-applying the current
// status is an idempotent no-op. completed_at is written once, the first time
// a row reaches a terminal status.
//
// Token and cost counters are additive. Event rows are never updated.
//
// Events are ordered by timestamp and then by a logical sequence number
// that increases monotonically across the whole database, so replay order is
// deterministic even when two events share a timestamp.
//
// # Database Configuration
//
//   - WAL mode, synchronous=NORMAL, busy_timeout=5000, foreign_keys=ON
//   - a single open connection, which serializes writers
//   - embedded NNN_name.sql migrations tracked in the _migrations table
package ledger
