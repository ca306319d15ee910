// Package store is the durable journal behind idempotent calls and
// resumable runs.
//
// The journal holds:
//   - Invocations: one row per accepted call, keyed by idempotency key or run id
//   - Steps: recorded step outcomes, unique per (run id, label)
//   - Markers: durable named values such as a workflow's status marker
//   - Archived runs: snapshots of terminal runs
//
// # Critical Patterns
//
// Exactly-once recording
//   - PRIMARY KEY (run_id, label) with INSERT ... ON CONFLICT DO NOTHING
//   - the first recorded outcome wins and is returned to every later caller
//
// Key dedup
//   - invocations.id is the idempotency key; a claim either inserts or
//     returns the existing row, never both
//
// Logical time
//   - ordering uses the seq column, never timestamps
//   - seq is seeded from the journal at Open so it survives restarts
//
// # Backends
//
// SQLite (go-sqlite3) is the default; WAL mode, synchronous=NORMAL,
// busy_timeout=5000 and a single connection. A postgres:// DSN selects
// PostgreSQL through pgx's database/sql driver; placeholders are rebound.
package store
