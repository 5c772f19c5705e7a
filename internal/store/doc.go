// Package store provides SQLite-backed durable storage for the substrate.
//
// Two logical surfaces share one database:
//   - Event log: executions + events, an append-only per-execution log
//     ordered by a logical clock (executions.last_seq)
//   - Content store: hash-addressed, reference-counted blobs
//
// plus the approvals bookkeeping table the approval gate maintains.
//
// # Invariants
//
// Sequence integrity: every event insert advances executions.last_seq with
// a last_seq = seq-1 guard in the same transaction, so sequence numbers per
// execution are strictly increasing with no gaps and a lost race surfaces
// as ErrSequenceConflict rather than corruption.
//
// Logical time: all ordering uses seq INTEGER, never timestamps. Replaying
// the same seq range always yields the same rows in the same order.
//
// Content identity: content.hash is UNIQUE; identical byte sequences always
// map to the same entry. Releases floor the reference count at zero and
// never delete - reclamation is the deferred sweep's job.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
