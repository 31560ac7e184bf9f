// Package store provides SQLite-backed durable storage for covenant jobs.
//
// The store keeps:
//   - Jobs: the current state, optimistic version and canonical contract
//   - Artifacts and Evaluations: immutable accepted documents
//   - Audit Events: the append-only history of every operation on a job
//
// # Guarantees
//
// Optimistic concurrency
//   - Commit updates a job only if its version still equals the version the
//     caller read, and increments it. A mismatch returns ErrVersionConflict.
//   - State change, record insert and audit event land in one transaction.
//
// Append-only history
//   - audit_events rejects UPDATE and DELETE via triggers; jobs rejects DELETE.
//   - seq is assigned by the database and totally orders all events.
//
// Deterministic reads
//   - History is ordered by seq; record lists by recorded_at then id.
//   - Reads return empty slices, never nil.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Contracts and documents are stored as the exact canonical JSON bytes whose
// digest was recorded at acceptance (see internal/canon), so a later load can
// detect tampering.
package store
