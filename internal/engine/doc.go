// Package engine implements the covenant contract engine.
//
// The engine is the only writer of job state. Every inbound operation runs
// the same pipeline:
//
//  1. Admit the document: api_version selects the schema version, kind must
//     match, and the document is validated before any policy work.
//  2. Load the job and verify its stored contract digest.
//  3. Resolve the organization's policy snapshot as of now.
//  4. Compute the transition with the pure lifecycle state machine.
//  5. Commit the new state and its audit event atomically, guarded by the
//     job version (compare-and-swap).
//
// CONCURRENCY:
//
// No locks are held across operations. Two writers racing on one job both
// read version N; the store accepts exactly one commit to N+1 and the loser
// reloads and recomputes. After the configured number of attempts the
// operation fails with CONFLICT and the refusal is itself audited.
//
// AUDIT:
//
// Every operation that reaches an existing job appends exactly one audit
// event, whether it was accepted or rejected. Rejections that leave the state
// unchanged are appended without a version check. Submissions that fail
// before a job exists are returned to the caller and leave no trace.
//
// Build mode (deferred execution) is the default: run never invokes an agent,
// it records the attempt and parks the job in waiting.
package engine
