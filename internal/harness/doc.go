// Package harness runs scripted scenarios against a real contract engine
// and compares the resulting audit trail with golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: build_mode_pass
//	description: "A deferred run produces a report that passes review"
//	mode: build            # or execute
//	steps:
//	  - op: submit         # fixture JobContract for orgA
//	    set: { metadata/title: "Audit" }
//	    expect: { state: submitted }
//	  - op: run
//	    expect: { state: waiting }
//	  - op: artifact
//	    as: report
//	    agent: { agent_id: agentY, role: builder }
//	  - op: evaluation
//	    artifacts: [report]
//	    agent: { agent_id: agentX, role: reviewer }
//	    verdict: pass
//	    expect: { state: complete }
//	  - op: advance_clock
//	    duration: 25h
//	  - op: run
//	    expect: { error: TERMINAL_STATE, state: complete }
//	assertions:
//	  - type: final_state
//	    job: job
//	    state: complete
//
// Documents are built from the testutil fixtures and edited with set, whose
// keys are slash-separated paths; a null value deletes the key. Jobs and
// artifacts are referred to by label; a label that was never bound is used
// as a literal id.
//
// # Assertion Types
//
//   - trace_contains: an event matches operation, kind and error_kind
//   - trace_order: operations appear in order for a job
//   - trace_count: exactly N events match
//   - final_state: a job ends in the given state
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory SQLite store, the bundled
// registry (or the Source given with WithSource), a testutil.FixedClock
// starting at testutil.Epoch and an engine.SequentialGenerator. The same
// scenario therefore always produces byte-identical trails, which Render
// writes as canonical JSON lines for golden comparison.
package harness
