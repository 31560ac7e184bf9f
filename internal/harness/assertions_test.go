package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/contract"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, Job: "a", Operation: "submit_job", Kind: "state_transition", To: "submitted"},
		{Seq: 2, Job: "b", Operation: "submit_job", Kind: "state_transition", To: "submitted"},
		{Seq: 3, Job: "a", Operation: "run_job", Kind: "deferred_execution", From: "submitted", To: "waiting"},
		{Seq: 4, Job: "b", Operation: "run_job", Kind: "rejection", From: "submitted", To: "submitted", ErrorKind: "POLICY_VIOLATION"},
	}
	r.State["a"] = contract.StateWaiting
	r.State["b"] = contract.StateSubmitted
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertTraceContains, Operation: "run_job", ErrorKind: "POLICY_VIOLATION"},
		{Type: AssertTraceContains, Job: "a", Kind: "deferred_execution"},
		{Type: AssertTraceOrder, Operations: []string{"submit_job", "submit_job", "run_job"}},
		{Type: AssertTraceOrder, Job: "b", Operations: []string{"submit_job", "run_job"}},
		{Type: AssertTraceCount, Operation: "submit_job", Count: 2},
		{Type: AssertTraceCount, Job: "a", Kind: "rejection", Count: 0},
		{Type: AssertFinalState, Job: "a", State: "waiting"},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"contains", Assertion{Type: AssertTraceContains, Job: "a", ErrorKind: "POLICY_VIOLATION"}, "not found in trace"},
		{"order", Assertion{Type: AssertTraceOrder, Job: "a", Operations: []string{"run_job", "submit_job"}}, "submit_job not found after [run_job]"},
		{"count", Assertion{Type: AssertTraceCount, Operation: "run_job", Count: 1}, "2 events"},
		{"state", Assertion{Type: AssertFinalState, Job: "b", State: "waiting"}, "state submitted"},
		{"unknown job", Assertion{Type: AssertFinalState, Job: "c", State: "waiting"}, "never created"},
		{"unknown type", Assertion{Type: "trace_magic"}, "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
			assert.Contains(t, errs[0], "assertions[0]")
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := assertTraceContains(sampleResult().Trace, Assertion{Operation: "stop_job"})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "Expected: operation=stop_job")
	assert.Contains(t, msg, "[4] b run_job rejection submitted->submitted POLICY_VIOLATION")
}
