package harness

import (
	"fmt"
	"strings"
)

// Assertion validates the trace or final state of a scenario.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Job restricts the assertion to one job label. Required by final_state.
	Job string `yaml:"job,omitempty"`

	// Operation, Kind and ErrorKind select events (subset match).
	Operation string `yaml:"operation,omitempty"`
	Kind      string `yaml:"kind,omitempty"`
	ErrorKind string `yaml:"error_kind,omitempty"`

	// Operations is the expected operation order (trace_order).
	Operations []string `yaml:"operations,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// State is the expected final state (final_state).
	State string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s->%s %s\n", ev.Seq, ev.Job, ev.Operation, ev.Kind, ev.From, ev.To, ev.ErrorKind)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns one
// message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// matches reports whether ev satisfies every selector a sets.
func matches(ev TraceEvent, a Assertion) bool {
	if a.Job != "" && ev.Job != a.Job {
		return false
	}
	if a.Operation != "" && ev.Operation != a.Operation {
		return false
	}
	if a.Kind != "" && ev.Kind != a.Kind {
		return false
	}
	if a.ErrorKind != "" && ev.ErrorKind != a.ErrorKind {
		return false
	}
	return true
}

func describe(a Assertion) string {
	var parts []string
	for _, kv := range [][2]string{
		{"job", a.Job},
		{"operation", a.Operation},
		{"kind", a.Kind},
		{"error_kind", a.ErrorKind},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if len(parts) == 0 {
		return "any event"
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the operations occur in order, not
// necessarily consecutively, among the events of a.Job (or all events).
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next == len(a.Operations) {
			break
		}
		if a.Job != "" && ev.Job != a.Job {
			continue
		}
		if ev.Operation == a.Operations[next] {
			next++
		}
	}
	if next < len(a.Operations) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("operations in order: %v", a.Operations),
			Actual:   fmt.Sprintf("%s not found after %v", a.Operations[next], a.Operations[:next]),
			Trace:    trace,
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events with %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalState(result *Result, a Assertion) error {
	got, ok := result.State[a.Job]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("job %s in state %s", a.Job, a.State),
			Actual:   "job was never created",
		}
	}
	if string(got) != a.State {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("job %s in state %s", a.Job, a.State),
			Actual:   fmt.Sprintf("state %s", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Operation == "" && a.Kind == "" && a.ErrorKind == "" {
			return fmt.Errorf("assertions[%d]: trace_contains needs operation, kind or error_kind", index)
		}
	case AssertTraceOrder:
		if len(a.Operations) == 0 {
			return fmt.Errorf("assertions[%d]: operations list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Job == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: job and state are required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
