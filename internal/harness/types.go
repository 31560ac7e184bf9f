package harness

import (
	"time"

	"github.com/roach88/covenant/internal/contract"
)

// TraceEvent is one audit event of a scenario run, in global seq order.
type TraceEvent struct {
	Seq         int64             `json:"seq"`
	EventID     string            `json:"event_id"`
	Job         string            `json:"job"` // scenario label
	JobID       string            `json:"job_id"`
	Operation   string            `json:"operation"`
	Kind        string            `json:"kind"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Explanation string            `json:"explanation"`
	Details     map[string]string `json:"details,omitempty"`
	At          time.Time         `json:"at"`
}

func traceEvent(label string, ev contract.AuditEvent) TraceEvent {
	return TraceEvent{
		Seq:         ev.Seq,
		EventID:     ev.EventID,
		Job:         label,
		JobID:       ev.JobID,
		Operation:   string(ev.Operation),
		Kind:        string(ev.Kind),
		From:        string(ev.FromState),
		To:          string(ev.ToState),
		ErrorKind:   ev.ErrorKind,
		Explanation: ev.Explanation,
		Details:     ev.Details,
		At:          ev.CreatedAt.UTC(),
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is the audit trail of every job the scenario created.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State maps job labels to their final state.
	State map[string]contract.State `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]contract.State),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
