package store

import (
	"context"
	"fmt"

	"github.com/roach88/covenant/internal/contract"
)

// JobAudit is the result of replaying a job's history against its stored
// state.
type JobAudit struct {
	JobID       string         `json:"job_id"`
	StoredState contract.State `json:"stored_state"`
	// ReplayedState is the state reached by folding the history.
	ReplayedState contract.State `json:"replayed_state"`
	Events        int            `json:"events"`
	Rejections    int            `json:"rejections"`
	LastSeq       int64          `json:"last_seq"`
	Consistent    bool           `json:"consistent"`
	// Problem describes the first inconsistency found, if any.
	Problem string `json:"problem,omitempty"`
}

// ReplayState folds a job history into its final state. Every event must
// start from the state the previous one ended in, and the first event must
// be the submission.
func ReplayState(events []contract.AuditEvent) (contract.State, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("empty history")
	}
	first := events[0]
	if first.Operation != contract.OpSubmitJob || first.ToState != contract.StateSubmitted {
		return "", fmt.Errorf("history does not start with a submission (seq %d: %s -> %s)",
			first.Seq, first.Operation, first.ToState)
	}
	state := first.ToState
	for _, ev := range events[1:] {
		if ev.FromState != state {
			return state, fmt.Errorf("seq %d starts from %q but job was %q", ev.Seq, ev.FromState, state)
		}
		if state.Terminal() && ev.ToState != state {
			return state, fmt.Errorf("seq %d leaves terminal state %q", ev.Seq, state)
		}
		if ev.ToState == contract.StateComplete && ev.Operation != contract.OpSubmitEvaluation {
			return state, fmt.Errorf("seq %d completes the job without an evaluation", ev.Seq)
		}
		state = ev.ToState
	}
	return state, nil
}

// AuditJob replays the stored history of jobID and compares it to the stored
// job state. Returns ErrNotFound if the job does not exist.
func (s *Store) AuditJob(ctx context.Context, jobID string) (JobAudit, error) {
	job, err := s.LoadJob(ctx, jobID)
	if err != nil {
		return JobAudit{}, fmt.Errorf("audit job: %w", err)
	}
	events, err := s.History(ctx, jobID)
	if err != nil {
		return JobAudit{}, fmt.Errorf("audit job: %w", err)
	}

	return Audit(job, events), nil
}

// Audit compares a job's stored state with the state its history replays
// to. It works on records from any backend.
func Audit(job contract.Job, events []contract.AuditEvent) JobAudit {
	audit := JobAudit{JobID: job.JobID, StoredState: job.State, Events: len(events)}
	for _, ev := range events {
		if ev.Kind == contract.EventRejection && !ev.ToState.Terminal() {
			audit.Rejections++
		}
		audit.LastSeq = ev.Seq
	}

	replayed, err := ReplayState(events)
	audit.ReplayedState = replayed
	switch {
	case err != nil:
		audit.Problem = err.Error()
	case replayed != job.State:
		audit.Problem = fmt.Sprintf("history ends in %q but job is %q", replayed, job.State)
	default:
		audit.Consistent = true
	}
	return audit
}

// LastSeq returns the highest audit event seq in the store, or 0.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM audit_events
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return seq, nil
}
