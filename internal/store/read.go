package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/covenant/internal/contract"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// LoadJob returns the job record without its history. The stored contract
// bytes are returned as-is; integrity verification is the caller's concern.
// Returns ErrNotFound if no such job exists.
func (s *Store) LoadJob(ctx context.Context, jobID string) (contract.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, org_id, state, version, run_token, policy_revision, contract_digest, contract, boundary, created_at, updated_at
		FROM jobs
		WHERE job_id = ?
	`, jobID)

	var (
		job                  contract.Job
		state, doc, boundary string
		created, updated     string
	)
	err := row.Scan(&job.JobID, &job.OrgID, &state, &job.Version, &job.RunToken, &job.PolicyRevision,
		&job.ContractDigest, &doc, &boundary, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.Job{}, fmt.Errorf("load job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return contract.Job{}, fmt.Errorf("load job: %w", err)
	}
	job.State = contract.State(state)
	job.Document = []byte(doc)
	job.BoundaryDoc = []byte(boundary)
	if job.CreatedAt, err = parseTime(created); err != nil {
		return contract.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return contract.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// History returns the job's audit events ordered by seq.
// Returns an empty slice (not nil) if the job has no events.
func (s *Store) History(ctx context.Context, jobID string) ([]contract.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, job_id, org_id, kind, operation, from_state, to_state, error_kind, explanation, details, created_at
		FROM audit_events
		WHERE job_id = ?
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	events := []contract.AuditEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return events, nil
}

func scanEvent(row scanner) (contract.AuditEvent, error) {
	var (
		ev                              contract.AuditEvent
		kind, op, from, to, details, at string
	)
	if err := row.Scan(&ev.Seq, &ev.EventID, &ev.JobID, &ev.OrgID, &kind, &op, &from, &to,
		&ev.ErrorKind, &ev.Explanation, &details, &at); err != nil {
		return contract.AuditEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = contract.EventKind(kind)
	ev.Operation = contract.Operation(op)
	ev.FromState = contract.State(from)
	ev.ToState = contract.State(to)
	var err error
	if ev.Details, err = unmarshalDetails(details); err != nil {
		return contract.AuditEvent{}, err
	}
	if ev.CreatedAt, err = parseTime(at); err != nil {
		return contract.AuditEvent{}, err
	}
	return ev, nil
}

// GetArtifact retrieves an artifact by id. Returns ErrNotFound if absent.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (contract.ArtifactRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, job_id, org_id, artifact_type, producer_agent_id, digest, document, recorded_at
		FROM artifacts
		WHERE artifact_id = ?
	`, artifactID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.ArtifactRecord{}, fmt.Errorf("get artifact %s: %w", artifactID, ErrNotFound)
	}
	if err != nil {
		return contract.ArtifactRecord{}, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the job's artifacts ordered by recorded_at then id.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]contract.ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, job_id, org_id, artifact_type, producer_agent_id, digest, document, recorded_at
		FROM artifacts
		WHERE job_id = ?
		ORDER BY recorded_at ASC, artifact_id COLLATE BINARY ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	out := []contract.ArtifactRecord{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

func scanArtifact(row scanner) (contract.ArtifactRecord, error) {
	var (
		a       contract.ArtifactRecord
		doc, at string
	)
	if err := row.Scan(&a.ArtifactID, &a.JobID, &a.OrgID, &a.ArtifactType, &a.ProducerAgentID, &a.Digest, &doc, &at); err != nil {
		return contract.ArtifactRecord{}, err
	}
	a.Document = []byte(doc)
	var err error
	if a.RecordedAt, err = parseTime(at); err != nil {
		return contract.ArtifactRecord{}, err
	}
	return a, nil
}

// GetEvaluation retrieves an evaluation by id. Returns ErrNotFound if absent.
func (s *Store) GetEvaluation(ctx context.Context, evaluationID string) (contract.EvaluationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT evaluation_id, job_id, org_id, evaluator_agent_id, verdict, artifact_ids, digest, document, recorded_at
		FROM evaluations
		WHERE evaluation_id = ?
	`, evaluationID)

	var (
		e                     contract.EvaluationRecord
		verdict, ids, doc, at string
	)
	err := row.Scan(&e.EvaluationID, &e.JobID, &e.OrgID, &e.EvaluatorAgentID, &verdict, &ids, &e.Digest, &doc, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.EvaluationRecord{}, fmt.Errorf("get evaluation %s: %w", evaluationID, ErrNotFound)
	}
	if err != nil {
		return contract.EvaluationRecord{}, fmt.Errorf("get evaluation: %w", err)
	}
	e.Verdict = contract.Verdict(verdict)
	e.Document = []byte(doc)
	if e.ArtifactIDs, err = unmarshalIDs(ids); err != nil {
		return contract.EvaluationRecord{}, fmt.Errorf("get evaluation: %w", err)
	}
	if e.RecordedAt, err = parseTime(at); err != nil {
		return contract.EvaluationRecord{}, fmt.Errorf("get evaluation: %w", err)
	}
	return e, nil
}

// CountActiveJobs counts the organization's running or waiting jobs.
func (s *Store) CountActiveJobs(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE org_id = ? AND state IN (?, ?)
	`, orgID, string(contract.StateRunning), string(contract.StateWaiting)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// CountRunStarts counts accepted run operations for the organization at or
// after since. Deferred runs count as starts.
func (s *Store) CountRunStarts(ctx context.Context, orgID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE org_id = ? AND operation = ? AND kind IN (?, ?) AND created_at >= ?
	`,
		orgID,
		string(contract.OpRunJob),
		string(contract.EventStateTransition),
		string(contract.EventDeferredExecution),
		formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count run starts: %w", err)
	}
	return n, nil
}
