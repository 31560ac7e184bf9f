package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/covenant/internal/contract"
)

// Commit is one atomic job mutation: a compare-and-swap on the job version,
// an optional artifact or evaluation record, and exactly one audit event.
type Commit struct {
	JobID           string
	ExpectedVersion int64
	State           contract.State
	RunToken        string
	UpdatedAt       time.Time
	Event           contract.AuditEvent
	Artifact        *contract.ArtifactRecord
	Evaluation      *contract.EvaluationRecord
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateJob inserts a new job together with its submission event.
// Returns ErrDuplicate if the job id is taken.
func (s *Store) CreateJob(ctx context.Context, job contract.Job, ev contract.AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create job: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs
		(job_id, org_id, state, version, run_token, policy_revision, contract_digest, contract, boundary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.JobID,
		job.OrgID,
		string(job.State),
		job.Version,
		job.RunToken,
		job.PolicyRevision,
		job.ContractDigest,
		string(job.Document),
		string(job.BoundaryDoc),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create job %s: %w", job.JobID, ErrDuplicate)
		}
		return fmt.Errorf("create job: insert: %w", err)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create job: commit: %w", err)
	}
	return nil
}

// Commit applies c atomically. Returns ErrVersionConflict if the job's version
// no longer equals c.ExpectedVersion, ErrNotFound if the job does not exist,
// and ErrDuplicate if the artifact or evaluation id is taken.
func (s *Store) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit job: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, version = version + 1, run_token = ?, updated_at = ?
		WHERE job_id = ? AND version = ?
	`,
		string(c.State),
		c.RunToken,
		formatTime(c.UpdatedAt),
		c.JobID,
		c.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("commit job: update: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit job: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, c.JobID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("commit job %s: %w", c.JobID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("commit job: check existence: %w", err)
		}
		return fmt.Errorf("commit job %s at version %d: %w", c.JobID, c.ExpectedVersion, ErrVersionConflict)
	}

	if a := c.Artifact; a != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts
			(artifact_id, job_id, org_id, artifact_type, producer_agent_id, digest, document, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.ArtifactID,
			a.JobID,
			a.OrgID,
			a.ArtifactType,
			a.ProducerAgentID,
			a.Digest,
			string(a.Document),
			formatTime(a.RecordedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("commit job: artifact %s: %w", a.ArtifactID, ErrDuplicate)
			}
			return fmt.Errorf("commit job: insert artifact: %w", err)
		}
	}

	if e := c.Evaluation; e != nil {
		ids, err := marshalIDs(e.ArtifactIDs)
		if err != nil {
			return fmt.Errorf("commit job: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO evaluations
			(evaluation_id, job_id, org_id, evaluator_agent_id, verdict, artifact_ids, digest, document, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.EvaluationID,
			e.JobID,
			e.OrgID,
			e.EvaluatorAgentID,
			string(e.Verdict),
			ids,
			e.Digest,
			string(e.Document),
			formatTime(e.RecordedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("commit job: evaluation %s: %w", e.EvaluationID, ErrDuplicate)
			}
			return fmt.Errorf("commit job: insert evaluation: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, c.Event); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: commit: %w", err)
	}
	return nil
}

// AppendEventAt records ev only while the job is still at version, so the
// event's from-state is the job's current state. Returns ErrVersionConflict
// when another commit got there first and ErrNotFound for an unknown job.
func (s *Store) AppendEventAt(ctx context.Context, ev contract.AuditEvent, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM jobs WHERE job_id = ?`, ev.JobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("append event for job %s: %w", ev.JobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("append event: read version: %w", err)
	}
	if current != version {
		return fmt.Errorf("append event for job %s at version %d (now %d): %w", ev.JobID, version, current, ErrVersionConflict)
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event: commit: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, db execer, ev contract.AuditEvent) error {
	details, err := marshalDetails(ev.Details)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_events
		(event_id, job_id, org_id, kind, operation, from_state, to_state, error_kind, explanation, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.EventID,
		ev.JobID,
		ev.OrgID,
		string(ev.Kind),
		string(ev.Operation),
		string(ev.FromState),
		string(ev.ToState),
		ev.ErrorKind,
		ev.Explanation,
		details,
		formatTime(ev.CreatedAt),
	)
	if err != nil {
		var se sqlite3.Error
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("event %s: %w", ev.EventID, ErrDuplicate)
		case errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("event for job %s: %w", ev.JobID, ErrNotFound)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
