// Package pgstore is the PostgreSQL storage backend. It mirrors the SQLite
// store's semantics: CAS commits on the job version, append-only audit events
// ordered by a database sequence, and the store package's sentinel errors.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store is the PostgreSQL implementation of the engine store. Version
// checks run inside transactions, so several runtimes can share one database.
type Store struct {
	DB *pgxpool.Pool
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{DB: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.DB.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// CreateJob inserts a new job together with its first audit event.
// Returns store.ErrDuplicate when the job id is taken.
func (s *Store) CreateJob(ctx context.Context, job contract.Job, ev contract.AuditEvent) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO covenant_jobs(job_id,org_id,state,version,run_token,policy_revision,contract_digest,contract,boundary,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, job.JobID, job.OrgID, string(job.State), job.Version, job.RunToken, job.PolicyRevision,
		job.ContractDigest, string(job.Document), string(job.BoundaryDoc), job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("create job %s: %w", job.JobID, store.ErrDuplicate)
		}
		return fmt.Errorf("create job: insert: %w", err)
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create job: commit: %w", err)
	}
	return nil
}

// Commit applies c only if the job is still at c.ExpectedVersion, writing
// the state, the event and any artifact or evaluation in one transaction.
func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("commit job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE covenant_jobs
SET state=$1, version=version+1, run_token=$2, updated_at=$3
WHERE job_id=$4 AND version=$5
`, string(c.State), c.RunToken, c.UpdatedAt.UTC(), c.JobID, c.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("commit job: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM covenant_jobs WHERE job_id=$1)`, c.JobID).Scan(&exists); err != nil {
			return fmt.Errorf("commit job: check existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("commit job %s: %w", c.JobID, store.ErrNotFound)
		}
		return fmt.Errorf("commit job %s at version %d: %w", c.JobID, c.ExpectedVersion, store.ErrVersionConflict)
	}

	if a := c.Artifact; a != nil {
		_, err := tx.Exec(ctx, `
INSERT INTO covenant_artifacts(artifact_id,job_id,org_id,artifact_type,producer_agent_id,digest,document,recorded_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, a.ArtifactID, a.JobID, a.OrgID, a.ArtifactType, a.ProducerAgentID, a.Digest, string(a.Document), a.RecordedAt.UTC())
		if err != nil {
			if pgCode(err) == codeUniqueViolation {
				return fmt.Errorf("commit job: artifact %s: %w", a.ArtifactID, store.ErrDuplicate)
			}
			return fmt.Errorf("commit job: insert artifact: %w", err)
		}
	}
	if e := c.Evaluation; e != nil {
		ids := e.ArtifactIDs
		if ids == nil {
			ids = []string{}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO covenant_evaluations(evaluation_id,job_id,org_id,evaluator_agent_id,verdict,artifact_ids,digest,document,recorded_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, e.EvaluationID, e.JobID, e.OrgID, e.EvaluatorAgentID, string(e.Verdict), ids, e.Digest, string(e.Document), e.RecordedAt.UTC())
		if err != nil {
			if pgCode(err) == codeUniqueViolation {
				return fmt.Errorf("commit job: evaluation %s: %w", e.EvaluationID, store.ErrDuplicate)
			}
			return fmt.Errorf("commit job: insert evaluation: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, c.Event); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job: commit: %w", err)
	}
	return nil
}

// AppendEventAt records ev only while the job is still at version. The row
// lock taken by FOR SHARE orders the append against concurrent commits.
func (s *Store) AppendEventAt(ctx context.Context, ev contract.AuditEvent, version int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM covenant_jobs WHERE job_id=$1 FOR SHARE`, ev.JobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("append event for job %s: %w", ev.JobID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("append event: read version: %w", err)
	}
	if current != version {
		return fmt.Errorf("append event for job %s at version %d (now %d): %w", ev.JobID, version, current, store.ErrVersionConflict)
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append event: commit: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, db dbtx, ev contract.AuditEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]string{}
	}
	_, err := db.Exec(ctx, `
INSERT INTO covenant_audit_events(event_id,job_id,org_id,kind,operation,from_state,to_state,error_kind,explanation,details,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, ev.EventID, ev.JobID, ev.OrgID, string(ev.Kind), string(ev.Operation), string(ev.FromState), string(ev.ToState),
		ev.ErrorKind, ev.Explanation, details, ev.CreatedAt.UTC())
	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return fmt.Errorf("event %s: %w", ev.EventID, store.ErrDuplicate)
	case codeForeignKeyViolation:
		return fmt.Errorf("event for job %s: %w", ev.JobID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (contract.Job, error) {
	var (
		job                  contract.Job
		state, doc, boundary string
	)
	err := s.DB.QueryRow(ctx, `
SELECT job_id,org_id,state,version,run_token,policy_revision,contract_digest,contract,boundary,created_at,updated_at
FROM covenant_jobs
WHERE job_id=$1
`, jobID).Scan(&job.JobID, &job.OrgID, &state, &job.Version, &job.RunToken, &job.PolicyRevision,
		&job.ContractDigest, &doc, &boundary, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return contract.Job{}, fmt.Errorf("load job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return contract.Job{}, fmt.Errorf("load job: %w", err)
	}
	job.State = contract.State(state)
	job.Document = []byte(doc)
	job.BoundaryDoc = []byte(boundary)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func (s *Store) History(ctx context.Context, jobID string) ([]contract.AuditEvent, error) {
	rows, err := s.DB.Query(ctx, `
SELECT seq,event_id,job_id,org_id,kind,operation,from_state,to_state,error_kind,explanation,details,created_at
FROM covenant_audit_events
WHERE job_id=$1
ORDER BY seq ASC
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	events := []contract.AuditEvent{}
	for rows.Next() {
		var (
			ev                 contract.AuditEvent
			kind, op, from, to string
			details            map[string]string
		)
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.JobID, &ev.OrgID, &kind, &op, &from, &to,
			&ev.ErrorKind, &ev.Explanation, &details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = contract.EventKind(kind)
		ev.Operation = contract.Operation(op)
		ev.FromState = contract.State(from)
		ev.ToState = contract.State(to)
		if len(details) > 0 {
			ev.Details = details
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return events, nil
}

func (s *Store) GetArtifact(ctx context.Context, artifactID string) (contract.ArtifactRecord, error) {
	rows, err := s.queryArtifacts(ctx, `WHERE artifact_id=$1`, artifactID)
	if err != nil {
		return contract.ArtifactRecord{}, fmt.Errorf("get artifact: %w", err)
	}
	if len(rows) == 0 {
		return contract.ArtifactRecord{}, fmt.Errorf("get artifact %s: %w", artifactID, store.ErrNotFound)
	}
	return rows[0], nil
}

func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]contract.ArtifactRecord, error) {
	out, err := s.queryArtifacts(ctx, `WHERE job_id=$1 ORDER BY recorded_at ASC, artifact_id COLLATE "C" ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return out, nil
}

func (s *Store) queryArtifacts(ctx context.Context, where string, arg any) ([]contract.ArtifactRecord, error) {
	rows, err := s.DB.Query(ctx, `
SELECT artifact_id,job_id,org_id,artifact_type,producer_agent_id,digest,document,recorded_at
FROM covenant_artifacts `+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []contract.ArtifactRecord{}
	for rows.Next() {
		var (
			a   contract.ArtifactRecord
			doc string
		)
		if err := rows.Scan(&a.ArtifactID, &a.JobID, &a.OrgID, &a.ArtifactType, &a.ProducerAgentID, &a.Digest, &doc, &a.RecordedAt); err != nil {
			return nil, err
		}
		a.Document = []byte(doc)
		a.RecordedAt = a.RecordedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetEvaluation(ctx context.Context, evaluationID string) (contract.EvaluationRecord, error) {
	var (
		e            contract.EvaluationRecord
		verdict, doc string
	)
	err := s.DB.QueryRow(ctx, `
SELECT evaluation_id,job_id,org_id,evaluator_agent_id,verdict,artifact_ids,digest,document,recorded_at
FROM covenant_evaluations
WHERE evaluation_id=$1
`, evaluationID).Scan(&e.EvaluationID, &e.JobID, &e.OrgID, &e.EvaluatorAgentID, &verdict, &e.ArtifactIDs, &e.Digest, &doc, &e.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return contract.EvaluationRecord{}, fmt.Errorf("get evaluation %s: %w", evaluationID, store.ErrNotFound)
	}
	if err != nil {
		return contract.EvaluationRecord{}, fmt.Errorf("get evaluation: %w", err)
	}
	e.Verdict = contract.Verdict(verdict)
	e.Document = []byte(doc)
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}

func (s *Store) CountActiveJobs(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
SELECT COUNT(*) FROM covenant_jobs WHERE org_id=$1 AND state IN ($2,$3)
`, orgID, string(contract.StateRunning), string(contract.StateWaiting)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func (s *Store) CountRunStarts(ctx context.Context, orgID string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
SELECT COUNT(*) FROM covenant_audit_events
WHERE org_id=$1 AND operation=$2 AND kind IN ($3,$4) AND created_at >= $5
`, orgID, string(contract.OpRunJob), string(contract.EventStateTransition), string(contract.EventDeferredExecution), since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count run starts: %w", err)
	}
	return n, nil
}
