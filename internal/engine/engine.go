package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/lifecycle"
	"github.com/roach88/covenant/internal/policy"
	"github.com/roach88/covenant/internal/store"
)

// Store is the persistence the engine needs. Implemented by store.Store
// (SQLite) and pgstore.Store (PostgreSQL).
type Store interface {
	CreateJob(ctx context.Context, job contract.Job, ev contract.AuditEvent) error
	LoadJob(ctx context.Context, jobID string) (contract.Job, error)
	Commit(ctx context.Context, c store.Commit) error
	// AppendEventAt appends a rejection only while the job is at version.
	AppendEventAt(ctx context.Context, ev contract.AuditEvent, version int64) error
	History(ctx context.Context, jobID string) ([]contract.AuditEvent, error)
	GetArtifact(ctx context.Context, artifactID string) (contract.ArtifactRecord, error)
	ListArtifacts(ctx context.Context, jobID string) ([]contract.ArtifactRecord, error)
	GetEvaluation(ctx context.Context, evaluationID string) (contract.EvaluationRecord, error)
	CountActiveJobs(ctx context.Context, orgID string) (int, error)
	CountRunStarts(ctx context.Context, orgID string, since time.Time) (int, error)
	Ping(ctx context.Context) error
}

var _ Store = (*store.Store)(nil)

// Validator checks a generic document against a named, versioned schema.
type Validator interface {
	Validate(doc any, name, version string) error
}

// PolicyResolver resolves an organization's policy snapshot.
type PolicyResolver interface {
	Resolve(ctx context.Context, orgID string, asOf time.Time) (*policy.Snapshot, error)
	Ready() error
}

// DefaultCommitAttempts is how many times a mutation is computed before a
// lost compare-and-swap is reported as CONFLICT: the first try plus one
// reload and re-resolve.
const DefaultCommitAttempts = 2

// runStartWindow is the window counted against max_job_starts_per_minute.
const runStartWindow = time.Minute

// Engine enforces job contracts. It is safe for concurrent use; all
// coordination happens through versioned commits in the store.
type Engine struct {
	store     Store
	validator Validator
	policies  PolicyResolver
	clock     Clock
	ids       IDGenerator
	limits    policy.Limits
	logger    *slog.Logger

	deferred bool
	attempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDs sets the identifier generator. Default: UUIDv7Generator.
func WithIDs(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLimits sets the global hard limits applied at submission.
func WithLimits(l policy.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithDeferred toggles build mode. When false, run leaves the job running
// for an external executor.
func WithDeferred(deferred bool) Option {
	return func(e *Engine) { e.deferred = deferred }
}

// WithCommitAttempts sets how many times a mutation is attempted before a
// version conflict is reported. Values below 1 are ignored.
func WithCommitAttempts(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.attempts = n
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine over the given collaborators.
func New(s Store, v Validator, p PolicyResolver, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		validator: v,
		policies:  p,
		clock:     SystemClock{},
		ids:       UUIDv7Generator{},
		limits:    policy.DefaultLimits(),
		logger:    slog.Default(),
		deferred:  true,
		attempts:  DefaultCommitAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deferred reports whether the engine runs in build mode.
func (e *Engine) Deferred() bool { return e.deferred }

// Ready reports whether the store answers and a policy snapshot is loaded.
func (e *Engine) Ready(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := e.policies.Ready(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// GetJob returns a job with its full audit history.
func (e *Engine) GetJob(ctx context.Context, jobID string) (contract.Job, error) {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return contract.Job{}, err
	}
	return e.withHistory(ctx, job)
}

// GetArtifact returns an accepted artifact.
func (e *Engine) GetArtifact(ctx context.Context, artifactID string) (contract.ArtifactRecord, error) {
	a, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return contract.ArtifactRecord{}, storeError("artifact", artifactID, err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts recorded for a job, oldest first.
func (e *Engine) ListArtifacts(ctx context.Context, jobID string) ([]contract.ArtifactRecord, error) {
	if _, err := e.load(ctx, jobID); err != nil {
		return nil, err
	}
	arts, err := e.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return nil, storeError("job", jobID, err)
	}
	return arts, nil
}

// GetEvaluation returns an accepted evaluation.
func (e *Engine) GetEvaluation(ctx context.Context, evaluationID string) (contract.EvaluationRecord, error) {
	ev, err := e.store.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return contract.EvaluationRecord{}, storeError("evaluation", evaluationID, err)
	}
	return ev, nil
}

func (e *Engine) withHistory(ctx context.Context, job contract.Job) (contract.Job, error) {
	history, err := e.store.History(ctx, job.JobID)
	if err != nil {
		return contract.Job{}, withJob(storeError("job", job.JobID, err), job.JobID)
	}
	job.History = history
	return job, nil
}

// admitted is an inbound document that passed schema validation.
type admitted struct {
	id        string
	canonical []byte
	digest    string
}

// admit validates doc as kind and assigns a server id at idPath when the
// document carries none. Nothing is decoded into typed form before the
// schema accepts it.
func (e *Engine) admit(doc any, kind, domain, prefix string, idPath ...string) (admitted, error) {
	if _, ok := doc.(map[string]any); !ok {
		return admitted{}, faults.SchemaValidation(kind, []faults.Violation{{
			Path:     "/",
			Keyword:  "type",
			Expected: "object",
			Actual:   fmt.Sprintf("%T", doc),
			Message:  "document must be an object",
		}})
	}
	apiVersion, docKind := contract.Header(doc)
	if docKind != kind {
		return admitted{}, faults.SchemaValidation(kind, []faults.Violation{{
			Path:     "/kind",
			Keyword:  "const",
			Expected: kind,
			Actual:   docKind,
			Message:  fmt.Sprintf("expected a %s document", kind),
		}})
	}
	if err := e.validator.Validate(doc, kind, contract.SchemaVersion(apiVersion)); err != nil {
		return admitted{}, err
	}

	id := contract.LookupString(doc, idPath...)
	if id == "" {
		id = e.ids.NewID(prefix)
		var err error
		if doc, err = contract.WithString(doc, id, idPath...); err != nil {
			return admitted{}, faults.Internal("assign "+kind+" id", err)
		}
	}
	data, digest, err := contract.Canonicalize(domain, doc)
	if err != nil {
		return admitted{}, faults.Internal("canonicalize "+kind, err)
	}
	return admitted{id: id, canonical: data, digest: digest}, nil
}

// load reads a job and verifies its integrity. A record whose contract no
// longer matches its digest, or cannot be decoded, is moved to failed.
func (e *Engine) load(ctx context.Context, jobID string) (contract.Job, error) {
	job, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return contract.Job{}, storeError("job", jobID, err)
	}
	if err := job.Decode(); err != nil {
		e.quarantine(ctx, job, err)
		return contract.Job{}, faults.Internal("stored job failed integrity check", err).WithJob(jobID)
	}
	return job, nil
}

// quarantine records an integrity failure. Terminal jobs are only logged:
// they cannot transition, and reads must not grow their history.
func (e *Engine) quarantine(ctx context.Context, job contract.Job, cause error) {
	log := e.logger.With("job_id", job.JobID, "org_id", job.OrgID, "state", job.State)
	if job.State.Terminal() || !job.State.Valid() {
		log.Error("integrity check failed", "error", cause)
		return
	}
	now := e.clock.Now()
	out, err := lifecycle.Apply(job.State, lifecycle.Fail{Op: contract.OpIntegrityCheck, Reason: "integrity check failed: " + cause.Error()}, nil)
	if err != nil {
		log.Error("integrity check failed", "error", cause, "transition_error", err)
		return
	}
	err = e.store.Commit(ctx, store.Commit{
		JobID:           job.JobID,
		ExpectedVersion: job.Version,
		State:           out.To,
		RunToken:        job.RunToken,
		UpdatedAt:       now,
		Event:           out.AuditEvent(e.ids.NewID(PrefixEvent), job.JobID, job.OrgID, now),
	})
	if err != nil {
		log.Error("integrity check failed; could not record failure", "error", cause, "commit_error", err)
		return
	}
	log.Error("integrity check failed; job moved to failed", "error", cause)
}

// logOp writes the one structured line every operation produces.
func (e *Engine) logOp(op contract.Operation, jobID, orgID string, state contract.State, err error) {
	attrs := []any{"op", op, "job_id", jobID, "org_id", orgID, "state", state}
	if err != nil {
		kind := faults.KindOf(err)
		if kind == "" {
			kind = faults.KindInternal
		}
		attrs = append(attrs, "error_kind", kind, "error", err)
		if kind == faults.KindInternal {
			e.logger.Error("operation failed", attrs...)
			return
		}
		e.logger.Warn("operation rejected", attrs...)
		return
	}
	e.logger.Info("operation accepted", attrs...)
}

// boundaryBytes renders a boundary in canonical form for storage.
func boundaryBytes(b contract.Boundary) ([]byte, error) {
	generic, err := canon.Normalize(b)
	if err != nil {
		return nil, err
	}
	return canon.MarshalCanonical(generic)
}

// internal wraps an unexpected error; faults pass through.
func internal(message string, err error) error {
	if _, ok := faults.As(err); ok {
		return err
	}
	return faults.Internal(message, err)
}
