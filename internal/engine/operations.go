package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/lifecycle"
	"github.com/roach88/covenant/internal/policy"
	"github.com/roach88/covenant/internal/store"
)

// EvaluationResult is returned by SubmitEvaluation: the accepted evaluation
// and the state it left the job in.
type EvaluationResult struct {
	Evaluation contract.EvaluationRecord `json:"evaluation"`
	JobID      string                    `json:"job_id"`
	State      contract.State            `json:"state"`
}

// SubmitJob validates a JobContract document, enforces organization policy
// and global limits, and creates the job in submitted. A refused submission
// creates nothing and records nothing.
func (e *Engine) SubmitJob(ctx context.Context, doc any) (job contract.Job, err error) {
	orgID := contract.LookupString(doc, "metadata", "org_id")
	defer func() { e.logOp(contract.OpSubmitJob, job.JobID, orgID, job.State, err) }()

	in, err := e.admit(doc, contract.KindJobContract, canon.DomainJobContract, PrefixJob, "metadata", "job_id")
	if err != nil {
		return contract.Job{}, err
	}
	c, err := contract.Decode[contract.JobContract](in.canonical)
	if err != nil {
		return contract.Job{}, faults.Internal("decode job contract", err)
	}

	now := e.clock.Now()
	snap, err := e.policies.Resolve(ctx, c.Metadata.OrgID, now)
	if err != nil {
		return contract.Job{}, internal("resolve policy", err)
	}
	boundary, err := policy.CheckSubmission(c, snap, e.limits, now)
	if err != nil {
		return contract.Job{}, err
	}
	out, err := lifecycle.Apply("", lifecycle.Submit{}, snap)
	if err != nil {
		return contract.Job{}, err
	}
	bdoc, err := boundaryBytes(boundary)
	if err != nil {
		return contract.Job{}, faults.Internal("encode permission boundary", err)
	}

	job = contract.Job{
		JobID:          in.id,
		OrgID:          c.Metadata.OrgID,
		State:          out.To,
		Version:        1,
		PolicyRevision: snap.Revision,
		ContractDigest: in.digest,
		Document:       in.canonical,
		BoundaryDoc:    bdoc,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ev := out.AuditEvent(e.ids.NewID(PrefixEvent), job.JobID, job.OrgID, now)
	if err := e.store.CreateJob(ctx, job, ev); err != nil {
		job = contract.Job{}
		return job, withJob(storeError("job", in.id, err), in.id)
	}
	job.Contract = c
	job.Boundary = boundary
	return e.withHistory(ctx, job)
}

// RunJob starts execution. In build mode the attempt is recorded as deferred
// and the job parks in waiting. The stored contract is re-validated and its
// expiry re-checked first; either failure rejects the job.
func (e *Engine) RunJob(ctx context.Context, jobID string) (contract.Job, error) {
	job, _, err := e.mutate(ctx, contract.OpRunJob, jobID, func(ctx context.Context, job contract.Job, snap *policy.Snapshot, now time.Time) decision {
		out, err := lifecycle.Apply(job.State, lifecycle.Run{Deferred: e.deferred}, snap)
		if err != nil {
			return decision{outcome: out, err: err}
		}
		if err := e.revalidate(job); err != nil {
			return e.reject(job, contract.OpRunJob, snap, faults.KindSchemaValidation,
				"stored job contract no longer validates", err)
		}
		if d, expired := e.expiry(job, contract.OpRunJob, snap, now); expired {
			return d
		}
		active, err := e.store.CountActiveJobs(ctx, job.OrgID)
		if err != nil {
			return refuse(job, contract.OpRunJob, internal("count active jobs", err))
		}
		starts, err := e.store.CountRunStarts(ctx, job.OrgID, now.Add(-runStartWindow))
		if err != nil {
			return refuse(job, contract.OpRunJob, internal("count run starts", err))
		}
		if err := policy.CheckRun(job, snap, active, starts); err != nil {
			return refuse(job, contract.OpRunJob, err)
		}
		return decision{outcome: out, runToken: e.ids.NewID(PrefixRunToken)}
	})
	return job, err
}

// StopJob halts a running job. A non-empty runToken must match the token
// issued by the run being stopped.
func (e *Engine) StopJob(ctx context.Context, jobID, runToken string) (contract.Job, error) {
	job, _, err := e.mutate(ctx, contract.OpStopJob, jobID, func(_ context.Context, job contract.Job, snap *policy.Snapshot, _ time.Time) decision {
		if runToken != "" && runToken != job.RunToken {
			return refuse(job, contract.OpStopJob, faults.Conflict(ReasonStaleRunToken,
				fmt.Sprintf("run token %s does not match the current run of job %s", runToken, job.JobID)))
		}
		out, err := lifecycle.Apply(job.State, lifecycle.Stop{}, snap)
		return decision{outcome: out, err: err}
	})
	return job, err
}

// SubmitArtifact validates an Artifact document and records it against its
// job. The job state does not change.
func (e *Engine) SubmitArtifact(ctx context.Context, doc any) (contract.ArtifactRecord, error) {
	in, err := e.admit(doc, contract.KindArtifact, canon.DomainArtifact, PrefixArtifact, "metadata", "artifact_id")
	if err != nil {
		return contract.ArtifactRecord{}, e.refuseDocument(ctx, contract.OpSubmitArtifact, doc, err)
	}
	a, err := contract.Decode[contract.Artifact](in.canonical)
	if err != nil {
		return contract.ArtifactRecord{}, faults.Internal("decode artifact", err)
	}

	_, d, err := e.mutate(ctx, contract.OpSubmitArtifact, a.Spec.JobRef.JobID, func(_ context.Context, job contract.Job, snap *policy.Snapshot, now time.Time) decision {
		if d, expired := e.expiry(job, contract.OpSubmitArtifact, snap, now); expired {
			return d
		}
		if err := policy.CheckArtifact(a, job, snap); err != nil {
			return refuse(job, contract.OpSubmitArtifact, err)
		}
		out, err := lifecycle.Apply(job.State, lifecycle.RecordArtifact{
			ArtifactID:   in.id,
			ArtifactType: a.Metadata.ArtifactType,
		}, snap)
		if err != nil {
			return decision{outcome: out, err: err}
		}
		return decision{outcome: out, artifact: &contract.ArtifactRecord{
			ArtifactID:      in.id,
			JobID:           job.JobID,
			OrgID:           job.OrgID,
			ArtifactType:    a.Metadata.ArtifactType,
			ProducerAgentID: a.Spec.ProducedBy.AgentID,
			Digest:          in.digest,
			Document:        in.canonical,
			RecordedAt:      now,
		}}
	})
	if err != nil {
		return contract.ArtifactRecord{}, err
	}
	return *d.artifact, nil
}

// SubmitEvaluation validates an Evaluation document and applies its verdict.
// Self-evaluation is refused before the evaluator's role is considered.
func (e *Engine) SubmitEvaluation(ctx context.Context, doc any) (EvaluationResult, error) {
	in, err := e.admit(doc, contract.KindEvaluation, canon.DomainEvaluation, PrefixEvaluation, "metadata", "evaluation_id")
	if err != nil {
		return EvaluationResult{}, e.refuseDocument(ctx, contract.OpSubmitEvaluation, doc, err)
	}
	ev, err := contract.Decode[contract.Evaluation](in.canonical)
	if err != nil {
		return EvaluationResult{}, faults.Internal("decode evaluation", err)
	}

	job, d, err := e.mutate(ctx, contract.OpSubmitEvaluation, ev.Spec.JobRef.JobID, func(ctx context.Context, job contract.Job, snap *policy.Snapshot, now time.Time) decision {
		if d, expired := e.expiry(job, contract.OpSubmitEvaluation, snap, now); expired {
			return d
		}
		productions, err := e.productions(ctx, job, ev.Spec.ArtifactRefs)
		if err != nil {
			return refuse(job, contract.OpSubmitEvaluation, err)
		}
		out, err := lifecycle.Apply(job.State, lifecycle.Evaluate{
			Verdict:       ev.Spec.Verdict,
			EvaluatorID:   ev.Spec.Evaluator.AgentID,
			EvaluatorRole: ev.Spec.Evaluator.Role,
			Artifacts:     productions,
		}, snap)
		if err != nil {
			return decision{outcome: out, err: err}
		}
		if err := policy.CheckEvaluator(ev, job, snap); err != nil {
			return refuse(job, contract.OpSubmitEvaluation, err)
		}
		ids := make([]string, len(productions))
		for i, p := range productions {
			ids[i] = p.ArtifactID
		}
		return decision{outcome: out, evaluation: &contract.EvaluationRecord{
			EvaluationID:     in.id,
			JobID:            job.JobID,
			OrgID:            job.OrgID,
			EvaluatorAgentID: ev.Spec.Evaluator.AgentID,
			Verdict:          ev.Spec.Verdict,
			ArtifactIDs:      ids,
			Digest:           in.digest,
			Document:         in.canonical,
			RecordedAt:       now,
		}}
	})
	if err != nil {
		return EvaluationResult{}, err
	}
	return EvaluationResult{Evaluation: *d.evaluation, JobID: job.JobID, State: job.State}, nil
}

// productions resolves evaluated artifact references to their producers.
// Every reference must name an artifact recorded for this job.
func (e *Engine) productions(ctx context.Context, job contract.Job, refs []contract.ArtifactRef) ([]lifecycle.Production, error) {
	out := make([]lifecycle.Production, 0, len(refs))
	for i, ref := range refs {
		art, err := e.store.GetArtifact(ctx, ref.ArtifactID)
		if err != nil {
			return nil, storeError("artifact", ref.ArtifactID, err)
		}
		if art.JobID != job.JobID {
			return nil, faults.PolicyViolation("evaluated artifact belongs to another job", faults.Violation{
				Path:     fmt.Sprintf("/spec/artifact_refs/%d/artifact_id", i),
				Keyword:  "job_ref",
				Expected: job.JobID,
				Actual:   art.JobID,
				Message:  fmt.Sprintf("artifact %s was recorded for job %s", art.ArtifactID, art.JobID),
			})
		}
		out = append(out, lifecycle.Production{ArtifactID: art.ArtifactID, ProducerID: art.ProducerAgentID})
	}
	return out, nil
}

// revalidate checks the stored contract against the schema it was admitted
// under.
func (e *Engine) revalidate(job contract.Job) error {
	doc, err := canon.Decode(job.Document)
	if err != nil {
		return faults.Internal("decode stored contract", err)
	}
	apiVersion, _ := contract.Header(doc)
	return e.validator.Validate(doc, contract.KindJobContract, contract.SchemaVersion(apiVersion))
}

// expiry rejects the job when its contract has expired.
func (e *Engine) expiry(job contract.Job, op contract.Operation, snap *policy.Snapshot, now time.Time) (decision, bool) {
	expires := job.Contract.Spec.Timestamps.ExpiresAt
	if now.Before(expires) {
		return decision{}, false
	}
	return e.reject(job, op, snap, faults.KindPolicyViolation, "contract expired",
		faults.PolicyViolation("contract expired", faults.Violation{
			Path:     "/spec/timestamps/expires_at",
			Keyword:  "expiry",
			Expected: "after " + now.Format(time.RFC3339),
			Actual:   expires.Format(time.RFC3339),
			Message:  "job contract expired at " + expires.Format(time.RFC3339),
		})), true
}

// reject moves the job to rejected and returns cause to the caller.
func (e *Engine) reject(job contract.Job, op contract.Operation, snap *policy.Snapshot, kind faults.Kind, reason string, cause error) decision {
	out, err := lifecycle.Apply(job.State, lifecycle.Reject{Op: op, ErrorKind: kind, Reason: reason}, snap)
	if err != nil {
		return decision{outcome: out, err: err}
	}
	return decision{outcome: out, err: cause}
}

// decision is what one attempt of a mutation settles on.
type decision struct {
	// outcome is committed when it changes the state, appended otherwise.
	outcome lifecycle.Outcome
	// err is returned to the caller after the outcome is recorded.
	err error

	runToken   string
	artifact   *contract.ArtifactRecord
	evaluation *contract.EvaluationRecord
}

// refuse records err against the job without changing its state.
func refuse(job contract.Job, op contract.Operation, err error) decision {
	return decision{outcome: lifecycle.Rejection(job.State, op, err), err: err}
}

type decideFunc func(ctx context.Context, job contract.Job, snap *policy.Snapshot, now time.Time) decision

// mutate runs the load, resolve, decide and commit pipeline for an
// operation on an existing job, retrying lost compare-and-swaps.
func (e *Engine) mutate(ctx context.Context, op contract.Operation, jobID string, decide decideFunc) (job contract.Job, d decision, err error) {
	defer func() { e.logOp(op, jobID, job.OrgID, job.State, err) }()

	for attempt := 1; ; attempt++ {
		job, d, err = e.attempt(ctx, op, jobID, decide)
		if !errors.Is(err, errRetry) {
			return job, d, err
		}
		if attempt >= e.attempts {
			break
		}
		e.logger.Debug("version conflict; retrying", "op", op, "job_id", jobID, "attempt", attempt)
	}

	conflict := faults.Conflict(ReasonVersionConflict,
		fmt.Sprintf("job %s was modified concurrently; %s not applied after %d attempts", jobID, op, e.attempts)).WithJob(jobID)
	job, err = e.auditCurrent(ctx, op, jobID, conflict)
	return job, decision{}, err
}

// auditCurrent records cause as a rejection against a fresh read of the job.
// It serves refusals decided without a trustworthy read: an exhausted
// mutation, whose last read is stale by construction, and a document refused
// before it could be decoded.
func (e *Engine) auditCurrent(ctx context.Context, op contract.Operation, jobID string, cause *faults.Error) (contract.Job, error) {
	var job contract.Job
	for i := 0; i < auditAttempts; i++ {
		var err error
		job, err = e.load(ctx, jobID)
		if err != nil {
			return job, err
		}
		err = e.appendOutcome(ctx, job, lifecycle.Rejection(job.State, op, cause))
		if errors.Is(err, errRetry) {
			continue
		}
		if err != nil {
			return job, err
		}
		return job, withJob(cause, job.JobID)
	}
	e.logger.Error("rejection left unaudited", "op", op, "job_id", jobID, "error_kind", cause.Kind, "attempts", auditAttempts)
	return job, withJob(cause, job.JobID)
}

// refuseDocument audits a document refused at admission against the job it
// names. A reference to no existing job leaves nothing to audit.
func (e *Engine) refuseDocument(ctx context.Context, op contract.Operation, doc any, cause error) (err error) {
	jobID := contract.LookupString(doc, "spec", "job_ref", "job_id")
	var job contract.Job
	defer func() { e.logOp(op, jobID, job.OrgID, job.State, err) }()

	fe, ok := faults.As(cause)
	if !ok || jobID == "" {
		return cause
	}
	job, err = e.auditCurrent(ctx, op, jobID, fe)
	if faults.IsNotFound(err) {
		return cause
	}
	return err
}

// attempt is one pass of mutate. It returns errRetry when the commit lost a
// race; the returned job is the version that was read.
func (e *Engine) attempt(ctx context.Context, op contract.Operation, jobID string, decide decideFunc) (contract.Job, decision, error) {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return contract.Job{}, decision{}, err
	}
	if err := lifecycle.Guard(job.State, op); err != nil {
		terr := faults.TerminalState(job.JobID, string(job.State), string(op))
		return job, decision{}, e.recordRefusal(ctx, job, lifecycle.Rejection(job.State, op, terr), terr)
	}

	now := e.clock.Now()
	snap, err := e.policies.Resolve(ctx, job.OrgID, now)
	if err != nil {
		err = internal("resolve policy", err)
		return job, decision{}, e.recordRefusal(ctx, job, lifecycle.Rejection(job.State, op, err), err)
	}

	d := decide(ctx, job, snap, now)
	if d.err != nil && !d.outcome.Changed() {
		return job, d, e.recordRefusal(ctx, job, d.outcome, d.err)
	}

	runToken := job.RunToken
	if d.runToken != "" {
		runToken = d.runToken
	}
	c := store.Commit{
		JobID:           job.JobID,
		ExpectedVersion: job.Version,
		State:           d.outcome.To,
		RunToken:        runToken,
		UpdatedAt:       now,
		Event:           d.outcome.AuditEvent(e.ids.NewID(PrefixEvent), job.JobID, job.OrgID, now),
		Artifact:        d.artifact,
		Evaluation:      d.evaluation,
	}
	switch err := e.store.Commit(ctx, c); {
	case err == nil:
	case errors.Is(err, store.ErrVersionConflict):
		return job, d, errRetry
	case errors.Is(err, store.ErrDuplicate):
		resource, id := "record", ""
		switch {
		case d.artifact != nil:
			resource, id = "artifact", d.artifact.ArtifactID
		case d.evaluation != nil:
			resource, id = "evaluation", d.evaluation.EvaluationID
		}
		derr := faults.Conflict(ReasonDuplicateID, fmt.Sprintf("%s %s already exists", resource, id)).WithJob(job.JobID)
		return job, d, e.recordRefusal(ctx, job, lifecycle.Rejection(job.State, op, derr), derr)
	default:
		e.failAfterCommitError(ctx, job, op, err)
		return job, d, faults.Internal("commit "+string(op), err).WithJob(job.JobID)
	}

	job.State = c.State
	job.Version++
	job.RunToken = runToken
	job.UpdatedAt = now
	job, herr := e.withHistory(ctx, job)
	if herr != nil {
		return job, d, herr
	}
	return job, d, withJob(d.err, job.JobID)
}

// recordRefusal appends the rejection outcome and returns cause annotated
// with the job id. A failed append wins over cause: an operation whose
// refusal cannot be audited is reported as an internal failure. errRetry
// means the job moved on after it was read and the refusal must be decided
// again.
func (e *Engine) recordRefusal(ctx context.Context, job contract.Job, out lifecycle.Outcome, cause error) error {
	if err := e.appendOutcome(ctx, job, out); err != nil {
		return err
	}
	return withJob(cause, job.JobID)
}

// appendOutcome appends out only while job is still at the version it was
// read at, so the event starts from the job's current state.
func (e *Engine) appendOutcome(ctx context.Context, job contract.Job, out lifecycle.Outcome) error {
	ev := out.AuditEvent(e.ids.NewID(PrefixEvent), job.JobID, job.OrgID, e.clock.Now())
	switch err := e.store.AppendEventAt(ctx, ev, job.Version); {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		return errRetry
	default:
		return faults.Internal("append audit event", err).WithJob(job.JobID)
	}
}

// failAfterCommitError moves the job to failed after a store error that is
// neither a conflict nor a duplicate. The store may be unavailable, so this
// is best effort and only logged when it does not stick.
func (e *Engine) failAfterCommitError(ctx context.Context, job contract.Job, op contract.Operation, cause error) {
	out, err := lifecycle.Apply(job.State, lifecycle.Fail{Op: op, Reason: "store failure: " + cause.Error()}, nil)
	if err != nil {
		return
	}
	now := e.clock.Now()
	err = e.store.Commit(ctx, store.Commit{
		JobID:           job.JobID,
		ExpectedVersion: job.Version,
		State:           out.To,
		RunToken:        job.RunToken,
		UpdatedAt:       now,
		Event:           out.AuditEvent(e.ids.NewID(PrefixEvent), job.JobID, job.OrgID, now),
	})
	if err != nil {
		e.logger.Error("could not record store failure", "op", op, "job_id", job.JobID, "cause", cause, "error", err)
	}
}
