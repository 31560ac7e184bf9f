// Package lifecycle is the job state machine.
//
// Apply is a pure function of (current state, event, policy snapshot). It
// never touches storage or the clock; the engine turns the returned Outcome
// into a persisted audit event and, when the state changes, a versioned
// commit. Terminal states absorb nothing: every event against a complete,
// rejected or failed job yields TERMINAL_STATE.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/policy"
)

// Event is one of Submit, Run, Stop, Evaluate, RecordArtifact, Reject or Fail.
type Event interface {
	Operation() contract.Operation
}

// Submit creates a job. It is only defined when there is no current state.
type Submit struct{}

// Run starts execution. Deferred (build mode) records the attempt and parks
// the job in waiting without invoking an executor.
type Run struct {
	Deferred bool
}

// Stop halts a running job.
type Stop struct{}

// Production pairs an evaluated artifact with the agent that produced it.
type Production struct {
	ArtifactID string
	ProducerID string
}

// Evaluate applies an evaluation verdict.
type Evaluate struct {
	Verdict       contract.Verdict
	EvaluatorID   string
	EvaluatorRole string
	Artifacts     []Production
}

// RecordArtifact notes an accepted artifact. The state does not change.
type RecordArtifact struct {
	ArtifactID   string
	ArtifactType string
}

// Reject moves a job to rejected on behalf of Operation.
type Reject struct {
	Op        contract.Operation
	ErrorKind faults.Kind
	Reason    string
}

// Fail moves a job to failed on behalf of Operation.
type Fail struct {
	Op     contract.Operation
	Reason string
}

func (Submit) Operation() contract.Operation         { return contract.OpSubmitJob }
func (Run) Operation() contract.Operation            { return contract.OpRunJob }
func (Stop) Operation() contract.Operation           { return contract.OpStopJob }
func (Evaluate) Operation() contract.Operation       { return contract.OpSubmitEvaluation }
func (RecordArtifact) Operation() contract.Operation { return contract.OpSubmitArtifact }
func (e Reject) Operation() contract.Operation       { return e.Op }
func (e Fail) Operation() contract.Operation         { return e.Op }

// Outcome is the result of applying an event. When Apply returns an error the
// outcome is the matching rejection: From equals To and Kind is rejection.
type Outcome struct {
	From        contract.State
	To          contract.State
	Kind        contract.EventKind
	Operation   contract.Operation
	ErrorKind   faults.Kind
	Explanation string
	Details     map[string]string
}

// Changed reports whether the outcome moves the job to a new state.
func (o Outcome) Changed() bool { return o.From != o.To }

// AuditEvent renders the outcome as an audit event. Seq is left to the store.
func (o Outcome) AuditEvent(eventID, jobID, orgID string, at time.Time) contract.AuditEvent {
	return contract.AuditEvent{
		EventID:     eventID,
		JobID:       jobID,
		OrgID:       orgID,
		Kind:        o.Kind,
		Operation:   o.Operation,
		FromState:   o.From,
		ToState:     o.To,
		ErrorKind:   string(o.ErrorKind),
		Explanation: o.Explanation,
		Details:     o.Details,
		CreatedAt:   at,
	}
}

// Rejection builds the outcome recorded when op is refused in state, without
// a state change.
func Rejection(state contract.State, op contract.Operation, err error) Outcome {
	out := Outcome{
		From:        state,
		To:          state,
		Kind:        contract.EventRejection,
		Operation:   op,
		ErrorKind:   faults.KindOf(err),
		Explanation: err.Error(),
	}
	if fe, ok := faults.As(err); ok {
		out.Explanation = fe.Message
		if len(fe.Details) > 0 {
			out.Details = make(map[string]string, len(fe.Details))
			for k, v := range fe.Details {
				out.Details[k] = v
			}
		}
	}
	if out.ErrorKind == "" {
		out.ErrorKind = faults.KindInternal
	}
	return out
}

// Guard returns TERMINAL_STATE when op targets a terminal job. The engine
// calls it before any policy work so terminal jobs are refused uniformly.
func Guard(state contract.State, op contract.Operation) error {
	if state.Terminal() {
		return faults.TerminalState("", string(state), string(op))
	}
	return nil
}

// Apply computes the transition for ev out of current. A nil snapshot is
// only tolerated by events that make no policy decision.
func Apply(current contract.State, ev Event, snap *policy.Snapshot) (Outcome, error) {
	op := ev.Operation()
	if _, ok := ev.(Submit); ok {
		if current != "" {
			return reject(current, op, faults.InvalidTransition("", string(current), string(op)))
		}
		if snap == nil {
			return reject(current, op, faults.PolicyViolation("no policy snapshot for submission"))
		}
		return Outcome{
			To:          contract.StateSubmitted,
			Kind:        contract.EventStateTransition,
			Operation:   op,
			Explanation: "job submitted",
			Details:     map[string]string{"policy_revision": snap.Revision},
		}, nil
	}

	if !current.Valid() {
		return reject(current, op, faults.Internal(fmt.Sprintf("unknown job state %q", current), nil))
	}
	if err := Guard(current, op); err != nil {
		return reject(current, op, err.(*faults.Error))
	}

	switch e := ev.(type) {
	case Run:
		return applyRun(current, e)
	case Stop:
		return applyStop(current)
	case Evaluate:
		return applyEvaluate(current, e, snap)
	case RecordArtifact:
		return Outcome{
			From:        current,
			To:          current,
			Kind:        contract.EventRecord,
			Operation:   op,
			Explanation: "artifact recorded",
			Details:     map[string]string{"artifact_id": e.ArtifactID, "artifact_type": e.ArtifactType},
		}, nil
	case Reject:
		kind := e.ErrorKind
		if kind == "" {
			kind = faults.KindPolicyViolation
		}
		return Outcome{
			From:        current,
			To:          contract.StateRejected,
			Kind:        contract.EventRejection,
			Operation:   op,
			ErrorKind:   kind,
			Explanation: e.Reason,
		}, nil
	case Fail:
		return Outcome{
			From:        current,
			To:          contract.StateFailed,
			Kind:        contract.EventRejection,
			Operation:   op,
			ErrorKind:   faults.KindInternal,
			Explanation: e.Reason,
		}, nil
	}
	return reject(current, op, faults.InvalidTransition("", string(current), string(op)))
}

func applyRun(current contract.State, e Run) (Outcome, error) {
	if current == contract.StateRunning {
		return reject(current, contract.OpRunJob, faults.InvalidTransition("", string(current), string(contract.OpRunJob)))
	}
	if e.Deferred {
		return Outcome{
			From:        current,
			To:          contract.StateWaiting,
			Kind:        contract.EventDeferredExecution,
			Operation:   contract.OpRunJob,
			Explanation: "execution deferred",
			Details:     map[string]string{"via": string(contract.StateRunning), "build_mode": "true"},
		}, nil
	}
	return Outcome{
		From:        current,
		To:          contract.StateRunning,
		Kind:        contract.EventStateTransition,
		Operation:   contract.OpRunJob,
		Explanation: "job started",
	}, nil
}

func applyStop(current contract.State) (Outcome, error) {
	switch current {
	case contract.StateRunning:
		return Outcome{
			From:        current,
			To:          contract.StateWaiting,
			Kind:        contract.EventStateTransition,
			Operation:   contract.OpStopJob,
			Explanation: "job stopped",
		}, nil
	case contract.StateWaiting:
		return Outcome{
			From:        current,
			To:          current,
			Kind:        contract.EventStateTransition,
			Operation:   contract.OpStopJob,
			Explanation: "job already waiting",
			Details:     map[string]string{"idempotent": "true"},
		}, nil
	}
	return reject(current, contract.OpStopJob, faults.InvalidTransition("", string(current), string(contract.OpStopJob)))
}

func applyEvaluate(current contract.State, e Evaluate, snap *policy.Snapshot) (Outcome, error) {
	op := contract.OpSubmitEvaluation
	for _, p := range e.Artifacts {
		if p.ProducerID == e.EvaluatorID {
			return reject(current, op, faults.SelfEvaluation(e.EvaluatorID, p.ArtifactID))
		}
	}
	if snap == nil {
		return reject(current, op, faults.PolicyViolation("no policy snapshot for evaluation"))
	}
	if !snap.CanEvaluate(e.EvaluatorRole) {
		return reject(current, op, faults.PolicyViolation(
			fmt.Sprintf("role %s may not evaluate jobs for organization %s", e.EvaluatorRole, snap.OrgID)))
	}

	var to contract.State
	switch e.Verdict {
	case contract.VerdictPass:
		if !snap.CanComplete(e.EvaluatorRole) {
			return reject(current, op, faults.PolicyViolation(
				fmt.Sprintf("role %s may not complete jobs for organization %s", e.EvaluatorRole, snap.OrgID)))
		}
		to = contract.StateComplete
	case contract.VerdictFail:
		to = snap.FailVerdictTarget
		if to != contract.StateRejected {
			to = contract.StateWaiting
		}
	case contract.VerdictNeedsRevision:
		to = contract.StateWaiting
	default:
		return reject(current, op, faults.SchemaValidation(contract.KindEvaluation, []faults.Violation{{
			Path:     "/spec/verdict",
			Keyword:  "enum",
			Expected: "pass|fail|needs_revision",
			Actual:   string(e.Verdict),
			Message:  "unknown verdict",
		}}))
	}
	return Outcome{
		From:        current,
		To:          to,
		Kind:        contract.EventStateTransition,
		Operation:   op,
		Explanation: "evaluation verdict " + string(e.Verdict),
		Details: map[string]string{
			"verdict":            string(e.Verdict),
			"evaluator_agent_id": e.EvaluatorID,
		},
	}, nil
}

func reject(current contract.State, op contract.Operation, err *faults.Error) (Outcome, error) {
	return Rejection(current, op, err), err
}
