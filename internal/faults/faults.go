// Package faults defines the error taxonomy shared by every covenant layer.
//
// The runtime is fail-closed: any ambiguity (missing schema, unresolved
// policy, unknown registry entry) surfaces as one of these kinds and is never
// treated as an implicit allow. Callers classify errors with KindOf or the
// IsX helpers, which look through wrapping via errors.As.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a runtime error.
type Kind string

const (
	// KindSchemaValidation indicates a document failed its schema. The
	// error carries every violation found.
	KindSchemaValidation Kind = "SCHEMA_VALIDATION_ERROR"

	// KindPolicyViolation indicates a role or organization is not permitted
	// to perform the requested action.
	KindPolicyViolation Kind = "POLICY_VIOLATION"

	// KindSelfEvaluation indicates the evaluator produced one of the
	// evaluated artifacts. Kept distinct from KindPolicyViolation.
	KindSelfEvaluation Kind = "SELF_EVALUATION"

	// KindTerminalState indicates the job is already complete, rejected or failed.
	KindTerminalState Kind = "TERMINAL_STATE"

	// KindNotFound indicates an unknown job, artifact, evaluation or organization.
	KindNotFound Kind = "NOT_FOUND"

	// KindConflict indicates an optimistic-concurrency retry was exhausted,
	// a duplicate identifier, or a stale run token.
	KindConflict Kind = "CONFLICT"

	// KindInvalidTransition indicates the event is not defined for the
	// job's current (non-terminal) state.
	KindInvalidTransition Kind = "INVALID_TRANSITION"

	// KindInternal indicates an unrecoverable persistence or consistency fault.
	KindInternal Kind = "INTERNAL_FAILURE"
)

// Violation is a single constraint failure. Path is a JSON pointer into the
// offending document ("/" for the document root).
type Violation struct {
	Path     string `json:"path"`
	Keyword  string `json:"keyword,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Message  string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Error is the structured error returned by schema, policy, lifecycle,
// store and engine layers.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable explanation.
	Message string

	// JobID identifies the affected job, when one exists.
	JobID string

	// Violations lists every constraint failure (schema and policy errors).
	Violations []Violation

	// Details contains additional context (reason codes, resource ids).
	Details map[string]string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job=%s)", e.JobID)
	}
	if n := len(e.Violations); n > 0 {
		fmt.Fprintf(&b, " [%d violation(s)]", n)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithJob returns a copy of e annotated with a job id.
func (e *Error) WithJob(jobID string) *Error {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// Detail returns the named detail value or "".
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

func IsSchemaValidation(err error) bool { return KindOf(err) == KindSchemaValidation }
func IsPolicyViolation(err error) bool  { return KindOf(err) == KindPolicyViolation }
func IsSelfEvaluation(err error) bool   { return KindOf(err) == KindSelfEvaluation }
func IsTerminalState(err error) bool    { return KindOf(err) == KindTerminalState }
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool         { return KindOf(err) == KindConflict }
func IsInvalidTransition(err error) bool {
	return KindOf(err) == KindInvalidTransition
}
func IsInternal(err error) bool { return KindOf(err) == KindInternal }

// SchemaValidation builds a schema error for a document kind.
func SchemaValidation(kind string, violations []Violation) *Error {
	return &Error{
		Kind:       KindSchemaValidation,
		Message:    fmt.Sprintf("%s failed schema validation", kind),
		Violations: violations,
	}
}

// PolicyViolation builds a policy error. Violations may be empty when a
// single message is enough.
func PolicyViolation(message string, violations ...Violation) *Error {
	return &Error{Kind: KindPolicyViolation, Message: message, Violations: violations}
}

// SelfEvaluation builds the dedicated self-evaluation error.
func SelfEvaluation(evaluatorID, artifactID string) *Error {
	return &Error{
		Kind:    KindSelfEvaluation,
		Message: fmt.Sprintf("evaluator %s produced artifact %s", evaluatorID, artifactID),
		Details: map[string]string{"evaluator_agent_id": evaluatorID, "artifact_id": artifactID},
	}
}

// TerminalState builds the error for operations on terminal jobs.
func TerminalState(jobID, state, operation string) *Error {
	return &Error{
		Kind:    KindTerminalState,
		Message: fmt.Sprintf("job is %s; %s is not permitted", state, operation),
		JobID:   jobID,
		Details: map[string]string{"state": state, "operation": operation},
	}
}

// NotFound builds the error for unknown references.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

// Conflict builds a conflict error with a reason code.
func Conflict(reason, message string) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: message,
		Details: map[string]string{"reason": reason},
	}
}

// InvalidTransition builds the error for events undefined in the current state.
func InvalidTransition(jobID, state, operation string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("%s is not defined for a %s job", operation, state),
		JobID:   jobID,
		Details: map[string]string{"state": state, "operation": operation},
	}
}

// Internal wraps an unrecoverable fault.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}
