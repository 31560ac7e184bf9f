// Package contract defines the covenant data model: job contracts, jobs,
// artifacts, evaluations and the audit events that record every operation.
//
// Inbound documents are kept in two forms. The canonical JSON bytes are what
// gets persisted and digested; the typed structs are decoded from those bytes
// after schema validation and are what policy and lifecycle code reads.
package contract

import (
	"encoding/json"
	"time"
)

// APIVersion is the only document envelope version this runtime accepts.
const APIVersion = "covenant/v1"

// Document kinds.
const (
	KindJobContract          = "JobContract"
	KindArtifact             = "Artifact"
	KindEvaluation           = "Evaluation"
	KindOrganizationManifest = "OrganizationManifest"
	KindAgentDefinition      = "AgentDefinition"
	KindSkillContract        = "SkillContract"
)

// State is a job lifecycle state.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateComplete  State = "complete"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
)

// Terminal reports whether no transition is defined out of s.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateRejected, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateRunning, StateWaiting, StateComplete, StateRejected, StateFailed:
		return true
	}
	return false
}

// Active reports whether s counts against an organization's active-job limit.
func (s State) Active() bool {
	return s == StateRunning || s == StateWaiting
}

// Verdict is an evaluation outcome.
type Verdict string

const (
	VerdictPass          Verdict = "pass"
	VerdictFail          Verdict = "fail"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// Operation names the inbound operation an audit event belongs to.
type Operation string

const (
	OpSubmitJob        Operation = "submit_job"
	OpRunJob           Operation = "run_job"
	OpStopJob          Operation = "stop_job"
	OpSubmitArtifact   Operation = "submit_artifact"
	OpSubmitEvaluation Operation = "submit_evaluation"
	OpIntegrityCheck   Operation = "integrity_check"
)

// EventKind classifies an audit event.
type EventKind string

const (
	EventStateTransition   EventKind = "state_transition"
	EventRejection         EventKind = "rejection"
	EventDeferredExecution EventKind = "deferred_execution"
	EventRecord            EventKind = "record"
)

// AuditEvent is one append-only entry in a job's history. Seq is assigned by
// the store and gives a total order across all jobs.
type AuditEvent struct {
	EventID     string            `json:"event_id"`
	JobID       string            `json:"job_id"`
	OrgID       string            `json:"org_id"`
	Seq         int64             `json:"seq"`
	Kind        EventKind         `json:"kind"`
	Operation   Operation         `json:"operation"`
	FromState   State             `json:"from_state,omitempty"`
	ToState     State             `json:"to_state,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Explanation string            `json:"explanation"`
	Details     map[string]string `json:"details,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// AgentRef identifies an agent by role and, optionally, by id.
type AgentRef struct {
	AgentID string `json:"agent_id,omitempty"`
	Role    string `json:"role"`
}

// JobRef points at a job.
type JobRef struct {
	JobID string `json:"job_id"`
}

// JobContract is the typed form of a JobContract document.
type JobContract struct {
	APIVersion string      `json:"api_version"`
	Kind       string      `json:"kind"`
	Metadata   JobMetadata `json:"metadata"`
	Spec       JobSpec     `json:"spec"`
}

type JobMetadata struct {
	JobID  string            `json:"job_id"`
	OrgID  string            `json:"org_id"`
	Title  string            `json:"title,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

type JobSpec struct {
	RequestedBy       AgentRef           `json:"requested_by"`
	Assignee          AgentRef           `json:"assignee"`
	Inputs            map[string]any     `json:"inputs,omitempty"`
	RequiredArtifacts []RequiredArtifact `json:"required_artifacts"`
	Permissions       Permissions        `json:"permissions"`
	ExecutionLimits   ExecutionLimits    `json:"execution_limits"`
	PolicyRef         string             `json:"policy_ref,omitempty"`
	Timestamps        Timestamps         `json:"timestamps"`
}

type RequiredArtifact struct {
	ArtifactType string `json:"artifact_type"`
	Description  string `json:"description,omitempty"`
}

// Permissions is the permission boundary a job requests.
type Permissions struct {
	Skills        SkillGrant   `json:"skills"`
	MCP           MCPGrant     `json:"mcp"`
	DirectNetwork NetworkGrant `json:"direct_network"`
}

type SkillGrant struct {
	AllowedSkillIDs        []string `json:"allowed_skill_ids"`
	AllowedSkillCategories []string `json:"allowed_skill_categories"`
}

type MCPGrant struct {
	Allowed []MCPAccess `json:"allowed"`
}

type MCPAccess struct {
	MCPID         string   `json:"mcp_id"`
	Ref           string   `json:"ref"`
	AllowedScopes []string `json:"allowed_scopes"`
}

// Network policies.
const (
	NetworkDenyAll   = "deny_all"
	NetworkAllowlist = "allowlist"
)

type NetworkGrant struct {
	Policy    string      `json:"policy"`
	Allowlist NetworkList `json:"allowlist"`
}

type NetworkList struct {
	Domains []string `json:"domains,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	IPCIDRs []string `json:"ip_cidrs,omitempty"`
}

type ExecutionLimits struct {
	MaxIterations     int     `json:"max_iterations"`
	MaxRuntimeSeconds int     `json:"max_runtime_seconds"`
	CostCap           CostCap `json:"cost_cap"`
}

type CostCap struct {
	Currency string  `json:"currency"`
	MaxCost  float64 `json:"max_cost"`
}

type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Boundary is the permission boundary computed at submission and attached to
// the job, so a later execution phase can enforce it without re-resolving
// policy history.
type Boundary struct {
	PolicyRevision    string       `json:"policy_revision"`
	Skills            SkillGrant   `json:"skills"`
	MCP               []MCPAccess  `json:"mcp"`
	DirectNetwork     NetworkGrant `json:"direct_network"`
	MaxIterations     int          `json:"max_iterations"`
	MaxRuntimeSeconds int          `json:"max_runtime_seconds"`
	CostCap           CostCap      `json:"cost_cap"`
	ExpiresAt         time.Time    `json:"expires_at"`
}

// Job is the persisted job record. Document and BoundaryDoc hold the stored
// canonical bytes; Contract and Boundary are filled by Decode.
type Job struct {
	JobID          string          `json:"job_id"`
	OrgID          string          `json:"org_id"`
	State          State           `json:"state"`
	Version        int64           `json:"version"`
	RunToken       string          `json:"run_token,omitempty"`
	PolicyRevision string          `json:"policy_revision"`
	ContractDigest string          `json:"contract_digest"`
	Document       json.RawMessage `json:"contract"`
	BoundaryDoc    json.RawMessage `json:"boundary"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	History        []AuditEvent    `json:"history,omitempty"`

	Contract JobContract `json:"-"`
	Boundary Boundary    `json:"-"`
}

// Artifact is the typed form of an Artifact document.
type Artifact struct {
	APIVersion string           `json:"api_version"`
	Kind       string           `json:"kind"`
	Metadata   ArtifactMetadata `json:"metadata"`
	Spec       ArtifactSpec     `json:"spec"`
}

type ArtifactMetadata struct {
	ArtifactID   string `json:"artifact_id"`
	OrgID        string `json:"org_id"`
	ArtifactType string `json:"artifact_type"`
}

type ArtifactSpec struct {
	JobRef     JobRef    `json:"job_ref"`
	ProducedBy AgentRef  `json:"produced_by"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

type Payload struct {
	MediaType string `json:"media_type"`
	URI       string `json:"uri,omitempty"`
	Digest    string `json:"digest,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Inline    any    `json:"inline,omitempty"`
}

// ArtifactRecord is the persisted form of an accepted artifact.
type ArtifactRecord struct {
	ArtifactID      string          `json:"artifact_id"`
	JobID           string          `json:"job_id"`
	OrgID           string          `json:"org_id"`
	ArtifactType    string          `json:"artifact_type"`
	ProducerAgentID string          `json:"producer_agent_id"`
	Digest          string          `json:"digest"`
	Document        json.RawMessage `json:"document"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

// Evaluation is the typed form of an Evaluation document.
type Evaluation struct {
	APIVersion string             `json:"api_version"`
	Kind       string             `json:"kind"`
	Metadata   EvaluationMetadata `json:"metadata"`
	Spec       EvaluationSpec     `json:"spec"`
}

type EvaluationMetadata struct {
	EvaluationID string `json:"evaluation_id"`
	OrgID        string `json:"org_id"`
}

type ArtifactRef struct {
	ArtifactID string `json:"artifact_id"`
}

type EvaluationSpec struct {
	JobRef       JobRef        `json:"job_ref"`
	ArtifactRefs []ArtifactRef `json:"artifact_refs"`
	Evaluator    AgentRef      `json:"evaluator"`
	Verdict      Verdict       `json:"verdict"`
	Rationale    string        `json:"rationale"`
	CreatedAt    time.Time     `json:"created_at"`
}

// EvaluationRecord is the persisted form of an accepted evaluation.
type EvaluationRecord struct {
	EvaluationID     string          `json:"evaluation_id"`
	JobID            string          `json:"job_id"`
	OrgID            string          `json:"org_id"`
	EvaluatorAgentID string          `json:"evaluator_agent_id"`
	Verdict          Verdict         `json:"verdict"`
	ArtifactIDs      []string        `json:"artifact_ids"`
	Digest           string          `json:"digest"`
	Document         json.RawMessage `json:"document"`
	RecordedAt       time.Time       `json:"recorded_at"`
}
