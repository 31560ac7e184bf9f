// Package policy resolves an organization's effective rules into an
// immutable Snapshot and enforces them against inbound documents.
//
// Every operation resolves a fresh Snapshot, so a registry reload never
// retroactively changes decisions already recorded in a job's history.
package policy

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/roach88/covenant/internal/contract"
)

// Snapshot is the point-in-time policy of one organization.
type Snapshot struct {
	OrgID            string    `json:"org_id"`
	Revision         string    `json:"revision"`
	RegistryRevision string    `json:"registry_revision"`
	ResolvedAt       time.Time `json:"resolved_at"`

	SubmitterRoles  []string `json:"submitter_roles"`
	EvaluatorRoles  []string `json:"evaluator_roles"`
	CompletionRoles []string `json:"completion_roles"`
	// FailVerdictTarget is where a "fail" verdict moves a job: waiting
	// (revision loop) or rejected.
	FailVerdictTarget contract.State `json:"fail_verdict_target"`

	// Members maps agent id to role for every agent the organization includes.
	Members map[string]string `json:"members"`

	ArtifactTypes ArtifactRules `json:"artifact_types"`
	Skills        SkillRules    `json:"skills"`
	// KnownSkills maps registered skill ids to their category.
	KnownSkills map[string]string    `json:"known_skills"`
	MCP         []contract.MCPAccess `json:"mcp"`
	Network     NetworkRules         `json:"network"`
	Limits      OrgLimits            `json:"limits"`
}

type ArtifactRules struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

type SkillRules struct {
	DefaultRule     string   `json:"default_rule"`
	AllowIDs        []string `json:"allow_ids"`
	AllowCategories []string `json:"allow_categories"`
	DenyIDs         []string `json:"deny_ids"`
	DenyCategories  []string `json:"deny_categories"`
}

type NetworkRules struct {
	Policy string               `json:"policy"`
	Allow  contract.NetworkList `json:"allow"`
	Deny   contract.NetworkList `json:"deny"`
}

type OrgLimits struct {
	Currency              string  `json:"currency"`
	MaxCostPerJob         float64 `json:"max_cost_per_job"`
	MaxJobRuntimeSeconds  int     `json:"max_job_runtime_seconds"`
	MaxActiveJobs         int     `json:"max_active_jobs"`
	MaxJobStartsPerMinute int     `json:"max_job_starts_per_minute"`
}

func (s *Snapshot) CanSubmit(role string) bool   { return slices.Contains(s.SubmitterRoles, role) }
func (s *Snapshot) CanEvaluate(role string) bool { return slices.Contains(s.EvaluatorRoles, role) }
func (s *Snapshot) CanComplete(role string) bool { return slices.Contains(s.CompletionRoles, role) }

// MemberRole returns the role under which agentID belongs to the organization.
func (s *Snapshot) MemberRole(agentID string) (string, bool) {
	role, ok := s.Members[agentID]
	return role, ok
}

// HasRole reports whether any member holds role.
func (s *Snapshot) HasRole(role string) bool {
	for _, r := range s.Members {
		if r == role {
			return true
		}
	}
	return false
}

// Limits are the global hard limits applied to every job contract regardless
// of organization.
type Limits struct {
	MaxIterations     int           `yaml:"max_iterations"`
	MaxRuntimeSeconds int           `yaml:"max_runtime_seconds"`
	Currency          string        `yaml:"currency"`
	MaxCost           float64       `yaml:"max_cost"`
	MaxExpiresIn      time.Duration `yaml:"max_expires_in"`
}

// DefaultLimits returns the limits used when configuration sets none.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:     100,
		MaxRuntimeSeconds: 24 * 60 * 60,
		Currency:          "USD",
		MaxCost:           1000,
		MaxExpiresIn:      30 * 24 * time.Hour,
	}
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate rejects limits that would silently allow everything or nothing.
func (l Limits) Validate() error {
	switch {
	case l.MaxIterations <= 0:
		return fmt.Errorf("limits.max_iterations must be positive")
	case l.MaxRuntimeSeconds <= 0:
		return fmt.Errorf("limits.max_runtime_seconds must be positive")
	case !currencyPattern.MatchString(l.Currency):
		return fmt.Errorf("limits.currency must be an ISO 4217 code, got %q", l.Currency)
	case l.MaxCost < 0:
		return fmt.Errorf("limits.max_cost must not be negative")
	case l.MaxExpiresIn <= 0:
		return fmt.Errorf("limits.max_expires_in must be positive")
	}
	return nil
}
