package registry

import (
	"sort"
	"time"

	"github.com/roach88/covenant/internal/contract"
)

// OrganizationManifest is the typed form of an OrganizationManifest document.
type OrganizationManifest struct {
	APIVersion string      `json:"api_version"`
	Kind       string      `json:"kind"`
	Metadata   OrgMetadata `json:"metadata"`
	Spec       OrgSpec     `json:"spec"`
}

type OrgMetadata struct {
	OrgID         string     `json:"org_id"`
	Name          string     `json:"name"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
}

type OrgSpec struct {
	AgentRoles       []RoleBinding    `json:"agent_roles"`
	SubmissionPolicy SubmissionPolicy `json:"submission_policy"`
	EvaluationPolicy EvaluationPolicy `json:"evaluation_policy"`
	ArtifactPolicy   ArtifactPolicy   `json:"artifact_policy"`
	SkillPolicy      SkillPolicy      `json:"skill_policy"`
	ExternalAccess   ExternalAccess   `json:"external_access"`
	ExecutionLimits  OrgLimits        `json:"execution_limits"`
}

// RoleBinding includes an agent in the organization under a role.
type RoleBinding struct {
	RoleID  string `json:"role_id"`
	AgentID string `json:"agent_id"`
}

type SubmissionPolicy struct {
	SubmitterRoles []string `json:"submitter_roles"`
}

type EvaluationPolicy struct {
	EvaluatorRoles        []string `json:"evaluator_roles"`
	CompletionRoles       []string `json:"completion_roles,omitempty"`
	FailVerdictTransition string   `json:"fail_verdict_transition,omitempty"`
}

type TypeRef struct {
	TypeID string `json:"type_id"`
}

type ArtifactPolicy struct {
	AllowedTypes []TypeRef `json:"allowed_types"`
	DeniedTypes  []TypeRef `json:"denied_types,omitempty"`
}

type SkillSelector struct {
	SkillIDs        []string `json:"skill_ids,omitempty"`
	SkillCategories []string `json:"skill_categories,omitempty"`
}

type SkillPolicy struct {
	DefaultRule string        `json:"default_rule"`
	Allow       SkillSelector `json:"allow"`
	Deny        SkillSelector `json:"deny"`
}

type ExternalAccess struct {
	MCP           contract.MCPGrant `json:"mcp"`
	DirectNetwork OrgNetwork        `json:"direct_network"`
}

type OrgNetwork struct {
	Policy    string               `json:"policy"`
	Allowlist contract.NetworkList `json:"allowlist"`
	Denylist  contract.NetworkList `json:"denylist"`
}

type OrgLimits struct {
	CostCaps struct {
		Currency      string  `json:"currency"`
		MaxCostPerJob float64 `json:"max_cost_per_job"`
	} `json:"cost_caps"`
	Timeouts struct {
		MaxJobRuntimeSeconds int `json:"max_job_runtime_seconds"`
	} `json:"timeouts"`
	Concurrency struct {
		MaxActiveJobs int `json:"max_active_jobs"`
	} `json:"concurrency"`
	RateLimits struct {
		MaxJobStartsPerMinute int `json:"max_job_starts_per_minute"`
	} `json:"rate_limits"`
}

// AgentDefinition is the typed form of an AgentDefinition document.
type AgentDefinition struct {
	APIVersion string `json:"api_version"`
	Kind       string `json:"kind"`
	Metadata   struct {
		AgentID string `json:"agent_id"`
		Role    string `json:"role"`
		Version string `json:"version,omitempty"`
	} `json:"metadata"`
	Spec struct {
		Description  string   `json:"description,omitempty"`
		Skills       []string `json:"skills,omitempty"`
		OrgInclusion struct {
			Mode        string   `json:"mode"`
			AllowOrgIDs []string `json:"allow_org_ids,omitempty"`
		} `json:"org_inclusion"`
	} `json:"spec"`
}

// SkillContract is the typed form of a SkillContract document.
type SkillContract struct {
	APIVersion string `json:"api_version"`
	Kind       string `json:"kind"`
	Metadata   struct {
		SkillID  string `json:"skill_id"`
		Version  string `json:"version"`
		Category string `json:"category"`
	} `json:"metadata"`
	Spec struct {
		Description string `json:"description,omitempty"`
		SideEffects string `json:"side_effects,omitempty"`
	} `json:"spec"`
}

// Organization is a loaded manifest with its content digest.
type Organization struct {
	Manifest OrganizationManifest
	Digest   string
	Origin   string
}

type Agent struct {
	Definition AgentDefinition
	Digest     string
	Origin     string
}

type Skill struct {
	Contract SkillContract
	Digest   string
	Origin   string
}

// Snapshot is an immutable, fully cross-checked view of the registry.
// Nothing reachable from a Snapshot is modified after Build returns.
type Snapshot struct {
	Revision string
	Source   string
	LoadedAt time.Time

	orgs   map[string]*Organization
	agents map[string]*Agent
	skills map[string][]*Skill
}

// Organization returns the manifest for orgID.
func (s *Snapshot) Organization(orgID string) (*Organization, bool) {
	o, ok := s.orgs[orgID]
	return o, ok
}

// Agent returns the definition for agentID.
func (s *Snapshot) Agent(agentID string) (*Agent, bool) {
	a, ok := s.agents[agentID]
	return a, ok
}

// Skill returns the highest-sorting registered version of skillID.
func (s *Snapshot) Skill(skillID string) (*Skill, bool) {
	versions := s.skills[skillID]
	if len(versions) == 0 {
		return nil, false
	}
	return versions[len(versions)-1], true
}

// Members maps every agent included by the organization to its role.
func (s *Snapshot) Members(orgID string) map[string]string {
	org, ok := s.orgs[orgID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(org.Manifest.Spec.AgentRoles))
	for _, b := range org.Manifest.Spec.AgentRoles {
		if a, ok := s.agents[b.AgentID]; ok {
			out[b.AgentID] = a.Definition.Metadata.Role
		}
	}
	return out
}

// SkillCategories maps every registered skill id to its category.
func (s *Snapshot) SkillCategories() map[string]string {
	out := make(map[string]string, len(s.skills))
	for id := range s.skills {
		sk, _ := s.Skill(id)
		out[id] = sk.Contract.Metadata.Category
	}
	return out
}

// OrganizationIDs lists loaded organizations, sorted.
func (s *Snapshot) OrganizationIDs() []string {
	ids := make([]string, 0, len(s.orgs))
	for id := range s.orgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts reports how many organizations, agents and skill versions are loaded.
func (s *Snapshot) Counts() (orgs, agents, skills int) {
	for _, v := range s.skills {
		skills += len(v)
	}
	return len(s.orgs), len(s.agents), skills
}
