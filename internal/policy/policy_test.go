package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/registry"
	"github.com/roach88/covenant/internal/schema"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func bundledResolver(t *testing.T) *Resolver {
	t.Helper()
	v, err := schema.LoadBundled()
	require.NoError(t, err)
	reg, err := registry.New(context.Background(), registry.BundledSource{}, v)
	require.NoError(t, err)
	return NewResolver(reg)
}

func resolve(t *testing.T, orgID string) *Snapshot {
	t.Helper()
	snap, err := bundledResolver(t).Resolve(context.Background(), orgID, now)
	require.NoError(t, err)
	return snap
}

func validContract() contract.JobContract {
	return contract.JobContract{
		APIVersion: contract.APIVersion,
		Kind:       contract.KindJobContract,
		Metadata:   contract.JobMetadata{JobID: "J1", OrgID: "orgA"},
		Spec: contract.JobSpec{
			RequestedBy:       contract.AgentRef{AgentID: "agentP", Role: "planner"},
			Assignee:          contract.AgentRef{Role: "builder"},
			RequiredArtifacts: []contract.RequiredArtifact{{ArtifactType: "report"}},
			Permissions: contract.Permissions{
				Skills: contract.SkillGrant{
					AllowedSkillIDs:        []string{"web-search"},
					AllowedSkillCategories: []string{"research"},
				},
				MCP: contract.MCPGrant{Allowed: []contract.MCPAccess{
					{MCPID: "github", Ref: "mcp/github@1", AllowedScopes: []string{"repo:read"}},
				}},
				DirectNetwork: contract.NetworkGrant{
					Policy:    contract.NetworkAllowlist,
					Allowlist: contract.NetworkList{Domains: []string{"api.example.com"}},
				},
			},
			ExecutionLimits: contract.ExecutionLimits{
				MaxIterations:     5,
				MaxRuntimeSeconds: 600,
				CostCap:           contract.CostCap{Currency: "USD", MaxCost: 20},
			},
			Timestamps: contract.Timestamps{
				CreatedAt: now.Add(-time.Hour),
				ExpiresAt: now.Add(24 * time.Hour),
			},
		},
	}
}

func policyViolations(t *testing.T, err error) []faults.Violation {
	t.Helper()
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	require.Equal(t, faults.KindPolicyViolation, fe.Kind)
	return fe.Violations
}

func paths(vs []faults.Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Path
	}
	return out
}

func TestResolve(t *testing.T) {
	snap := resolve(t, "orgA")

	assert.Equal(t, "orgA", snap.OrgID)
	assert.Len(t, snap.Revision, 64)
	assert.Equal(t, now, snap.ResolvedAt)
	assert.Equal(t, []string{"planner"}, snap.SubmitterRoles)
	assert.Equal(t, []string{"reviewer", "builder"}, snap.EvaluatorRoles)
	assert.Equal(t, []string{"reviewer"}, snap.CompletionRoles)
	assert.Equal(t, contract.StateWaiting, snap.FailVerdictTarget)
	assert.Equal(t, []string{"binary"}, snap.ArtifactTypes.Denied)
	assert.Equal(t, "research", snap.KnownSkills["web-search"])
	assert.Equal(t, 10, snap.Limits.MaxActiveJobs)
}

func TestResolve_CompletionDefaultsAndFailTarget(t *testing.T) {
	snap := resolve(t, "orgB")

	assert.Equal(t, snap.EvaluatorRoles, snap.CompletionRoles)
	assert.Equal(t, contract.StateRejected, snap.FailVerdictTarget)
}

func TestResolve_Deterministic(t *testing.T) {
	r := bundledResolver(t)
	a, err := r.Resolve(context.Background(), "orgA", now)
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), "orgA", now)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotSame(t, a, b)
}

func TestResolve_UnknownOrganization(t *testing.T) {
	_, err := bundledResolver(t).Resolve(context.Background(), "orgZ", now)
	assert.True(t, faults.IsNotFound(err))
}

func TestResolve_NotYetEffective(t *testing.T) {
	v, err := schema.LoadBundled()
	require.NoError(t, err)
	org, err := schema.DecodeYAML([]byte(`
api_version: covenant/v1
kind: OrganizationManifest
metadata: {org_id: orgF, name: Future, effective_from: "2027-01-01T00:00:00Z"}
spec:
  agent_roles: [{role_id: planner, agent_id: agentP}]
  submission_policy: {submitter_roles: [planner]}
  evaluation_policy: {evaluator_roles: [planner]}
  artifact_policy: {allowed_types: [{type_id: report}]}
  skill_policy: {default_rule: deny}
  external_access: {mcp: {allowed: []}, direct_network: {policy: deny_all}}
  execution_limits:
    cost_caps: {currency: USD, max_cost_per_job: 1}
    timeouts: {max_job_runtime_seconds: 60}
    concurrency: {max_active_jobs: 1}
    rate_limits: {max_job_starts_per_minute: 1}
`))
	require.NoError(t, err)
	agent, err := schema.DecodeYAML([]byte(`
api_version: covenant/v1
kind: AgentDefinition
metadata: {agent_id: agentP, role: planner}
spec: {org_inclusion: {mode: any}}
`))
	require.NoError(t, err)
	snap, err := registry.Build([]registry.Document{{Origin: "a", Body: agent}, {Origin: "o", Body: org}}, v, "test", now)
	require.NoError(t, err)

	r := NewResolver(staticRegistry{snap})
	_, err = r.Resolve(context.Background(), "orgF", now)
	assert.True(t, faults.IsNotFound(err))

	_, err = r.Resolve(context.Background(), "orgF", time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
}

type staticRegistry struct{ snap *registry.Snapshot }

func (s staticRegistry) Snapshot() *registry.Snapshot { return s.snap }

func TestResolver_Ready(t *testing.T) {
	assert.Error(t, NewResolver(staticRegistry{}).Ready())
	assert.NoError(t, bundledResolver(t).Ready())
}

func TestCheckSubmission_Valid(t *testing.T) {
	snap := resolve(t, "orgA")

	b, err := CheckSubmission(validContract(), snap, DefaultLimits(), now)
	require.NoError(t, err)

	assert.Equal(t, snap.Revision, b.PolicyRevision)
	assert.Equal(t, []string{"web-search"}, b.Skills.AllowedSkillIDs)
	assert.Equal(t, []string{"api.example.com"}, b.DirectNetwork.Allowlist.Domains)
	assert.Equal(t, 600, b.MaxRuntimeSeconds)
	assert.Equal(t, now.Add(24*time.Hour), b.ExpiresAt)
}

func TestCheckSubmission_CollectsAllViolations(t *testing.T) {
	snap := resolve(t, "orgA")
	c := validContract()
	c.Spec.RequestedBy = contract.AgentRef{AgentID: "agentX", Role: "builder"}
	c.Spec.RequiredArtifacts = []contract.RequiredArtifact{{ArtifactType: "binary"}, {ArtifactType: "video"}}
	c.Spec.Permissions.Skills.AllowedSkillIDs = []string{"code-exec", "teleport"}
	c.Spec.Permissions.MCP.Allowed = []contract.MCPAccess{
		{MCPID: "github", Ref: "mcp/github@2", AllowedScopes: []string{"admin"}},
		{MCPID: "slack", Ref: "mcp/slack@1"},
	}
	c.Spec.Permissions.DirectNetwork.Allowlist.Domains = []string{"internal.example.com", "evil.example.com"}
	c.Spec.ExecutionLimits.CostCap.MaxCost = 75

	_, err := CheckSubmission(c, snap, DefaultLimits(), now)
	got := paths(policyViolations(t, err))

	assert.Equal(t, []string{
		"/spec/requested_by/role",
		"/spec/requested_by/agent_id",
		"/spec/required_artifacts/0/artifact_type",
		"/spec/required_artifacts/1/artifact_type",
		"/spec/permissions/skills/allowed_skill_ids/0",
		"/spec/permissions/skills/allowed_skill_ids/1",
		"/spec/permissions/mcp/allowed/0/ref",
		"/spec/permissions/mcp/allowed/0/allowed_scopes",
		"/spec/permissions/mcp/allowed/1/mcp_id",
		"/spec/permissions/direct_network/allowlist/domains",
		"/spec/permissions/direct_network/allowlist/domains",
		"/spec/execution_limits/cost_cap/max_cost",
	}, got)
}

func TestJoinOr(t *testing.T) {
	tests := []struct {
		name  string
		items []string
		want  string
	}{
		{"nil", nil, "(none)"},
		{"empty", []string{}, "(none)"},
		{"single", []string{"planner"}, "planner"},
		{"several", []string{"planner", "builder", "reviewer"}, "planner|builder|reviewer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, joinOr(tt.items))
		})
	}
}

func TestCheckSubmission_Timestamps(t *testing.T) {
	snap := resolve(t, "orgA")

	expired := validContract()
	expired.Spec.Timestamps.ExpiresAt = now.Add(-time.Minute)
	_, err := CheckSubmission(expired, snap, DefaultLimits(), now)
	assert.Contains(t, policyViolations(t, err)[0].Message, "already expired")

	inverted := validContract()
	inverted.Spec.Timestamps.ExpiresAt = inverted.Spec.Timestamps.CreatedAt
	_, err = CheckSubmission(inverted, snap, DefaultLimits(), now)
	assert.Contains(t, policyViolations(t, err)[0].Message, "after created_at")

	tooLong := validContract()
	tooLong.Spec.Timestamps.ExpiresAt = now.Add(60 * 24 * time.Hour)
	_, err = CheckSubmission(tooLong, snap, DefaultLimits(), now)
	assert.Equal(t, "global_limit", policyViolations(t, err)[0].Keyword)
}

func TestCheckSubmission_GlobalLimits(t *testing.T) {
	snap := resolve(t, "orgA")
	c := validContract()
	c.Spec.ExecutionLimits.MaxIterations = 500
	c.Spec.ExecutionLimits.CostCap.Currency = "EUR"

	_, err := CheckSubmission(c, snap, DefaultLimits(), now)
	got := policyViolations(t, err)

	keywords := map[string]int{}
	for _, v := range got {
		keywords[v.Keyword]++
	}
	assert.Equal(t, 2, keywords["global_limit"])
	assert.Equal(t, 1, keywords["org_limit"], "currency also mismatches the organization")
}

func TestCheckSubmission_PolicyRef(t *testing.T) {
	snap := resolve(t, "orgA")
	c := validContract()

	c.Spec.PolicyRef = snap.Revision
	_, err := CheckSubmission(c, snap, DefaultLimits(), now)
	assert.NoError(t, err)

	c.Spec.PolicyRef = "stale"
	_, err = CheckSubmission(c, snap, DefaultLimits(), now)
	assert.Equal(t, []string{"/spec/policy_ref"}, paths(policyViolations(t, err)))
}

func TestCheckSubmission_DenyAllNetwork(t *testing.T) {
	snap := resolve(t, "orgB")
	c := validContract()
	c.Metadata.OrgID = "orgB"
	c.Spec.Permissions.MCP.Allowed = nil
	c.Spec.ExecutionLimits.CostCap.MaxCost = 5

	_, err := CheckSubmission(c, snap, DefaultLimits(), now)
	assert.Equal(t, []string{"/spec/permissions/direct_network/policy"}, paths(policyViolations(t, err)))

	c.Spec.Permissions.DirectNetwork = contract.NetworkGrant{Policy: contract.NetworkDenyAll}
	b, err := CheckSubmission(c, snap, DefaultLimits(), now)
	require.NoError(t, err)
	assert.Empty(t, b.DirectNetwork.Allowlist.Domains)
}

func TestCheckSubmission_NoSnapshot(t *testing.T) {
	_, err := CheckSubmission(validContract(), nil, DefaultLimits(), now)
	assert.True(t, faults.IsPolicyViolation(err))
}

func TestCheckArtifact(t *testing.T) {
	snap := resolve(t, "orgA")
	job := contract.Job{JobID: "J1", OrgID: "orgA"}
	a := contract.Artifact{
		Metadata: contract.ArtifactMetadata{ArtifactID: "A1", OrgID: "orgA", ArtifactType: "report"},
		Spec:     contract.ArtifactSpec{ProducedBy: contract.AgentRef{AgentID: "agentY", Role: "builder"}},
	}
	assert.NoError(t, CheckArtifact(a, job, snap))

	a.Metadata.OrgID = "orgB"
	a.Metadata.ArtifactType = "binary"
	a.Spec.ProducedBy = contract.AgentRef{AgentID: "agentZ", Role: "reviewer"}
	err := CheckArtifact(a, job, snap)
	assert.Equal(t, []string{"/metadata/org_id", "/metadata/artifact_type", "/spec/produced_by/agent_id"},
		paths(policyViolations(t, err)))
}

func TestCheckEvaluator(t *testing.T) {
	snap := resolve(t, "orgA")
	job := contract.Job{JobID: "J1", OrgID: "orgA"}
	e := contract.Evaluation{
		Metadata: contract.EvaluationMetadata{OrgID: "orgA"},
		Spec:     contract.EvaluationSpec{Evaluator: contract.AgentRef{AgentID: "agentX", Role: "reviewer"}},
	}
	assert.NoError(t, CheckEvaluator(e, job, snap))

	e.Spec.Evaluator.Role = "builder"
	err := CheckEvaluator(e, job, snap)
	assert.Contains(t, policyViolations(t, err)[0].Message, "holds role reviewer")
}

func TestCheckRun(t *testing.T) {
	snap := resolve(t, "orgB") // max_active_jobs 1, max starts 1
	submitted := contract.Job{State: contract.StateSubmitted}
	waiting := contract.Job{State: contract.StateWaiting}

	assert.NoError(t, CheckRun(submitted, snap, 0, 0))
	assert.Error(t, CheckRun(submitted, snap, 1, 0), "a new start would exceed max_active_jobs")
	assert.NoError(t, CheckRun(waiting, snap, 1, 0), "a waiting job already counts as active")
	assert.Error(t, CheckRun(waiting, snap, 2, 0))
	assert.Error(t, CheckRun(submitted, snap, 0, 1), "rate limit")

	disabled := *snap
	disabled.Limits.MaxActiveJobs = 0
	err := CheckRun(submitted, &disabled, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution is disabled")
}

func TestLimits_Validate(t *testing.T) {
	assert.NoError(t, DefaultLimits().Validate())

	bad := DefaultLimits()
	bad.Currency = "usd"
	assert.Error(t, bad.Validate())

	bad = DefaultLimits()
	bad.MaxExpiresIn = 0
	assert.Error(t, bad.Validate())
}
