package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/schema"
)

func testValidator(t *testing.T) *schema.Validator {
	t.Helper()
	v, err := schema.LoadBundled()
	require.NoError(t, err)
	return v
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const minimalAgent = `
api_version: covenant/v1
kind: AgentDefinition
metadata: {agent_id: agentC, role: planner}
spec:
  org_inclusion: {mode: any}
`

func minimalOrg(orgID, agentID, role string) string {
	return `
api_version: covenant/v1
kind: OrganizationManifest
metadata: {org_id: ` + orgID + `, name: Test}
spec:
  agent_roles:
    - {role_id: ` + role + `, agent_id: ` + agentID + `}
  submission_policy: {submitter_roles: [planner]}
  evaluation_policy: {evaluator_roles: [planner]}
  artifact_policy: {allowed_types: [{type_id: report}]}
  skill_policy: {default_rule: deny}
  external_access:
    mcp: {allowed: []}
    direct_network: {policy: deny_all}
  execution_limits:
    cost_caps: {currency: USD, max_cost_per_job: 1}
    timeouts: {max_job_runtime_seconds: 60}
    concurrency: {max_active_jobs: 1}
    rate_limits: {max_job_starts_per_minute: 1}
`
}

func TestBundledSource(t *testing.T) {
	reg, err := New(context.Background(), BundledSource{}, testValidator(t))
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "bundled", snap.Source)
	assert.Equal(t, []string{"orgA", "orgB"}, snap.OrganizationIDs())
	assert.Len(t, snap.Revision, 64)

	assert.Equal(t, map[string]string{
		"agentP": "planner",
		"agentY": "builder",
		"agentX": "reviewer",
	}, snap.Members("orgA"))

	skill, ok := snap.Skill("web-search")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", skill.Contract.Metadata.Version)
	assert.Equal(t, "compute", snap.SkillCategories()["code-exec"])

	orgs, agents, skills := snap.Counts()
	assert.Equal(t, 2, orgs)
	assert.Equal(t, 4, agents)
	assert.Equal(t, 3, skills)
}

func TestDirSource_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agents/planner.yaml", minimalAgent)
	writeFile(t, dir, "orgs/orgC.yml", minimalOrg("orgC", "agentC", "planner"))
	writeFile(t, dir, ".hidden/ignored.yaml", "not: [valid")

	reg, err := New(context.Background(), DirSource{Dir: dir}, testValidator(t))
	require.NoError(t, err)

	snap := reg.Snapshot()
	assert.Equal(t, "dir:"+dir, snap.Source)
	assert.Equal(t, []string{"orgC"}, snap.OrganizationIDs())
	assert.Equal(t, map[string]string{"agentC": "planner"}, snap.Members("orgC"))
}

func TestDirSource_CUE(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "registry.cue", `
package registry

#Inclusion: {mode: "any" | "allowlist", allow_org_ids?: [...string]}

agents: agentC: {
	metadata: {agent_id: "agentC", role: "planner"}
	spec: org_inclusion: #Inclusion & {mode: "any"}
}

skills: search: {
	metadata: {skill_id: "search", version: "2.0.0", category: "research"}
	spec: {}
}
`)
	writeFile(t, dir, "org.yaml", minimalOrg("orgC", "agentC", "planner"))

	reg, err := New(context.Background(), DirSource{Dir: dir}, testValidator(t))
	require.NoError(t, err)

	snap := reg.Snapshot()
	agent, ok := snap.Agent("agentC")
	require.True(t, ok)
	assert.Contains(t, agent.Origin, "agents.agentC")
	assert.Equal(t, "planner", agent.Definition.Metadata.Role)

	skill, ok := snap.Skill("search")
	require.True(t, ok)
	assert.Equal(t, "research", skill.Contract.Metadata.Category)
}

func TestBuild_CrossReferenceFailures(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		message string
	}{
		{
			name:    "unknown agent",
			files:   map[string]string{"org.yaml": minimalOrg("orgC", "ghost", "planner")},
			message: "unknown agent ghost",
		},
		{
			name: "role mismatch",
			files: map[string]string{
				"agent.yaml": minimalAgent,
				"org.yaml":   minimalOrg("orgC", "agentC", "reviewer"),
			},
			message: "agent's role is planner",
		},
		{
			name: "inclusion allowlist",
			files: map[string]string{
				"agent.yaml": `
api_version: covenant/v1
kind: AgentDefinition
metadata: {agent_id: agentC, role: planner}
spec:
  org_inclusion: {mode: allowlist, allow_org_ids: [orgD]}
`,
				"org.yaml": minimalOrg("orgC", "agentC", "planner"),
			},
			message: "does not allow inclusion by organization orgC",
		},
		{
			name: "unknown skill",
			files: map[string]string{
				"agent.yaml": `
api_version: covenant/v1
kind: AgentDefinition
metadata: {agent_id: agentC, role: planner}
spec:
  skills: [teleport]
  org_inclusion: {mode: any}
`,
			},
			message: "unknown skill teleport",
		},
		{
			name: "duplicate organization",
			files: map[string]string{
				"agent.yaml": minimalAgent,
				"a.yaml":     minimalOrg("orgC", "agentC", "planner"),
				"b.yaml":     minimalOrg("orgC", "agentC", "planner"),
			},
			message: "duplicate organization orgC",
		},
		{
			name:    "unknown kind",
			files:   map[string]string{"x.yaml": "api_version: covenant/v1\nkind: Gadget\n"},
			message: `unrecognized registry document kind "Gadget"`,
		},
		{
			name: "schema invalid",
			files: map[string]string{
				"agent.yaml": "api_version: covenant/v1\nkind: AgentDefinition\nmetadata: {agent_id: agentC}\nspec: {org_inclusion: {mode: any}}\n",
			},
			message: "invalid AgentDefinition",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, dir, name, content)
			}
			_, err := New(context.Background(), DirSource{Dir: dir}, testValidator(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestBuild_RevisionIgnoresOrder(t *testing.T) {
	v := testValidator(t)
	agent, err := schema.DecodeYAML([]byte(minimalAgent))
	require.NoError(t, err)
	org, err := schema.DecodeYAML([]byte(minimalOrg("orgC", "agentC", "planner")))
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := Build([]Document{{Origin: "a", Body: agent}, {Origin: "o", Body: org}}, v, "test", now)
	require.NoError(t, err)
	b, err := Build([]Document{{Origin: "o", Body: org}, {Origin: "a", Body: agent}}, v, "test", now)
	require.NoError(t, err)

	assert.Equal(t, a.Revision, b.Revision)
}

func TestReload_KeepsPreviousSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agent.yaml", minimalAgent)
	writeFile(t, dir, "org.yaml", minimalOrg("orgC", "agentC", "planner"))

	reg, err := New(context.Background(), DirSource{Dir: dir}, testValidator(t))
	require.NoError(t, err)
	before := reg.Snapshot()

	writeFile(t, dir, "broken.yaml", minimalOrg("orgD", "ghost", "planner"))
	_, err = reg.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, before, reg.Snapshot())

	require.NoError(t, os.Remove(filepath.Join(dir, "broken.yaml")))
	writeFile(t, dir, "org2.yaml", minimalOrg("orgD", "agentC", "planner"))
	after, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before.Revision, after.Revision)
	assert.Equal(t, []string{"orgC", "orgD"}, reg.Snapshot().OrganizationIDs())
}

func TestSelectSource(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, DirSource{Dir: dir}, SelectSource(dir))
	assert.Equal(t, BundledSource{}, SelectSource(filepath.Join(dir, "missing")))
	assert.Equal(t, BundledSource{}, SelectSource(""))
}

func TestDirSource_Empty(t *testing.T) {
	_, err := DirSource{Dir: t.TempDir()}.Documents(context.Background())
	assert.Error(t, err)
}
