package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/faults"
)

const validJob = `
api_version: covenant/v1
kind: JobContract
metadata:
  job_id: J1
  org_id: orgA
spec:
  requested_by: {agent_id: agentP, role: planner}
  assignee: {role: builder}
  inputs: {brief: "write a report"}
  required_artifacts:
    - artifact_type: report
  permissions:
    skills: {allowed_skill_ids: [web-search], allowed_skill_categories: []}
    mcp: {allowed: []}
    direct_network: {policy: deny_all}
  execution_limits:
    max_iterations: 3
    max_runtime_seconds: 600
    cost_cap: {currency: USD, max_cost: 12.5}
  timestamps:
    created_at: "2026-01-01T00:00:00Z"
    expires_at: "2026-01-02T00:00:00Z"
`

func mustDoc(t *testing.T, src string) any {
	t.Helper()
	doc, err := DecodeYAML([]byte(src))
	require.NoError(t, err)
	return doc
}

func bundledValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := LoadBundled()
	require.NoError(t, err)
	return v
}

func violationsOf(t *testing.T, err error) []faults.Violation {
	t.Helper()
	require.Error(t, err)
	fe, ok := faults.As(err)
	require.True(t, ok)
	require.Equal(t, faults.KindSchemaValidation, fe.Kind)
	return fe.Violations
}

func TestLoadBundled(t *testing.T) {
	v := bundledValidator(t)
	assert.Equal(t, []string{
		"AgentDefinition@v1",
		"Artifact@v1",
		"Evaluation@v1",
		"JobContract@v1",
		"OrganizationManifest@v1",
		"SkillContract@v1",
	}, v.Names())
}

func TestValidate_ValidJob(t *testing.T) {
	v := bundledValidator(t)
	assert.NoError(t, v.Validate(mustDoc(t, validJob), "JobContract", "v1"))
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	v := bundledValidator(t)
	doc := mustDoc(t, `
api_version: covenant/v1
kind: JobContract
metadata:
  job_id: "-bad id"
  org_id: orgA
  extra: true
spec:
  requested_by: {agent_id: agentP, role: planner}
  assignee: {role: builder}
  required_artifacts: []
  permissions:
    skills: {allowed_skill_ids: [], allowed_skill_categories: []}
    mcp: {allowed: []}
    direct_network: {policy: open}
  execution_limits:
    max_iterations: "three"
    max_runtime_seconds: 0
    cost_cap: {currency: usd, max_cost: 1}
`)

	got := violationsOf(t, v.Validate(doc, "JobContract", "v1"))

	type pk struct{ path, keyword string }
	var keys []pk
	for _, vi := range got {
		keys = append(keys, pk{vi.Path, vi.Keyword})
	}
	assert.Equal(t, []pk{
		{"/metadata/extra", "additionalProperties"},
		{"/metadata/job_id", "pattern"},
		{"/spec/execution_limits/cost_cap/currency", "pattern"},
		{"/spec/execution_limits/max_iterations", "type"},
		{"/spec/execution_limits/max_runtime_seconds", "minimum"},
		{"/spec/permissions/direct_network/policy", "enum"},
		{"/spec/timestamps", "required"},
	}, keys)

	byPath := map[string]faults.Violation{}
	for _, vi := range got {
		byPath[vi.Path] = vi
	}
	typeErr := byPath["/spec/execution_limits/max_iterations"]
	assert.Equal(t, "integer", typeErr.Expected)
	assert.Equal(t, "string", typeErr.Actual)
}

func TestValidate_UnknownSchemaFailsClosed(t *testing.T) {
	v := bundledValidator(t)

	got := violationsOf(t, v.Validate(mustDoc(t, validJob), "JobContract", "v9"))
	require.Len(t, got, 1)
	assert.Equal(t, "/", got[0].Path)
	assert.Equal(t, "$schema", got[0].Keyword)
}

func TestValidate_RootTypeMismatch(t *testing.T) {
	v := bundledValidator(t)

	got := violationsOf(t, v.Validate([]any{}, "Artifact", "v1"))
	require.Len(t, got, 1)
	assert.Equal(t, "/", got[0].Path)
	assert.Equal(t, "type", got[0].Keyword)
}

func TestValidate_MinItemsAndUnique(t *testing.T) {
	v := bundledValidator(t)
	doc := mustDoc(t, `
api_version: covenant/v1
kind: Evaluation
metadata: {org_id: orgA}
spec:
  job_ref: {job_id: J1}
  artifact_refs: []
  evaluator: {agent_id: agentX, role: reviewer}
  verdict: pass
  rationale: ""
  created_at: "2026-01-01T00:00:00Z"
`)
	got := violationsOf(t, v.Validate(doc, "Evaluation", "v1"))
	require.Len(t, got, 2)
	assert.Equal(t, "minItems", got[0].Keyword)
	assert.Equal(t, "minLength", got[1].Keyword)
}

func TestNormalizePatterns_UnescapesOneLayer(t *testing.T) {
	in := map[string]any{
		"pattern": `^\\d+\\.\\d+$`,
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "pattern": `\\w`},
		},
	}

	out := NormalizePatterns(in).(map[string]any)

	assert.Equal(t, `^\d+\.\d+$`, out["pattern"])
	nested := out["properties"].(map[string]any)["pattern"].(map[string]any)
	assert.Equal(t, `\w`, nested["pattern"])
	assert.Equal(t, `^\\d+\\.\\d+$`, in["pattern"], "input must not be modified")
}

func TestCompile_DoubleEscapedPatternMatches(t *testing.T) {
	v := bundledValidator(t)
	skill := func(version string) any {
		return mustDoc(t, `
api_version: covenant/v1
kind: SkillContract
metadata: {skill_id: web-search, version: "`+version+`", category: research}
spec: {}
`)
	}

	assert.NoError(t, v.Validate(skill("1.2.3"), "SkillContract", "v1"))

	got := violationsOf(t, v.Validate(skill("1x2x3"), "SkillContract", "v1"))
	require.Len(t, got, 1)
	assert.Equal(t, "/metadata/version", got[0].Path)
	assert.Equal(t, `^\d+\.\d+\.\d+$`, got[0].Expected)
}

func TestCompile_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing identity", "type: object\n"},
		{"unknown keyword", "x-schema-name: T\nx-schema-version: v1\nanyOf: []\n"},
		{"bad regex", "x-schema-name: T\nx-schema-version: v1\npattern: '(['\n"},
		{"unknown type", "x-schema-name: T\nx-schema-version: v1\ntype: decimal\n"},
		{"unresolved ref", "x-schema-name: T\nx-schema-version: v1\n$ref: '#/$defs/missing'\n"},
		{"unsupported format", "x-schema-name: T\nx-schema-version: v1\nformat: email\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(mustDoc(t, tt.src))
			assert.Error(t, err)
		})
	}
}

func TestCompile_IgnoresAnnotations(t *testing.T) {
	s, err := Compile(mustDoc(t, `
x-schema-name: T
x-schema-version: v1
x-owner: platform
title: T
description: annotated
examples: [1]
type: integer
`))
	require.NoError(t, err)
	v, err := New(s)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(mustDoc(t, "7"), "T", "v1"))
	assert.Error(t, v.Validate(mustDoc(t, "7.5"), "T", "v1"))
}

func jsonDoc(t *testing.T, src string) any {
	t.Helper()
	doc, err := canon.Decode([]byte(src))
	require.NoError(t, err)
	return doc
}

func validatorFor(t *testing.T, src string) *Validator {
	t.Helper()
	s, err := Compile(mustDoc(t, "x-schema-name: T\nx-schema-version: v1\n"+src))
	require.NoError(t, err)
	v, err := New(s)
	require.NoError(t, err)
	return v
}

func TestValidate_IntegerLiterals(t *testing.T) {
	v := validatorFor(t, "type: integer\n")
	tests := []struct {
		literal string
		ok      bool
	}{
		{"5", true},
		{"-12", true},
		{"9223372036854775807", true},
		{"5.0", false},
		{"1e3", false},
		{"99999999999999999999", false},
		{"7.5", false},
	}
	for _, tt := range tests {
		t.Run(tt.literal, func(t *testing.T) {
			err := v.Validate(jsonDoc(t, tt.literal), "T", "v1")
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			got := violationsOf(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "type", got[0].Keyword)
			assert.Equal(t, "integer", got[0].Expected)
			assert.Equal(t, "number", got[0].Actual)
		})
	}
}

func TestValidate_ConstAndEnumCompareNumbersByValue(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		doc    string
		ok     bool
	}{
		{"const integer matches decimal", "const: 1\n", "1.0", true},
		{"const integer matches exponent", "const: 1000\n", "1e3", true},
		{"const differs", "const: 1\n", "1.5", false},
		{"enum decimal member", "enum: [1, 2]\n", "2.0", true},
		{"enum miss", "enum: [1, 2]\n", "3", false},
		{"enum string is not number", "enum: [1, 2]\n", `"1"`, false},
		{"nested object", "const: {a: [1, 2]}\n", `{"a": [1.0, 2e0]}`, true},
		{"nested order matters in arrays", "const: {a: [1, 2]}\n", `{"a": [2, 1]}`, false},
		{"large integers stay exact", "const: 9007199254740993\n", "9007199254740992", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatorFor(t, tt.schema).Validate(jsonDoc(t, tt.doc), "T", "v1")
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.NotEmpty(t, violationsOf(t, err))
			}
		})
	}
}

func TestNew_RejectsDuplicates(t *testing.T) {
	s, err := Compile(mustDoc(t, "x-schema-name: T\nx-schema-version: v1\n"))
	require.NoError(t, err)
	_, err = New(s, s)
	assert.Error(t, err)
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thing.yaml"), []byte(`
x-schema-name: Thing
x-schema-version: v2
type: object
required: [name]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	v, err := Load(os.DirFS(dir))
	require.NoError(t, err)
	assert.True(t, v.Has("Thing", "v2"))
	assert.False(t, v.Has("JobContract", "v1"))

	_, err = Load(os.DirFS(t.TempDir()))
	assert.Error(t, err, "an empty schema directory must not load")
}
