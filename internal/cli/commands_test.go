package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/store"
	"github.com/roach88/covenant/internal/testutil"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func writeJSON(t *testing.T, dir, name string, doc any) string {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func decodeData(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestValidate_ValidDocuments(t *testing.T) {
	dir := t.TempDir()
	now := testutil.Epoch
	job := writeJSON(t, dir, "job.json", testutil.JobContract("orgA", now))

	// JSON is valid YAML, so two documents make a stream.
	a, err := json.Marshal(testutil.Artifact("job_0001", "orgA", "agentY", "builder", now))
	require.NoError(t, err)
	e, err := json.Marshal(testutil.Evaluation("job_0001", "orgA", "agentX", "reviewer", "pass", now, "art_0001"))
	require.NoError(t, err)
	stream := filepath.Join(dir, "docs.yaml")
	require.NoError(t, os.WriteFile(stream, []byte(string(a)+"\n---\n"+string(e)+"\n"), 0o644))

	out, err := execute(t, "validate", job, stream)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+job+"[0] JobContract")
	assert.Contains(t, out, "✓ "+stream+"[0] Artifact")
	assert.Contains(t, out, "✓ "+stream+"[1] Evaluation")
	assert.Contains(t, out, "3 document(s), 0 invalid")
}

func TestValidate_InvalidDocuments(t *testing.T) {
	dir := t.TempDir()
	bad := testutil.Set(testutil.JobContract("orgA", testutil.Epoch), "agentY", "spec", "assignee")
	badPath := writeJSON(t, dir, "bad.json", bad)
	kindless := writeJSON(t, dir, "kindless.json", map[string]any{"api_version": "covenant/v1"})

	out, err := execute(t, "validate", badPath, kindless, "--format", "json")
	requireExit(t, err, ExitFailure)

	var resp struct {
		Data []DocumentResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)

	assert.Equal(t, "JobContract", resp.Data[0].Kind)
	assert.False(t, resp.Data[0].Valid)
	require.NotEmpty(t, resp.Data[0].Violations)
	assert.True(t, strings.HasPrefix(resp.Data[0].Violations[0].Path, "/spec/assignee"))

	assert.False(t, resp.Data[1].Valid)
	assert.Equal(t, "/kind", resp.Data[1].Violations[0].Path)
}

func TestValidate_UnreadableFile(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	requireExit(t, err, ExitCommandError)
}

func TestPolicy(t *testing.T) {
	out, err := execute(t, "policy", "orgB")
	require.NoError(t, err)
	assert.Contains(t, out, "Organization orgB")
	assert.Contains(t, out, "agentZ: reviewer")
	assert.Contains(t, out, "max_active_jobs=1")
	assert.Contains(t, out, "fail verdict: rejected")

	out, err = execute(t, "policy", "orgA", "--format", "json")
	require.NoError(t, err)
	data := decodeData(t, out)
	assert.Equal(t, "orgA", data["org_id"])
}

func TestPolicy_UnknownOrganization(t *testing.T) {
	out, err := execute(t, "policy", "orgZ")
	requireExit(t, err, ExitFailure)
	assert.Contains(t, out, "Error [NOT_FOUND]: organization not found: orgZ")
}

func TestRegistryCheck_Bundled(t *testing.T) {
	out, err := execute(t, "registry", "check", "--format", "json")
	require.NoError(t, err)
	data := decodeData(t, out)
	assert.Equal(t, []any{"orgA", "orgB"}, data["organizations"])
	assert.NotEmpty(t, data["registry_revision"])
}

func TestRegistryCheck_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.yaml"),
		[]byte("api_version: covenant/v1\nkind: Gadget\n"), 0o644))

	out, err := execute(t, "registry", "check", "--registry-dir", dir)
	requireExit(t, err, ExitFailure)
	assert.Contains(t, out, "Error [REGISTRY_INVALID]")
	assert.Contains(t, out, "Gadget")
}

func TestRegistryCheck_MissingDir(t *testing.T) {
	_, err := execute(t, "registry", "check", "--registry-dir", filepath.Join(t.TempDir(), "absent"))
	requireExit(t, err, ExitCommandError)
}

// seedDB writes one submitted, run and stopped job to a SQLite file.
func seedDB(t *testing.T) (path, jobID string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "covenant.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	env := testutil.NewEnvWithStore(t, st)
	ctx := context.Background()
	job, err := env.Engine.SubmitJob(ctx, testutil.JobContract("orgA", env.Clock.Now()))
	require.NoError(t, err)
	_, err = env.Engine.RunJob(ctx, job.JobID)
	require.NoError(t, err)
	return path, job.JobID
}

func TestInspect(t *testing.T) {
	db, jobID := seedDB(t)

	out, err := execute(t, "inspect", jobID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Job "+jobID+" (orgA) state=waiting")
	assert.Contains(t, out, "job submitted")
	assert.Contains(t, out, "✓ history replays to waiting")

	out, err = execute(t, "inspect", jobID, "--db", db, "--format", "json")
	require.NoError(t, err)
	data := decodeData(t, out)
	assert.Equal(t, "waiting", data["state"])
	audit := data["audit"].(map[string]any)
	assert.Equal(t, true, audit["consistent"])
	assert.Len(t, data["history"], 2)
}

func TestInspect_UnknownJob(t *testing.T) {
	db, _ := seedDB(t)
	out, err := execute(t, "inspect", "job_missing", "--db", db)
	requireExit(t, err, ExitFailure)
	assert.Contains(t, out, "Error [NOT_FOUND]: job not found: job_missing")
}

func TestTest_AllScenariosPass(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ build_mode_pass\n")
	assert.Contains(t, out, "Test Summary: 6 passed, 0 failed, 6 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTest_Filter(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios, "--filter", "org*", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "organization_limits", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)
}

func TestTest_GoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "build_mode_pass.golden"), []byte("{}\n"), 0o644))

	out, err := execute(t, "test", harnessScenarios, "--filter", "build_mode_pass", "--golden-dir", golden)
	requireExit(t, err, ExitFailure)
	assert.Contains(t, out, "✗ build_mode_pass (golden mismatch)")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTest_MissingGoldenIsNotAFailure(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios, "--filter", "self_evaluation", "--golden-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "✓ self_evaluation (golden missing)")
}

func TestTest_Update(t *testing.T) {
	golden := filepath.Join(t.TempDir(), "golden")
	_, err := execute(t, "test", harnessScenarios, "--filter", "expired_contract", "--golden-dir", golden, "--update")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(golden, "expired_contract.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGolden, "expired_contract.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestTest_Trail(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios, "--filter", "expired_contract", "--trail")
	require.NoError(t, err)
	assert.Contains(t, out, `"explanation":"contract expired"`)
}

func TestTest_MissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nothing"))
	requireExit(t, err, ExitCommandError)
}
