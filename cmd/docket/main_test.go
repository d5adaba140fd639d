package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkflowYAML = `
name: vat-defense
stages:
  - id: business-purpose
    agent: analyst
  - id: final-review
    agent: partner
`

// approvingModel serves OpenAI-style chat completions that always
// approve.
func approvingModel(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdict := `{"decision": "approve", "analysis": "documentation is sufficient", "findings": {}}`
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": verdict}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOCKET_DATABASE_URL", filepath.Join(dir, "docket.db"))
	t.Setenv("DOCKET_REASONER_URL", approvingModel(t).URL)
	t.Setenv("DOCKET_REDIS_URL", "")
	t.Setenv("DOCKET_WEBHOOK_URL", "")
	t.Setenv("DOCKET_OTLP_ENDPOINT", "")
	t.Setenv("DOCKET_EVIDENCE_BACKEND", "fs")
	t.Setenv("DOCKET_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("DOCKET_LOG_LEVEL", "ERROR")

	wfPath := filepath.Join(dir, "wf.yaml")
	require.NoError(t, os.WriteFile(wfPath, []byte(testWorkflowYAML), 0o644))
	return wfPath
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"docket"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunHelpAndUnknown(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "USAGE")

	code, _, errOut := run("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command")

	code, _, _ = run()
	assert.Equal(t, 2, code)
}

func TestStartStatusVerifyExportCycle(t *testing.T) {
	wfPath := setupEnv(t)

	code, out, errOut := run("start", "--workflow", wfPath, "--context", `{"jurisdiction":"ES"}`)
	require.Equal(t, 0, code, "stderr: %s", errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	caseID := lines[0]
	assert.Contains(t, out, "status: approved")
	assert.Contains(t, out, "seal:")

	code, out, _ = run("status", caseID)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "approved")
	assert.Contains(t, out, "business-purpose")
	assert.Contains(t, out, "final-review")

	code, out, _ = run("verify", caseID)
	require.Equal(t, 0, code, "verify output: %s", out)
	assert.NotContains(t, out, "FAIL")

	bundlePath := filepath.Join(t.TempDir(), "bundle.json")
	code, out, _ = run("export", "--out", bundlePath, caseID)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "bundle:")

	code, out, _ = run("verify", "--bundle", bundlePath)
	require.Equal(t, 0, code, "bundle verify output: %s", out)
	assert.NotContains(t, out, "FAIL")
}

func TestStartNoRunLeavesCaseOpen(t *testing.T) {
	wfPath := setupEnv(t)

	code, out, _ := run("start", "--workflow", wfPath, "--no-run")
	require.Equal(t, 0, code)
	caseID := strings.TrimSpace(out)
	require.NotEmpty(t, caseID)

	code, out, _ = run("status", caseID)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "open")
}

func TestListFiltersByStatus(t *testing.T) {
	wfPath := setupEnv(t)

	_, out, _ := run("start", "--workflow", wfPath)
	caseID := strings.Split(strings.TrimSpace(out), "\n")[0]

	code, out, _ := run("list", "--status", "approved")
	require.Equal(t, 0, code)
	assert.Contains(t, out, caseID)

	code, out, _ = run("list", "--status", "failed")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, caseID)
}

func TestCancelRequiresReason(t *testing.T) {
	wfPath := setupEnv(t)

	_, out, _ := run("start", "--workflow", wfPath, "--no-run")
	caseID := strings.TrimSpace(out)

	code, _, errOut := run("cancel", caseID)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage")

	code, out, _ = run("cancel", "--reason", "filed in error", caseID)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "cancelled")

	_, out, _ = run("status", caseID)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "filed in error")
}

func TestAttachStoresEvidenceAndRecordsRef(t *testing.T) {
	wfPath := setupEnv(t)

	_, out, _ := run("start", "--workflow", wfPath, "--no-run")
	caseID := strings.TrimSpace(out)
	require.NotEmpty(t, caseID)

	evidencePath := filepath.Join(t.TempDir(), "invoice.pdf")
	require.NoError(t, os.WriteFile(evidencePath, []byte("supplier invoice, signed"), 0o644))

	code, _, errOut := run("attach", caseID)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage")

	code, out, errOut = run("attach", caseID, evidencePath)
	require.Equal(t, 0, code, "stderr: %s", errOut)
	ref := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(ref, "sha256:"), "got %q", ref)

	// The blob landed under the configured data dir.
	matches, err := filepath.Glob(filepath.Join(os.Getenv("DOCKET_DATA_DIR"), "evidence", "*", "*.blob"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	code, out, _ = run("status", caseID)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "evidence "+ref)
	assert.Contains(t, out, "invoice.pdf")

	code, out, _ = run("verify", caseID)
	require.Equal(t, 0, code, "verify output: %s", out)
	assert.Contains(t, out, "evidence")
	assert.NotContains(t, out, "FAIL")

	// Losing the blob is an integrity failure the verifier must surface.
	require.NoError(t, os.Remove(matches[0]))
	code, out, _ = run("verify", caseID)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "missing from the store")
}

func TestStatusJSON(t *testing.T) {
	wfPath := setupEnv(t)

	_, out, _ := run("start", "--workflow", wfPath)
	caseID := strings.Split(strings.TrimSpace(out), "\n")[0]

	code, out, _ := run("status", "--json", caseID)
	require.Equal(t, 0, code)

	var state struct {
		Case struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"case"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, caseID, state.Case.ID)
	assert.Equal(t, "approved", state.Case.Status)
}

func TestVerifyReportsTamper(t *testing.T) {
	wfPath := setupEnv(t)

	_, out, _ := run("start", "--workflow", wfPath)
	caseID := strings.Split(strings.TrimSpace(out), "\n")[0]

	bundlePath := filepath.Join(t.TempDir(), "bundle.json")
	code, _, _ := run("export", "--out", bundlePath, caseID)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(bundlePath)
	require.NoError(t, err)
	doctored := bytes.Replace(data, []byte("documentation is sufficient"), []byte("doctored analysis text ooo"), 1)
	require.NotEqual(t, data, doctored, "fixture must actually change bytes")
	require.NoError(t, os.WriteFile(bundlePath, doctored, 0o644))

	code, out, _ = run("verify", "--bundle", bundlePath)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAIL")
}

func TestMissingWorkflowFlag(t *testing.T) {
	code, _, errOut := run("start")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--workflow")
}
