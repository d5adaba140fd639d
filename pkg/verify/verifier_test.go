package verify

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkwell/docket/pkg/artifacts"
	"github.com/clerkwell/docket/pkg/casefile"
	"github.com/clerkwell/docket/pkg/ledger"

	_ "modernc.org/sqlite"
)

func newTestRepo(t *testing.T) (*casefile.Repository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	led, err := ledger.NewStore(db, ledger.DialectSQLite)
	require.NoError(t, err)
	repo, err := casefile.NewRepository(db, led, ledger.DialectSQLite)
	require.NoError(t, err)
	return repo, db
}

func testWorkflow() casefile.WorkflowRecord {
	return casefile.WorkflowRecord{
		Name: "vat-defense",
		Stages: []casefile.StageRef{
			{ID: "business-purpose", Agent: "analyst"},
			{ID: "materiality", Agent: "controller"},
			{ID: "final-review", Agent: "partner"},
		},
	}
}

// approveAll drives a case to approval through the repository alone.
func approveAll(t *testing.T, repo *casefile.Repository, caseID string) {
	t.Helper()
	ctx := context.Background()
	stages := []struct{ id, agent, next string }{
		{"business-purpose", "analyst", "materiality"},
		{"materiality", "controller", "final-review"},
		{"final-review", "partner", "final-review"},
	}
	for _, s := range stages {
		_, err := repo.RecordStageResult(ctx, caseID, casefile.StageResult{
			StageID: s.id, AgentID: s.agent, Decision: casefile.DecisionApprove, Analysis: "looks sound",
		}, casefile.Transition{Status: casefile.StatusInProgress, CurrentStage: s.next})
		require.NoError(t, err)
	}
	_, err := repo.FinalizeCase(ctx, caseID, casefile.StatusApproved)
	require.NoError(t, err)
}

func checkByName(t *testing.T, r *Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("report has no check %q", name)
	return Check{}
}

func TestVerifyCleanApprovedCase(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	approveAll(t, repo, caseID)

	report, err := New(repo).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.True(t, checkByName(t, report, "chain_integrity").OK)
	assert.True(t, checkByName(t, report, "result_pairing").OK)
	assert.True(t, checkByName(t, report, "stage_order").OK)
	assert.True(t, checkByName(t, report, "seal").OK)
}

func TestVerifyDetectsTamperedAnalysis(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	approveAll(t, repo, caseID)

	_, err = db.Exec(`UPDATE stage_results SET analysis = 'rewritten after the fact'
		WHERE case_id = ? AND stage_id = 'materiality'`, caseID)
	require.NoError(t, err)

	report, err := New(repo).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.True(t, checkByName(t, report, "chain_integrity").OK,
		"the ledger itself is untouched")
	pairing := checkByName(t, report, "result_pairing")
	assert.False(t, pairing.OK)
	assert.Contains(t, pairing.Detail, "analysis does not match")
}

func TestVerifyDetectsDeletedResultRow(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	approveAll(t, repo, caseID)

	_, err = db.Exec(`DELETE FROM stage_results WHERE case_id = ? AND stage_id = 'materiality'`, caseID)
	require.NoError(t, err)

	report, err := New(repo).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	pairing := checkByName(t, report, "result_pairing")
	assert.False(t, pairing.OK)
	assert.Contains(t, pairing.Detail, "no result row exists")
}

func TestVerifyAcceptsSkippedStage(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	_, err = repo.RecordStageResult(ctx, caseID, casefile.StageResult{
		StageID: "business-purpose", AgentID: "analyst", Decision: casefile.DecisionApprove,
	}, casefile.Transition{Status: casefile.StatusInProgress, CurrentStage: "materiality"})
	require.NoError(t, err)
	require.NoError(t, repo.RecordStageSkipped(ctx, caseID, "materiality", "guard: below threshold",
		casefile.Transition{Status: casefile.StatusInProgress, CurrentStage: "final-review"}))
	_, err = repo.RecordStageResult(ctx, caseID, casefile.StageResult{
		StageID: "final-review", AgentID: "partner", Decision: casefile.DecisionApprove,
	}, casefile.Transition{Status: casefile.StatusInProgress, CurrentStage: "final-review"})
	require.NoError(t, err)
	_, err = repo.FinalizeCase(ctx, caseID, casefile.StatusApproved)
	require.NoError(t, err)

	report, err := New(repo).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.True(t, checkByName(t, report, "stage_order").OK)
}

func TestVerifySealHistoryAfterForcedResume(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	_, err = repo.RecordStageResult(ctx, caseID, casefile.StageResult{
		StageID: "business-purpose", AgentID: "analyst", Decision: casefile.DecisionReject,
	}, casefile.Transition{Status: casefile.StatusRejected, CurrentStage: "business-purpose"})
	require.NoError(t, err)
	_, err = repo.FinalizeCase(ctx, caseID, casefile.StatusRejected)
	require.NoError(t, err)
	require.NoError(t, repo.RecordForcedResume(ctx, caseID, "compliance-officer"))

	report, err := New(repo).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, report.OK)
	history := checkByName(t, report, "seal_history")
	assert.True(t, history.OK)
	assert.Contains(t, history.Detail, "superseded")
	assert.True(t, checkByName(t, report, "seal").OK, "reopened case has no active seal")
}

func TestVerifyResolvesAttachedEvidence(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)

	data := []byte("supplier invoice, signed")
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	require.NoError(t, repo.AttachArtifact(ctx, caseID, casefile.Attachment{
		Ref: ref, Name: "invoice.pdf", Size: int64(len(data)),
	}))
	approveAll(t, repo, caseID)

	report, err := New(repo).WithEvidence(store).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, report.OK)
	evidence := checkByName(t, report, "evidence")
	assert.True(t, evidence.OK)
	assert.Contains(t, evidence.Detail, "1 attachment(s)")

	require.NoError(t, store.Delete(ctx, ref))
	report, err = New(repo).WithEvidence(store).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	assert.False(t, report.OK)
	evidence = checkByName(t, report, "evidence")
	assert.False(t, evidence.OK)
	assert.Contains(t, evidence.Detail, "missing from the store")
}

func TestVerifyWithoutStoreChecksRefFormatOnly(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	require.NoError(t, repo.AttachArtifact(ctx, caseID, casefile.Attachment{
		Ref: "sha256:" + strings.Repeat("ef", 32), Name: "report.pdf", Size: 12,
	}))
	approveAll(t, repo, caseID)

	report, err := New(repo).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, report.OK, "a well-formed ref passes without a store to resolve it")
	assert.True(t, checkByName(t, report, "evidence").OK)
}

func TestVerifyDetectsSealMismatchWithCaseRecord(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	approveAll(t, repo, caseID)

	_, err = db.Exec(`UPDATE cases SET seal_hash = 'deadbeef' WHERE id = ?`, caseID)
	require.NoError(t, err)

	report, err := New(repo).VerifyCase(ctx, caseID)
	require.NoError(t, err)
	seal := checkByName(t, report, "seal")
	assert.False(t, seal.OK)
	assert.Contains(t, seal.Detail, "different seal")
}

func TestVerifyBundle(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	approveAll(t, repo, caseID)

	bundle, err := repo.Ledger().ExportBundle(ctx, caseID)
	require.NoError(t, err)

	report := VerifyBundle(bundle)
	assert.True(t, report.OK)
	assert.True(t, checkByName(t, report, "format_version").OK)
	assert.True(t, checkByName(t, report, "bundle_integrity").OK)
}

func TestVerifyBundleRejectsForeignFormat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	approveAll(t, repo, caseID)

	bundle, err := repo.Ledger().ExportBundle(ctx, caseID)
	require.NoError(t, err)
	bundle.FormatVersion = "2.0.0"

	report := VerifyBundle(bundle)
	assert.False(t, checkByName(t, report, "format_version").OK)
}

func TestVerifyBundleDetectsTamper(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	caseID, err := repo.CreateCase(ctx, testWorkflow())
	require.NoError(t, err)
	approveAll(t, repo, caseID)

	bundle, err := repo.Ledger().ExportBundle(ctx, caseID)
	require.NoError(t, err)
	bundle.Events[1].Title = "doctored"

	report := VerifyBundle(bundle)
	assert.False(t, report.OK)
	assert.False(t, checkByName(t, report, "bundle_integrity").OK)
}
