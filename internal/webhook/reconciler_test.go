package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/internal/events"
	"github.com/quashbugs/magnus/internal/lifecycle"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/internal/tasks"
	"github.com/quashbugs/magnus/models"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Stores) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "webhook-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	st := store.New(db)
	life := lifecycle.New(st.Repos, events.Discard{}, tasks.Sync{})
	return New(st, life, events.Discard{}), st
}

func seedScanningRepo(t *testing.T, st *store.Stores) models.Repo {
	t.Helper()
	repo, err := st.Repos.Create(context.Background(), models.Repo{
		OrgID: 1, Provider: models.ProviderGitHub, Name: "wallet-app", Owner: "acme",
		State:   models.RepoScanning,
		Primary: &models.BranchDetails{Name: "main", AnalysisID: "an-main", State: models.BranchScanning},
	})
	if err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	return repo
}

func TestScanCallbackScannedPromotesRepo(t *testing.T) {
	r, st := newTestReconciler(t)
	repo := seedScanningRepo(t, st)

	err := r.HandleScanCallback(context.Background(), ScanCallback{
		Status:            ScanStatusScanned,
		AnalysisID:        "an-main",
		AppSummary:        "a wallet app",
		KnowledgeGraphRef: "kg-9",
	})
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}

	got, _ := st.Repos.GetByID(context.Background(), repo.ID)
	if got.State != models.RepoScanned {
		t.Fatalf("expected SCANNED, got %s", got.State)
	}
	if got.Primary.State != models.BranchScanned || got.Primary.KnowledgeGraphRef != "kg-9" {
		t.Fatalf("branch not updated: %+v", got.Primary)
	}
	if got.AppSummary != "a wallet app" {
		t.Fatalf("app summary not set: %q", got.AppSummary)
	}
}

func TestScanCallbackFailedSetsError(t *testing.T) {
	r, st := newTestReconciler(t)
	repo := seedScanningRepo(t, st)

	err := r.HandleScanCallback(context.Background(), ScanCallback{
		Status:     ScanStatusFailed,
		AnalysisID: "an-main",
		Message:    "clone failed",
	})
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	got, _ := st.Repos.GetByID(context.Background(), repo.ID)
	if got.State != models.RepoError || got.Primary.State != models.BranchError {
		t.Fatalf("expected ERROR states, got repo=%s branch=%s", got.State, got.Primary.State)
	}
}

func TestScanCallbackUnknownAnalysisID(t *testing.T) {
	r, _ := newTestReconciler(t)
	err := r.HandleScanCallback(context.Background(), ScanCallback{Status: ScanStatusScanned, AnalysisID: "an-nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanCallbackRejectsUnknownStatus(t *testing.T) {
	r, st := newTestReconciler(t)
	repo := seedScanningRepo(t, st)

	err := r.HandleScanCallback(context.Background(), ScanCallback{Status: "maybe", AnalysisID: "an-main"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	got, _ := st.Repos.GetByID(context.Background(), repo.ID)
	if got.State != models.RepoScanning {
		t.Fatalf("state must be untouched on invalid status, got %s", got.State)
	}
}

func TestPRCallbackCompletedMaterializesTestCases(t *testing.T) {
	r, st := newTestReconciler(t)
	repo := seedScanningRepo(t, st)

	pr, err := r.HandlePROpened(context.Background(), repo, 42, "Add login", "dev", "feature/login", "main")
	if err != nil {
		t.Fatalf("pr opened: %v", err)
	}
	if pr.State != models.PROpened {
		t.Fatalf("expected OPENED, got %s", pr.State)
	}

	err = r.HandlePRCallback(context.Background(), PRCallback{
		Status:            PRStatusCompleted,
		AnalysisID:        "an-main",
		PrAnalysisID:      "pran-1",
		PullRequestNumber: 42,
		Summary:           "adds login flow",
		Scopes:            []string{"auth", "ui"},
		ScriptMediaRef:    "media-3",
		TestCases: []TestCasePayload{
			{Title: "valid login", Steps: []string{"open", "type", "submit"}},
		},
	})
	if err != nil {
		t.Fatalf("pr callback: %v", err)
	}

	got, err := st.PullRequests.GetByRepoAndNumber(context.Background(), repo.ID, 42)
	if err != nil {
		t.Fatalf("get pr: %v", err)
	}
	if got.State != models.PRAnalyzed || got.PrAnalysisID != "pran-1" || got.Summary != "adds login flow" {
		t.Fatalf("pr not updated: %+v", got)
	}
	if len(got.Scopes) != 2 || got.ScriptRef != "media-3" {
		t.Fatalf("pr artifacts missing: %+v", got)
	}

	cases, err := st.PullRequests.ListTestCases(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("list test cases: %v", err)
	}
	if len(cases) != 1 || cases[0].Title != "valid login" || len(cases[0].Steps) != 3 {
		t.Fatalf("unexpected test cases: %+v", cases)
	}
}

func TestPRCallbackRejectsUnconfiguredTargetBranch(t *testing.T) {
	r, st := newTestReconciler(t)
	repo := seedScanningRepo(t, st)

	if _, err := r.HandlePROpened(context.Background(), repo, 7, "PR", "dev", "feat", "release"); err != nil {
		t.Fatalf("pr opened: %v", err)
	}

	err := r.HandlePRCallback(context.Background(), PRCallback{
		Status:            PRStatusStarted,
		AnalysisID:        "an-main",
		PullRequestNumber: 7,
	})
	if !errors.Is(err, ErrBranchMismatch) {
		t.Fatalf("expected ErrBranchMismatch, got %v", err)
	}

	got, _ := st.PullRequests.GetByRepoAndNumber(context.Background(), repo.ID, 7)
	if got.State != models.PROpened {
		t.Fatalf("state must be untouched on mismatch, got %s", got.State)
	}
}

func TestPRCallbackFailed(t *testing.T) {
	r, st := newTestReconciler(t)
	repo := seedScanningRepo(t, st)

	if _, err := r.HandlePROpened(context.Background(), repo, 8, "PR", "dev", "feat", "main"); err != nil {
		t.Fatalf("pr opened: %v", err)
	}
	err := r.HandlePRCallback(context.Background(), PRCallback{
		Status:            PRStatusFailed,
		AnalysisID:        "an-main",
		PullRequestNumber: 8,
	})
	if err != nil {
		t.Fatalf("pr callback: %v", err)
	}
	got, _ := st.PullRequests.GetByRepoAndNumber(context.Background(), repo.ID, 8)
	if got.State != models.PRError {
		t.Fatalf("expected ERROR, got %s", got.State)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"status":"scanned"}`)
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(payload)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !VerifySignature(payload, header, "topsecret") {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(payload, header, "othersecret") {
		t.Fatal("signature accepted with wrong secret")
	}
	if VerifySignature([]byte(`{"status":"failed"}`), header, "topsecret") {
		t.Fatal("signature accepted for different payload")
	}
	if VerifySignature(payload, "", "topsecret") {
		t.Fatal("empty header accepted")
	}
}
