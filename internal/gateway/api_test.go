package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/models"
)

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, http.Handler, *store.Stores) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gateway-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	cfg := &config.Config{
		Security: config.SecurityConfig{
			EncryptionKey: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32)),
		},
		Sync: config.SyncConfig{Workers: 2},
	}
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(cfg, db)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(gw.runner.Stop)
	return gw, buildHandler(gw), store.New(db)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	_, h, _ := newTestGateway(t, nil)

	if rec := doJSON(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d: %s", rec.Code, rec.Body.String())
	}
	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.TotalRepos != 0 || status.ScanningRepos != 0 {
		t.Fatalf("expected empty counts, got %+v", status)
	}
}

func TestScanCallbackEndpoint(t *testing.T) {
	_, h, stores := newTestGateway(t, nil)
	ctx := context.Background()

	repo, err := stores.Repos.Create(ctx, models.Repo{
		OrgID:    1,
		Provider: models.ProviderGitHub,
		Name:     "wallet-app",
		Owner:    "acme",
		State:    models.RepoScanning,
		Primary: &models.BranchDetails{
			Name:       "main",
			AnalysisID: "an-1",
			State:      models.BranchScanning,
		},
	})
	if err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/callbacks/scan", map[string]any{
		"status":                  "scanned",
		"analysis_id":             "an-1",
		"app_summary":             "a wallet app",
		"knowledgeGraph_mediaRef": "kg-9",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("scan callback returned %d: %s", rec.Code, rec.Body.String())
	}

	got, err := stores.Repos.GetByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("reload repo: %v", err)
	}
	if got.State != models.RepoScanned || got.Primary.KnowledgeGraphRef != "kg-9" {
		t.Fatalf("callback not applied: state=%s primary=%+v", got.State, got.Primary)
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/callbacks/scan", map[string]any{
		"status": "scanned", "analysis_id": "an-unknown",
	}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown analysis id returned %d", rec.Code)
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/callbacks/scan", map[string]any{
		"status": "exploded", "analysis_id": "an-1",
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status returned %d", rec.Code)
	}
}

func TestConfigureBranchesEndpoint(t *testing.T) {
	_, h, stores := newTestGateway(t, nil)

	repo, err := stores.Repos.Create(context.Background(), models.Repo{
		OrgID:    1,
		Provider: models.ProviderGitHub,
		Name:     "wallet-app",
		Owner:    "acme",
		State:    models.RepoCompatible,
	})
	if err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	base := "/api/repos/" + itoa(repo.ID) + "/branches"

	if rec := doJSON(t, h, http.MethodPut, base, map[string]string{"primary": ""}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing primary returned %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPut, base, map[string]string{
		"primary": "main", "secondary": "main",
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate slots returned %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPut, base, map[string]string{
		"primary": "main", "secondary": "develop",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("configure branches returned %d: %s", rec.Code, rec.Body.String())
	}
	var got models.Repo
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding repo: %v", err)
	}
	if got.Primary == nil || got.Primary.Name != "main" || got.Secondary == nil || got.Secondary.Name != "develop" {
		t.Fatalf("branch slots not saved: %+v", got)
	}
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubWebhookEndpoint(t *testing.T) {
	const secret = "hook-secret"
	_, h, stores := newTestGateway(t, func(cfg *config.Config) {
		cfg.GitHub.WebhookSecret = secret
	})

	if _, err := stores.Repos.Create(context.Background(), models.Repo{
		OrgID:    1,
		Provider: models.ProviderGitHub,
		Name:     "wallet-app",
		Owner:    "acme",
		State:    models.RepoCompatible,
	}); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	payload := []byte(`{
		"action": "opened",
		"number": 7,
		"pull_request": {
			"title": "Add dark mode",
			"user": {"login": "jordan"},
			"head": {"ref": "feature/dark-mode"},
			"base": {"ref": "main"}
		},
		"repository": {"name": "wallet-app", "owner": {"login": "acme"}}
	}`)

	// Wrong signature is rejected before any parsing.
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged signature returned %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", signPayload(secret, payload))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("pr webhook returned %d: %s", rec.Code, rec.Body.String())
	}

	var pr models.PullRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &pr); err != nil {
		t.Fatalf("decoding pr: %v", err)
	}
	if pr.State != models.PROpened || pr.Number != 7 || pr.TargetBranch != "main" {
		t.Fatalf("pr not recorded as opened: %+v", pr)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	_, h, _ := newTestGateway(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/schedules", map[string]any{
		"name":       "nightly github sync",
		"expr":       "@daily",
		"provider":   models.ProviderGitHub,
		"user_email": "dev@acme.io",
		"enabled":    true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create schedule returned %d: %s", rec.Code, rec.Body.String())
	}
	var created SyncSchedule
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding schedule: %v", err)
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/schedules", map[string]any{
		"name": "broken", "expr": "not-cron", "provider": models.ProviderGitHub, "user_email": "dev@acme.io",
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid expression returned %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/schedules", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "nightly github sync") {
		t.Fatalf("list schedules returned %d: %s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodDelete, "/api/schedules/"+itoa(created.ID), nil); rec.Code != http.StatusOK {
		t.Fatalf("delete schedule returned %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/schedules", nil)
	if strings.Contains(rec.Body.String(), "nightly github sync") {
		t.Fatal("schedule still listed after delete")
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
