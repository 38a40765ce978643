package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/internal/events"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/internal/tasks"
	"github.com/quashbugs/magnus/models"
)

type fakeLister struct {
	files []models.RepoFile
	err   error
	calls int
}

func (f *fakeLister) ListFiles(ctx context.Context, user models.User, repo models.Repo) ([]models.RepoFile, error) {
	f.calls++
	return f.files, f.err
}

type capturingBus struct {
	types []string
}

func (c *capturingBus) Publish(eventType string, payload any) {
	c.types = append(c.types, eventType)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Stores, *capturingBus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "lifecycle-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	st := store.New(db)
	bus := &capturingBus{}
	return New(st.Repos, bus, tasks.Sync{}), st, bus
}

func seedRepo(t *testing.T, st *store.Stores, repo models.Repo) models.Repo {
	t.Helper()
	created, err := st.Repos.Create(context.Background(), repo)
	if err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	return created
}

func TestClassifySetsCompatible(t *testing.T) {
	c, st, bus := newTestCoordinator(t)
	ctx := context.Background()
	repo := seedRepo(t, st, models.Repo{OrgID: 1, Provider: models.ProviderGitHub, Name: "app", State: models.RepoFetching})

	lister := &fakeLister{files: []models.RepoFile{
		{Name: "AndroidManifest.xml", Path: "app/src/main/AndroidManifest.xml", Type: models.FileTypeFile},
		{Name: "build.gradle", Path: "build.gradle", Type: models.FileTypeFile},
		{Name: "gradlew", Path: "gradlew", Type: models.FileTypeFile},
	}}

	if err := c.Classify(ctx, models.User{}, repo.ID, lister); err != nil {
		t.Fatalf("classify: %v", err)
	}

	got, _ := st.Repos.GetByID(ctx, repo.ID)
	if got.State != models.RepoCompatible || !got.IsMobile || got.Platform != "android" {
		t.Fatalf("unexpected verdict: %+v", got)
	}
	if len(bus.types) != 1 || bus.types[0] != events.RepoUpdate {
		t.Fatalf("expected one repo_update event, got %v", bus.types)
	}
}

func TestClassifyIsSticky(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	repo := seedRepo(t, st, models.Repo{OrgID: 1, Name: "app", State: models.RepoCompatible, IsMobile: true, Platform: "android"})

	lister := &fakeLister{}
	if err := c.Classify(ctx, models.User{}, repo.ID, lister); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if lister.calls != 0 {
		t.Fatalf("settled repo must not be crawled, got %d calls", lister.calls)
	}
}

func TestClassifyCrawlFailureSetsError(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	repo := seedRepo(t, st, models.Repo{OrgID: 1, Name: "app", State: models.RepoFetching})

	lister := &fakeLister{err: errors.New("tree listing failed")}
	if err := c.Classify(ctx, models.User{}, repo.ID, lister); err == nil {
		t.Fatal("expected error")
	}
	got, _ := st.Repos.GetByID(ctx, repo.ID)
	if got.State != models.RepoError {
		t.Fatalf("expected ERROR, got %s", got.State)
	}
}

func TestSaveBranchesValidation(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	repo := seedRepo(t, st, models.Repo{OrgID: 1, Name: "app", State: models.RepoCompatible})

	if _, err := c.SaveBranches(ctx, repo.ID, "", ""); !errors.Is(err, ErrBranchConflict) {
		t.Fatalf("expected branch conflict, got %v", err)
	}
	if _, err := c.SaveBranches(ctx, repo.ID, "main", "main"); !errors.Is(err, ErrBranchConflict) {
		t.Fatalf("expected branch conflict, got %v", err)
	}

	saved, err := c.SaveBranches(ctx, repo.ID, "main", "develop")
	if err != nil {
		t.Fatalf("save branches: %v", err)
	}
	if saved.Primary.Name != "main" || saved.Secondary.Name != "develop" {
		t.Fatalf("unexpected slots: %+v %+v", saved.Primary, saved.Secondary)
	}

	// Re-saving a changed primary resets its analysis record.
	saved.Primary.AnalysisID = "an-1"
	saved.Primary.State = models.BranchScanned
	if err := st.Repos.Update(ctx, saved); err != nil {
		t.Fatalf("update: %v", err)
	}
	resaved, err := c.SaveBranches(ctx, repo.ID, "release", "develop")
	if err != nil {
		t.Fatalf("save branches: %v", err)
	}
	if resaved.Primary.AnalysisID != "" || resaved.Primary.State != "" {
		t.Fatalf("changed slot should be reset: %+v", resaved.Primary)
	}
}

func TestPromotionRequiresAllBranchesScanned(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	repo := seedRepo(t, st, models.Repo{
		OrgID: 1, Name: "app", State: models.RepoScanning,
		Primary:   &models.BranchDetails{Name: "main", AnalysisID: "an-1", State: models.BranchScanning},
		Secondary: &models.BranchDetails{Name: "develop", AnalysisID: "an-2", State: models.BranchScanning},
	})

	if err := c.MarkBranchScanned(ctx, &repo, repo.Primary, "kg-1", "summary"); err != nil {
		t.Fatalf("mark scanned: %v", err)
	}
	got, _ := st.Repos.GetByID(ctx, repo.ID)
	if got.State != models.RepoScanning {
		t.Fatalf("repo must stay SCANNING until all branches done, got %s", got.State)
	}

	if err := c.MarkBranchScanned(ctx, &repo, repo.Secondary, "kg-2", "summary"); err != nil {
		t.Fatalf("mark scanned: %v", err)
	}
	got, _ = st.Repos.GetByID(ctx, repo.ID)
	if got.State != models.RepoScanned {
		t.Fatalf("expected SCANNED, got %s", got.State)
	}
	if got.AppSummary != "summary" {
		t.Fatalf("expected app summary, got %q", got.AppSummary)
	}
}

func TestBranchFailureFailsRepoImmediately(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	repo := seedRepo(t, st, models.Repo{
		OrgID: 1, Name: "app", State: models.RepoScanning,
		Primary:   &models.BranchDetails{Name: "main", AnalysisID: "an-1", State: models.BranchScanning},
		Secondary: &models.BranchDetails{Name: "develop", AnalysisID: "an-2", State: models.BranchScanning},
	})

	if err := c.MarkBranchFailed(ctx, &repo, repo.Primary); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := st.Repos.GetByID(ctx, repo.ID)
	if got.State != models.RepoError {
		t.Fatalf("expected ERROR, got %s", got.State)
	}
	if got.Secondary.State != models.BranchScanning {
		t.Fatalf("sibling branch should be untouched, got %s", got.Secondary.State)
	}
}
