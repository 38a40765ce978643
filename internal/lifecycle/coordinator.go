// Package lifecycle owns the repository and branch state machines. Every
// transition goes through the Coordinator so that persistence happens before
// any notification fan-out.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quashbugs/magnus/internal/classify"
	"github.com/quashbugs/magnus/internal/events"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/internal/tasks"
	"github.com/quashbugs/magnus/models"
)

// ErrBranchConflict is returned when a branch selection is invalid.
var ErrBranchConflict = errors.New("invalid branch selection")

// FileLister enumerates every file of one repository. Each provider adapter
// implements this with its own crawler.
type FileLister interface {
	ListFiles(ctx context.Context, user models.User, repo models.Repo) ([]models.RepoFile, error)
}

// Coordinator drives RepoState and BranchAnalysisState transitions.
type Coordinator struct {
	repos  *store.RepoStore
	bus    events.Publisher
	runner tasks.Runner
}

// New wires a Coordinator.
func New(repos *store.RepoStore, bus events.Publisher, runner tasks.Runner) *Coordinator {
	return &Coordinator{repos: repos, bus: bus, runner: runner}
}

// repoEvent is the repo_update payload.
type repoEvent struct {
	RepoID   int64            `json:"repo_id"`
	Name     string           `json:"name"`
	State    models.RepoState `json:"state"`
	IsMobile bool             `json:"is_mobile"`
	Platform string           `json:"platform,omitempty"`
	Event    string           `json:"event"`
}

func (c *Coordinator) publish(repo models.Repo, event string) {
	c.bus.Publish(events.RepoUpdate, repoEvent{
		RepoID:   repo.ID,
		Name:     repo.Name,
		State:    repo.State,
		IsMobile: repo.IsMobile,
		Platform: repo.Platform,
		Event:    event,
	})
}

// BeginDiscovery marks a repo as freshly discovered.
func (c *Coordinator) BeginDiscovery(ctx context.Context, repo models.Repo) (models.Repo, error) {
	repo.State = models.RepoFetching
	if err := c.repos.Update(ctx, repo); err != nil {
		return models.Repo{}, fmt.Errorf("persisting discovery state: %w", err)
	}
	return repo, nil
}

// QueueClassification schedules a background crawl+classify for one repo.
// The caller gets its HTTP response immediately; the verdict arrives later
// via the repo_update fan-out.
func (c *Coordinator) QueueClassification(user models.User, repoID int64, lister FileLister) {
	c.runner.Go("classify", func(ctx context.Context) {
		if err := c.Classify(ctx, user, repoID, lister); err != nil {
			slog.Warn("lifecycle: classification failed", "repo_id", repoID, "error", err)
		}
	})
}

// Classify crawls the repo's tree and applies the mobile verdict.
// Classification is sticky: a settled repo is returned untouched, with no
// crawl issued.
func (c *Coordinator) Classify(ctx context.Context, user models.User, repoID int64, lister FileLister) error {
	repo, err := c.repos.GetByID(ctx, repoID)
	if err != nil {
		return fmt.Errorf("loading repo %d: %w", repoID, err)
	}
	if repo.State.ClassificationSettled() {
		return nil
	}

	repo.State = models.RepoAnalyzing
	if err := c.repos.Update(ctx, repo); err != nil {
		return fmt.Errorf("persisting analyzing state: %w", err)
	}

	files, err := lister.ListFiles(ctx, user, repo)
	if err != nil {
		c.fail(ctx, repo, "classification_failed")
		return fmt.Errorf("crawling repo %s: %w", repo.Name, err)
	}

	verdict := classify.Classify(files)
	repo.IsMobile = verdict.IsMobile
	repo.Platform = verdict.Platform
	if verdict.IsMobile {
		repo.State = models.RepoCompatible
	} else {
		repo.State = models.RepoIncompatible
	}
	if err := c.repos.Update(ctx, repo); err != nil {
		return fmt.Errorf("persisting classification: %w", err)
	}
	c.publish(repo, "classified")
	slog.Info("lifecycle: repo classified",
		"repo", repo.Name, "is_mobile", repo.IsMobile, "platform", repo.Platform)
	return nil
}

// SaveBranches sets the primary and optional secondary branch slots. A slot
// whose name changes loses its previous analysis record.
func (c *Coordinator) SaveBranches(ctx context.Context, repoID int64, primary, secondary string) (models.Repo, error) {
	if primary == "" {
		return models.Repo{}, fmt.Errorf("%w: primary branch is required", ErrBranchConflict)
	}
	if primary == secondary {
		return models.Repo{}, fmt.Errorf("%w: primary and secondary branch must differ", ErrBranchConflict)
	}

	repo, err := c.repos.GetByID(ctx, repoID)
	if err != nil {
		return models.Repo{}, err
	}

	if repo.Primary == nil || repo.Primary.Name != primary {
		repo.Primary = &models.BranchDetails{Name: primary}
	}
	switch {
	case secondary == "":
		repo.Secondary = nil
	case repo.Secondary == nil || repo.Secondary.Name != secondary:
		repo.Secondary = &models.BranchDetails{Name: secondary}
	}

	if err := c.repos.Update(ctx, repo); err != nil {
		return models.Repo{}, err
	}
	return repo, nil
}

// MarkScanning records a successfully started branch scan. The branch is
// optimistically moved to SCANNING with its analysis id even though a
// sibling branch may still fail the aggregate.
func (c *Coordinator) MarkScanning(ctx context.Context, repo *models.Repo, branch *models.BranchDetails, analysisID string) error {
	branch.AnalysisID = analysisID
	branch.State = models.BranchScanning
	return c.repos.Update(ctx, *repo)
}

// PromoteScanning moves the whole repo to SCANNING after every branch scan
// started, then fires the scan_started event.
func (c *Coordinator) PromoteScanning(ctx context.Context, repo *models.Repo) error {
	repo.State = models.RepoScanning
	if err := c.repos.Update(ctx, *repo); err != nil {
		return err
	}
	c.publish(*repo, "scan_started")
	return nil
}

// MarkBranchScanned applies a successful scan callback to one branch and
// promotes the repo to SCANNED only when every configured slot is scanned.
// The promotion check re-reads the full branch set, so two callbacks for
// different branches may race without losing the promotion.
func (c *Coordinator) MarkBranchScanned(ctx context.Context, repo *models.Repo, branch *models.BranchDetails, knowledgeGraphRef, appSummary string) error {
	branch.State = models.BranchScanned
	branch.KnowledgeGraphRef = knowledgeGraphRef
	branch.LastAnalyzedAt = time.Now().UTC().Format(time.RFC3339)

	if repo.AllBranchesScanned() {
		repo.State = models.RepoScanned
		if appSummary != "" {
			repo.AppSummary = appSummary
		}
	}
	if err := c.repos.Update(ctx, *repo); err != nil {
		return err
	}
	c.publish(*repo, "branch_scanned")
	return nil
}

// MarkBranchFailed fails one branch and the whole repo immediately. The
// sibling branch may still be mid-scan; the repo does not wait for it.
func (c *Coordinator) MarkBranchFailed(ctx context.Context, repo *models.Repo, branch *models.BranchDetails) error {
	branch.State = models.BranchError
	repo.State = models.RepoError
	if err := c.repos.Update(ctx, *repo); err != nil {
		return err
	}
	c.publish(*repo, "branch_failed")
	return nil
}

// MarkError forces the repo to ERROR, reachable from any non-terminal state.
func (c *Coordinator) MarkError(ctx context.Context, repo *models.Repo) error {
	repo.State = models.RepoError
	if err := c.repos.Update(ctx, *repo); err != nil {
		return err
	}
	c.publish(*repo, "error")
	return nil
}

func (c *Coordinator) fail(ctx context.Context, repo models.Repo, event string) {
	repo.State = models.RepoError
	if err := c.repos.Update(ctx, repo); err != nil {
		slog.Error("lifecycle: persisting error state failed", "repo_id", repo.ID, "error", err)
		return
	}
	c.publish(repo, event)
}
