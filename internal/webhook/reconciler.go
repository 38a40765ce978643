// Package webhook validates and applies the asynchronous callbacks delivered
// by the external analysis service, advancing the repo and PR state machines.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quashbugs/magnus/internal/events"
	"github.com/quashbugs/magnus/internal/lifecycle"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/models"
)

// Scan callback statuses.
const (
	ScanStatusScanned = "scanned"
	ScanStatusFailed  = "failed"
)

// PR-analysis callback statuses.
const (
	PRStatusStarted    = "started"
	PRStatusInProgress = "in_progress"
	PRStatusCompleted  = "completed"
	PRStatusFailed     = "failed"
)

var (
	// ErrNotFound means no stored entity matches the callback's analysis id.
	ErrNotFound = errors.New("no entity matches callback")
	// ErrInvalidStatus means the callback carried an unknown status value.
	ErrInvalidStatus = errors.New("invalid callback status")
	// ErrBranchMismatch means a PR's target branch is not one of the repo's
	// configured branch slots.
	ErrBranchMismatch = errors.New("pull request target branch is not configured")
)

// ScanCallback is the raw scan-result payload.
type ScanCallback struct {
	Status            string `json:"status"`
	AnalysisID        string `json:"analysis_id"`
	AppSummary        string `json:"app_summary"`
	KnowledgeGraphRef string `json:"knowledgeGraph_mediaRef"`
	Message           string `json:"message"`
}

// TestCasePayload is one generated test case inside a PR callback.
type TestCasePayload struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}

// PRCallback is the raw PR-analysis payload.
type PRCallback struct {
	Status            string            `json:"status"`
	AnalysisID        string            `json:"analysis_id"`
	PrAnalysisID      string            `json:"pr_analysis_id"`
	PullRequestNumber int               `json:"pull_request_number"`
	Summary           string            `json:"summary"`
	Scopes            []string          `json:"scopes"`
	TestCases         []TestCasePayload `json:"test_cases"`
	ScriptMediaRef    string            `json:"script_mediaRef"`
	Message           string            `json:"message"`
}

// Reconciler applies callbacks to stored state. State is always persisted
// before the corresponding event is published.
type Reconciler struct {
	stores *store.Stores
	life   *lifecycle.Coordinator
	bus    events.Publisher
}

// New wires a Reconciler.
func New(stores *store.Stores, life *lifecycle.Coordinator, bus events.Publisher) *Reconciler {
	return &Reconciler{stores: stores, life: life, bus: bus}
}

// HandleScanCallback locates the repo owning the callback's analysis id by
// scanning the stored repos' branch slots, then applies the status. Unknown
// statuses are rejected, not ignored. Re-delivery of an already applied
// status is idempotent (the branch just re-enters the same state).
func (r *Reconciler) HandleScanCallback(ctx context.Context, cb ScanCallback) error {
	if cb.AnalysisID == "" {
		return fmt.Errorf("%w: missing analysis_id", ErrInvalidStatus)
	}

	repos, err := r.stores.Repos.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing repos: %w", err)
	}

	for _, repo := range repos {
		branch := repo.BranchByAnalysisID(cb.AnalysisID)
		if branch == nil {
			continue
		}
		return r.applyScanStatus(ctx, repo, branch, cb)
	}
	return fmt.Errorf("%w: analysis id %s", ErrNotFound, cb.AnalysisID)
}

func (r *Reconciler) applyScanStatus(ctx context.Context, repo models.Repo, branch *models.BranchDetails, cb ScanCallback) error {
	switch cb.Status {
	case ScanStatusScanned:
		if err := r.life.MarkBranchScanned(ctx, &repo, branch, cb.KnowledgeGraphRef, cb.AppSummary); err != nil {
			return fmt.Errorf("applying scanned callback: %w", err)
		}
		slog.Info("webhook: branch scanned", "repo", repo.Name, "branch", branch.Name)
		return nil
	case ScanStatusFailed:
		if err := r.life.MarkBranchFailed(ctx, &repo, branch); err != nil {
			return fmt.Errorf("applying failed callback: %w", err)
		}
		slog.Warn("webhook: branch scan failed",
			"repo", repo.Name, "branch", branch.Name, "message", cb.Message)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, cb.Status)
	}
}

// prEvent is the pr_update payload.
type prEvent struct {
	PullRequestID int64                   `json:"pull_request_id"`
	RepoID        int64                   `json:"repo_id"`
	Number        int                     `json:"number"`
	State         models.PullRequestState `json:"state"`
	Event         string                  `json:"event"`
}

func (r *Reconciler) publishPR(pr models.PullRequest, event string) {
	r.bus.Publish(events.PRUpdate, prEvent{
		PullRequestID: pr.ID,
		RepoID:        pr.RepoID,
		Number:        pr.Number,
		State:         pr.State,
		Event:         event,
	})
}

// HandlePROpened records a provider "PR opened" webhook as a new tracked
// pull request.
func (r *Reconciler) HandlePROpened(ctx context.Context, repo models.Repo, number int, title, author, sourceBranch, targetBranch string) (models.PullRequest, error) {
	pr, err := r.stores.PullRequests.Create(ctx, models.PullRequest{
		RepoID:       repo.ID,
		Number:       number,
		Title:        title,
		Author:       author,
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
		State:        models.PROpened,
	})
	if err != nil {
		return models.PullRequest{}, fmt.Errorf("recording opened pr: %w", err)
	}
	r.publishPR(pr, "pr_opened")
	return pr, nil
}

// HandlePRCallback applies a PR-analysis callback. The owning repo is found
// via the callback's repo analysis id, the PR via its number; the PR's
// target branch must be one of the repo's configured slots before any state
// is mutated.
func (r *Reconciler) HandlePRCallback(ctx context.Context, cb PRCallback) error {
	if cb.AnalysisID == "" {
		return fmt.Errorf("%w: missing analysis_id", ErrInvalidStatus)
	}

	repos, err := r.stores.Repos.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing repos: %w", err)
	}
	var repo *models.Repo
	for i := range repos {
		if repos[i].BranchByAnalysisID(cb.AnalysisID) != nil {
			repo = &repos[i]
			break
		}
	}
	if repo == nil {
		return fmt.Errorf("%w: analysis id %s", ErrNotFound, cb.AnalysisID)
	}

	pr, err := r.stores.PullRequests.GetByRepoAndNumber(ctx, repo.ID, cb.PullRequestNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: pr #%d in repo %s", ErrNotFound, cb.PullRequestNumber, repo.Name)
		}
		return err
	}

	if repo.BranchByName(pr.TargetBranch) == nil {
		return fmt.Errorf("%w: %q", ErrBranchMismatch, pr.TargetBranch)
	}

	switch cb.Status {
	case PRStatusStarted, PRStatusInProgress:
		pr.State = models.PRAnalyzing
		if cb.PrAnalysisID != "" {
			pr.PrAnalysisID = cb.PrAnalysisID
		}
		if err := r.stores.PullRequests.Update(ctx, pr); err != nil {
			return err
		}
		r.publishPR(pr, "pr_analysis_"+cb.Status)
		return nil

	case PRStatusCompleted:
		pr.State = models.PRAnalyzed
		pr.PrAnalysisID = cb.PrAnalysisID
		pr.Summary = cb.Summary
		pr.Scopes = cb.Scopes
		pr.ScriptRef = cb.ScriptMediaRef
		if err := r.stores.PullRequests.Update(ctx, pr); err != nil {
			return err
		}
		if len(cb.TestCases) > 0 {
			cases := make([]models.TestCase, 0, len(cb.TestCases))
			for _, tc := range cb.TestCases {
				cases = append(cases, models.TestCase{Title: tc.Title, Steps: tc.Steps})
			}
			if err := r.stores.PullRequests.AddTestCases(ctx, pr.ID, cases); err != nil {
				return err
			}
		}
		r.publishPR(pr, "pr_analyzed")
		slog.Info("webhook: pr analysis completed",
			"repo", repo.Name, "pr", pr.Number, "test_cases", len(cb.TestCases))
		return nil

	case PRStatusFailed:
		pr.State = models.PRError
		if err := r.stores.PullRequests.Update(ctx, pr); err != nil {
			return err
		}
		r.publishPR(pr, "pr_analysis_failed")
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, cb.Status)
	}
}
