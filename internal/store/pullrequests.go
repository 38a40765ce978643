package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/models"
)

const prCols = "id, repo_id, number, title, author, source_branch, target_branch, analysis_id, pr_analysis_id, summary, script_ref, scopes, state, created_at, updated_at"

type prRow struct {
	ID           int64  `db:"id"`
	RepoID       int64  `db:"repo_id"`
	Number       int    `db:"number"`
	Title        string `db:"title"`
	Author       string `db:"author"`
	SourceBranch string `db:"source_branch"`
	TargetBranch string `db:"target_branch"`
	AnalysisID   string `db:"analysis_id"`
	PrAnalysisID string `db:"pr_analysis_id"`
	Summary      string `db:"summary"`
	ScriptRef    string `db:"script_ref"`
	Scopes       string `db:"scopes"`
	State        string `db:"state"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

type testCaseRow struct {
	ID            int64  `db:"id"`
	PullRequestID int64  `db:"pull_request_id"`
	Title         string `db:"title"`
	Steps         string `db:"steps"`
	CreatedAt     string `db:"created_at"`
}

func prToRow(pr models.PullRequest) (prRow, error) {
	scopes := pr.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	raw, err := json.Marshal(scopes)
	if err != nil {
		return prRow{}, fmt.Errorf("encoding pr scopes: %w", err)
	}
	return prRow{
		ID:           pr.ID,
		RepoID:       pr.RepoID,
		Number:       pr.Number,
		Title:        pr.Title,
		Author:       pr.Author,
		SourceBranch: pr.SourceBranch,
		TargetBranch: pr.TargetBranch,
		AnalysisID:   pr.AnalysisID,
		PrAnalysisID: pr.PrAnalysisID,
		Summary:      pr.Summary,
		ScriptRef:    pr.ScriptRef,
		Scopes:       string(raw),
		State:        string(pr.State),
		CreatedAt:    pr.CreatedAt,
		UpdatedAt:    pr.UpdatedAt,
	}, nil
}

func prFromRow(row prRow) (models.PullRequest, error) {
	pr := models.PullRequest{
		ID:           row.ID,
		RepoID:       row.RepoID,
		Number:       row.Number,
		Title:        row.Title,
		Author:       row.Author,
		SourceBranch: row.SourceBranch,
		TargetBranch: row.TargetBranch,
		AnalysisID:   row.AnalysisID,
		PrAnalysisID: row.PrAnalysisID,
		Summary:      row.Summary,
		ScriptRef:    row.ScriptRef,
		State:        models.PullRequestState(row.State),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.Scopes != "" {
		if err := json.Unmarshal([]byte(row.Scopes), &pr.Scopes); err != nil {
			return models.PullRequest{}, fmt.Errorf("decoding pr scopes: %w", err)
		}
	}
	return pr, nil
}

// PullRequestStore persists PullRequest and TestCase records.
type PullRequestStore struct {
	db database.DB
}

// Create inserts pr and returns it with its assigned id.
func (s *PullRequestStore) Create(ctx context.Context, pr models.PullRequest) (models.PullRequest, error) {
	pr.CreatedAt = now()
	pr.UpdatedAt = pr.CreatedAt
	row, err := prToRow(pr)
	if err != nil {
		return models.PullRequest{}, err
	}
	id, err := s.db.Insert(ctx, "pull_requests", row)
	if err != nil {
		return models.PullRequest{}, fmt.Errorf("inserting pull request: %w", err)
	}
	pr.ID = id
	return pr, nil
}

// Update rewrites pr in place.
func (s *PullRequestStore) Update(ctx context.Context, pr models.PullRequest) error {
	pr.UpdatedAt = now()
	row, err := prToRow(pr)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "pull_requests", row, "id = ?", pr.ID)
}

// GetByRepoAndNumber returns one PR by its provider-visible identity.
func (s *PullRequestStore) GetByRepoAndNumber(ctx context.Context, repoID int64, number int) (models.PullRequest, error) {
	var row prRow
	err := s.db.Get(ctx, &row,
		"SELECT "+prCols+" FROM pull_requests WHERE repo_id = ? AND number = ?", repoID, number)
	if err != nil {
		return models.PullRequest{}, mapErr(err)
	}
	return prFromRow(row)
}

// FindByPrAnalysisID returns the PR a PR-analysis callback belongs to.
func (s *PullRequestStore) FindByPrAnalysisID(ctx context.Context, prAnalysisID string) (models.PullRequest, error) {
	var row prRow
	err := s.db.Get(ctx, &row,
		"SELECT "+prCols+" FROM pull_requests WHERE pr_analysis_id = ?", prAnalysisID)
	if err != nil {
		return models.PullRequest{}, mapErr(err)
	}
	return prFromRow(row)
}

// ListByRepo returns all PRs tracked for one repo.
func (s *PullRequestStore) ListByRepo(ctx context.Context, repoID int64) ([]models.PullRequest, error) {
	var rows []prRow
	if err := s.db.Select(ctx, &rows,
		"SELECT "+prCols+" FROM pull_requests WHERE repo_id = ? ORDER BY number", repoID); err != nil {
		return nil, err
	}
	out := make([]models.PullRequest, 0, len(rows))
	for _, row := range rows {
		pr, err := prFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// AddTestCases appends generated test cases for a PR.
func (s *PullRequestStore) AddTestCases(ctx context.Context, prID int64, cases []models.TestCase) error {
	ts := now()
	for _, tc := range cases {
		steps := tc.Steps
		if steps == nil {
			steps = []string{}
		}
		raw, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("encoding test case steps: %w", err)
		}
		row := testCaseRow{
			PullRequestID: prID,
			Title:         tc.Title,
			Steps:         string(raw),
			CreatedAt:     ts,
		}
		if _, err := s.db.Insert(ctx, "test_cases", row); err != nil {
			return fmt.Errorf("inserting test case: %w", err)
		}
	}
	return nil
}

// ListTestCases returns the test cases generated for one PR.
func (s *PullRequestStore) ListTestCases(ctx context.Context, prID int64) ([]models.TestCase, error) {
	var rows []testCaseRow
	if err := s.db.Select(ctx, &rows,
		"SELECT id, pull_request_id, title, steps, created_at FROM test_cases WHERE pull_request_id = ? ORDER BY id", prID); err != nil {
		return nil, err
	}
	out := make([]models.TestCase, 0, len(rows))
	for _, row := range rows {
		tc := models.TestCase{
			ID:            row.ID,
			PullRequestID: row.PullRequestID,
			Title:         row.Title,
			CreatedAt:     row.CreatedAt,
		}
		if row.Steps != "" {
			if err := json.Unmarshal([]byte(row.Steps), &tc.Steps); err != nil {
				return nil, fmt.Errorf("decoding test case steps: %w", err)
			}
		}
		out = append(out, tc)
	}
	return out, nil
}
