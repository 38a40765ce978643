package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/models"
)

const repoCols = "id, org_id, provider, name, owner, slug, project_id, url, visibility, language, default_branch, is_mobile, platform, state, app_summary, primary_branch, secondary_branch, created_at, updated_at"

// repoRow mirrors the repos table; branch slots are JSON columns.
type repoRow struct {
	ID              int64  `db:"id"`
	OrgID           int64  `db:"org_id"`
	Provider        string `db:"provider"`
	Name            string `db:"name"`
	Owner           string `db:"owner"`
	Slug            string `db:"slug"`
	ProjectID       int64  `db:"project_id"`
	URL             string `db:"url"`
	Visibility      string `db:"visibility"`
	Language        string `db:"language"`
	DefaultBranch   string `db:"default_branch"`
	IsMobile        bool   `db:"is_mobile"`
	Platform        string `db:"platform"`
	State           string `db:"state"`
	AppSummary      string `db:"app_summary"`
	PrimaryBranch   string `db:"primary_branch"`
	SecondaryBranch string `db:"secondary_branch"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

func branchToJSON(b *models.BranchDetails) (string, error) {
	if b == nil {
		return "", nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encoding branch details: %w", err)
	}
	return string(raw), nil
}

func branchFromJSON(raw string) (*models.BranchDetails, error) {
	if raw == "" {
		return nil, nil
	}
	var b models.BranchDetails
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("decoding branch details: %w", err)
	}
	return &b, nil
}

func repoToRow(r models.Repo) (repoRow, error) {
	primary, err := branchToJSON(r.Primary)
	if err != nil {
		return repoRow{}, err
	}
	secondary, err := branchToJSON(r.Secondary)
	if err != nil {
		return repoRow{}, err
	}
	return repoRow{
		ID:              r.ID,
		OrgID:           r.OrgID,
		Provider:        r.Provider,
		Name:            r.Name,
		Owner:           r.Owner,
		Slug:            r.Slug,
		ProjectID:       r.ProjectID,
		URL:             r.URL,
		Visibility:      r.Visibility,
		Language:        r.Language,
		DefaultBranch:   r.DefaultBranch,
		IsMobile:        r.IsMobile,
		Platform:        r.Platform,
		State:           string(r.State),
		AppSummary:      r.AppSummary,
		PrimaryBranch:   primary,
		SecondaryBranch: secondary,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

func repoFromRow(row repoRow) (models.Repo, error) {
	primary, err := branchFromJSON(row.PrimaryBranch)
	if err != nil {
		return models.Repo{}, err
	}
	secondary, err := branchFromJSON(row.SecondaryBranch)
	if err != nil {
		return models.Repo{}, err
	}
	return models.Repo{
		ID:            row.ID,
		OrgID:         row.OrgID,
		Provider:      row.Provider,
		Name:          row.Name,
		Owner:         row.Owner,
		Slug:          row.Slug,
		ProjectID:     row.ProjectID,
		URL:           row.URL,
		Visibility:    row.Visibility,
		Language:      row.Language,
		DefaultBranch: row.DefaultBranch,
		IsMobile:      row.IsMobile,
		Platform:      row.Platform,
		State:         models.RepoState(row.State),
		AppSummary:    row.AppSummary,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		Primary:       primary,
		Secondary:     secondary,
	}, nil
}

// RepoStore persists Repo records.
type RepoStore struct {
	db database.DB
}

// Create inserts repo and returns it with its assigned id.
func (s *RepoStore) Create(ctx context.Context, r models.Repo) (models.Repo, error) {
	r.CreatedAt = now()
	r.UpdatedAt = r.CreatedAt
	row, err := repoToRow(r)
	if err != nil {
		return models.Repo{}, err
	}
	id, err := s.db.Insert(ctx, "repos", row)
	if err != nil {
		return models.Repo{}, fmt.Errorf("inserting repo: %w", err)
	}
	r.ID = id
	return r, nil
}

// Update rewrites repo in place.
func (s *RepoStore) Update(ctx context.Context, r models.Repo) error {
	r.UpdatedAt = now()
	row, err := repoToRow(r)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "repos", row, "id = ?", r.ID)
}

// Delete removes one repo (stale-repo reconciliation).
func (s *RepoStore) Delete(ctx context.Context, id int64) error {
	return s.db.Exec(ctx, "DELETE FROM repos WHERE id = ?", id)
}

// GetByID returns one repo.
func (s *RepoStore) GetByID(ctx context.Context, id int64) (models.Repo, error) {
	var row repoRow
	err := s.db.Get(ctx, &row, "SELECT "+repoCols+" FROM repos WHERE id = ?", id)
	if err != nil {
		return models.Repo{}, mapErr(err)
	}
	return repoFromRow(row)
}

// FindByOrgAndName returns the repo with the given stable GitHub key.
func (s *RepoStore) FindByOrgAndName(ctx context.Context, orgID int64, name string) (models.Repo, error) {
	var row repoRow
	err := s.db.Get(ctx, &row,
		"SELECT "+repoCols+" FROM repos WHERE org_id = ? AND name = ?", orgID, name)
	if err != nil {
		return models.Repo{}, mapErr(err)
	}
	return repoFromRow(row)
}

// FindByProjectID returns the repo with the given stable GitLab key.
func (s *RepoStore) FindByProjectID(ctx context.Context, projectID int64) (models.Repo, error) {
	var row repoRow
	err := s.db.Get(ctx, &row,
		"SELECT "+repoCols+" FROM repos WHERE project_id = ? AND provider = ?",
		projectID, models.ProviderGitLab)
	if err != nil {
		return models.Repo{}, mapErr(err)
	}
	return repoFromRow(row)
}

// FindBySlug returns the repo with the given stable Bitbucket key.
func (s *RepoStore) FindBySlug(ctx context.Context, orgID int64, slug string) (models.Repo, error) {
	var row repoRow
	err := s.db.Get(ctx, &row,
		"SELECT "+repoCols+" FROM repos WHERE org_id = ? AND slug = ?", orgID, slug)
	if err != nil {
		return models.Repo{}, mapErr(err)
	}
	return repoFromRow(row)
}

// ListByOrg returns all repos under one organisation.
func (s *RepoStore) ListByOrg(ctx context.Context, orgID int64) ([]models.Repo, error) {
	var rows []repoRow
	if err := s.db.Select(ctx, &rows,
		"SELECT "+repoCols+" FROM repos WHERE org_id = ? ORDER BY id", orgID); err != nil {
		return nil, err
	}
	return reposFromRows(rows)
}

// ListAll returns every repo. Callback reconciliation scans this list to
// match analysis ids; there is no secondary index on the branch slots.
func (s *RepoStore) ListAll(ctx context.Context) ([]models.Repo, error) {
	var rows []repoRow
	if err := s.db.Select(ctx, &rows, "SELECT "+repoCols+" FROM repos ORDER BY id"); err != nil {
		return nil, err
	}
	return reposFromRows(rows)
}

func reposFromRows(rows []repoRow) ([]models.Repo, error) {
	out := make([]models.Repo, 0, len(rows))
	for _, row := range rows {
		r, err := repoFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
