package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/quashbugs/magnus/internal/scan"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/models"
)

// oauthRefreshMargin refreshes OAuth access tokens this long before their
// stated expiry.
const oauthRefreshMargin = time.Minute

// GitLabAdapter implements Adapter for GitLab (cloud and self-hosted).
// Unlike GitHub there is no live repo discovery: the user picks projects
// explicitly and the adapter serves the saved selection afterwards.
type GitLabAdapter struct {
	deps       Deps
	httpClient *http.Client
}

// NewGitLab builds the GitLab adapter.
func NewGitLab(deps Deps) *GitLabAdapter {
	return &GitLabAdapter{
		deps:       deps,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GitLabAdapter) Provider() string { return models.ProviderGitLab }

func (g *GitLabAdapter) baseURL() string {
	base := strings.TrimRight(g.deps.Cfg.GitLab.BaseURL, "/")
	if base == "" {
		base = "https://gitlab.com"
	}
	return base
}

func (g *GitLabAdapter) client(token string) (*gitlab.Client, error) {
	client, err := gitlab.NewOAuthClient(token, gitlab.WithBaseURL(g.baseURL()+"/api/v4/"))
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return client, nil
}

type gitlabTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

// freshMember loads the caller's credential and refreshes it through the
// OAuth token endpoint when it is close to expiry.
func (g *GitLabAdapter) freshMember(ctx context.Context, user models.User) (models.Member, error) {
	member, err := requireMember(ctx, g.deps.Stores, user, models.ProviderGitLab)
	if err != nil {
		return models.Member{}, err
	}
	if !tokenExpiringSoon(member.ExpiresAt, oauthRefreshMargin) {
		return member, nil
	}
	if member.RefreshToken == "" {
		return models.Member{}, fmt.Errorf("%w: gitlab token expired and no refresh token stored for %s",
			ErrCredential, user.WorkEmail)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {member.RefreshToken},
		"client_id":     {g.deps.Cfg.GitLab.ClientID},
		"client_secret": {g.deps.Cfg.GitLab.ClientSecret},
		"redirect_uri":  {g.deps.Cfg.GitLab.RedirectURI},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL()+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return models.Member{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return models.Member{}, fmt.Errorf("%w: refreshing gitlab token: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Member{}, fmt.Errorf("%w: reading gitlab token response: %v", ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		return models.Member{}, fmt.Errorf("%w: gitlab token refresh returned %d: %s",
			ErrCredential, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out gitlabTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Member{}, fmt.Errorf("%w: decoding gitlab token response: %v", ErrUpstream, err)
	}

	member, err = updateMember(ctx, g.deps.Stores, user, models.ProviderGitLab, models.TokenPayload{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    out.ExpiresIn,
		CreatedAt:    out.CreatedAt,
	}, nowUnix())
	if err != nil {
		return models.Member{}, err
	}
	slog.Debug("gitlab: token refreshed", "user", user.WorkEmail)
	return member, nil
}

// CreatePersonalOrganisation creates a PERSONAL organisation named after the
// user.
func (g *GitLabAdapter) CreatePersonalOrganisation(ctx context.Context, user models.User) (*models.Organisation, error) {
	name := user.Name
	if name == "" {
		name = user.WorkEmail
	}
	org, err := g.deps.Stores.Organisations.Create(ctx, models.Organisation{
		Name:      name,
		Type:      models.OrgPersonal,
		Provider:  models.ProviderGitLab,
		UserEmail: user.WorkEmail,
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// FetchAndUpdateUserOrganizations lists the user's GitLab groups, upserts
// each keyed by its stable group id, and overwrites the member's visible-org
// set.
func (g *GitLabAdapter) FetchAndUpdateUserOrganizations(ctx context.Context, user models.User) ([]models.Organisation, error) {
	member, err := g.freshMember(ctx, user)
	if err != nil {
		return nil, err
	}
	client, err := g.client(member.AccessToken)
	if err != nil {
		return nil, err
	}

	var orgs []models.Organisation
	const perPage = 100
	for page := int64(1); ; page++ {
		groups, _, err := client.Groups.ListGroups(&gitlab.ListGroupsOptions{
			ListOptions: gitlab.ListOptions{PerPage: perPage, Page: page},
		}, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: listing gitlab groups: %v", ErrUpstream, err)
		}
		for _, grp := range groups {
			org, err := g.upsertGroupOrg(ctx, user, fmt.Sprintf("%d", grp.ID), grp.Name)
			if err != nil {
				return nil, err
			}
			orgs = append(orgs, org)
		}
		if len(groups) < perPage {
			break
		}
	}

	if err := setVisibleOrgs(ctx, g.deps.Stores, member, orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// upsertGroupOrg inserts or updates a WORK organisation keyed by group id.
func (g *GitLabAdapter) upsertGroupOrg(ctx context.Context, user models.User, groupID, name string) (models.Organisation, error) {
	existing, err := g.deps.Stores.Organisations.FindByGroupID(ctx, groupID, user.WorkEmail)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return g.deps.Stores.Organisations.Create(ctx, models.Organisation{
			Name:      name,
			Type:      models.OrgWork,
			Provider:  models.ProviderGitLab,
			UserEmail: user.WorkEmail,
			GroupID:   groupID,
		})
	case err != nil:
		return models.Organisation{}, err
	default:
		existing.Name = name
		if err := g.deps.Stores.Organisations.Update(ctx, existing); err != nil {
			return models.Organisation{}, err
		}
		return existing, nil
	}
}

// CreateNewMember persists a fresh credential for (user, gitlab).
func (g *GitLabAdapter) CreateNewMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error) {
	return createMember(ctx, g.deps.Stores, user, models.ProviderGitLab, payload, nowUnix())
}

// UpdateExistingMember rotates the stored credential in place.
func (g *GitLabAdapter) UpdateExistingMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error) {
	return updateMember(ctx, g.deps.Stores, user, models.ProviderGitLab, payload, nowUnix())
}

// FetchAndSaveRepositories returns the previously saved project selection.
// GitLab repos enter the system through SaveRepositories only.
func (g *GitLabAdapter) FetchAndSaveRepositories(ctx context.Context, user models.User, orgID int64) ([]models.Repo, error) {
	if _, err := orgByID(ctx, g.deps.Stores, orgID); err != nil {
		return nil, err
	}
	return g.deps.Stores.Repos.ListByOrg(ctx, orgID)
}

// SaveRepositories commits the user's project picks. New projects are created
// in FETCHING and queued for classification; known projects get their
// metadata refreshed.
func (g *GitLabAdapter) SaveRepositories(ctx context.Context, user models.User, orgID int64, selections []RepoSelection) ([]models.Repo, error) {
	org, err := orgByID(ctx, g.deps.Stores, orgID)
	if err != nil {
		return nil, err
	}
	for _, sel := range selections {
		if sel.ProjectID == 0 {
			return nil, fmt.Errorf("selection %q is missing a project id", sel.Name)
		}
		existing, err := g.deps.Stores.Repos.FindByProjectID(ctx, sel.ProjectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			created, err := g.deps.Stores.Repos.Create(ctx, models.Repo{
				OrgID:         org.ID,
				Provider:      models.ProviderGitLab,
				Name:          sel.Name,
				ProjectID:     sel.ProjectID,
				URL:           sel.URL,
				Visibility:    sel.Visibility,
				Language:      sel.Language,
				DefaultBranch: sel.DefaultBranch,
				State:         models.RepoFetching,
			})
			if err != nil {
				return nil, err
			}
			g.deps.Life.QueueClassification(user, created.ID, g)
		case err != nil:
			return nil, err
		default:
			existing.Name = sel.Name
			existing.URL = sel.URL
			existing.Visibility = sel.Visibility
			existing.Language = sel.Language
			existing.DefaultBranch = sel.DefaultBranch
			if err := g.deps.Stores.Repos.Update(ctx, existing); err != nil {
				return nil, err
			}
			g.deps.Life.QueueClassification(user, existing.ID, g)
		}
	}
	return g.deps.Stores.Repos.ListByOrg(ctx, orgID)
}

// FetchRepoBranches lists branch names for one project.
func (g *GitLabAdapter) FetchRepoBranches(ctx context.Context, user models.User, orgID, repoID int64) ([]string, error) {
	repo, err := repoInOrg(ctx, g.deps.Stores, orgID, repoID)
	if err != nil {
		return nil, err
	}
	member, err := g.freshMember(ctx, user)
	if err != nil {
		return nil, err
	}
	client, err := g.client(member.AccessToken)
	if err != nil {
		return nil, err
	}

	var names []string
	const perPage = 100
	for page := int64(1); ; page++ {
		branches, _, err := client.Branches.ListBranches(repo.ProjectID, &gitlab.ListBranchesOptions{
			ListOptions: gitlab.ListOptions{PerPage: perPage, Page: page},
		}, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: listing branches for project %d: %v", ErrUpstream, repo.ProjectID, err)
		}
		for _, b := range branches {
			names = append(names, b.Name)
		}
		if len(branches) < perPage {
			break
		}
	}
	return names, nil
}

// StartScanning starts branch analyses for one project with a fresh OAuth
// token as the analysis credential.
func (g *GitLabAdapter) StartScanning(ctx context.Context, user models.User, repoID int64) (scan.Result, error) {
	repo, err := g.deps.Stores.Repos.GetByID(ctx, repoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scan.Result{}, fmt.Errorf("%w: repo %d", ErrNotFound, repoID)
		}
		return scan.Result{}, err
	}
	member, err := g.freshMember(ctx, user)
	if err != nil {
		return scan.Result{}, err
	}
	return g.deps.Scans.StartScanning(ctx, user, repo, member.AccessToken)
}

// ListFiles walks the project's default branch with the recursive tree API.
// The listing is flat, so pages are drained sequentially rather than through
// the frontier pool.
func (g *GitLabAdapter) ListFiles(ctx context.Context, user models.User, repo models.Repo) ([]models.RepoFile, error) {
	member, err := g.freshMember(ctx, user)
	if err != nil {
		return nil, err
	}
	client, err := g.client(member.AccessToken)
	if err != nil {
		return nil, err
	}

	branch := repo.DefaultBranch
	if branch == "" {
		project, _, err := client.Projects.GetProject(repo.ProjectID, nil, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: resolving default branch for project %d: %v", ErrUpstream, repo.ProjectID, err)
		}
		branch = project.DefaultBranch
	}
	if branch == "" {
		return nil, fmt.Errorf("%w: project %d has no default branch", ErrUpstream, repo.ProjectID)
	}

	recursive := true
	var files []models.RepoFile
	const perPage = 100
	for page := int64(1); ; page++ {
		nodes, _, err := client.Repositories.ListTree(repo.ProjectID, &gitlab.ListTreeOptions{
			Recursive:   &recursive,
			Ref:         &branch,
			ListOptions: gitlab.ListOptions{PerPage: perPage, Page: page},
		}, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: listing tree for project %d: %v", ErrUpstream, repo.ProjectID, err)
		}
		for _, node := range nodes {
			if node.Type != "blob" {
				continue
			}
			files = append(files, models.RepoFile{
				Name: node.Name,
				Path: node.Path,
				Type: models.FileTypeFile,
			})
		}
		if len(nodes) < perPage {
			break
		}
	}
	return files, nil
}
