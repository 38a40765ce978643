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
	"path"
	"strings"
	"time"

	"github.com/quashbugs/magnus/internal/scan"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/models"
)

const bitbucketTokenURL = "https://bitbucket.org/site/oauth2/access_token"

// BitbucketAdapter implements Adapter over the Bitbucket Cloud 2.0 REST API.
// There is no official Go SDK, so requests go through a thin do() helper.
// Workspaces map to organisations; repos enter through the saved selection.
type BitbucketAdapter struct {
	deps       Deps
	httpClient *http.Client
}

// NewBitbucket builds the Bitbucket adapter.
func NewBitbucket(deps Deps) *BitbucketAdapter {
	return &BitbucketAdapter{
		deps:       deps,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *BitbucketAdapter) Provider() string { return models.ProviderBitbucket }

func (b *BitbucketAdapter) baseURL() string {
	base := strings.TrimRight(b.deps.Cfg.Bitbucket.BaseURL, "/")
	if base == "" {
		base = "https://api.bitbucket.org/2.0"
	}
	return base
}

// do issues one authenticated GET and decodes the JSON body into out.
func (b *BitbucketAdapter) do(ctx context.Context, token, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: requesting %s: %v", ErrUpstream, rawURL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrUpstream, rawURL, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, rawURL, resp.StatusCode,
			strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrUpstream, rawURL, err)
	}
	return nil
}

type bitbucketTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// freshMember loads the caller's credential and refreshes it against the
// site OAuth endpoint when it is close to expiry. Bitbucket reports only a
// relative expires_in, so the absolute expiry is anchored at refresh time.
func (b *BitbucketAdapter) freshMember(ctx context.Context, user models.User) (models.Member, error) {
	member, err := requireMember(ctx, b.deps.Stores, user, models.ProviderBitbucket)
	if err != nil {
		return models.Member{}, err
	}
	if !tokenExpiringSoon(member.ExpiresAt, oauthRefreshMargin) {
		return member, nil
	}
	if member.RefreshToken == "" {
		return models.Member{}, fmt.Errorf("%w: bitbucket token expired and no refresh token stored for %s",
			ErrCredential, user.WorkEmail)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {member.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bitbucketTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return models.Member{}, err
	}
	req.SetBasicAuth(b.deps.Cfg.Bitbucket.Key, b.deps.Cfg.Bitbucket.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return models.Member{}, fmt.Errorf("%w: refreshing bitbucket token: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Member{}, fmt.Errorf("%w: reading bitbucket token response: %v", ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		return models.Member{}, fmt.Errorf("%w: bitbucket token refresh returned %d: %s",
			ErrCredential, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out bitbucketTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Member{}, fmt.Errorf("%w: decoding bitbucket token response: %v", ErrUpstream, err)
	}

	member, err = updateMember(ctx, b.deps.Stores, user, models.ProviderBitbucket, models.TokenPayload{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    out.ExpiresIn,
	}, nowUnix())
	if err != nil {
		return models.Member{}, err
	}
	slog.Debug("bitbucket: token refreshed", "user", user.WorkEmail)
	return member, nil
}

// CreatePersonalOrganisation is a no-op: Bitbucket has no personal namespace
// outside its workspaces, which FetchAndUpdateUserOrganizations covers.
func (b *BitbucketAdapter) CreatePersonalOrganisation(ctx context.Context, user models.User) (*models.Organisation, error) {
	return nil, nil
}

type bitbucketWorkspacePage struct {
	Values []struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"values"`
	Next string `json:"next"`
}

// FetchAndUpdateUserOrganizations lists the user's workspaces, upserts each
// keyed by its slug, and overwrites the member's visible-org set.
func (b *BitbucketAdapter) FetchAndUpdateUserOrganizations(ctx context.Context, user models.User) ([]models.Organisation, error) {
	member, err := b.freshMember(ctx, user)
	if err != nil {
		return nil, err
	}

	var orgs []models.Organisation
	next := b.baseURL() + "/workspaces?pagelen=100"
	for next != "" {
		var page bitbucketWorkspacePage
		if err := b.do(ctx, member.AccessToken, next, &page); err != nil {
			return nil, err
		}
		for _, ws := range page.Values {
			org, err := b.upsertWorkspaceOrg(ctx, user, ws.Slug, ws.Name)
			if err != nil {
				return nil, err
			}
			orgs = append(orgs, org)
		}
		next = page.Next
	}

	if err := setVisibleOrgs(ctx, b.deps.Stores, member, orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// upsertWorkspaceOrg inserts or updates a WORK organisation keyed by slug.
func (b *BitbucketAdapter) upsertWorkspaceOrg(ctx context.Context, user models.User, slug, name string) (models.Organisation, error) {
	existing, err := b.deps.Stores.Organisations.FindBySlug(ctx, slug, user.WorkEmail)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return b.deps.Stores.Organisations.Create(ctx, models.Organisation{
			Name:      name,
			Type:      models.OrgWork,
			Provider:  models.ProviderBitbucket,
			UserEmail: user.WorkEmail,
			Slug:      slug,
		})
	case err != nil:
		return models.Organisation{}, err
	default:
		existing.Name = name
		if err := b.deps.Stores.Organisations.Update(ctx, existing); err != nil {
			return models.Organisation{}, err
		}
		return existing, nil
	}
}

// CreateNewMember persists a fresh credential for (user, bitbucket).
func (b *BitbucketAdapter) CreateNewMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error) {
	return createMember(ctx, b.deps.Stores, user, models.ProviderBitbucket, payload, nowUnix())
}

// UpdateExistingMember rotates the stored credential in place.
func (b *BitbucketAdapter) UpdateExistingMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error) {
	return updateMember(ctx, b.deps.Stores, user, models.ProviderBitbucket, payload, nowUnix())
}

// FetchAndSaveRepositories returns the previously saved repo selection.
func (b *BitbucketAdapter) FetchAndSaveRepositories(ctx context.Context, user models.User, orgID int64) ([]models.Repo, error) {
	if _, err := orgByID(ctx, b.deps.Stores, orgID); err != nil {
		return nil, err
	}
	return b.deps.Stores.Repos.ListByOrg(ctx, orgID)
}

// SaveRepositories commits the user's repo picks for one workspace. New
// repos are created in FETCHING and queued for classification.
func (b *BitbucketAdapter) SaveRepositories(ctx context.Context, user models.User, orgID int64, selections []RepoSelection) ([]models.Repo, error) {
	org, err := orgByID(ctx, b.deps.Stores, orgID)
	if err != nil {
		return nil, err
	}
	for _, sel := range selections {
		slug := sel.Slug
		if slug == "" {
			slug = sel.Name
		}
		existing, err := b.deps.Stores.Repos.FindBySlug(ctx, orgID, slug)
		switch {
		case errors.Is(err, store.ErrNotFound):
			created, err := b.deps.Stores.Repos.Create(ctx, models.Repo{
				OrgID:         org.ID,
				Provider:      models.ProviderBitbucket,
				Name:          sel.Name,
				Owner:         org.Slug,
				Slug:          slug,
				URL:           sel.URL,
				Visibility:    sel.Visibility,
				Language:      sel.Language,
				DefaultBranch: sel.DefaultBranch,
				State:         models.RepoFetching,
			})
			if err != nil {
				return nil, err
			}
			b.deps.Life.QueueClassification(user, created.ID, b)
		case err != nil:
			return nil, err
		default:
			existing.Name = sel.Name
			existing.URL = sel.URL
			existing.Visibility = sel.Visibility
			existing.Language = sel.Language
			existing.DefaultBranch = sel.DefaultBranch
			if err := b.deps.Stores.Repos.Update(ctx, existing); err != nil {
				return nil, err
			}
			b.deps.Life.QueueClassification(user, existing.ID, b)
		}
	}
	return b.deps.Stores.Repos.ListByOrg(ctx, orgID)
}

type bitbucketBranchPage struct {
	Values []struct {
		Name string `json:"name"`
	} `json:"values"`
	Next string `json:"next"`
}

// FetchRepoBranches lists branch names for one repository.
func (b *BitbucketAdapter) FetchRepoBranches(ctx context.Context, user models.User, orgID, repoID int64) ([]string, error) {
	repo, err := repoInOrg(ctx, b.deps.Stores, orgID, repoID)
	if err != nil {
		return nil, err
	}
	member, err := b.freshMember(ctx, user)
	if err != nil {
		return nil, err
	}

	var names []string
	next := fmt.Sprintf("%s/repositories/%s/%s/refs/branches?pagelen=100", b.baseURL(), repo.Owner, repo.Slug)
	for next != "" {
		var page bitbucketBranchPage
		if err := b.do(ctx, member.AccessToken, next, &page); err != nil {
			return nil, err
		}
		for _, br := range page.Values {
			names = append(names, br.Name)
		}
		next = page.Next
	}
	return names, nil
}

// StartScanning starts branch analyses for one repository.
func (b *BitbucketAdapter) StartScanning(ctx context.Context, user models.User, repoID int64) (scan.Result, error) {
	repo, err := b.deps.Stores.Repos.GetByID(ctx, repoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scan.Result{}, fmt.Errorf("%w: repo %d", ErrNotFound, repoID)
		}
		return scan.Result{}, err
	}
	member, err := b.freshMember(ctx, user)
	if err != nil {
		return scan.Result{}, err
	}
	return b.deps.Scans.StartScanning(ctx, user, repo, member.AccessToken)
}

type bitbucketSrcPage struct {
	Values []struct {
		Type string `json:"type"`
		Path string `json:"path"`
	} `json:"values"`
	Next string `json:"next"`
}

// ListFiles crawls the repo's default branch through the hierarchical src
// API. Frontier items are full request URLs so that both sub-directories and
// next-page cursors flow through the same pool.
func (b *BitbucketAdapter) ListFiles(ctx context.Context, user models.User, repo models.Repo) ([]models.RepoFile, error) {
	member, err := b.freshMember(ctx, user)
	if err != nil {
		return nil, err
	}

	branch := repo.DefaultBranch
	if branch == "" {
		var detail struct {
			MainBranch struct {
				Name string `json:"name"`
			} `json:"mainbranch"`
		}
		detailURL := fmt.Sprintf("%s/repositories/%s/%s", b.baseURL(), repo.Owner, repo.Slug)
		if err := b.do(ctx, member.AccessToken, detailURL, &detail); err != nil {
			return nil, err
		}
		branch = detail.MainBranch.Name
	}
	if branch == "" {
		return nil, fmt.Errorf("%w: repo %s has no main branch", ErrUpstream, repo.Slug)
	}

	srcURL := func(dir string) string {
		u := fmt.Sprintf("%s/repositories/%s/%s/src/%s/", b.baseURL(), repo.Owner, repo.Slug,
			url.PathEscape(branch))
		if dir != "" {
			u += dir + "/"
		}
		return u + "?pagelen=100"
	}

	list := func(ctx context.Context, item string) ([]models.RepoFile, []string, error) {
		var page bitbucketSrcPage
		if err := b.do(ctx, member.AccessToken, item, &page); err != nil {
			return nil, nil, err
		}
		var files []models.RepoFile
		var next []string
		for _, entry := range page.Values {
			switch entry.Type {
			case "commit_directory":
				next = append(next, srcURL(entry.Path))
			case "commit_file":
				files = append(files, models.RepoFile{
					Name: path.Base(entry.Path),
					Path: entry.Path,
					Type: models.FileTypeFile,
				})
			}
		}
		if page.Next != "" {
			next = append(next, page.Next)
		}
		return files, next, nil
	}
	return Crawl(ctx, []string{srcURL("")}, b.deps.Cfg.Sync.Workers, list)
}
