package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/quashbugs/magnus/internal/scan"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/models"
)

// GitHubAdapter implements Adapter over the GitHub App installation model.
// GitHub is the source of truth for repo membership: discovery diffs the
// installation-repositories API against stored repos and removes stale ones.
type GitHubAdapter struct {
	deps Deps
	auth *appAuth
}

// NewGitHub builds the GitHub adapter.
func NewGitHub(deps Deps) (*GitHubAdapter, error) {
	auth, err := newAppAuth(deps.Cfg.GitHub)
	if err != nil {
		return nil, err
	}
	return &GitHubAdapter{deps: deps, auth: auth}, nil
}

func (g *GitHubAdapter) Provider() string { return models.ProviderGitHub }

func (g *GitHubAdapter) client(token string) *gogithub.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return gogithub.NewClient(oauth2.NewClient(context.Background(), ts))
}

// ensureInstallationToken refreshes the member's installation access token
// when it is missing or inside the 5-minute safety margin. The fresh token
// is persisted before any provider call proceeds.
func (g *GitHubAdapter) ensureInstallationToken(ctx context.Context, member models.Member, org models.Organisation) (models.Member, error) {
	if member.AccessToken != "" && !tokenExpiringSoon(member.ExpiresAt, installationTokenMargin) {
		return member, nil
	}
	if org.InstallationID == "" {
		return models.Member{}, fmt.Errorf("%w: organisation %s has no installation id", ErrCredential, org.Name)
	}
	token, expiresAt, err := g.auth.installationToken(ctx, org.InstallationID)
	if err != nil {
		return models.Member{}, err
	}
	member.AccessToken = token
	member.ExpiresAt = expiresAt.Unix()
	if err := g.deps.Stores.Members.Update(ctx, member); err != nil {
		return models.Member{}, fmt.Errorf("persisting refreshed token: %w", err)
	}
	slog.Debug("github: installation token refreshed", "org", org.Name)
	return member, nil
}

// CreatePersonalOrganisation creates a PERSONAL organisation named after the
// user. Idempotency is the caller's responsibility.
func (g *GitHubAdapter) CreatePersonalOrganisation(ctx context.Context, user models.User) (*models.Organisation, error) {
	name := user.Name
	if name == "" {
		name = user.WorkEmail
	}
	org, err := g.deps.Stores.Organisations.Create(ctx, models.Organisation{
		Name:      name,
		Type:      models.OrgPersonal,
		Provider:  models.ProviderGitHub,
		UserEmail: user.WorkEmail,
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// CreateInstallationOrganisation upserts the WORK organisation tied to a
// GitHub App installation, invoked from the installation callback.
func (g *GitHubAdapter) CreateInstallationOrganisation(ctx context.Context, user models.User, orgName, installationID string) (models.Organisation, error) {
	return g.deps.Stores.Organisations.Upsert(ctx, models.Organisation{
		Name:           orgName,
		Type:           models.OrgWork,
		Provider:       models.ProviderGitHub,
		UserEmail:      user.WorkEmail,
		InstallationID: installationID,
	})
}

// FetchAndUpdateUserOrganizations lists the user's GitHub orgs, upserts each
// by name+provider, and overwrites the member's visible-org set.
func (g *GitHubAdapter) FetchAndUpdateUserOrganizations(ctx context.Context, user models.User) ([]models.Organisation, error) {
	member, err := requireMember(ctx, g.deps.Stores, user, models.ProviderGitHub)
	if err != nil {
		return nil, err
	}
	client := g.client(member.AccessToken)

	var orgs []models.Organisation
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		ghOrgs, resp, err := client.Organizations.List(ctx, "", opts)
		if err != nil {
			return nil, fmt.Errorf("%w: listing github orgs: %v", ErrUpstream, err)
		}
		for _, o := range ghOrgs {
			org, err := g.deps.Stores.Organisations.Upsert(ctx, models.Organisation{
				Name:      o.GetLogin(),
				Type:      models.OrgWork,
				Provider:  models.ProviderGitHub,
				UserEmail: user.WorkEmail,
			})
			if err != nil {
				return nil, err
			}
			orgs = append(orgs, org)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if err := setVisibleOrgs(ctx, g.deps.Stores, member, orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// CreateNewMember persists a fresh credential for (user, github).
func (g *GitHubAdapter) CreateNewMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error) {
	return createMember(ctx, g.deps.Stores, user, models.ProviderGitHub, payload, nowUnix())
}

// UpdateExistingMember rotates the stored credential in place.
func (g *GitHubAdapter) UpdateExistingMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error) {
	return updateMember(ctx, g.deps.Stores, user, models.ProviderGitHub, payload, nowUnix())
}

// FetchAndSaveRepositories performs live discovery through the installation
// repositories API: new repos are created in FETCHING and queued for
// classification, known repos get their metadata refreshed, and stored repos
// the provider no longer reports are removed.
func (g *GitHubAdapter) FetchAndSaveRepositories(ctx context.Context, user models.User, orgID int64) ([]models.Repo, error) {
	org, err := orgByID(ctx, g.deps.Stores, orgID)
	if err != nil {
		return nil, err
	}
	member, err := requireMember(ctx, g.deps.Stores, user, models.ProviderGitHub)
	if err != nil {
		return nil, err
	}
	member, err = g.ensureInstallationToken(ctx, member, org)
	if err != nil {
		return nil, err
	}
	client := g.client(member.AccessToken)

	live := map[string]bool{}
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: listing installation repos: %v", ErrUpstream, err)
		}
		for _, ghRepo := range page.Repositories {
			live[ghRepo.GetName()] = true
			if err := g.upsertRepo(ctx, user, org, ghRepo); err != nil {
				return nil, err
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	// Stale-repo reconciliation: drop repos the installation stopped reporting.
	stored, err := g.deps.Stores.Repos.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, r := range stored {
		if !live[r.Name] {
			if err := g.deps.Stores.Repos.Delete(ctx, r.ID); err != nil {
				return nil, err
			}
			slog.Info("github: removed stale repo", "repo", r.Name, "org", org.Name)
		}
	}

	return g.deps.Stores.Repos.ListByOrg(ctx, orgID)
}

func (g *GitHubAdapter) upsertRepo(ctx context.Context, user models.User, org models.Organisation, ghRepo *gogithub.Repository) error {
	visibility := "public"
	if ghRepo.GetPrivate() {
		visibility = "private"
	}

	existing, err := g.deps.Stores.Repos.FindByOrgAndName(ctx, org.ID, ghRepo.GetName())
	switch {
	case errors.Is(err, store.ErrNotFound):
		created, err := g.deps.Stores.Repos.Create(ctx, models.Repo{
			OrgID:         org.ID,
			Provider:      models.ProviderGitHub,
			Name:          ghRepo.GetName(),
			Owner:         ghRepo.GetOwner().GetLogin(),
			URL:           ghRepo.GetHTMLURL(),
			Visibility:    visibility,
			Language:      ghRepo.GetLanguage(),
			DefaultBranch: ghRepo.GetDefaultBranch(),
			State:         models.RepoFetching,
		})
		if err != nil {
			return err
		}
		g.deps.Life.QueueClassification(user, created.ID, g)
		return nil
	case err != nil:
		return err
	default:
		existing.Owner = ghRepo.GetOwner().GetLogin()
		existing.URL = ghRepo.GetHTMLURL()
		existing.Visibility = visibility
		existing.Language = ghRepo.GetLanguage()
		existing.DefaultBranch = ghRepo.GetDefaultBranch()
		if err := g.deps.Stores.Repos.Update(ctx, existing); err != nil {
			return err
		}
		// Settled repos return immediately from the sticky guard.
		g.deps.Life.QueueClassification(user, existing.ID, g)
		return nil
	}
}

// FetchRepoBranches lists branch names for one repository.
func (g *GitHubAdapter) FetchRepoBranches(ctx context.Context, user models.User, orgID, repoID int64) ([]string, error) {
	org, err := orgByID(ctx, g.deps.Stores, orgID)
	if err != nil {
		return nil, err
	}
	repo, err := repoInOrg(ctx, g.deps.Stores, orgID, repoID)
	if err != nil {
		return nil, err
	}
	member, err := requireMember(ctx, g.deps.Stores, user, models.ProviderGitHub)
	if err != nil {
		return nil, err
	}
	member, err = g.ensureInstallationToken(ctx, member, org)
	if err != nil {
		return nil, err
	}
	client := g.client(member.AccessToken)

	var names []string
	opts := &gogithub.BranchListOptions{ListOptions: gogithub.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := client.Repositories.ListBranches(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: listing branches for %s: %v", ErrUpstream, repo.Name, err)
		}
		for _, b := range branches {
			names = append(names, b.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// StartScanning starts branch analyses for one repository using a fresh
// installation token as the analysis credential.
func (g *GitHubAdapter) StartScanning(ctx context.Context, user models.User, repoID int64) (scan.Result, error) {
	repo, err := g.deps.Stores.Repos.GetByID(ctx, repoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scan.Result{}, fmt.Errorf("%w: repo %d", ErrNotFound, repoID)
		}
		return scan.Result{}, err
	}
	org, err := orgByID(ctx, g.deps.Stores, repo.OrgID)
	if err != nil {
		return scan.Result{}, err
	}
	member, err := requireMember(ctx, g.deps.Stores, user, models.ProviderGitHub)
	if err != nil {
		return scan.Result{}, err
	}
	member, err = g.ensureInstallationToken(ctx, member, org)
	if err != nil {
		return scan.Result{}, err
	}
	return g.deps.Scans.StartScanning(ctx, user, repo, member.AccessToken)
}

// ListFiles crawls the repo's default branch through the contents API. The
// listing is hierarchical: one call per directory, drained by the bounded
// frontier pool.
func (g *GitHubAdapter) ListFiles(ctx context.Context, user models.User, repo models.Repo) ([]models.RepoFile, error) {
	org, err := orgByID(ctx, g.deps.Stores, repo.OrgID)
	if err != nil {
		return nil, err
	}
	member, err := requireMember(ctx, g.deps.Stores, user, models.ProviderGitHub)
	if err != nil {
		return nil, err
	}
	member, err = g.ensureInstallationToken(ctx, member, org)
	if err != nil {
		return nil, err
	}
	client := g.client(member.AccessToken)

	branch := repo.DefaultBranch
	if branch == "" {
		ghRepo, _, err := client.Repositories.Get(ctx, repo.Owner, repo.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving default branch for %s: %v", ErrUpstream, repo.Name, err)
		}
		branch = ghRepo.GetDefaultBranch()
	}
	if branch == "" {
		return nil, fmt.Errorf("%w: repo %s has no default branch", ErrUpstream, repo.Name)
	}

	list := func(ctx context.Context, path string) ([]models.RepoFile, []string, error) {
		_, entries, _, err := client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&gogithub.RepositoryContentGetOptions{Ref: branch})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: listing %s/%s: %v", ErrUpstream, repo.Name, path, err)
		}
		var files []models.RepoFile
		var next []string
		for _, e := range entries {
			switch e.GetType() {
			case "dir":
				next = append(next, e.GetPath())
			case "file":
				files = append(files, models.RepoFile{
					Name: e.GetName(),
					Path: e.GetPath(),
					Type: models.FileTypeFile,
				})
			}
		}
		return files, next, nil
	}
	return Crawl(ctx, []string{""}, g.deps.Cfg.Sync.Workers, list)
}

