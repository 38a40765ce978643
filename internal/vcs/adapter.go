// Package vcs normalizes the GitHub, GitLab, and Bitbucket APIs behind one
// adapter contract: organisation discovery, member credential lifecycle,
// repository ingestion, branch listing, tree crawling, and scan kickoff.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/lifecycle"
	"github.com/quashbugs/magnus/internal/scan"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/models"
)

var (
	// ErrCredential means no member credential exists for the caller, or
	// the stored credential could not be refreshed.
	ErrCredential = errors.New("missing or unrefreshable credential")
	// ErrUpstream means the provider API returned a non-2xx response or an
	// unparseable body.
	ErrUpstream = errors.New("provider api failure")
	// ErrNotFound means an entity lookup missed.
	ErrNotFound = errors.New("not found")
)

// Adapter is the normalized per-provider contract. Idempotency of
// CreatePersonalOrganisation is the caller's concern.
type Adapter interface {
	// Provider returns "github", "gitlab", or "bitbucket".
	Provider() string

	// CreatePersonalOrganisation creates the user's personal organisation.
	// Bitbucket has no personal-namespace concept and returns nil, nil.
	CreatePersonalOrganisation(ctx context.Context, user models.User) (*models.Organisation, error)

	// FetchAndUpdateUserOrganizations lists the provider-side groups or
	// workspaces, upserts each by its stable provider key, and overwrites
	// the member's visible-organisation set with the union.
	FetchAndUpdateUserOrganizations(ctx context.Context, user models.User) ([]models.Organisation, error)

	// CreateNewMember persists a fresh credential for (user, provider).
	CreateNewMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error)

	// UpdateExistingMember rotates the stored credential in place.
	UpdateExistingMember(ctx context.Context, user models.User, payload models.TokenPayload) (models.Member, error)

	// FetchAndSaveRepositories returns the repos for one organisation.
	// GitHub performs live discovery against the installation API and
	// reconciles stale repos; GitLab and Bitbucket return the previously
	// saved selection, because both require an explicit picker step before
	// committing to a crawl.
	FetchAndSaveRepositories(ctx context.Context, user models.User, orgID int64) ([]models.Repo, error)

	// FetchRepoBranches lists branch names for one repository.
	FetchRepoBranches(ctx context.Context, user models.User, orgID, repoID int64) ([]string, error)

	// StartScanning starts branch analyses for one repository.
	StartScanning(ctx context.Context, user models.User, repoID int64) (scan.Result, error)

	// ListFiles enumerates every file reachable from the repo's default
	// branch. Implements lifecycle.FileLister.
	ListFiles(ctx context.Context, user models.User, repo models.Repo) ([]models.RepoFile, error)
}

// RepoSelection is one picker entry saved for providers without live
// repository discovery.
type RepoSelection struct {
	Name          string `json:"name"`
	Slug          string `json:"slug,omitempty"`
	ProjectID     int64  `json:"project_id,omitempty"`
	URL           string `json:"url,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
	Language      string `json:"language,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// RepoSaver is implemented by adapters whose providers require the explicit
// save-selection step (GitLab, Bitbucket). Saving triggers background
// classification for each selected repo.
type RepoSaver interface {
	SaveRepositories(ctx context.Context, user models.User, orgID int64, selections []RepoSelection) ([]models.Repo, error)
}

// Deps is the collaborator set shared by all adapters.
type Deps struct {
	Cfg    *config.Config
	Stores *store.Stores
	Life   *lifecycle.Coordinator
	Scans  *scan.Orchestrator
}

// Registry resolves the adapter for a caller's provider identity.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds all three adapters.
func NewRegistry(deps Deps) (*Registry, error) {
	gh, err := NewGitHub(deps)
	if err != nil {
		return nil, fmt.Errorf("building github adapter: %w", err)
	}
	return &Registry{adapters: map[string]Adapter{
		models.ProviderGitHub:    gh,
		models.ProviderGitLab:    NewGitLab(deps),
		models.ProviderBitbucket: NewBitbucket(deps),
	}}, nil
}

// ForProvider returns the adapter for provider.
func (r *Registry) ForProvider(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return a, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

func nowUnix() int64 { return time.Now().Unix() }

// createMember persists a new member from a raw provider token payload.
// Payload shapes differ per provider (absolute epoch expiry vs relative
// expires_in plus created_at); TokenPayload.Expiry normalizes them.
func createMember(ctx context.Context, stores *store.Stores, user models.User, provider string, payload models.TokenPayload, now int64) (models.Member, error) {
	return stores.Members.Create(ctx, models.Member{
		UserEmail:    user.WorkEmail,
		Provider:     provider,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    payload.Expiry(now),
	})
}

// updateMember rotates an existing member's token pair in place.
func updateMember(ctx context.Context, stores *store.Stores, user models.User, provider string, payload models.TokenPayload, now int64) (models.Member, error) {
	m, err := stores.Members.GetByUserProvider(ctx, user.WorkEmail, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Member{}, fmt.Errorf("%w: no %s member for %s", ErrCredential, provider, user.WorkEmail)
		}
		return models.Member{}, err
	}
	m.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		m.RefreshToken = payload.RefreshToken
	}
	m.ExpiresAt = payload.Expiry(now)
	if err := stores.Members.Update(ctx, m); err != nil {
		return models.Member{}, err
	}
	return m, nil
}

// requireMember loads the caller's credential or fails with ErrCredential.
func requireMember(ctx context.Context, stores *store.Stores, user models.User, provider string) (models.Member, error) {
	m, err := stores.Members.GetByUserProvider(ctx, user.WorkEmail, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Member{}, fmt.Errorf("%w: no %s member for %s", ErrCredential, provider, user.WorkEmail)
		}
		return models.Member{}, err
	}
	return m, nil
}

// orgByID loads one organisation, mapping store misses to ErrNotFound.
func orgByID(ctx context.Context, stores *store.Stores, orgID int64) (models.Organisation, error) {
	org, err := stores.Organisations.GetByID(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Organisation{}, fmt.Errorf("%w: organisation %d", ErrNotFound, orgID)
		}
		return models.Organisation{}, err
	}
	return org, nil
}

// repoInOrg loads one repo and checks it belongs to the given organisation.
func repoInOrg(ctx context.Context, stores *store.Stores, orgID, repoID int64) (models.Repo, error) {
	repo, err := stores.Repos.GetByID(ctx, repoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Repo{}, fmt.Errorf("%w: repo %d", ErrNotFound, repoID)
		}
		return models.Repo{}, err
	}
	if repo.OrgID != orgID {
		return models.Repo{}, fmt.Errorf("%w: repo %d not in organisation %d", ErrNotFound, repoID, orgID)
	}
	return repo, nil
}

// setVisibleOrgs overwrites the member's visible-organisation set.
func setVisibleOrgs(ctx context.Context, stores *store.Stores, member models.Member, orgs []models.Organisation) error {
	ids := make([]int64, 0, len(orgs))
	for _, o := range orgs {
		ids = append(ids, o.ID)
	}
	member.OrgIDs = ids
	return stores.Members.Update(ctx, member)
}
