package models

// Providers supported by the ingestion engine.
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
)

// Organisation types.
const (
	OrgPersonal = "PERSONAL"
	OrgWork     = "WORK"
)

// Organisation is a tenant-scoped grouping of repositories under one provider.
// Exactly one of the provider correlation fields is meaningful per provider:
// InstallationID for GitHub App installs, GroupID for GitLab groups, Slug for
// Bitbucket workspaces.
type Organisation struct {
	ID             int64  `json:"id"              db:"id"`
	Name           string `json:"name"            db:"name"`
	Type           string `json:"type"            db:"org_type"` // PERSONAL | WORK
	Provider       string `json:"provider"        db:"provider"`
	UserEmail      string `json:"user_email"      db:"user_email"`
	InstallationID string `json:"installation_id" db:"installation_id"`
	GroupID        string `json:"group_id"        db:"group_id"`
	Slug           string `json:"slug"            db:"slug"`
	CreatedAt      string `json:"created_at"      db:"created_at"`
	UpdatedAt      string `json:"updated_at"      db:"updated_at"`
}

// User is the authenticated caller that owns organisations and members.
type User struct {
	ID        int64  `json:"id"         db:"id"`
	WorkEmail string `json:"work_email" db:"work_email"`
	Name      string `json:"name"       db:"name"`
	Provider  string `json:"provider"   db:"provider"`
	CreatedAt string `json:"created_at" db:"created_at"`
}

// Member holds one user's credential for one provider, plus the set of
// organisation ids visible to them. One Member per (user, provider) pair.
type Member struct {
	ID           int64  `json:"id"            db:"id"`
	UserEmail    string `json:"user_email"    db:"user_email"`
	Provider     string `json:"provider"      db:"provider"`
	AccessToken  string `json:"-"             db:"access_token"`
	RefreshToken string `json:"-"             db:"refresh_token"`
	// ExpiresAt is the access-token expiry as Unix seconds. Zero means the
	// token does not expire (classic GitHub OAuth tokens).
	ExpiresAt int64 `json:"expires_at" db:"expires_at"`
	// OrgIDs is persisted as a JSON column by the store layer.
	OrgIDs    []int64 `json:"org_ids"`
	CreatedAt string  `json:"created_at" db:"created_at"`
	UpdatedAt string  `json:"updated_at" db:"updated_at"`
}

// TokenPayload is the raw token material a provider hands back after an
// OAuth exchange or refresh. Shapes differ per provider: GitLab sends a
// relative ExpiresIn plus CreatedAt, Bitbucket a relative ExpiresIn, and
// callers that already computed an absolute expiry set ExpiresAt directly.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // Unix seconds
	ExpiresIn    int64  `json:"expires_in,omitempty"` // seconds from CreatedAt (or now)
	CreatedAt    int64  `json:"created_at,omitempty"` // Unix seconds
}

// Expiry resolves the payload to an absolute Unix-seconds expiry.
// now is injected so refresh logic stays testable.
func (p TokenPayload) Expiry(now int64) int64 {
	if p.ExpiresAt != 0 {
		return p.ExpiresAt
	}
	if p.ExpiresIn == 0 {
		return 0
	}
	base := p.CreatedAt
	if base == 0 {
		base = now
	}
	return base + p.ExpiresIn
}
