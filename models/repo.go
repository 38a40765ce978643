package models

// BranchDetails is the embedded per-branch analysis record. It has no
// identity of its own and lives inside its parent Repo.
type BranchDetails struct {
	Name              string              `json:"name"`
	AnalysisID        string              `json:"analysis_id,omitempty"`
	LastAnalyzedAt    string              `json:"last_analyzed_at,omitempty"`
	KnowledgeGraphRef string              `json:"knowledge_graph_ref,omitempty"`
	State             BranchAnalysisState `json:"state,omitempty"`
}

// Repo is one source repository under an Organisation.
//
// The branch slots are stored as JSON columns by the store layer, so they
// carry no db tag here. Provider correlation: GitHub repos are keyed by
// name+provider, GitLab by ProjectID+provider, Bitbucket by Slug+provider.
type Repo struct {
	ID            int64     `json:"id"             db:"id"`
	OrgID         int64     `json:"org_id"         db:"org_id"`
	Provider      string    `json:"provider"       db:"provider"`
	Name          string    `json:"name"           db:"name"`
	Owner         string    `json:"owner"          db:"owner"`
	Slug          string    `json:"slug"           db:"slug"`
	ProjectID     int64     `json:"project_id"     db:"project_id"`
	URL           string    `json:"url"            db:"url"`
	Visibility    string    `json:"visibility"     db:"visibility"`
	Language      string    `json:"language"       db:"language"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	IsMobile      bool      `json:"is_mobile"      db:"is_mobile"`
	Platform      string    `json:"platform"       db:"platform"`
	State         RepoState `json:"state"          db:"state"`
	AppSummary    string    `json:"app_summary"    db:"app_summary"`
	CreatedAt     string    `json:"created_at"     db:"created_at"`
	UpdatedAt     string    `json:"updated_at"     db:"updated_at"`

	Primary   *BranchDetails `json:"primary_branch,omitempty"`
	Secondary *BranchDetails `json:"secondary_branch,omitempty"`
}

// ConfiguredBranches returns the branch slots that have been set, primary first.
func (r *Repo) ConfiguredBranches() []*BranchDetails {
	var out []*BranchDetails
	if r.Primary != nil {
		out = append(out, r.Primary)
	}
	if r.Secondary != nil {
		out = append(out, r.Secondary)
	}
	return out
}

// BranchByAnalysisID returns the branch slot whose last analysis id matches,
// or nil.
func (r *Repo) BranchByAnalysisID(analysisID string) *BranchDetails {
	for _, b := range r.ConfiguredBranches() {
		if b.AnalysisID != "" && b.AnalysisID == analysisID {
			return b
		}
	}
	return nil
}

// BranchByName returns the configured branch slot with the given name, or nil.
func (r *Repo) BranchByName(name string) *BranchDetails {
	for _, b := range r.ConfiguredBranches() {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// AllBranchesScanned reports whether every configured branch slot has reached
// SCANNED. False when no slot is configured.
func (r *Repo) AllBranchesScanned() bool {
	branches := r.ConfiguredBranches()
	if len(branches) == 0 {
		return false
	}
	for _, b := range branches {
		if b.State != BranchScanned {
			return false
		}
	}
	return true
}

// RepoFile is one entry produced by a directory crawl.
type RepoFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // file | dir
}

// RepoFile types.
const (
	FileTypeFile = "file"
	FileTypeDir  = "dir"
)
