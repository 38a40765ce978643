package models

// PullRequest is one tracked pull request for a Repo. Created when the
// provider delivers a "PR opened" webhook; mutated only by PR-analysis
// callbacks afterwards.
type PullRequest struct {
	ID           int64            `json:"id"              db:"id"`
	RepoID       int64            `json:"repo_id"         db:"repo_id"`
	Number       int              `json:"number"          db:"number"`
	Title        string           `json:"title"           db:"title"`
	Author       string           `json:"author"          db:"author"`
	SourceBranch string           `json:"source_branch"   db:"source_branch"`
	TargetBranch string           `json:"target_branch"   db:"target_branch"`
	AnalysisID   string           `json:"analysis_id"     db:"analysis_id"`
	PrAnalysisID string           `json:"pr_analysis_id"  db:"pr_analysis_id"`
	Summary      string           `json:"summary"         db:"summary"`
	ScriptRef    string           `json:"script_ref"      db:"script_ref"`
	State        PullRequestState `json:"state"           db:"state"`
	CreatedAt    string           `json:"created_at"      db:"created_at"`
	UpdatedAt    string           `json:"updated_at"      db:"updated_at"`

	// Scopes is persisted as a JSON column by the store layer.
	Scopes []string `json:"scopes,omitempty"`
}

// TestCase is a generated test artifact tied to the pull request whose
// completed analysis produced it. Append-only.
type TestCase struct {
	ID            int64  `json:"id"              db:"id"`
	PullRequestID int64  `json:"pull_request_id" db:"pull_request_id"`
	Title         string `json:"title"           db:"title"`
	CreatedAt     string `json:"created_at"      db:"created_at"`

	// Steps is persisted as a JSON column by the store layer.
	Steps []string `json:"steps,omitempty"`
}
