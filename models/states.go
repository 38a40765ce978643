package models

// RepoState tracks a repository through discovery, classification and scanning.
type RepoState string

const (
	RepoFetching     RepoState = "FETCHING"
	RepoAnalyzing    RepoState = "ANALYZING"
	RepoCompatible   RepoState = "COMPATIBLE"
	RepoIncompatible RepoState = "INCOMPATIBLE"
	RepoScanning     RepoState = "SCANNING"
	RepoScanned      RepoState = "SCANNED"
	RepoError        RepoState = "ERROR"
)

// ClassificationSettled reports whether the compatibility verdict is final.
// A settled repo is never re-crawled or re-classified.
func (s RepoState) ClassificationSettled() bool {
	return s == RepoCompatible || s == RepoIncompatible
}

// BranchAnalysisState tracks one branch slot through an external analysis run.
// The empty string means no analysis has been requested yet.
type BranchAnalysisState string

const (
	BranchScanning BranchAnalysisState = "SCANNING"
	BranchScanned  BranchAnalysisState = "SCANNED"
	BranchError    BranchAnalysisState = "ERROR"
)

// PullRequestState tracks a pull request through PR analysis.
type PullRequestState string

const (
	PROpened    PullRequestState = "OPENED"
	PRAnalyzing PullRequestState = "ANALYZING_PR"
	PRAnalyzed  PullRequestState = "PR_ANALYZED"
	PRError     PullRequestState = "ERROR"
)
