// Package scan starts branch analyses against the external analysis service
// and applies the all-or-nothing aggregation over the per-branch results.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/lifecycle"
	"github.com/quashbugs/magnus/internal/secure"
	"github.com/quashbugs/magnus/models"
)

// Aggregate statuses.
const (
	StatusStarted = "started"
	StatusError   = "error"
)

// Result is the aggregate outcome of starting scans for every configured
// branch of one repo.
type Result struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Branches []BranchResult `json:"branches,omitempty"`
}

// BranchResult is one branch's scan-start outcome.
type BranchResult struct {
	Branch     string `json:"branch"`
	Status     string `json:"status"`
	AnalysisID string `json:"analysis_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Orchestrator issues scan-start requests and records in-flight analysis ids.
type Orchestrator struct {
	cfg    config.AnalysisConfig
	enc    *secure.Encryptor
	life   *lifecycle.Coordinator
	client *http.Client
}

// New wires an Orchestrator.
func New(cfg config.AnalysisConfig, enc *secure.Encryptor, life *lifecycle.Coordinator) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		enc:    enc,
		life:   life,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type startRequest struct {
	OwnerName          string             `json:"owner_name"`
	RepoName           string             `json:"repo_name"`
	RepositoryProvider string             `json:"repository_provider"`
	WorkEmail          string             `json:"work_email"`
	Credentials        credentials        `json:"credentials"`
	AnalysisParameters analysisParameters `json:"analysis_parameters"`
	CallbackURL        string             `json:"callback_url"`
}

type credentials struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type analysisParameters struct {
	TargetBranch string `json:"target_branch"`
}

type startResponse struct {
	Status     string `json:"status"`
	AnalysisID string `json:"analysis_id"`
	Message    string `json:"message"`
}

// StartScanning starts one analysis per configured branch slot. Every branch
// that starts is optimistically recorded as SCANNING with its analysis id;
// if any branch fails, the aggregate is an error and the repo is forced to
// ERROR regardless of sibling successes. Only a fully started aggregate
// moves the repo to SCANNING.
func (o *Orchestrator) StartScanning(ctx context.Context, user models.User, repo models.Repo, token string) (Result, error) {
	if repo.Primary == nil {
		return Result{}, fmt.Errorf("repo %s has no primary branch configured", repo.Name)
	}

	encrypted, err := o.enc.Encrypt(token)
	if err != nil {
		return Result{}, fmt.Errorf("encrypting credential: %w", err)
	}

	var (
		branches []BranchResult
		failures []string
	)
	for _, branch := range repo.ConfiguredBranches() {
		resp, err := o.startBranch(ctx, user, repo, branch.Name, encrypted)
		switch {
		case err != nil:
			failures = append(failures, fmt.Sprintf("%s: %v", branch.Name, err))
			branches = append(branches, BranchResult{Branch: branch.Name, Status: StatusError, Message: err.Error()})
		case resp.Status != StatusStarted:
			msg := resp.Message
			if msg == "" {
				msg = "analysis service returned status " + resp.Status
			}
			failures = append(failures, fmt.Sprintf("%s: %s", branch.Name, msg))
			branches = append(branches, BranchResult{Branch: branch.Name, Status: StatusError, Message: msg})
		default:
			if err := o.life.MarkScanning(ctx, &repo, branch, resp.AnalysisID); err != nil {
				return Result{}, fmt.Errorf("recording analysis id for %s: %w", branch.Name, err)
			}
			branches = append(branches, BranchResult{Branch: branch.Name, Status: StatusStarted, AnalysisID: resp.AnalysisID})
		}
	}

	if len(failures) > 0 {
		if err := o.life.MarkError(ctx, &repo); err != nil {
			return Result{}, fmt.Errorf("persisting scan failure: %w", err)
		}
		return Result{Status: StatusError, Message: strings.Join(failures, "; "), Branches: branches}, nil
	}

	if err := o.life.PromoteScanning(ctx, &repo); err != nil {
		return Result{}, fmt.Errorf("promoting repo to scanning: %w", err)
	}
	slog.Info("scan: started", "repo", repo.Name, "branches", len(branches))
	return Result{Status: StatusStarted, Branches: branches}, nil
}

func (o *Orchestrator) startBranch(ctx context.Context, user models.User, repo models.Repo, branch, encrypted string) (startResponse, error) {
	payload := startRequest{
		OwnerName:          repo.Owner,
		RepoName:           repo.Name,
		RepositoryProvider: repo.Provider,
		WorkEmail:          user.WorkEmail,
		Credentials:        credentials{Type: "token", Value: encrypted},
		AnalysisParameters: analysisParameters{TargetBranch: branch},
		CallbackURL:        strings.TrimRight(o.cfg.CallbackBaseURL, "/") + "/api/callbacks/scan",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return startResponse{}, fmt.Errorf("encoding scan request: %w", err)
	}

	url := strings.TrimRight(o.cfg.BaseURL, "/") + "/scan"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return startResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return startResponse{}, fmt.Errorf("calling analysis service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return startResponse{}, fmt.Errorf("reading analysis response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return startResponse{}, fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out startResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return startResponse{}, fmt.Errorf("decoding analysis response: %w", err)
	}
	return out, nil
}
