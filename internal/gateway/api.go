package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quashbugs/magnus/internal/lifecycle"
	"github.com/quashbugs/magnus/internal/scan"
	"github.com/quashbugs/magnus/internal/store"
	"github.com/quashbugs/magnus/internal/vcs"
	"github.com/quashbugs/magnus/internal/webhook"
	"github.com/quashbugs/magnus/models"
)

// buildHandler wires all REST and SSE routes onto a new ServeMux.
// Uses Go 1.22+ method-prefixed patterns ("GET /path", "POST /path").
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	// Root/help
	mux.HandleFunc("GET /", gw.handleRoot)

	// Health / status
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /api/status", gw.handleStatus)
	mux.HandleFunc("GET /api/providers", gw.handleProviders)

	// Users and member credentials
	mux.HandleFunc("POST /api/users", gw.handleCreateUser)
	mux.HandleFunc("POST /api/members", gw.handleCreateMember)
	mux.HandleFunc("PUT /api/members", gw.handleRotateMember)

	// Organisations
	mux.HandleFunc("GET /api/orgs", gw.handleListOrganisations)
	mux.HandleFunc("POST /api/orgs/personal", gw.handleCreatePersonalOrg)
	mux.HandleFunc("POST /api/orgs/installation", gw.handleInstallationOrg)

	// Repositories
	mux.HandleFunc("GET /api/orgs/{id}/repos", gw.handleListRepos)
	mux.HandleFunc("POST /api/orgs/{id}/repos", gw.handleSaveRepos)
	mux.HandleFunc("GET /api/orgs/{id}/repos/{repoID}/branches", gw.handleListBranches)
	mux.HandleFunc("GET /api/repos/{id}", gw.handleGetRepo)
	mux.HandleFunc("PUT /api/repos/{id}/branches", gw.handleConfigureBranches)
	mux.HandleFunc("POST /api/repos/{id}/classify", gw.handleClassifyRepo)
	mux.HandleFunc("POST /api/repos/{id}/scan", gw.handleScanRepo)

	// Pull requests
	mux.HandleFunc("GET /api/repos/{id}/pulls", gw.handleListPulls)
	mux.HandleFunc("GET /api/repos/{id}/pulls/{number}/test-cases", gw.handleListTestCases)

	// Analysis-service callbacks
	mux.HandleFunc("POST /api/callbacks/scan", gw.handleScanCallback)
	mux.HandleFunc("POST /api/callbacks/pr", gw.handlePRCallback)

	// Provider webhooks
	mux.HandleFunc("POST /api/webhooks/github", gw.handleGitHubWebhook)

	// Sync schedule management
	mux.HandleFunc("GET /api/schedules", gw.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", gw.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", gw.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", gw.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/trigger", gw.handleTriggerSchedule)

	// Server-Sent Events stream
	mux.HandleFunc("GET /events", gw.handleEvents)

	return mux
}

// --- handlers ---

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (gw *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   "magnus gateway",
		"status": "running",
		"endpoints": []string{
			"GET /health",
			"GET /api/status",
			"GET /api/orgs",
			"GET /api/orgs/{id}/repos",
			"POST /api/orgs/{id}/repos",
			"PUT /api/repos/{id}/branches",
			"POST /api/repos/{id}/scan",
			"POST /api/callbacks/scan",
			"POST /api/callbacks/pr",
			"GET /api/schedules",
			"GET /events",
		},
	})
}

func (gw *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.currentStatus(r.Context()))
}

func (gw *Gateway) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": gw.registry.Providers()})
}

type userRequest struct {
	WorkEmail string `json:"work_email"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
}

func (gw *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.WorkEmail == "" {
		writeError(w, http.StatusBadRequest, "work_email is required")
		return
	}
	user, err := gw.stores.Users.GetOrCreate(r.Context(), models.User{WorkEmail: req.WorkEmail, Name: req.Name, Provider: req.Provider})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type memberRequest struct {
	WorkEmail    string `json:"work_email"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

func (gw *Gateway) memberPayload(req memberRequest) models.TokenPayload {
	return models.TokenPayload{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		ExpiresIn:    req.ExpiresIn,
		CreatedAt:    req.CreatedAt,
	}
}

func (gw *Gateway) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.WorkEmail == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "work_email and access_token are required")
		return
	}
	adapter, err := gw.registry.ForProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := gw.stores.Users.GetOrCreate(r.Context(), models.User{WorkEmail: req.WorkEmail, Name: req.Name, Provider: req.Provider})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	member, err := adapter.CreateNewMember(r.Context(), user, gw.memberPayload(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (gw *Gateway) handleRotateMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	adapter, err := gw.registry.ForProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	member, err := adapter.UpdateExistingMember(r.Context(),
		models.User{WorkEmail: req.WorkEmail}, gw.memberPayload(req))
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (gw *Gateway) handleListOrganisations(w http.ResponseWriter, r *http.Request) {
	user, adapter, ok := gw.callerFromQuery(w, r)
	if !ok {
		return
	}
	orgs, err := adapter.FetchAndUpdateUserOrganizations(r.Context(), user)
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (gw *Gateway) handleCreatePersonalOrg(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	adapter, err := gw.registry.ForProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	org, err := adapter.CreatePersonalOrganisation(r.Context(),
		models.User{WorkEmail: req.WorkEmail, Name: req.Name})
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	if org == nil {
		// Bitbucket: workspaces already cover the personal namespace.
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_applicable"})
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

type installationRequest struct {
	WorkEmail      string `json:"work_email"`
	OrgName        string `json:"org_name"`
	InstallationID string `json:"installation_id"`
}

// handleInstallationOrg records the organisation a GitHub App install was
// granted on, from the post-install redirect.
func (gw *Gateway) handleInstallationOrg(w http.ResponseWriter, r *http.Request) {
	var req installationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.WorkEmail == "" || req.OrgName == "" || req.InstallationID == "" {
		writeError(w, http.StatusBadRequest, "work_email, org_name and installation_id are required")
		return
	}
	adapter, err := gw.registry.ForProvider(models.ProviderGitHub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gh, ok := adapter.(*vcs.GitHubAdapter)
	if !ok {
		writeError(w, http.StatusInternalServerError, "github adapter unavailable")
		return
	}
	org, err := gh.CreateInstallationOrganisation(r.Context(),
		models.User{WorkEmail: req.WorkEmail}, req.OrgName, req.InstallationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (gw *Gateway) handleListRepos(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, adapter, ok := gw.callerForOrg(w, r, orgID)
	if !ok {
		return
	}
	repos, err := adapter.FetchAndSaveRepositories(r.Context(), user, orgID)
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

type saveReposRequest struct {
	WorkEmail  string              `json:"work_email"`
	Selections []vcs.RepoSelection `json:"selections"`
}

func (gw *Gateway) handleSaveRepos(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req saveReposRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	org, err := gw.stores.Organisations.GetByID(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, err, "organisation")
		return
	}
	adapter, err := gw.registry.ForProvider(org.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saver, ok := adapter.(vcs.RepoSaver)
	if !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("provider %s discovers repos automatically and has no saved selection", org.Provider))
		return
	}

	repos, err := saver.SaveRepositories(r.Context(), models.User{WorkEmail: req.WorkEmail}, orgID, req.Selections)
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (gw *Gateway) handleListBranches(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repoID, err := pathID(r, "repoID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, adapter, ok := gw.callerForOrg(w, r, orgID)
	if !ok {
		return
	}
	branches, err := adapter.FetchRepoBranches(r.Context(), user, orgID, repoID)
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (gw *Gateway) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repo, err := gw.stores.Repos.GetByID(r.Context(), repoID)
	if err != nil {
		writeStoreError(w, err, "repo")
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

type branchConfigRequest struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

func (gw *Gateway) handleConfigureBranches(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req branchConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	repo, err := gw.life.SaveBranches(r.Context(), repoID, req.Primary, req.Secondary)
	if err != nil {
		if errors.Is(err, lifecycle.ErrBranchConflict) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeStoreError(w, err, "repo")
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

type actorRequest struct {
	WorkEmail string `json:"work_email"`
}

func (gw *Gateway) handleClassifyRepo(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	repo, err := gw.stores.Repos.GetByID(r.Context(), repoID)
	if err != nil {
		writeStoreError(w, err, "repo")
		return
	}
	adapter, err := gw.registry.ForProvider(repo.Provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gw.life.QueueClassification(models.User{WorkEmail: req.WorkEmail}, repoID, adapter)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (gw *Gateway) handleScanRepo(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	repo, err := gw.stores.Repos.GetByID(r.Context(), repoID)
	if err != nil {
		writeStoreError(w, err, "repo")
		return
	}
	adapter, err := gw.registry.ForProvider(repo.Provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := adapter.StartScanning(r.Context(), models.User{WorkEmail: req.WorkEmail}, repoID)
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	if result.Status != scan.StatusStarted {
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (gw *Gateway) handleListPulls(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pulls, err := gw.stores.PullRequests.ListByRepo(r.Context(), repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pulls)
}

func (gw *Gateway) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	number, err := pathID(r, "number")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pr, err := gw.stores.PullRequests.GetByRepoAndNumber(r.Context(), repoID, int(number))
	if err != nil {
		writeStoreError(w, err, "pull request")
		return
	}
	cases, err := gw.stores.PullRequests.ListTestCases(r.Context(), pr.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

// --- analysis callbacks ---

func (gw *Gateway) handleScanCallback(w http.ResponseWriter, r *http.Request) {
	var cb webhook.ScanCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := gw.reconciler.HandleScanCallback(r.Context(), cb); err != nil {
		writeCallbackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (gw *Gateway) handlePRCallback(w http.ResponseWriter, r *http.Request) {
	var cb webhook.PRCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := gw.reconciler.HandlePRCallback(r.Context(), cb); err != nil {
		writeCallbackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- provider webhooks ---

type githubPREvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (gw *Gateway) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if !webhook.VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), gw.cfg.GitHub.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	case "pull_request":
		gw.handleGitHubPREvent(w, r, body)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": event})
	}
}

func (gw *Gateway) handleGitHubPREvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var evt githubPREvent
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pull_request payload: "+err.Error())
		return
	}
	if evt.Action != "opened" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "action": evt.Action})
		return
	}

	repo, err := gw.findGitHubRepo(r, evt.Repository.Owner.Login, evt.Repository.Name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	pr, err := gw.reconciler.HandlePROpened(r.Context(), repo, evt.Number,
		evt.PullRequest.Title, evt.PullRequest.User.Login,
		evt.PullRequest.Head.Ref, evt.PullRequest.Base.Ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("gateway: pr opened", "repo", repo.Name, "pr", pr.Number)
	writeJSON(w, http.StatusCreated, pr)
}

func (gw *Gateway) findGitHubRepo(r *http.Request, owner, name string) (models.Repo, error) {
	repos, err := gw.stores.Repos.ListAll(r.Context())
	if err != nil {
		return models.Repo{}, err
	}
	for _, repo := range repos {
		if repo.Provider == models.ProviderGitHub && repo.Owner == owner && repo.Name == name {
			return repo, nil
		}
	}
	return models.Repo{}, fmt.Errorf("no tracked repo %s/%s", owner, name)
}

// --- sync schedules ---

func (gw *Gateway) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := gw.scheduler.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (gw *Gateway) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched SyncSchedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if _, err := gw.registry.ForProvider(sched.Provider); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(sched.UserEmail) == "" {
		writeError(w, http.StatusBadRequest, "user_email is required")
		return
	}
	id, err := gw.scheduler.Add(r.Context(), sched)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.ID = id
	writeJSON(w, http.StatusCreated, sched)
}

func (gw *Gateway) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var sched SyncSchedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := gw.scheduler.Update(r.Context(), id, sched); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (gw *Gateway) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := gw.scheduler.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (gw *Gateway) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := gw.scheduler.TriggerNow(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// --- SSE ---

func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if behind a proxy

	ch := gw.bus.Register()
	defer gw.bus.Unregister(ch)

	connected, _ := json.Marshal(map[string]any{
		"type":    "connected",
		"payload": gw.currentStatus(r.Context()),
	})
	fmt.Fprintf(w, "data: %s\n\n", connected)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			w.Write(frame)
			flusher.Flush()
		}
	}
}

// --- caller resolution ---

// callerFromQuery resolves the acting user and adapter from work_email and
// provider query parameters.
func (gw *Gateway) callerFromQuery(w http.ResponseWriter, r *http.Request) (models.User, vcs.Adapter, bool) {
	email := strings.TrimSpace(r.URL.Query().Get("work_email"))
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "work_email query parameter is required")
		return models.User{}, nil, false
	}
	adapter, err := gw.registry.ForProvider(provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return models.User{}, nil, false
	}
	return models.User{WorkEmail: email}, adapter, true
}

// callerForOrg resolves the acting user from the query and the adapter from
// the organisation's stored provider.
func (gw *Gateway) callerForOrg(w http.ResponseWriter, r *http.Request, orgID int64) (models.User, vcs.Adapter, bool) {
	email := strings.TrimSpace(r.URL.Query().Get("work_email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "work_email query parameter is required")
		return models.User{}, nil, false
	}
	org, err := gw.stores.Organisations.GetByID(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, err, "organisation")
		return models.User{}, nil, false
	}
	adapter, err := gw.registry.ForProvider(org.Provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return models.User{}, nil, false
	}
	return models.User{WorkEmail: email}, adapter, true
}

// --- error mapping ---

func writeStoreError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeAdapterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vcs.ErrCredential):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, vcs.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, vcs.ErrUpstream):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeCallbackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, webhook.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, webhook.ErrBranchMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
