// Package httphandler is the HTTP driving adapter: the management REST API,
// the runner protocol endpoints, and the internal git hook ingress.
package httphandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/karlbohlmark/eifl/internal/application"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
	"github.com/karlbohlmark/eifl/internal/manifest"
)

// GitAdapter is the slice of git functionality the handler needs beyond the
// driven port: hook installation for freshly created hosted repos.
type GitAdapter interface {
	driven.GitClient
	EnsureHooks(repoPath string) error
}

// Handler serves the management REST API.
type Handler struct {
	projects  driven.ProjectStore
	repos     driven.RepoStore
	pipelines driven.PipelineStore
	runs      driven.RunStore
	steps     driven.StepStore
	metrics   driven.MetricStore
	baselines driven.BaselineStore
	runners   driven.RunnerStore
	lifecycle *application.LifecycleService
	secrets   *application.SecretService
	git       GitAdapter
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	projects driven.ProjectStore,
	repos driven.RepoStore,
	pipelines driven.PipelineStore,
	runs driven.RunStore,
	steps driven.StepStore,
	metrics driven.MetricStore,
	baselines driven.BaselineStore,
	runners driven.RunnerStore,
	lifecycle *application.LifecycleService,
	secrets *application.SecretService,
	git GitAdapter,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		projects:  projects,
		repos:     repos,
		pipelines: pipelines,
		runs:      runs,
		steps:     steps,
		metrics:   metrics,
		baselines: baselines,
		runners:   runners,
		lifecycle: lifecycle,
		secrets:   secrets,
		git:       git,
		logger:    logger,
	}
}

// NewServeMux registers all routes and wraps them with logging and recovery
// middleware. rh may be nil in tests that exercise only the management API.
func NewServeMux(h *Handler, rh *RunnerHandler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	mux.HandleFunc("POST /api/v1/projects", h.CreateProject)
	mux.HandleFunc("GET /api/v1/projects", h.ListProjects)
	mux.HandleFunc("GET /api/v1/projects/{id}", h.GetProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", h.DeleteProject)

	mux.HandleFunc("POST /api/v1/projects/{id}/repos", h.CreateRepo)
	mux.HandleFunc("GET /api/v1/projects/{id}/repos", h.ListRepos)
	mux.HandleFunc("GET /api/v1/repos/{id}/pipelines", h.ListPipelines)

	mux.HandleFunc("GET /api/v1/pipelines/{id}/runs", h.ListRuns)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/trigger", h.TriggerPipeline)
	mux.HandleFunc("GET /api/v1/pipelines/{id}/baselines", h.ListBaselines)
	mux.HandleFunc("PUT /api/v1/pipelines/{id}/baselines/{key}", h.SetBaseline)

	mux.HandleFunc("GET /api/v1/runs/{id}", h.GetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.CancelRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/metrics", h.ListMetrics)

	mux.HandleFunc("POST /api/v1/runners", h.RegisterRunner)
	mux.HandleFunc("GET /api/v1/runners", h.ListRunners)

	mux.HandleFunc("PUT /api/v1/secrets/{scope}/{scopeId}/{name}", h.SetSecret)
	mux.HandleFunc("GET /api/v1/secrets/{scope}/{scopeId}", h.ListSecrets)
	mux.HandleFunc("DELETE /api/v1/secrets/{scope}/{scopeId}/{name}", h.DeleteSecret)

	if rh != nil {
		rh.Register(mux)
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateProject creates a project.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "project name is required")
		return
	}

	project, err := h.projects.Create(r.Context(), model.Project{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.logger.Error("create project failed", "name", req.Name, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toProjectResponse(*project))
}

// ListProjects returns all projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.ListAll(r.Context())
	if err != nil {
		h.logger.Error("list projects failed", "error", err)
		writeDomainError(w, err)
		return
	}

	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, toProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProject returns one project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	project, err := h.projects.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(*project))
}

// DeleteProject deletes a project and everything under it.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.projects.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateRepo creates a repo under a project. Without a remote URL a bare
// repository is initialized on disk and the post-receive hook installed.
func (h *Handler) CreateRepo(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req CreateRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !isValidRepoName(req.Name) {
		writeError(w, http.StatusBadRequest, "invalid repo name")
		return
	}

	project, err := h.projects.GetByID(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	repoPath := path.Join(project.Name, req.Name+".git")
	repo, err := h.repos.Create(r.Context(), model.Repo{
		ProjectID:     projectID,
		Name:          req.Name,
		Path:          repoPath,
		RemoteURL:     req.RemoteURL,
		DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if repo.RemoteURL == "" {
		if err := h.git.InitBare(r.Context(), repo.Path); err != nil {
			h.logger.Error("init bare repo failed", "path", repo.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "repository initialization failed")
			return
		}
		if err := h.git.EnsureHooks(repo.Path); err != nil {
			h.logger.Error("install hooks failed", "path", repo.Path, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, toRepoResponse(*repo))
}

// ListRepos returns the project's repos.
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	repos, err := h.repos.ListByProject(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]RepoResponse, 0, len(repos))
	for _, repo := range repos {
		resp = append(resp, toRepoResponse(repo))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPipelines returns the repo's pipelines.
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	repoID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	pipelines, err := h.pipelines.ListByRepo(r.Context(), repoID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]PipelineResponse, 0, len(pipelines))
	for _, p := range pipelines {
		resp = append(resp, toPipelineResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRuns returns the pipeline's recent runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	runs, err := h.runs.ListByPipeline(r.Context(), pipelineID, 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerPipeline creates a manual run at the default branch HEAD.
func (h *Handler) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	pipeline, err := h.pipelines.GetByID(r.Context(), pipelineID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cfg, err := manifest.Parse([]byte(pipeline.Config))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	repo, err := h.repos.GetByID(r.Context(), pipeline.RepoID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sha, err := h.git.ResolveHead(r.Context(), repo.Path, repo.DefaultBranch)
	if err != nil {
		writeError(w, http.StatusConflict, "default branch has no commits")
		return
	}

	run, err := h.lifecycle.CreateRun(r.Context(), pipeline, cfg, model.TriggerManual, sha, repo.DefaultBranch)
	if err != nil {
		h.logger.Error("manual trigger failed", "pipeline", pipelineID, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRunResponse(*run, nil))
}

// GetRun returns a run with its steps.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	steps, err := h.steps.ListByRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(*run, steps))
}

// CancelRun cancels a pending or running run.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.lifecycle.CancelRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(*run, nil))
}

// ListMetrics returns a run's metrics.
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	metrics, err := h.metrics.ListByRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]MetricResponse, 0, len(metrics))
	for _, m := range metrics {
		resp = append(resp, MetricResponse{
			ID: m.ID, RunID: m.RunID, Key: m.Key, Value: m.Value, Unit: m.Unit,
			CreatedAt: fmtTime(m.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListBaselines returns the pipeline's baselines.
func (h *Handler) ListBaselines(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	baselines, err := h.baselines.ListByPipeline(r.Context(), pipelineID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]BaselineResponse, 0, len(baselines))
	for _, b := range baselines {
		resp = append(resp, toBaselineResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetBaseline upserts a baseline for the pipeline and key.
func (h *Handler) SetBaseline(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	key := r.PathValue("key")

	var req SetBaselineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	baseline, err := h.baselines.Upsert(r.Context(), model.Baseline{
		PipelineID:   pipelineID,
		Key:          key,
		Value:        req.Value,
		TolerancePct: req.TolerancePct,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBaselineResponse(*baseline))
}

// RegisterRunner creates a runner and returns its freshly generated bearer
// token. The token is shown exactly once.
func (h *Handler) RegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req CreateRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "runner name is required")
		return
	}
	if req.MaxConcurrency == 0 {
		req.MaxConcurrency = 1
	}

	runner, err := h.runners.Create(r.Context(), model.Runner{
		Name:           req.Name,
		Token:          uuid.NewString(),
		Tags:           req.Tags,
		MaxConcurrency: req.MaxConcurrency,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRunnerResponse(*runner, true))
}

// ListRunners returns all runners without their tokens.
func (h *Handler) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.runners.ListAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]RunnerResponse, 0, len(runners))
	for _, runner := range runners {
		resp = append(resp, toRunnerResponse(runner, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetSecret encrypts and stores a secret.
func (h *Handler) SetSecret(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := secretScope(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	var req SetSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	secret, err := h.secrets.Set(r.Context(), scope, scopeID, name, req.Value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSecretResponse(*secret))
}

// ListSecrets returns secret metadata for a scope.
func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := secretScope(w, r)
	if !ok {
		return
	}

	secrets, err := h.secrets.List(r.Context(), scope, scopeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]SecretResponse, 0, len(secrets))
	for _, s := range secrets {
		resp = append(resp, toSecretResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteSecret removes a secret.
func (h *Handler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	scope, scopeID, ok := secretScope(w, r)
	if !ok {
		return
	}

	if err := h.secrets.Delete(r.Context(), scope, scopeID, r.PathValue("name")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathID parses a numeric path value, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// secretScope parses the scope and scope id path values.
func secretScope(w http.ResponseWriter, r *http.Request) (model.SecretScope, int64, bool) {
	scope := model.SecretScope(r.PathValue("scope"))
	if scope != model.SecretScopeProject && scope != model.SecretScopeRepo {
		writeError(w, http.StatusBadRequest, "scope must be project or repo")
		return "", 0, false
	}
	scopeID, err := strconv.ParseInt(r.PathValue("scopeId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope id")
		return "", 0, false
	}
	return scope, scopeID, true
}

// isValidRepoName allows alphanumerics, hyphens, dots, and underscores.
func isValidRepoName(name string) bool {
	if name == "" {
		return false
	}
	for _, ch := range name {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_') {
			return false
		}
	}
	return true
}
