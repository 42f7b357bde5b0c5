package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/karlbohlmark/eifl/internal/application"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// writeJSON marshals v to JSON and writes it with the given status code. If
// marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps a core error to its response status code.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, driven.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, driven.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, driven.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, driven.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, driven.ErrPreconditionFailed):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, driven.ErrEncryptionKeyNotSet):
		writeError(w, http.StatusServiceUnavailable, "secret management is not configured")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// ProjectResponse is the JSON representation of a project.
type ProjectResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// RepoResponse is the JSON representation of a repo.
type RepoResponse struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	Name          string `json:"name"`
	Path          string `json:"path"`
	RemoteURL     string `json:"remote_url,omitempty"`
	DefaultBranch string `json:"default_branch"`
	CreatedAt     string `json:"created_at"`
}

// PipelineResponse is the JSON representation of a pipeline.
type PipelineResponse struct {
	ID        int64           `json:"id"`
	RepoID    int64           `json:"repo_id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	NextRunAt string          `json:"next_run_at,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// RunResponse is the JSON representation of a run, optionally with steps.
type RunResponse struct {
	ID          int64          `json:"id"`
	PipelineID  int64          `json:"pipeline_id"`
	Status      string         `json:"status"`
	CommitSHA   string         `json:"commit_sha,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	TriggeredBy string         `json:"triggered_by"`
	StartedAt   string         `json:"started_at,omitempty"`
	FinishedAt  string         `json:"finished_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	Steps       []StepResponse `json:"steps,omitempty"`
}

// StepResponse is the JSON representation of a step.
type StepResponse struct {
	ID         int64  `json:"id"`
	RunID      int64  `json:"run_id"`
	Name       string `json:"name"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Output     string `json:"output"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// MetricResponse is the JSON representation of a metric.
type MetricResponse struct {
	ID        int64   `json:"id"`
	RunID     int64   `json:"run_id"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// BaselineResponse is the JSON representation of a baseline.
type BaselineResponse struct {
	ID           int64   `json:"id"`
	PipelineID   int64   `json:"pipeline_id"`
	Key          string  `json:"key"`
	Value        float64 `json:"value"`
	TolerancePct float64 `json:"tolerance_pct"`
	UpdatedAt    string  `json:"updated_at"`
}

// RunnerResponse is the JSON representation of a runner. The token appears
// only in the registration response.
type RunnerResponse struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Token          string   `json:"token,omitempty"`
	Status         string   `json:"status"`
	Tags           []string `json:"tags"`
	MaxConcurrency int      `json:"max_concurrency"`
	ActiveJobs     int      `json:"active_jobs"`
	LastSeen       string   `json:"last_seen,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

// SecretResponse is the JSON representation of a secret's metadata. Values
// are never returned.
type SecretResponse struct {
	Scope     string `json:"scope"`
	ScopeID   int64  `json:"scope_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// PollResponse wraps the dispatcher's answer to a runner poll.
type PollResponse struct {
	Job *application.JobPayload `json:"job"`
}

// CompleteResponse wraps the baseline check returned from run completion.
type CompleteResponse struct {
	BaselineCheck *application.BaselineCheck `json:"baselineCheck"`
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// CreateProjectRequest is the JSON body for project creation.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateRepoRequest is the JSON body for repo creation.
type CreateRepoRequest struct {
	Name          string `json:"name"`
	RemoteURL     string `json:"remote_url"`
	DefaultBranch string `json:"default_branch"`
}

// CreateRunnerRequest is the JSON body for runner registration.
type CreateRunnerRequest struct {
	Name           string   `json:"name"`
	Tags           []string `json:"tags"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// SetSecretRequest is the JSON body for secret upsert.
type SetSecretRequest struct {
	Value string `json:"value"`
}

// SetBaselineRequest is the JSON body for baseline upsert.
type SetBaselineRequest struct {
	Value        float64 `json:"value"`
	TolerancePct float64 `json:"tolerance_pct"`
}

// StepCallbackRequest is the JSON body for the runner's step callback.
type StepCallbackRequest struct {
	StepID   int64  `json:"stepId"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
}

// OutputCallbackRequest is the JSON body for the runner's output callback.
type OutputCallbackRequest struct {
	StepID int64  `json:"stepId"`
	Output string `json:"output"`
}

// CompleteCallbackRequest is the JSON body for the runner's completion
// callback.
type CompleteCallbackRequest struct {
	RunID   int64                     `json:"runId"`
	Status  string                    `json:"status"`
	Metrics []application.MetricInput `json:"metrics"`
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func toProjectResponse(p model.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   fmtTime(p.CreatedAt),
	}
}

func toRepoResponse(r model.Repo) RepoResponse {
	return RepoResponse{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		Name:          r.Name,
		Path:          r.Path,
		RemoteURL:     r.RemoteURL,
		DefaultBranch: r.DefaultBranch,
		CreatedAt:     fmtTime(r.CreatedAt),
	}
}

func toPipelineResponse(p model.Pipeline) PipelineResponse {
	return PipelineResponse{
		ID:        p.ID,
		RepoID:    p.RepoID,
		Name:      p.Name,
		Config:    json.RawMessage(p.Config),
		NextRunAt: fmtTimePtr(p.NextRunAt),
		CreatedAt: fmtTime(p.CreatedAt),
	}
}

func toRunResponse(r model.Run, steps []model.Step) RunResponse {
	resp := RunResponse{
		ID:          r.ID,
		PipelineID:  r.PipelineID,
		Status:      string(r.Status),
		CommitSHA:   r.CommitSHA,
		Branch:      r.Branch,
		TriggeredBy: string(r.TriggeredBy),
		StartedAt:   fmtTimePtr(r.StartedAt),
		FinishedAt:  fmtTimePtr(r.FinishedAt),
		CreatedAt:   fmtTime(r.CreatedAt),
	}
	for _, s := range steps {
		resp.Steps = append(resp.Steps, toStepResponse(s))
	}
	return resp
}

func toStepResponse(s model.Step) StepResponse {
	return StepResponse{
		ID:         s.ID,
		RunID:      s.RunID,
		Name:       s.Name,
		Command:    s.Command,
		Status:     string(s.Status),
		ExitCode:   s.ExitCode,
		Output:     s.Output,
		StartedAt:  fmtTimePtr(s.StartedAt),
		FinishedAt: fmtTimePtr(s.FinishedAt),
	}
}

func toBaselineResponse(b model.Baseline) BaselineResponse {
	return BaselineResponse{
		ID:           b.ID,
		PipelineID:   b.PipelineID,
		Key:          b.Key,
		Value:        b.Value,
		TolerancePct: b.TolerancePct,
		UpdatedAt:    fmtTime(b.UpdatedAt),
	}
}

func toRunnerResponse(r model.Runner, includeToken bool) RunnerResponse {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	resp := RunnerResponse{
		ID:             r.ID,
		Name:           r.Name,
		Status:         string(r.Status),
		Tags:           tags,
		MaxConcurrency: r.MaxConcurrency,
		ActiveJobs:     r.ActiveJobs,
		LastSeen:       fmtTimePtr(r.LastSeen),
		CreatedAt:      fmtTime(r.CreatedAt),
	}
	if includeToken {
		resp.Token = r.Token
	}
	return resp
}

func toSecretResponse(s model.Secret) SecretResponse {
	return SecretResponse{
		Scope:     string(s.Scope),
		ScopeID:   s.ScopeID,
		Name:      s.Name,
		CreatedAt: fmtTime(s.CreatedAt),
		UpdatedAt: fmtTime(s.UpdatedAt),
	}
}
