package httphandler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gitcli "github.com/karlbohlmark/eifl/internal/adapter/driven/git"
	"github.com/karlbohlmark/eifl/internal/application"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// RunnerHandler serves the runner protocol endpoints and the internal git
// hook ingress. Every runner endpoint requires Authorization: Bearer with a
// registered runner token.
type RunnerHandler struct {
	runners    driven.RunnerStore
	dispatcher *application.Dispatcher
	lifecycle  *application.LifecycleService
	push       *application.PushService
	logger     *slog.Logger
}

// NewRunnerHandler creates a RunnerHandler.
func NewRunnerHandler(
	runners driven.RunnerStore,
	dispatcher *application.Dispatcher,
	lifecycle *application.LifecycleService,
	push *application.PushService,
	logger *slog.Logger,
) *RunnerHandler {
	return &RunnerHandler{
		runners:    runners,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		push:       push,
		logger:     logger,
	}
}

// Register adds the runner protocol and hook routes to mux.
func (h *RunnerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/runner/poll", h.auth(h.Poll))
	mux.HandleFunc("POST /api/v1/runner/step", h.auth(h.StepUpdate))
	mux.HandleFunc("POST /api/v1/runner/output", h.auth(h.StepOutput))
	mux.HandleFunc("POST /api/v1/runner/complete", h.auth(h.RunComplete))
	mux.HandleFunc("POST /api/v1/runner/heartbeat", h.auth(h.Heartbeat))

	mux.HandleFunc("POST /internal/hooks/post-receive", h.PostReceive)
}

// auth resolves the bearer token to a runner and passes it through.
func (h *RunnerHandler) auth(next func(http.ResponseWriter, *http.Request, *model.Runner)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		runner, err := h.runners.GetByToken(r.Context(), token)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		next(w, r, runner)
	}
}

// Poll answers a runner's job request with a job payload or null.
func (h *RunnerHandler) Poll(w http.ResponseWriter, r *http.Request, runner *model.Runner) {
	job, err := h.dispatcher.Poll(r.Context(), runner)
	if err != nil {
		h.logger.Error("dispatch poll failed", "runner", runner.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, PollResponse{Job: job})
}

// StepUpdate sets a step's status, optionally appending output, and
// refreshes the runner heartbeat.
func (h *RunnerHandler) StepUpdate(w http.ResponseWriter, r *http.Request, runner *model.Runner) {
	var req StepCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.lifecycle.UpdateStep(r.Context(), req.StepID, model.StepStatus(req.Status), req.ExitCode, req.Output); err != nil {
		writeDomainError(w, err)
		return
	}

	h.touch(r, runner)
	w.WriteHeader(http.StatusNoContent)
}

// StepOutput appends a chunk to a step's output and refreshes the heartbeat.
func (h *RunnerHandler) StepOutput(w http.ResponseWriter, r *http.Request, runner *model.Runner) {
	var req OutputCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.lifecycle.AppendStepOutput(r.Context(), req.StepID, req.Output); err != nil {
		writeDomainError(w, err)
		return
	}

	h.touch(r, runner)
	w.WriteHeader(http.StatusNoContent)
}

// RunComplete records the run's terminal status and metrics, releases the
// runner slot, and returns the baseline check.
func (h *RunnerHandler) RunComplete(w http.ResponseWriter, r *http.Request, runner *model.Runner) {
	var req CompleteCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	check, err := h.lifecycle.CompleteRun(r.Context(), req.RunID, model.RunStatus(req.Status), runner.ID, req.Metrics)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CompleteResponse{BaselineCheck: check})
}

// Heartbeat refreshes last_seen and marks the runner online.
func (h *RunnerHandler) Heartbeat(w http.ResponseWriter, r *http.Request, runner *model.Runner) {
	if err := h.runners.Touch(r.Context(), runner.ID, model.RunnerStatusOnline); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostReceive ingests the ref update lines forwarded by a hosted repo's
// post-receive hook. The repo path arrives as a query parameter set by the
// hook's environment.
func (h *RunnerHandler) PostReceive(w http.ResponseWriter, r *http.Request) {
	repoPath := r.URL.Query().Get("repo")
	if repoPath == "" {
		writeError(w, http.StatusBadRequest, "repo query parameter is required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	updates := gitcli.ParseReceivePack(body)
	h.push.HandlePush(r.Context(), repoPath, updates, model.TriggerPush)

	w.WriteHeader(http.StatusAccepted)
}

// touch refreshes the heartbeat without changing status semantics beyond the
// dispatcher's own updates.
func (h *RunnerHandler) touch(r *http.Request, runner *model.Runner) {
	if err := h.runners.Touch(r.Context(), runner.ID, runner.Status); err != nil {
		h.logger.Error("heartbeat refresh failed", "runner", runner.Name, "error", err)
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}
