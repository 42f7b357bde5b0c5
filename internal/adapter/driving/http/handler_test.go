package httphandler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqliteadapter "github.com/karlbohlmark/eifl/internal/adapter/driven/sqlite"
	"github.com/karlbohlmark/eifl/internal/application"
	"github.com/karlbohlmark/eifl/internal/crypto"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// fakeGit implements GitAdapter for handler tests.
type fakeGit struct {
	files map[string][]byte
	heads map[string]string
}

func newFakeGit() *fakeGit {
	return &fakeGit{files: make(map[string][]byte), heads: make(map[string]string)}
}

func (g *fakeGit) ReadFileAtRef(_ context.Context, repoPath, ref, path string) ([]byte, error) {
	data, ok := g.files[repoPath+"@"+ref+":"+path]
	if !ok {
		return nil, driven.ErrNotFound
	}
	return data, nil
}

func (g *fakeGit) ResolveHead(_ context.Context, repoPath, branch string) (string, error) {
	sha, ok := g.heads[repoPath+"@"+branch]
	if !ok {
		return "", driven.ErrNotFound
	}
	return sha, nil
}

func (g *fakeGit) InitBare(_ context.Context, _ string) error { return nil }

func (g *fakeGit) EnsureHooks(_ string) error { return nil }

// env bundles everything a handler test needs.
type env struct {
	srv       *httptest.Server
	db        *sqliteadapter.DB
	git       *fakeGit
	runs      *sqliteadapter.RunRepo
	steps     *sqliteadapter.StepRepo
	runners   *sqliteadapter.RunnerRepo
	baselines *sqliteadapter.BaselineRepo
	pipelines *sqliteadapter.PipelineRepo
	repos     *sqliteadapter.RepoRepo
	projects  *sqliteadapter.ProjectRepo
}

func newEnv(t *testing.T, encryptionKey []byte) *env {
	t.Helper()

	safeName := url.PathEscape(t.Name())
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		safeName,
	)
	writer, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	writer.SetMaxOpenConns(1)
	reader, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	reader.SetMaxOpenConns(4)

	db := &sqliteadapter.DB{Writer: writer, Reader: reader}
	require.NoError(t, sqliteadapter.RunMigrations(db.Writer))
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.Default()
	git := newFakeGit()

	projects := sqliteadapter.NewProjectRepo(db)
	repos := sqliteadapter.NewRepoRepo(db)
	pipelines := sqliteadapter.NewPipelineRepo(db)
	runs := sqliteadapter.NewRunRepo(db)
	steps := sqliteadapter.NewStepRepo(db)
	metrics := sqliteadapter.NewMetricRepo(db)
	baselines := sqliteadapter.NewBaselineRepo(db)
	runners := sqliteadapter.NewRunnerRepo(db)
	secretRepo := sqliteadapter.NewSecretRepo(db)

	lifecycle := application.NewLifecycleService(
		runs, steps, metrics, baselines, runners, pipelines, repos, nil, "", logger)
	secretSvc := application.NewSecretService(secretRepo, encryptionKey, logger)
	dispatcher := application.NewDispatcher(
		runs, steps, pipelines, repos, runners, secretSvc, "", logger)
	push := application.NewPushService(repos, pipelines, lifecycle, git, logger)

	h := NewHandler(projects, repos, pipelines, runs, steps, metrics, baselines,
		runners, lifecycle, secretSvc, git, logger)
	rh := NewRunnerHandler(runners, dispatcher, lifecycle, push, logger)

	srv := httptest.NewServer(NewServeMux(h, rh, logger))
	t.Cleanup(srv.Close)

	return &env{
		srv: srv, db: db, git: git,
		runs: runs, steps: steps, runners: runners, baselines: baselines,
		pipelines: pipelines, repos: repos, projects: projects,
	}
}

func (e *env) request(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

const testManifest = `{"name":"build","steps":[{"name":"test","run":"make test"}]}`

// seedRun creates project → repo → pipeline → pending run + step directly
// through the stores.
func (e *env) seedRun(t *testing.T) *model.Run {
	t.Helper()
	ctx := context.Background()

	project, err := e.projects.Create(ctx, model.Project{Name: "proj-" + url.PathEscape(t.Name())})
	require.NoError(t, err)
	repo, err := e.repos.Create(ctx, model.Repo{ProjectID: project.ID, Name: "app", Path: "p/" + url.PathEscape(t.Name()) + ".git"})
	require.NoError(t, err)
	pipeline, err := e.pipelines.Upsert(ctx, model.Pipeline{RepoID: repo.ID, Name: "build", Config: testManifest})
	require.NoError(t, err)
	run, err := e.runs.Create(ctx, model.Run{PipelineID: pipeline.ID, TriggeredBy: model.TriggerManual})
	require.NoError(t, err)
	_, err = e.steps.Create(ctx, model.Step{RunID: run.ID, Name: "test", Command: "make test"})
	require.NoError(t, err)

	return run
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.request(t, http.MethodGet, "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
}

func TestCreateProject_AndConflict(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.request(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: "web"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[ProjectResponse](t, resp)
	assert.Equal(t, "web", created.Name)
	assert.NotZero(t, created.ID)

	resp = e.request(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: "web"}, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateProject_MissingName(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.request(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{}, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunnerProtocol_EndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	run := e.seedRun(t)

	// Register a runner; the token is returned once.
	resp := e.request(t, http.MethodPost, "/api/v1/runners",
		CreateRunnerRequest{Name: "worker-1", MaxConcurrency: 1}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	runner := decode[RunnerResponse](t, resp)
	require.NotEmpty(t, runner.Token)

	// The token never shows in listings.
	resp = e.request(t, http.MethodGet, "/api/v1/runners", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]RunnerResponse](t, resp)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Token)

	// Poll receives the pending run.
	resp = e.request(t, http.MethodGet, "/api/v1/runner/poll", nil, runner.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	poll := decode[PollResponse](t, resp)
	require.NotNil(t, poll.Job)
	assert.Equal(t, run.ID, poll.Job.Run.ID)
	assert.True(t, strings.HasPrefix(poll.Job.RepoURL, "/git/"), "hosted repo gets a server-relative clone path")
	require.Len(t, poll.Job.Steps, 1)
	stepID := poll.Job.Steps[0].ID

	// Step transitions and output streaming.
	resp = e.request(t, http.MethodPost, "/api/v1/runner/step",
		StepCallbackRequest{StepID: stepID, Status: "running"}, runner.Token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodPost, "/api/v1/runner/output",
		OutputCallbackRequest{StepID: stepID, Output: "$ make test\nok\n"}, runner.Token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	code := 0
	resp = e.request(t, http.MethodPost, "/api/v1/runner/step",
		StepCallbackRequest{StepID: stepID, Status: "success", ExitCode: &code}, runner.Token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Completion returns the baseline check.
	resp = e.request(t, http.MethodPost, "/api/v1/runner/complete",
		CompleteCallbackRequest{RunID: run.ID, Status: "success",
			Metrics: []application.MetricInput{{Key: "total_duration_ms", Value: 120, Unit: "ms"}}},
		runner.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	complete := decode[CompleteResponse](t, resp)
	require.NotNil(t, complete.BaselineCheck)
	assert.False(t, complete.BaselineCheck.HasRegressions)

	// Run detail shows terminal state and accumulated output.
	resp = e.request(t, http.MethodGet, fmt.Sprintf("/api/v1/runs/%d", run.ID), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[RunResponse](t, resp)
	assert.Equal(t, "success", detail.Status)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "$ make test\nok\n", detail.Steps[0].Output)
	assert.NotEmpty(t, detail.FinishedAt)
}

func TestRunnerProtocol_BaselineRegression(t *testing.T) {
	e := newEnv(t, nil)
	run := e.seedRun(t)
	ctx := context.Background()

	_, err := e.baselines.Upsert(ctx, model.Baseline{
		PipelineID: run.PipelineID, Key: "total_duration_ms", Value: 1000, TolerancePct: 10,
	})
	require.NoError(t, err)

	resp := e.request(t, http.MethodPost, "/api/v1/runners",
		CreateRunnerRequest{Name: "w", MaxConcurrency: 1}, "")
	runner := decode[RunnerResponse](t, resp)

	resp = e.request(t, http.MethodGet, "/api/v1/runner/poll", nil, runner.Token)
	poll := decode[PollResponse](t, resp)
	require.NotNil(t, poll.Job)

	resp = e.request(t, http.MethodPost, "/api/v1/runner/complete",
		CompleteCallbackRequest{RunID: run.ID, Status: "success",
			Metrics: []application.MetricInput{{Key: "total_duration_ms", Value: 1200}}},
		runner.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	complete := decode[CompleteResponse](t, resp)

	assert.Equal(t, 1, complete.BaselineCheck.Checked)
	assert.Equal(t, 1, complete.BaselineCheck.Regressions)
	assert.True(t, complete.BaselineCheck.HasRegressions)
}

func TestRunnerProtocol_Unauthorized(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.request(t, http.MethodGet, "/api/v1/runner/poll", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.request(t, http.MethodGet, "/api/v1/runner/poll", nil, "unknown-token")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	e := newEnv(t, nil)
	run := e.seedRun(t)

	resp := e.request(t, http.MethodPost, fmt.Sprintf("/api/v1/runs/%d/cancel", run.ID), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[RunResponse](t, resp)
	assert.Equal(t, "cancelled", body.Status)

	// A second cancel hits the precondition guard.
	resp = e.request(t, http.MethodPost, fmt.Sprintf("/api/v1/runs/%d/cancel", run.ID), nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestSecrets_NotConfigured(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.request(t, http.MethodPut, "/api/v1/secrets/project/1/API_KEY",
		SetSecretRequest{Value: "v"}, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSecrets_Configured(t *testing.T) {
	key, err := crypto.DeriveKey("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	e := newEnv(t, key)

	resp := e.request(t, http.MethodPut, "/api/v1/secrets/project/1/API_KEY",
		SetSecretRequest{Value: "hunter2"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secret := decode[SecretResponse](t, resp)
	assert.Equal(t, "API_KEY", secret.Name)

	// Bad names are rejected.
	resp = e.request(t, http.MethodPut, "/api/v1/secrets/project/1/lowercase",
		SetSecretRequest{Value: "v"}, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.request(t, http.MethodGet, "/api/v1/secrets/project/1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secrets := decode[[]SecretResponse](t, resp)
	require.Len(t, secrets, 1)

	resp = e.request(t, http.MethodDelete, "/api/v1/secrets/project/1/API_KEY", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTriggerPipeline_Manual(t *testing.T) {
	e := newEnv(t, nil)
	run := e.seedRun(t)
	ctx := context.Background()

	// Cancel the seeded run so only the manual one is pending afterwards.
	resp := e.request(t, http.MethodPost, fmt.Sprintf("/api/v1/runs/%d/cancel", run.ID), nil, "")
	resp.Body.Close()

	pipeline, err := e.pipelines.GetByID(ctx, run.PipelineID)
	require.NoError(t, err)
	repo, err := e.repos.GetByID(ctx, pipeline.RepoID)
	require.NoError(t, err)
	e.git.heads[repo.Path+"@main"] = "manual-sha"

	resp = e.request(t, http.MethodPost, fmt.Sprintf("/api/v1/pipelines/%d/trigger", pipeline.ID), nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[RunResponse](t, resp)
	assert.Equal(t, "manual", created.TriggeredBy)
	assert.Equal(t, "manual-sha", created.CommitSHA)
	assert.Equal(t, "pending", created.Status)
	assert.Len(t, created.Steps, 0)

	// The manual run carries its own fresh step rows.
	steps, err := e.steps.ListByRun(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "test", steps[0].Name)
}

func TestPostReceiveHook(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	project, err := e.projects.Create(ctx, model.Project{Name: "hookproj"})
	require.NoError(t, err)
	repo, err := e.repos.Create(ctx, model.Repo{ProjectID: project.ID, Name: "app", Path: "hookproj/app.git"})
	require.NoError(t, err)

	pushed := `{"name":"build","triggers":{"push":{"branches":["main"]}},"steps":[{"name":"test","run":"make test"}]}`
	e.git.files["hookproj/app.git@newsha:.eifl.json"] = []byte(pushed)

	body := "0000000000000000000000000000000000000000 newsha refs/heads/main\n"
	req, err := http.NewRequest(http.MethodPost,
		e.srv.URL+"/internal/hooks/post-receive?repo="+url.QueryEscape("hookproj/app.git"),
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	pipelines, err := e.pipelines.ListByRepo(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)

	runs, err := e.runs.ListByPipeline(ctx, pipelines[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.TriggerPush, runs[0].TriggeredBy)
	assert.Equal(t, "newsha", runs[0].CommitSHA)
}
