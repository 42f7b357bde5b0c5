package application_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// memStores is an in-memory implementation of every store port with the
// same semantics the SQLite adapter provides, including the atomic dispatch
// reservation. One instance backs all ports so cross-entity operations see a
// single consistent state.
type memStores struct {
	mu        sync.Mutex
	nextID    int64
	pipelines map[int64]*model.Pipeline
	repos     map[int64]*model.Repo
	runs      map[int64]*model.Run
	steps     map[int64]*model.Step
	metrics   []model.Metric
	baselines map[int64][]model.Baseline
	runners   map[int64]*model.Runner
	secrets   []model.Secret
}

func newMemStores() *memStores {
	return &memStores{
		pipelines: make(map[int64]*model.Pipeline),
		repos:     make(map[int64]*model.Repo),
		runs:      make(map[int64]*model.Run),
		steps:     make(map[int64]*model.Step),
		baselines: make(map[int64][]model.Baseline),
		runners:   make(map[int64]*model.Runner),
	}
}

func (m *memStores) id() int64 {
	m.nextID++
	return m.nextID
}

// --- RepoStore ---

func (m *memStores) addRepo(repo model.Repo) *model.Repo {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo.ID = m.id()
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	m.repos[repo.ID] = &repo
	return &repo
}

func (m *memStores) Create(_ context.Context, repo model.Repo) (*model.Repo, error) {
	return m.addRepo(repo), nil
}

func (m *memStores) GetByID(_ context.Context, id int64) (*model.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

func (m *memStores) GetByPath(_ context.Context, path string) (*model.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, repo := range m.repos {
		if repo.Path == path {
			cp := *repo
			return &cp, nil
		}
	}
	return nil, driven.ErrNotFound
}

func (m *memStores) ListByProject(_ context.Context, projectID int64) ([]model.Repo, error) {
	return nil, nil
}

func (m *memStores) ListAll(_ context.Context) ([]model.Repo, error) { return nil, nil }

func (m *memStores) Delete(_ context.Context, id int64) error { return nil }

// repoStore adapts memStores to the RepoStore port without method set
// collisions with the other ports.
type repoStore struct{ *memStores }

var _ driven.RepoStore = repoStore{}

// --- PipelineStore ---

type pipelineStore struct{ *memStores }

var _ driven.PipelineStore = pipelineStore{}

func (m pipelineStore) Upsert(_ context.Context, pipeline model.Pipeline) (*model.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pipelines {
		if existing.RepoID == pipeline.RepoID && existing.Name == pipeline.Name {
			existing.Config = pipeline.Config
			existing.NextRunAt = pipeline.NextRunAt
			cp := *existing
			return &cp, nil
		}
	}
	pipeline.ID = m.id()
	pipeline.CreatedAt = time.Now().UTC()
	m.pipelines[pipeline.ID] = &pipeline
	cp := pipeline
	return &cp, nil
}

func (m pipelineStore) GetByID(_ context.Context, id int64) (*model.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pipeline, ok := m.pipelines[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	cp := *pipeline
	return &cp, nil
}

func (m pipelineStore) ListByRepo(_ context.Context, repoID int64) ([]model.Pipeline, error) {
	return nil, nil
}

func (m pipelineStore) ListDue(_ context.Context, now time.Time) ([]model.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []model.Pipeline
	for _, pipeline := range m.pipelines {
		if pipeline.NextRunAt != nil && !pipeline.NextRunAt.After(now) {
			due = append(due, *pipeline)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (m pipelineStore) SetNextRunAt(_ context.Context, id int64, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pipeline, ok := m.pipelines[id]
	if !ok {
		return driven.ErrNotFound
	}
	pipeline.NextRunAt = next
	return nil
}

func (m pipelineStore) Delete(_ context.Context, id int64) error { return nil }

// --- RunStore ---

type runStore struct{ *memStores }

var _ driven.RunStore = runStore{}

func (m runStore) Create(_ context.Context, run model.Run) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = m.id()
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	run.CreatedAt = time.Now().UTC()
	m.runs[run.ID] = &run
	cp := run
	return &cp, nil
}

func (m runStore) GetByID(_ context.Context, id int64) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m runStore) ListByPipeline(_ context.Context, pipelineID int64, limit int) ([]model.Run, error) {
	return nil, nil
}

func (m runStore) ListPending(_ context.Context) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []model.Run
	for _, run := range m.runs {
		if run.Status == model.RunStatusPending {
			pending = append(pending, *run)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending, nil
}

func (m runStore) HasPendingOrRunning(_ context.Context, pipelineID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.PipelineID == pipelineID &&
			(run.Status == model.RunStatusPending || run.Status == model.RunStatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (m runStore) SetStatus(_ context.Context, id int64, status model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return driven.ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = status
	if status == model.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() && run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	return nil
}

func (m runStore) Reserve(_ context.Context, runID, runnerID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, driven.ErrNotFound
	}
	if run.Status != model.RunStatusPending {
		return false, nil
	}
	runner, ok := m.runners[runnerID]
	if !ok {
		return false, driven.ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusRunning
	run.StartedAt = &now
	runner.ActiveJobs++
	if runner.ActiveJobs >= runner.MaxConcurrency {
		runner.Status = model.RunnerStatusBusy
	} else {
		runner.Status = model.RunnerStatusOnline
	}
	runner.LastSeen = &now
	return true, nil
}

// --- StepStore ---

type stepStore struct{ *memStores }

var _ driven.StepStore = stepStore{}

func (m stepStore) Create(_ context.Context, step model.Step) (*model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step.ID = m.id()
	if step.Status == "" {
		step.Status = model.StepStatusPending
	}
	m.steps[step.ID] = &step
	cp := step
	return &cp, nil
}

func (m stepStore) GetByID(_ context.Context, id int64) (*model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	cp := *step
	return &cp, nil
}

func (m stepStore) ListByRun(_ context.Context, runID int64) ([]model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var steps []model.Step
	for _, step := range m.steps {
		if step.RunID == runID {
			steps = append(steps, *step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	return steps, nil
}

func (m stepStore) SetStatus(_ context.Context, id int64, status model.StepStatus, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return driven.ErrNotFound
	}
	now := time.Now().UTC()
	step.Status = status
	if exitCode != nil {
		step.ExitCode = exitCode
	}
	if status == model.StepStatusRunning && step.StartedAt == nil {
		step.StartedAt = &now
	}
	if status.Terminal() && step.FinishedAt == nil {
		step.FinishedAt = &now
	}
	return nil
}

func (m stepStore) AppendOutput(_ context.Context, id int64, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return driven.ErrNotFound
	}
	step.Output += chunk
	return nil
}

// --- MetricStore ---

type metricStore struct{ *memStores }

var _ driven.MetricStore = metricStore{}

func (m metricStore) Create(_ context.Context, metric model.Metric) (*model.Metric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metric.ID = m.id()
	metric.CreatedAt = time.Now().UTC()
	m.metrics = append(m.metrics, metric)
	cp := metric
	return &cp, nil
}

func (m metricStore) ListByRun(_ context.Context, runID int64) ([]model.Metric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var metrics []model.Metric
	for _, metric := range m.metrics {
		if metric.RunID == runID {
			metrics = append(metrics, metric)
		}
	}
	return metrics, nil
}

func (m metricStore) History(_ context.Context, pipelineID int64, key string, limit int) ([]model.Metric, error) {
	return nil, nil
}

// --- BaselineStore ---

type baselineStore struct{ *memStores }

var _ driven.BaselineStore = baselineStore{}

func (m baselineStore) Upsert(_ context.Context, baseline model.Baseline) (*model.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if baseline.TolerancePct <= 0 {
		baseline.TolerancePct = model.DefaultTolerancePct
	}
	existing := m.baselines[baseline.PipelineID]
	for i, b := range existing {
		if b.Key == baseline.Key {
			baseline.ID = b.ID
			existing[i] = baseline
			cp := baseline
			return &cp, nil
		}
	}
	baseline.ID = m.id()
	m.baselines[baseline.PipelineID] = append(existing, baseline)
	cp := baseline
	return &cp, nil
}

func (m baselineStore) ListByPipeline(_ context.Context, pipelineID int64) ([]model.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Baseline(nil), m.baselines[pipelineID]...), nil
}

func (m baselineStore) Delete(_ context.Context, pipelineID int64, key string) error { return nil }

// --- RunnerStore ---

type runnerStore struct{ *memStores }

var _ driven.RunnerStore = runnerStore{}

func (m *memStores) addRunner(runner model.Runner) *model.Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner.ID = m.id()
	if runner.Status == "" {
		runner.Status = model.RunnerStatusOnline
	}
	m.runners[runner.ID] = &runner
	cp := runner
	return &cp
}

func (m runnerStore) Create(_ context.Context, runner model.Runner) (*model.Runner, error) {
	return m.addRunner(runner), nil
}

func (m runnerStore) GetByID(_ context.Context, id int64) (*model.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	cp := *runner
	return &cp, nil
}

func (m runnerStore) GetByToken(_ context.Context, token string) (*model.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, runner := range m.runners {
		if runner.Token == token {
			cp := *runner
			return &cp, nil
		}
	}
	return nil, driven.ErrUnauthorized
}

func (m runnerStore) ListAll(_ context.Context) ([]model.Runner, error) { return nil, nil }

func (m runnerStore) Touch(_ context.Context, id int64, status model.RunnerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[id]
	if !ok {
		return driven.ErrNotFound
	}
	now := time.Now().UTC()
	runner.LastSeen = &now
	runner.Status = status
	return nil
}

func (m runnerStore) DecrementActiveJobs(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[id]
	if !ok {
		return driven.ErrNotFound
	}
	if runner.ActiveJobs > 0 {
		runner.ActiveJobs--
	}
	runner.Status = model.RunnerStatusOnline
	now := time.Now().UTC()
	runner.LastSeen = &now
	return nil
}

func (m runnerStore) Delete(_ context.Context, id int64) error { return nil }

// --- SecretStore ---

type secretStore struct{ *memStores }

var _ driven.SecretStore = secretStore{}

func (m secretStore) Upsert(_ context.Context, secret model.Secret) (*model.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.secrets {
		if existing.Scope == secret.Scope && existing.ScopeID == secret.ScopeID && existing.Name == secret.Name {
			secret.ID = existing.ID
			m.secrets[i] = secret
			cp := secret
			return &cp, nil
		}
	}
	secret.ID = m.id()
	m.secrets = append(m.secrets, secret)
	cp := secret
	return &cp, nil
}

func (m secretStore) ListByScope(_ context.Context, scope model.SecretScope, scopeID int64) ([]model.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var secrets []model.Secret
	for _, secret := range m.secrets {
		if secret.Scope == scope && secret.ScopeID == scopeID {
			secrets = append(secrets, secret)
		}
	}
	return secrets, nil
}

func (m secretStore) Delete(_ context.Context, scope model.SecretScope, scopeID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, secret := range m.secrets {
		if secret.Scope == scope && secret.ScopeID == scopeID && secret.Name == name {
			m.secrets = append(m.secrets[:i], m.secrets[i+1:]...)
			return nil
		}
	}
	return driven.ErrNotFound
}

// --- GitClient ---

// fakeGit serves manifests and head SHAs from maps.
type fakeGit struct {
	files map[string][]byte // key: repoPath + "@" + ref + ":" + path
	heads map[string]string // key: repoPath + "@" + branch
}

var _ driven.GitClient = (*fakeGit)(nil)

func newFakeGit() *fakeGit {
	return &fakeGit{files: make(map[string][]byte), heads: make(map[string]string)}
}

func (g *fakeGit) ReadFileAtRef(_ context.Context, repoPath, ref, path string) ([]byte, error) {
	data, ok := g.files[fmt.Sprintf("%s@%s:%s", repoPath, ref, path)]
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

func (g *fakeGit) InitBare(_ context.Context, repoPath string) error { return nil }
