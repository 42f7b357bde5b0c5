package application

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
	"github.com/karlbohlmark/eifl/internal/manifest"
)

// JobPayload is the job a runner receives from a successful poll.
type JobPayload struct {
	Run            RunPayload        `json:"run"`
	Steps          []StepPayload     `json:"steps"`
	RepoURL        string            `json:"repoUrl"`
	CommitSHA      string            `json:"commitSha,omitempty"`
	Branch         string            `json:"branch,omitempty"`
	PipelineConfig json.RawMessage   `json:"pipelineConfig"`
	Secrets        map[string]string `json:"secrets"`
}

// RunPayload is the run subset shipped to the runner.
type RunPayload struct {
	ID          int64  `json:"id"`
	PipelineID  int64  `json:"pipeline_id"`
	Status      string `json:"status"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Branch      string `json:"branch,omitempty"`
	TriggeredBy string `json:"triggered_by"`
}

// StepPayload is the step subset shipped to the runner, in declared order.
type StepPayload struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Command string `json:"command"`
	Status  string `json:"status"`
}

// Dispatcher assigns pending runs to polling runners under tag and
// concurrency constraints. FIFO is per-runner best-effort: a run skips over
// runners that cannot satisfy its tags.
type Dispatcher struct {
	runs        driven.RunStore
	steps       driven.StepStore
	pipelines   driven.PipelineStore
	repos       driven.RepoStore
	runners     driven.RunnerStore
	secrets     *SecretService
	githubToken string
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher. githubToken, when set, is injected as
// oauth2 user-info into github.com clone URLs.
func NewDispatcher(
	runs driven.RunStore,
	steps driven.StepStore,
	pipelines driven.PipelineStore,
	repos driven.RepoStore,
	runners driven.RunnerStore,
	secrets *SecretService,
	githubToken string,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		runs:        runs,
		steps:       steps,
		pipelines:   pipelines,
		repos:       repos,
		runners:     runners,
		secrets:     secrets,
		githubToken: githubToken,
		logger:      logger,
	}
}

// Poll answers one authenticated runner poll. It refreshes the heartbeat,
// enforces the concurrency cap, scans pending runs oldest-first for one the
// runner's tags satisfy, reserves it atomically (losing a race moves on to
// the next candidate), and materializes the job payload. Returns nil when no
// job is available.
func (d *Dispatcher) Poll(ctx context.Context, runner *model.Runner) (*JobPayload, error) {
	if err := d.runners.Touch(ctx, runner.ID, runner.Status); err != nil {
		d.logger.Error("heartbeat update failed", "runner", runner.ID, "error", err)
	}

	if runner.ActiveJobs >= runner.MaxConcurrency {
		return nil, nil
	}

	pending, err := d.runs.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	for _, run := range pending {
		pipeline, err := d.pipelines.GetByID(ctx, run.PipelineID)
		if err != nil {
			d.logger.Error("load pipeline for pending run failed", "run", run.ID, "error", err)
			continue
		}

		cfg, err := manifest.Parse([]byte(pipeline.Config))
		if err != nil {
			d.logger.Error("pending run has unparseable manifest", "run", run.ID, "error", err)
			continue
		}

		if !runner.HasTags(cfg.RunnerTags) {
			continue
		}

		reserved, err := d.runs.Reserve(ctx, run.ID, runner.ID)
		if err != nil {
			// Reservation failures leave the run pending and retry-eligible.
			d.logger.Error("reserve run failed", "run", run.ID, "runner", runner.ID, "error", err)
			continue
		}
		if !reserved {
			// Lost the race to a concurrent poll.
			continue
		}

		payload, err := d.buildPayload(ctx, &run, pipeline, cfg)
		if err != nil {
			return nil, err
		}

		d.logger.Info("job dispatched", "run", run.ID, "runner", runner.Name)
		return payload, nil
	}

	return nil, nil
}

// buildPayload assembles the job for a reserved run: steps in declared
// order, resolved repo URL, and the merged decrypted secret map.
func (d *Dispatcher) buildPayload(ctx context.Context, run *model.Run, pipeline *model.Pipeline, cfg *manifest.Manifest) (*JobPayload, error) {
	steps, err := d.steps.ListByRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	repo, err := d.repos.GetByID(ctx, pipeline.RepoID)
	if err != nil {
		return nil, err
	}

	secrets := d.secrets.MergedFor(ctx, repo.ProjectID, repo.ID)

	stepPayloads := make([]StepPayload, 0, len(steps))
	for _, s := range steps {
		stepPayloads = append(stepPayloads, StepPayload{
			ID:      s.ID,
			Name:    s.Name,
			Command: s.Command,
			Status:  string(s.Status),
		})
	}

	return &JobPayload{
		Run: RunPayload{
			ID:          run.ID,
			PipelineID:  run.PipelineID,
			Status:      string(model.RunStatusRunning),
			CommitSHA:   run.CommitSHA,
			Branch:      run.Branch,
			TriggeredBy: string(run.TriggeredBy),
		},
		Steps:          stepPayloads,
		RepoURL:        d.repoURL(repo),
		CommitSHA:      run.CommitSHA,
		Branch:         run.Branch,
		PipelineConfig: json.RawMessage(pipeline.Config),
		Secrets:        secrets,
	}, nil
}

// repoURL resolves where the runner clones from: the remote URL (with the
// GitHub token injected for github.com) or the server-relative path of the
// hosted bare repo.
func (d *Dispatcher) repoURL(repo *model.Repo) string {
	if repo.RemoteURL != "" {
		return injectCloneToken(repo.RemoteURL, d.githubToken)
	}
	return "/git/" + repo.Path
}
