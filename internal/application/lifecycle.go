// Package application contains the use-case services: run lifecycle,
// scheduling, push triggering, dispatch, and secret management.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
	"github.com/karlbohlmark/eifl/internal/manifest"
)

// Regression is one failing baseline comparison.
type Regression struct {
	Key          string  `json:"key"`
	Baseline     float64 `json:"baseline"`
	Current      float64 `json:"current"`
	DeviationPct float64 `json:"deviation_pct"`
	TolerancePct float64 `json:"tolerance_pct"`
}

// BaselineCheck summarizes the baseline comparison run at completion.
type BaselineCheck struct {
	Checked        int          `json:"checked"`
	Regressions    int          `json:"regressions"`
	HasRegressions bool         `json:"hasRegressions"`
	Failing        []Regression `json:"failing,omitempty"`
}

// LifecycleService owns run and step state transitions, metric ingestion,
// and baseline comparison. All non-creation transitions arrive via runner
// callbacks or manual cancel.
type LifecycleService struct {
	runs      driven.RunStore
	steps     driven.StepStore
	metrics   driven.MetricStore
	baselines driven.BaselineStore
	runners   driven.RunnerStore
	pipelines driven.PipelineStore
	repos     driven.RepoStore
	status    driven.StatusWriter // nil when no GITHUB_TOKEN is configured
	publicURL string
	logger    *slog.Logger
}

// NewLifecycleService creates a LifecycleService. status may be nil to
// disable commit status publishing.
func NewLifecycleService(
	runs driven.RunStore,
	steps driven.StepStore,
	metrics driven.MetricStore,
	baselines driven.BaselineStore,
	runners driven.RunnerStore,
	pipelines driven.PipelineStore,
	repos driven.RepoStore,
	status driven.StatusWriter,
	publicURL string,
	logger *slog.Logger,
) *LifecycleService {
	return &LifecycleService{
		runs:      runs,
		steps:     steps,
		metrics:   metrics,
		baselines: baselines,
		runners:   runners,
		pipelines: pipelines,
		repos:     repos,
		status:    status,
		publicURL: publicURL,
		logger:    logger,
	}
}

// CreateRun inserts a pending run and one step per manifest step, in
// declared order.
func (s *LifecycleService) CreateRun(ctx context.Context, pipeline *model.Pipeline, cfg *manifest.Manifest, trigger model.TriggerSource, commitSHA, branch string) (*model.Run, error) {
	run, err := s.runs.Create(ctx, model.Run{
		PipelineID:  pipeline.ID,
		Status:      model.RunStatusPending,
		CommitSHA:   commitSHA,
		Branch:      branch,
		TriggeredBy: trigger,
	})
	if err != nil {
		return nil, err
	}

	for _, step := range cfg.Steps {
		if _, err := s.steps.Create(ctx, model.Step{
			RunID:   run.ID,
			Name:    step.Name,
			Command: step.Run,
			Status:  model.StepStatusPending,
		}); err != nil {
			return nil, fmt.Errorf("create step %q: %w", step.Name, err)
		}
	}

	s.postStatus(ctx, run, driven.CommitStatePending, "run queued")

	return run, nil
}

// CancelRun cancels a pending or running run. Terminal runs return
// ErrPreconditionFailed. Runners are not interrupted; their next callback
// for the cancelled run is accepted but does not revive it.
func (s *LifecycleService) CancelRun(ctx context.Context, runID int64) (*model.Run, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %d is %s: %w", runID, run.Status, driven.ErrPreconditionFailed)
	}

	if err := s.runs.SetStatus(ctx, runID, model.RunStatusCancelled); err != nil {
		return nil, err
	}

	return s.runs.GetByID(ctx, runID)
}

// UpdateStep sets a step's status and optionally appends output. Used by the
// runner's step callback.
func (s *LifecycleService) UpdateStep(ctx context.Context, stepID int64, status model.StepStatus, exitCode *int, output string) error {
	if output != "" {
		if err := s.steps.AppendOutput(ctx, stepID, output); err != nil {
			return err
		}
	}
	return s.steps.SetStatus(ctx, stepID, status, exitCode)
}

// AppendStepOutput appends a chunk to a step's output. The runner serializes
// its writes per step; appends are additive so readers may observe a prefix.
func (s *LifecycleService) AppendStepOutput(ctx context.Context, stepID int64, chunk string) error {
	return s.steps.AppendOutput(ctx, stepID, chunk)
}

// MetricInput is one metric reported at run completion.
type MetricInput struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// CompleteRun records the run's terminal status and metrics, performs the
// baseline comparison, and releases the runner slot. A cancelled run accepts
// the completion callback without reviving: metrics are recorded but the
// status is left untouched.
func (s *LifecycleService) CompleteRun(ctx context.Context, runID int64, status model.RunStatus, runnerID int64, metrics []MetricInput) (*BaselineCheck, error) {
	if status != model.RunStatusSuccess && status != model.RunStatusFailed {
		return nil, fmt.Errorf("completion status must be success or failed, got %q: %w", status, driven.ErrValidation)
	}

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if !run.Status.Terminal() {
		if err := s.runs.SetStatus(ctx, runID, status); err != nil {
			return nil, err
		}
	}

	for _, m := range metrics {
		if _, err := s.metrics.Create(ctx, model.Metric{
			RunID: runID,
			Key:   m.Key,
			Value: m.Value,
			Unit:  m.Unit,
		}); err != nil {
			s.logger.Error("record metric failed", "run", runID, "key", m.Key, "error", err)
		}
	}

	check, err := s.CompareBaselines(ctx, run.PipelineID, runID)
	if err != nil {
		s.logger.Error("baseline comparison failed", "run", runID, "error", err)
		check = &BaselineCheck{}
	}

	if err := s.runners.DecrementActiveJobs(ctx, runnerID); err != nil {
		s.logger.Error("release runner slot failed", "runner", runnerID, "error", err)
	}

	state := driven.CommitStateSuccess
	description := "run passed"
	if status == model.RunStatusFailed {
		state = driven.CommitStateFailure
		description = "run failed"
	}
	s.postStatus(ctx, run, state, description)

	return check, nil
}

// CompareBaselines compares the run's metrics against the pipeline's
// baselines and returns the failing comparisons.
//
// deviation% = 0 when baseline and current are both zero, 100 when only the
// baseline is zero, and |current-baseline|/|baseline|*100 otherwise.
func (s *LifecycleService) CompareBaselines(ctx context.Context, pipelineID, runID int64) (*BaselineCheck, error) {
	baselines, err := s.baselines.ListByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	metrics, err := s.metrics.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]model.Baseline, len(baselines))
	for _, b := range baselines {
		byKey[b.Key] = b
	}

	check := &BaselineCheck{}
	seen := make(map[string]bool)
	for _, m := range metrics {
		b, ok := byKey[m.Key]
		if !ok || seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		check.Checked++

		deviation := deviationPct(b.Value, m.Value)
		if deviation > b.TolerancePct {
			check.Regressions++
			check.Failing = append(check.Failing, Regression{
				Key:          m.Key,
				Baseline:     b.Value,
				Current:      m.Value,
				DeviationPct: deviation,
				TolerancePct: b.TolerancePct,
			})
		}
	}
	check.HasRegressions = check.Regressions > 0

	return check, nil
}

func deviationPct(baseline, current float64) float64 {
	switch {
	case baseline == 0 && current == 0:
		return 0
	case baseline == 0:
		return 100
	default:
		return math.Abs(current-baseline) / math.Abs(baseline) * 100
	}
}

// RecordMetric appends a metric outside the completion path.
func (s *LifecycleService) RecordMetric(ctx context.Context, runID int64, key string, value float64, unit string) (*model.Metric, error) {
	return s.metrics.Create(ctx, model.Metric{RunID: runID, Key: key, Value: value, Unit: unit})
}

// postStatus publishes a commit status for the run's repo when the repo has
// a GitHub remote and a status writer is configured. Best-effort only.
func (s *LifecycleService) postStatus(ctx context.Context, run *model.Run, state driven.CommitState, description string) {
	if s.status == nil || run.CommitSHA == "" {
		return
	}

	pipeline, err := s.pipelines.GetByID(ctx, run.PipelineID)
	if err != nil {
		return
	}
	repo, err := s.repos.GetByID(ctx, pipeline.RepoID)
	if err != nil {
		return
	}

	fullName := githubRepoFromRemote(repo.RemoteURL)
	if fullName == "" {
		return
	}

	targetURL := ""
	if s.publicURL != "" {
		targetURL = fmt.Sprintf("%s/runs/%d", s.publicURL, run.ID)
	}

	if err := s.status.PostCommitStatus(ctx, fullName, run.CommitSHA, state, description, targetURL); err != nil {
		s.logger.Error("post commit status failed", "repo", fullName, "sha", run.CommitSHA, "error", err)
	}
}
