package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/karlbohlmark/eifl/internal/cronschedule"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
	"github.com/karlbohlmark/eifl/internal/manifest"
)

// Scheduler creates scheduled runs for pipelines whose next_run_at has come
// due. It ticks once at startup and then on the configured interval.
type Scheduler struct {
	pipelines driven.PipelineStore
	repos     driven.RepoStore
	runs      driven.RunStore
	lifecycle *LifecycleService
	git       driven.GitClient
	interval  time.Duration
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler ticking at interval.
func NewScheduler(
	pipelines driven.PipelineStore,
	repos driven.RepoStore,
	runs driven.RunStore,
	lifecycle *LifecycleService,
	git driven.GitClient,
	interval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		pipelines: pipelines,
		repos:     repos,
		runs:      runs,
		lifecycle: lifecycle,
		git:       git,
		interval:  interval,
		logger:    logger,
	}
}

// Start runs an immediate tick and then ticks on the interval until the
// context is canceled. Start blocks.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.Tick(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("initial scheduler tick failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick processes every due pipeline once. Failures inside a single pipeline
// are logged and never abort the tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.pipelines.ListDue(ctx, now)
	if err != nil {
		return err
	}

	var created, skipped int
	for _, pipeline := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, err := s.schedulePipeline(ctx, pipeline, now)
		if err != nil {
			s.logger.Error("schedule pipeline failed", "pipeline", pipeline.ID, "error", err)
			continue
		}
		if ok {
			created++
		} else {
			skipped++
		}
	}

	if len(due) > 0 {
		s.logger.Info("scheduler tick complete", "due", len(due), "created", created, "skipped", skipped)
	}

	return nil
}

// schedulePipeline advances next_run_at and creates at most one scheduled
// run. The advance happens before run creation so an overlapping or slow
// tick can never enqueue the same firing twice; the pending-or-running check
// is the second line of defense against piling up behind a long run.
func (s *Scheduler) schedulePipeline(ctx context.Context, pipeline model.Pipeline, now time.Time) (bool, error) {
	cfg, err := manifest.Parse([]byte(pipeline.Config))
	if err != nil {
		// A pipeline with a broken manifest must not stay due forever.
		if clearErr := s.pipelines.SetNextRunAt(ctx, pipeline.ID, nil); clearErr != nil {
			s.logger.Error("clear next_run_at failed", "pipeline", pipeline.ID, "error", clearErr)
		}
		return false, err
	}

	next := s.nextFiring(cfg, now, pipeline.ID)
	if err := s.pipelines.SetNextRunAt(ctx, pipeline.ID, next); err != nil {
		return false, err
	}

	// A manifest whose schedule entries were since removed can still carry a
	// stale next_run_at; clearing it above is the whole job.
	if cfg.Triggers == nil || len(cfg.Triggers.Schedule) == 0 {
		return false, nil
	}

	repo, err := s.repos.GetByID(ctx, pipeline.RepoID)
	if err != nil {
		return false, err
	}

	sha, err := s.git.ResolveHead(ctx, repo.Path, repo.DefaultBranch)
	if err != nil {
		s.logger.Info("skipping schedule, branch has no commits",
			"pipeline", pipeline.ID, "repo", repo.Path, "branch", repo.DefaultBranch)
		return false, nil
	}

	busy, err := s.runs.HasPendingOrRunning(ctx, pipeline.ID)
	if err != nil {
		return false, err
	}
	if busy {
		s.logger.Info("skipping schedule, run already pending or running", "pipeline", pipeline.ID)
		return false, nil
	}

	if _, err := s.lifecycle.CreateRun(ctx, &pipeline, cfg, model.TriggerSchedule, sha, repo.DefaultBranch); err != nil {
		return false, err
	}

	return true, nil
}

// nextFiring computes the earliest next firing across the manifest's cron
// entries, logging and skipping invalid expressions.
func (s *Scheduler) nextFiring(cfg *manifest.Manifest, now time.Time, pipelineID int64) *time.Time {
	if cfg.Triggers == nil || len(cfg.Triggers.Schedule) == 0 {
		return nil
	}

	exprs := make([]string, 0, len(cfg.Triggers.Schedule))
	for _, entry := range cfg.Triggers.Schedule {
		exprs = append(exprs, entry.Cron)
	}

	next, errs := cronschedule.EarliestNext(exprs, now)
	for _, err := range errs {
		s.logger.Error("invalid cron expression", "pipeline", pipelineID, "error", err)
	}
	return next
}
