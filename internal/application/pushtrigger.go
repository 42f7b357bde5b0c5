package application

import (
	"context"
	"log/slog"
	"time"

	gitcli "github.com/karlbohlmark/eifl/internal/adapter/driven/git"
	"github.com/karlbohlmark/eifl/internal/cronschedule"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
	"github.com/karlbohlmark/eifl/internal/manifest"
)

// PushService turns successful git pushes into pipeline upserts and
// push-triggered runs.
type PushService struct {
	repos     driven.RepoStore
	pipelines driven.PipelineStore
	lifecycle *LifecycleService
	git       driven.GitClient
	logger    *slog.Logger
}

// NewPushService creates a PushService.
func NewPushService(
	repos driven.RepoStore,
	pipelines driven.PipelineStore,
	lifecycle *LifecycleService,
	git driven.GitClient,
	logger *slog.Logger,
) *PushService {
	return &PushService{
		repos:     repos,
		pipelines: pipelines,
		lifecycle: lifecycle,
		git:       git,
		logger:    logger,
	}
}

// HandlePush processes the ref updates of one receive-pack. Each branch
// update is independent: failures are logged and the remaining refs still
// process. No duplicate suppression happens here; every push is its own
// event. trigger is TriggerPush for direct pushes and TriggerGitHubPush for
// webhook-forwarded ones.
func (s *PushService) HandlePush(ctx context.Context, repoPath string, updates []driven.RefUpdate, trigger model.TriggerSource) {
	repo, err := s.repos.GetByPath(ctx, repoPath)
	if err != nil {
		s.logger.Error("push for unknown repo", "path", repoPath, "error", err)
		return
	}

	for _, update := range updates {
		if gitcli.IsDeletion(update) {
			continue
		}
		branch := gitcli.BranchName(update.RefName)
		if branch == "" {
			continue
		}

		if err := s.handleBranchPush(ctx, repo, branch, update.NewRev, trigger); err != nil {
			s.logger.Error("branch push failed", "repo", repoPath, "branch", branch, "error", err)
		}
	}
}

func (s *PushService) handleBranchPush(ctx context.Context, repo *model.Repo, branch, sha string, trigger model.TriggerSource) error {
	data, err := s.git.ReadFileAtRef(ctx, repo.Path, sha, manifest.FileName)
	if err != nil {
		// A repo without a manifest is not a CI repo; nothing to do.
		s.logger.Info("no pipeline manifest at pushed commit", "repo", repo.Path, "branch", branch)
		return nil
	}

	cfg, err := manifest.Parse(data)
	if err != nil {
		return err
	}

	next := s.nextFiring(cfg, time.Now().UTC())
	pipeline, err := s.pipelines.Upsert(ctx, model.Pipeline{
		RepoID:    repo.ID,
		Name:      cfg.Name,
		Config:    string(data),
		NextRunAt: next,
	})
	if err != nil {
		return err
	}

	if !cfg.ShouldTriggerOnPush(branch) {
		s.logger.Info("push does not match trigger branches", "pipeline", pipeline.ID, "branch", branch)
		return nil
	}

	run, err := s.lifecycle.CreateRun(ctx, pipeline, cfg, trigger, sha, branch)
	if err != nil {
		return err
	}

	s.logger.Info("push run created", "pipeline", pipeline.ID, "run", run.ID, "branch", branch, "sha", sha)
	return nil
}

// nextFiring mirrors the scheduler's computation so a freshly pushed
// manifest with schedules becomes eligible for the next tick.
func (s *PushService) nextFiring(cfg *manifest.Manifest, now time.Time) *time.Time {
	if cfg.Triggers == nil || len(cfg.Triggers.Schedule) == 0 {
		return nil
	}

	exprs := make([]string, 0, len(cfg.Triggers.Schedule))
	for _, entry := range cfg.Triggers.Schedule {
		exprs = append(exprs, entry.Cron)
	}

	next, errs := cronschedule.EarliestNext(exprs, now)
	for _, err := range errs {
		s.logger.Error("invalid cron expression in pushed manifest", "error", err)
	}
	return next
}
