package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/karlbohlmark/eifl/internal/manifest"
)

// Agent is the worker loop: poll, execute, report.
type Agent struct {
	client       *Client
	workDir      string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewAgent creates an Agent executing jobs under workDir.
func NewAgent(client *Client, workDir string, pollInterval time.Duration, logger *slog.Logger) *Agent {
	return &Agent{
		client:       client,
		workDir:      workDir,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run polls until the context is canceled. Each received job executes to
// completion before the next poll.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		job, err := a.client.Poll(ctx)
		if err != nil {
			a.logger.Error("poll failed", "error", err)
		} else if job != nil {
			a.Execute(ctx, job)
			// Poll again immediately; more work may be queued.
			continue
		}

		select {
		case <-ctx.Done():
			a.logger.Info("runner stopped")
			return
		case <-ticker.C:
		}
	}
}

// Execute runs one job: clone, run steps sequentially, report completion
// with collected metrics. A step failure marks the remaining steps skipped
// and fails the run.
func (a *Agent) Execute(ctx context.Context, job *Job) {
	a.logger.Info("job received", "run", job.Run.ID, "steps", len(job.Steps))
	start := time.Now()

	cfg, err := manifest.Parse(job.PipelineConfig)
	if err != nil {
		a.logger.Error("job carries invalid manifest", "run", job.Run.ID, "error", err)
		a.complete(ctx, job.Run.ID, "failed", nil)
		return
	}

	checkout, cleanup, err := a.cloneRepo(ctx, job)
	if err != nil {
		a.logger.Error("clone failed", "run", job.Run.ID, "error", err)
		for _, step := range job.Steps {
			_ = a.client.StepUpdate(ctx, step.ID, "skipped", nil, "")
		}
		a.complete(ctx, job.Run.ID, "failed", nil)
		return
	}
	defer cleanup()

	condCtx := manifest.Context{Trigger: job.Run.TriggeredBy, Branch: job.Branch}
	var metrics []Metric
	failed := false

	for i, step := range job.Steps {
		if failed {
			_ = a.client.StepUpdate(ctx, step.ID, "skipped", nil, "")
			continue
		}

		var decl *manifest.Step
		if i < len(cfg.Steps) {
			decl = &cfg.Steps[i]
		}

		if decl != nil && decl.If != "" && !manifest.EvaluateStepCondition(decl.If, condCtx) {
			a.logger.Info("step condition not met, skipping", "run", job.Run.ID, "step", step.Name)
			_ = a.client.StepUpdate(ctx, step.ID, "skipped", nil, "")
			continue
		}

		output, exitCode, stepErr := a.runStep(ctx, checkout, step.ID, step.Command, job.Secrets)
		metrics = append(metrics, ExtractMetrics(output)...)

		if stepErr != nil {
			a.logger.Error("step failed", "run", job.Run.ID, "step", step.Name, "exit_code", exitCode)
			_ = a.client.StepUpdate(ctx, step.ID, "failed", &exitCode, "")
			failed = true
			continue
		}

		_ = a.client.StepUpdate(ctx, step.ID, "success", &exitCode, "")

		if decl != nil && len(decl.CaptureSizes) > 0 {
			metrics = append(metrics, CaptureSizes(checkout, decl.CaptureSizes)...)
		}
	}

	metrics = append(metrics, Metric{
		Key:   "total_duration_ms",
		Value: float64(time.Since(start).Milliseconds()),
		Unit:  "ms",
	})

	status := "success"
	if failed {
		status = "failed"
	}
	a.complete(ctx, job.Run.ID, status, metrics)
}

// cloneRepo clones the job's repository into a fresh directory and checks
// out the job's commit. The returned cleanup removes the checkout.
func (a *Agent) cloneRepo(ctx context.Context, job *Job) (string, func(), error) {
	checkout, err := os.MkdirTemp(a.workDir, fmt.Sprintf("run-%d-", job.Run.ID))
	if err != nil {
		return "", nil, fmt.Errorf("create checkout dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(checkout) }

	cloneURL := a.client.ResolveRepoURL(job.RepoURL)
	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, checkout)
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("git clone: %s", strings.TrimSpace(string(out)))
	}

	if job.CommitSHA != "" {
		cmd = exec.CommandContext(ctx, "git", "checkout", job.CommitSHA)
		cmd.Dir = checkout
		if out, err := cmd.CombinedOutput(); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("git checkout %s: %s", job.CommitSHA, strings.TrimSpace(string(out)))
		}
	}

	return checkout, cleanup, nil
}

// runStep executes one shell command in the checkout and, once the command
// exits, sends its combined stdout/stderr to the server in a single output
// callback; nothing is sent while the command is still running. Secrets are
// injected as environment variables. Returns the captured output and the
// command's exit code.
func (a *Agent) runStep(ctx context.Context, checkout string, stepID int64, command string, secrets map[string]string) (string, int, error) {
	_ = a.client.StepUpdate(ctx, stepID, "running", nil, "")

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = checkout
	cmd.Env = os.Environ()
	for name, value := range secrets {
		cmd.Env = append(cmd.Env, name+"="+value)
	}

	out, err := cmd.CombinedOutput()
	output := string(out)

	if output != "" {
		if sendErr := a.client.StepOutput(ctx, stepID, output); sendErr != nil {
			a.logger.Error("stream output failed", "step", stepID, "error", sendErr)
		}
	}

	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return output, exitCode, err
	}

	return output, exitCode, nil
}

// complete reports the run's terminal status, logging the baseline verdict.
func (a *Agent) complete(ctx context.Context, runID int64, status string, metrics []Metric) {
	check, err := a.client.Complete(ctx, runID, status, metrics)
	if err != nil {
		a.logger.Error("completion report failed", "run", runID, "error", err)
		return
	}
	if check != nil && check.HasRegressions {
		a.logger.Warn("baseline regressions detected",
			"run", runID, "checked", check.Checked, "regressions", check.Regressions)
	}
	a.logger.Info("job finished", "run", runID, "status", status, "metrics", len(metrics))
}

// WorkDirFor returns the agent's checkout root, creating it if needed.
func WorkDirFor(base string) (string, error) {
	dir := filepath.Join(base, "eifl-runner")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}
