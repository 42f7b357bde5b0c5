package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/karlbohlmark/eifl/internal/config"
	"github.com/karlbohlmark/eifl/internal/runner"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadRunner()
	if err != nil {
		return err
	}

	workDir, err := runner.WorkDirFor(cfg.WorkDir)
	if err != nil {
		return err
	}

	slog.Info("runner starting",
		"server", cfg.ServerURL,
		"work_dir", workDir,
		"poll_interval", cfg.PollInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := runner.NewClient(cfg.ServerURL, cfg.Token)
	if err := client.Heartbeat(ctx); err != nil {
		slog.Error("initial heartbeat failed, continuing", "error", err)
	}

	agent := runner.NewAgent(client, workDir, cfg.PollInterval, slog.Default())
	agent.Run(ctx)

	return nil
}
