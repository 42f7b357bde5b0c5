package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	gitadapter "github.com/karlbohlmark/eifl/internal/adapter/driven/git"
	githubadapter "github.com/karlbohlmark/eifl/internal/adapter/driven/github"
	sqliteadapter "github.com/karlbohlmark/eifl/internal/adapter/driven/sqlite"
	httphandler "github.com/karlbohlmark/eifl/internal/adapter/driving/http"
	"github.com/karlbohlmark/eifl/internal/application"
	"github.com/karlbohlmark/eifl/internal/config"
	"github.com/karlbohlmark/eifl/internal/crypto"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"data_dir", cfg.DataDir,
		"tick_interval", cfg.TickInterval,
		"secrets_configured", cfg.HasEncryptionKey(),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on the writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire stores.
	projects := sqliteadapter.NewProjectRepo(db)
	repos := sqliteadapter.NewRepoRepo(db)
	pipelines := sqliteadapter.NewPipelineRepo(db)
	runs := sqliteadapter.NewRunRepo(db)
	steps := sqliteadapter.NewStepRepo(db)
	metrics := sqliteadapter.NewMetricRepo(db)
	baselines := sqliteadapter.NewBaselineRepo(db)
	runners := sqliteadapter.NewRunnerRepo(db)
	secretRepo := sqliteadapter.NewSecretRepo(db)

	// 6. Derive the secret encryption key, if configured.
	var encryptionKey []byte
	if cfg.HasEncryptionKey() {
		encryptionKey, err = crypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		slog.Info("secret encryption enabled")
	} else {
		slog.Info("EIFL_ENCRYPTION_KEY not set, secret management disabled")
	}

	// 7. Wire adapters.
	hookURL := cfg.PublicURL
	if hookURL == "" {
		hookURL = "http://" + cfg.ListenAddr
	}
	git := gitadapter.NewCLI(cfg.DataDir, hookURL)

	var status driven.StatusWriter
	if cfg.GitHubToken != "" {
		status = githubadapter.NewStatusClient(cfg.GitHubToken)
		slog.Info("github status publishing enabled")
	}

	// 8. Wire application services.
	logger := slog.Default()
	lifecycle := application.NewLifecycleService(
		runs, steps, metrics, baselines, runners, pipelines, repos,
		status, cfg.PublicURL, logger,
	)
	secretSvc := application.NewSecretService(secretRepo, encryptionKey, logger)
	dispatcher := application.NewDispatcher(
		runs, steps, pipelines, repos, runners, secretSvc, cfg.GitHubToken, logger,
	)
	push := application.NewPushService(repos, pipelines, lifecycle, git, logger)
	scheduler := application.NewScheduler(
		pipelines, repos, runs, lifecycle, git, cfg.TickInterval, logger,
	)
	go scheduler.Start(ctx)

	// 9. HTTP handlers and routes.
	apiHandler := httphandler.NewHandler(
		projects, repos, pipelines, runs, steps, metrics, baselines, runners,
		lifecycle, secretSvc, git, logger,
	)
	runnerHandler := httphandler.NewRunnerHandler(runners, dispatcher, lifecycle, push, logger)
	handler := httphandler.NewServeMux(apiHandler, runnerHandler, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("eifl started", "listen_addr", cfg.ListenAddr)

	// 10. Wait for shutdown signal, then drain.
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
