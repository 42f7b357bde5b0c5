package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// Writer and reader connections share the same in-memory database via
// cache=shared. A unique name derived from t.Name() ensures isolation
// between parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it's a safe SQLite URI filename
	// component and cannot be misinterpreted as query parameters in the DSN.
	safeName := url.PathEscape(t.Name())
	// WAL mode is not applicable to in-memory databases; omit journal_mode.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		safeName,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("create test db writer: %v", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.PingContext(context.Background()); err != nil {
		_ = writer.Close()
		t.Fatalf("ping test db writer: %v", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		t.Fatalf("create test db reader: %v", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.PingContext(context.Background()); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		t.Fatalf("ping test db reader: %v", err)
	}

	db := &DB{Writer: writer, Reader: reader, path: dsn}

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// seedPipeline creates a project, repo, and pipeline chain and returns the
// pipeline.
func seedPipeline(t *testing.T, db *DB) *model.Pipeline {
	t.Helper()
	ctx := context.Background()

	project, err := NewProjectRepo(db).Create(ctx, model.Project{Name: "proj-" + url.PathEscape(t.Name())})
	require.NoError(t, err)

	repo, err := NewRepoRepo(db).Create(ctx, model.Repo{
		ProjectID: project.ID,
		Name:      "app",
		Path:      "proj/" + url.PathEscape(t.Name()) + ".git",
	})
	require.NoError(t, err)

	pipeline, err := NewPipelineRepo(db).Upsert(ctx, model.Pipeline{
		RepoID: repo.ID,
		Name:   "build",
		Config: `{"name":"build","steps":[{"name":"test","run":"make test"}]}`,
	})
	require.NoError(t, err)

	return pipeline
}

// seedRunner creates a runner with the given tags and concurrency.
func seedRunner(t *testing.T, db *DB, name string, tags []string, maxConcurrency int) *model.Runner {
	t.Helper()

	runner, err := NewRunnerRepo(db).Create(context.Background(), model.Runner{
		Name:           name,
		Token:          "token-" + name + "-" + url.PathEscape(t.Name()),
		Tags:           tags,
		MaxConcurrency: maxConcurrency,
		Status:         model.RunnerStatusOnline,
	})
	require.NoError(t, err)

	return runner
}

// fixedTime is a stable reference instant for tests.
var fixedTime = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
