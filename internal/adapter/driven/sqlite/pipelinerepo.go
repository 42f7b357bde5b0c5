package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PipelineStore = (*PipelineRepo)(nil)

// PipelineRepo is the SQLite implementation of the PipelineStore port.
type PipelineRepo struct {
	db *DB
}

// NewPipelineRepo creates a new PipelineRepo backed by the given DB.
func NewPipelineRepo(db *DB) *PipelineRepo {
	return &PipelineRepo{db: db}
}

const pipelineColumns = `id, repo_id, name, config, next_run_at, created_at`

// Upsert inserts the pipeline or replaces the config and next_run_at of the
// existing (repo_id, name) row. Returns the stored row.
func (r *PipelineRepo) Upsert(ctx context.Context, pipeline model.Pipeline) (*model.Pipeline, error) {
	const query = `
		INSERT INTO pipelines (repo_id, name, config, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, name) DO UPDATE SET
			config = excluded.config,
			next_run_at = excluded.next_run_at
	`

	createdAt := pipeline.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		pipeline.RepoID, pipeline.Name, pipeline.Config, formatTimePtr(pipeline.NextRunAt), formatTime(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert pipeline %q: %w", pipeline.Name, err)
	}

	// Re-read to pick up the id of a pre-existing row.
	query2 := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE repo_id = ? AND name = ?`
	stored, err := scanPipeline(r.db.Writer.QueryRowContext(ctx, query2, pipeline.RepoID, pipeline.Name))
	if err != nil {
		return nil, fmt.Errorf("reload pipeline %q: %w", pipeline.Name, err)
	}

	return stored, nil
}

// GetByID retrieves a pipeline. Returns ErrNotFound when absent.
func (r *PipelineRepo) GetByID(ctx context.Context, id int64) (*model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = ?`

	pipeline, err := scanPipeline(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %d: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %d: %w", id, err)
	}

	return pipeline, nil
}

// ListByRepo returns the repo's pipelines ordered by name.
func (r *PipelineRepo) ListByRepo(ctx context.Context, repoID int64) ([]model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE repo_id = ? ORDER BY name`
	return r.queryPipelines(ctx, query, repoID)
}

// ListDue returns pipelines whose next_run_at is non-null and not after now,
// ordered by next_run_at.
func (r *PipelineRepo) ListDue(ctx context.Context, now time.Time) ([]model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at`
	return r.queryPipelines(ctx, query, formatTime(now))
}

// SetNextRunAt updates next_run_at; nil clears it.
func (r *PipelineRepo) SetNextRunAt(ctx context.Context, id int64, next *time.Time) error {
	const query = `UPDATE pipelines SET next_run_at = ? WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, formatTimePtr(next), id)
	if err != nil {
		return fmt.Errorf("set next_run_at for pipeline %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("pipeline %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

// Delete removes a pipeline and cascades to its runs.
func (r *PipelineRepo) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM pipelines WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete pipeline %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("pipeline %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

func (r *PipelineRepo) queryPipelines(ctx context.Context, query string, args ...any) ([]model.Pipeline, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []model.Pipeline
	for rows.Next() {
		pipeline, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, *pipeline)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}

	return pipelines, nil
}

func scanPipeline(s scanner) (*model.Pipeline, error) {
	var pipeline model.Pipeline
	var nextRunAt sql.NullString
	var createdAt string

	err := s.Scan(&pipeline.ID, &pipeline.RepoID, &pipeline.Name, &pipeline.Config, &nextRunAt, &createdAt)
	if err != nil {
		return nil, err
	}

	pipeline.NextRunAt, err = parseTimePtr(nextRunAt)
	if err != nil {
		return nil, fmt.Errorf("parse next_run_at: %w", err)
	}

	pipeline.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &pipeline, nil
}
