package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.BaselineStore = (*BaselineRepo)(nil)

// BaselineRepo is the SQLite implementation of the BaselineStore port.
type BaselineRepo struct {
	db *DB
}

// NewBaselineRepo creates a new BaselineRepo backed by the given DB.
func NewBaselineRepo(db *DB) *BaselineRepo {
	return &BaselineRepo{db: db}
}

// Upsert inserts or replaces the baseline at (pipeline_id, key).
func (r *BaselineRepo) Upsert(ctx context.Context, baseline model.Baseline) (*model.Baseline, error) {
	const query = `
		INSERT INTO baselines (pipeline_id, key, baseline_value, tolerance_pct, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id, key) DO UPDATE SET
			baseline_value = excluded.baseline_value,
			tolerance_pct = excluded.tolerance_pct,
			updated_at = excluded.updated_at
	`

	if baseline.TolerancePct <= 0 {
		baseline.TolerancePct = model.DefaultTolerancePct
	}
	baseline.UpdatedAt = time.Now().UTC()

	_, err := r.db.Writer.ExecContext(ctx, query,
		baseline.PipelineID, baseline.Key, baseline.Value, baseline.TolerancePct, formatTime(baseline.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert baseline %q for pipeline %d: %w", baseline.Key, baseline.PipelineID, err)
	}

	const reload = `SELECT id, pipeline_id, key, baseline_value, tolerance_pct, updated_at FROM baselines WHERE pipeline_id = ? AND key = ?`
	stored, err := scanBaseline(r.db.Writer.QueryRowContext(ctx, reload, baseline.PipelineID, baseline.Key))
	if err != nil {
		return nil, fmt.Errorf("reload baseline %q: %w", baseline.Key, err)
	}

	return stored, nil
}

// ListByPipeline returns the pipeline's baselines ordered by key.
func (r *BaselineRepo) ListByPipeline(ctx context.Context, pipelineID int64) ([]model.Baseline, error) {
	const query = `SELECT id, pipeline_id, key, baseline_value, tolerance_pct, updated_at FROM baselines WHERE pipeline_id = ? ORDER BY key`

	rows, err := r.db.Reader.QueryContext(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list baselines for pipeline %d: %w", pipelineID, err)
	}
	defer rows.Close()

	var baselines []model.Baseline
	for rows.Next() {
		baseline, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		baselines = append(baselines, *baseline)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate baselines: %w", err)
	}

	return baselines, nil
}

// Delete removes the baseline at (pipeline_id, key).
func (r *BaselineRepo) Delete(ctx context.Context, pipelineID int64, key string) error {
	const query = `DELETE FROM baselines WHERE pipeline_id = ? AND key = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, pipelineID, key)
	if err != nil {
		return fmt.Errorf("delete baseline %q for pipeline %d: %w", key, pipelineID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("baseline %q: %w", key, driven.ErrNotFound)
	}

	return nil
}

func scanBaseline(s scanner) (*model.Baseline, error) {
	var baseline model.Baseline
	var updatedAt string

	err := s.Scan(&baseline.ID, &baseline.PipelineID, &baseline.Key, &baseline.Value, &baseline.TolerancePct, &updatedAt)
	if err != nil {
		return nil, err
	}

	baseline.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &baseline, nil
}
