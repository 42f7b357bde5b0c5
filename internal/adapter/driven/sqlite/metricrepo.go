package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MetricStore = (*MetricRepo)(nil)

// MetricRepo is the SQLite implementation of the MetricStore port.
type MetricRepo struct {
	db *DB
}

// NewMetricRepo creates a new MetricRepo backed by the given DB.
func NewMetricRepo(db *DB) *MetricRepo {
	return &MetricRepo{db: db}
}

// Create appends a metric. (run_id, key) is deliberately not unique; the
// history per key over successful runs is the time series.
func (r *MetricRepo) Create(ctx context.Context, metric model.Metric) (*model.Metric, error) {
	const query = `INSERT INTO metrics (run_id, key, value, unit, created_at) VALUES (?, ?, ?, ?, ?)`

	createdAt := metric.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		metric.RunID, metric.Key, metric.Value, metric.Unit, formatTime(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric %q for run %d: %w", metric.Key, metric.RunID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create metric %q: last insert id: %w", metric.Key, err)
	}

	metric.ID = id
	metric.CreatedAt = createdAt
	return &metric, nil
}

// ListByRun returns the run's metrics in insertion order.
func (r *MetricRepo) ListByRun(ctx context.Context, runID int64) ([]model.Metric, error) {
	const query = `SELECT id, run_id, key, value, unit, created_at FROM metrics WHERE run_id = ? ORDER BY id`
	return r.queryMetrics(ctx, query, runID)
}

// History returns the metric's values over the pipeline's successful runs,
// oldest first, up to limit.
func (r *MetricRepo) History(ctx context.Context, pipelineID int64, key string, limit int) ([]model.Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT m.id, m.run_id, m.key, m.value, m.unit, m.created_at
		FROM metrics m
		JOIN runs r ON r.id = m.run_id
		WHERE r.pipeline_id = ? AND r.status = 'success' AND m.key = ?
		ORDER BY m.created_at, m.id
		LIMIT ?
	`
	return r.queryMetrics(ctx, query, pipelineID, key, limit)
}

func (r *MetricRepo) queryMetrics(ctx context.Context, query string, args ...any) ([]model.Metric, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.Metric
	for rows.Next() {
		var m model.Metric
		var createdAt string
		if err := rows.Scan(&m.ID, &m.RunID, &m.Key, &m.Value, &m.Unit, &createdAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}

	return metrics, nil
}
