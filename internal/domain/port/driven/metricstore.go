package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// MetricStore defines the driven port for metric persistence.
type MetricStore interface {
	Create(ctx context.Context, metric model.Metric) (*model.Metric, error)
	ListByRun(ctx context.Context, runID int64) ([]model.Metric, error)
	// History returns the metric's values over the pipeline's successful
	// runs, oldest first.
	History(ctx context.Context, pipelineID int64, key string, limit int) ([]model.Metric, error)
}
