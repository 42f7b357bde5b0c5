package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// BaselineStore defines the driven port for baseline persistence.
type BaselineStore interface {
	// Upsert inserts or replaces the baseline for (pipeline_id, key).
	Upsert(ctx context.Context, baseline model.Baseline) (*model.Baseline, error)
	ListByPipeline(ctx context.Context, pipelineID int64) ([]model.Baseline, error)
	Delete(ctx context.Context, pipelineID int64, key string) error
}
