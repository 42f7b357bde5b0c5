package driven

import (
	"context"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// PipelineStore defines the driven port for pipeline persistence.
type PipelineStore interface {
	// Upsert inserts the pipeline or, when (repo_id, name) already exists,
	// replaces its config and next_run_at. Returns the stored row.
	Upsert(ctx context.Context, pipeline model.Pipeline) (*model.Pipeline, error)
	GetByID(ctx context.Context, id int64) (*model.Pipeline, error)
	ListByRepo(ctx context.Context, repoID int64) ([]model.Pipeline, error)
	// ListDue returns pipelines whose next_run_at is non-null and ≤ now.
	ListDue(ctx context.Context, now time.Time) ([]model.Pipeline, error)
	// SetNextRunAt updates next_run_at; nil clears it.
	SetNextRunAt(ctx context.Context, id int64, next *time.Time) error
	Delete(ctx context.Context, id int64) error
}
