package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// RunStore defines the driven port for run persistence and the dispatch
// critical section.
type RunStore interface {
	Create(ctx context.Context, run model.Run) (*model.Run, error)
	GetByID(ctx context.Context, id int64) (*model.Run, error)
	ListByPipeline(ctx context.Context, pipelineID int64, limit int) ([]model.Run, error)
	// ListPending returns pending runs ordered by created_at ascending, the
	// dispatcher's preferred FIFO order.
	ListPending(ctx context.Context) ([]model.Run, error)
	// HasPendingOrRunning reports whether any run of the pipeline is
	// currently pending or running. Used by the scheduler to avoid piling up
	// scheduled runs behind a long-running one.
	HasPendingOrRunning(ctx context.Context, pipelineID int64) (bool, error)
	// SetStatus updates the run's status unconditionally, maintaining
	// started_at and finished_at per the lifecycle rules.
	SetStatus(ctx context.Context, id int64, status model.RunStatus) error
	// Reserve atomically transitions the run from pending to running and
	// increments the runner's active_jobs in one transaction, setting the
	// runner busy when the new count reaches its max_concurrency. Returns
	// false without error when the run was already taken by a concurrent
	// poll.
	Reserve(ctx context.Context, runID, runnerID int64) (bool, error)
}
