package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// StepStore defines the driven port for step persistence.
type StepStore interface {
	Create(ctx context.Context, step model.Step) (*model.Step, error)
	GetByID(ctx context.Context, id int64) (*model.Step, error)
	// ListByRun returns the run's steps in declared (insertion) order.
	ListByRun(ctx context.Context, runID int64) ([]model.Step, error)
	// SetStatus updates the step's status and optional exit code,
	// maintaining started_at and finished_at per the lifecycle rules.
	SetStatus(ctx context.Context, id int64, status model.StepStatus, exitCode *int) error
	// AppendOutput concatenates chunk onto the step's output in place.
	AppendOutput(ctx context.Context, id int64, chunk string) error
}
