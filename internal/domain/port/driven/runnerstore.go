package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// RunnerStore defines the driven port for runner persistence.
type RunnerStore interface {
	Create(ctx context.Context, runner model.Runner) (*model.Runner, error)
	GetByID(ctx context.Context, id int64) (*model.Runner, error)
	// GetByToken resolves a runner from its bearer token. Returns
	// ErrUnauthorized when the token is unknown.
	GetByToken(ctx context.Context, token string) (*model.Runner, error)
	ListAll(ctx context.Context) ([]model.Runner, error)
	// Touch refreshes last_seen and optionally sets the status.
	Touch(ctx context.Context, id int64, status model.RunnerStatus) error
	// DecrementActiveJobs decrements active_jobs with a clamp at zero and
	// sets the runner's status back to online.
	DecrementActiveJobs(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}
