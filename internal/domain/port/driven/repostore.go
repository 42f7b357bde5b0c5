package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// RepoStore defines the driven port for repo persistence.
type RepoStore interface {
	Create(ctx context.Context, repo model.Repo) (*model.Repo, error)
	GetByID(ctx context.Context, id int64) (*model.Repo, error)
	GetByPath(ctx context.Context, path string) (*model.Repo, error)
	ListByProject(ctx context.Context, projectID int64) ([]model.Repo, error)
	ListAll(ctx context.Context) ([]model.Repo, error)
	Delete(ctx context.Context, id int64) error
}
