package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// ProjectStore defines the driven port for project persistence.
type ProjectStore interface {
	Create(ctx context.Context, project model.Project) (*model.Project, error)
	GetByID(ctx context.Context, id int64) (*model.Project, error)
	GetByName(ctx context.Context, name string) (*model.Project, error)
	ListAll(ctx context.Context) ([]model.Project, error)
	Delete(ctx context.Context, id int64) error
}
