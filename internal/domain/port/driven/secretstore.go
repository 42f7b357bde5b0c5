package driven

import (
	"context"

	"github.com/karlbohlmark/eifl/internal/domain/model"
)

// SecretStore defines the driven port for encrypted secret persistence. The
// store deals only in ciphertext; encryption and decryption happen in the
// application layer.
type SecretStore interface {
	// Upsert inserts or replaces the secret at (scope, scope_id, name).
	Upsert(ctx context.Context, secret model.Secret) (*model.Secret, error)
	ListByScope(ctx context.Context, scope model.SecretScope, scopeID int64) ([]model.Secret, error)
	Delete(ctx context.Context, scope model.SecretScope, scopeID int64, name string) error
}
