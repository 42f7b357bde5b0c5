package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karlbohlmark/eifl/internal/crypto"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// SecretService manages encrypted secrets. The AEAD key is derived once at
// construction and cached for the process lifetime; if the environment key
// changes, existing ciphertexts become unreadable and must be re-entered.
type SecretService struct {
	store  driven.SecretStore
	key    []byte // nil when EIFL_ENCRYPTION_KEY is not configured
	logger *slog.Logger
}

// NewSecretService creates a SecretService. key may be nil to disable secret
// management; all mutating operations then return ErrEncryptionKeyNotSet.
func NewSecretService(store driven.SecretStore, key []byte, logger *slog.Logger) *SecretService {
	return &SecretService{store: store, key: key, logger: logger}
}

// Configured reports whether an encryption key is available.
func (s *SecretService) Configured() bool {
	return s.key != nil
}

// Set encrypts and stores a secret at the given scope. Names must match
// ^[A-Z][A-Z0-9_]*$ so they can be injected as environment variables.
func (s *SecretService) Set(ctx context.Context, scope model.SecretScope, scopeID int64, name, value string) (*model.Secret, error) {
	if s.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}
	if !model.ValidSecretName(name) {
		return nil, fmt.Errorf("secret name %q must match ^[A-Z][A-Z0-9_]*$: %w", name, driven.ErrValidation)
	}

	ciphertext, iv, err := crypto.Encrypt(s.key, value)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret %q: %w", name, err)
	}

	return s.store.Upsert(ctx, model.Secret{
		Scope:          scope,
		ScopeID:        scopeID,
		Name:           name,
		EncryptedValue: ciphertext,
		IV:             iv,
	})
}

// List returns the scope's secrets without decrypting them. Names and
// metadata are safe to show; values never leave the store except at
// dispatch.
func (s *SecretService) List(ctx context.Context, scope model.SecretScope, scopeID int64) ([]model.Secret, error) {
	if s.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}
	return s.store.ListByScope(ctx, scope, scopeID)
}

// Delete removes a secret.
func (s *SecretService) Delete(ctx context.Context, scope model.SecretScope, scopeID int64, name string) error {
	if s.key == nil {
		return driven.ErrEncryptionKeyNotSet
	}
	return s.store.Delete(ctx, scope, scopeID, name)
}

// MergedFor builds the decrypted secret map for a dispatch: project-scoped
// secrets first, repo-scoped secrets override by name. Secrets that fail to
// decrypt are logged and skipped; the job proceeds with the rest. With no
// key configured the map is empty.
func (s *SecretService) MergedFor(ctx context.Context, projectID, repoID int64) map[string]string {
	merged := make(map[string]string)
	if s.key == nil {
		return merged
	}

	for _, layer := range []struct {
		scope   model.SecretScope
		scopeID int64
	}{
		{model.SecretScopeProject, projectID},
		{model.SecretScopeRepo, repoID},
	} {
		secrets, err := s.store.ListByScope(ctx, layer.scope, layer.scopeID)
		if err != nil {
			s.logger.Error("list secrets failed", "scope", layer.scope, "scope_id", layer.scopeID, "error", err)
			continue
		}
		for _, secret := range secrets {
			plaintext, err := crypto.Decrypt(s.key, secret.EncryptedValue, secret.IV)
			if err != nil {
				s.logger.Error("secret decrypt failed, omitting from job",
					"scope", layer.scope, "name", secret.Name, "error", err)
				continue
			}
			merged[secret.Name] = plaintext
		}
	}

	return merged
}
