package application_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karlbohlmark/eifl/internal/application"
	"github.com/karlbohlmark/eifl/internal/crypto"
	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.DeriveKey("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	return key
}

func TestSecretService_SetEncryptsAtRest(t *testing.T) {
	f := newFixture()
	svc := application.NewSecretService(secretStore{f.stores}, testKey(t), slog.Default())
	ctx := context.Background()

	stored, err := svc.Set(ctx, model.SecretScopeProject, 1, "API_KEY", "hunter2")
	require.NoError(t, err)

	assert.NotEqual(t, "hunter2", stored.EncryptedValue)
	assert.NotEmpty(t, stored.IV)

	merged := svc.MergedFor(ctx, 1, 0)
	assert.Equal(t, "hunter2", merged["API_KEY"])
}

func TestSecretService_NameValidation(t *testing.T) {
	f := newFixture()
	svc := application.NewSecretService(secretStore{f.stores}, testKey(t), slog.Default())
	ctx := context.Background()

	for _, name := range []string{"lower", "1STARTS_WITH_DIGIT", "HAS-DASH", "", "HAS SPACE"} {
		_, err := svc.Set(ctx, model.SecretScopeProject, 1, name, "v")
		assert.ErrorIs(t, err, driven.ErrValidation, "name %q", name)
	}

	for _, name := range []string{"A", "API_KEY", "TOKEN2", "X_1_Y"} {
		_, err := svc.Set(ctx, model.SecretScopeProject, 1, name, "v")
		assert.NoError(t, err, "name %q", name)
	}
}

func TestSecretService_NotConfigured(t *testing.T) {
	f := newFixture()
	svc := application.NewSecretService(secretStore{f.stores}, nil, slog.Default())
	ctx := context.Background()

	assert.False(t, svc.Configured())

	_, err := svc.Set(ctx, model.SecretScopeProject, 1, "API_KEY", "v")
	assert.ErrorIs(t, err, driven.ErrEncryptionKeyNotSet)

	_, err = svc.List(ctx, model.SecretScopeProject, 1)
	assert.ErrorIs(t, err, driven.ErrEncryptionKeyNotSet)

	err = svc.Delete(ctx, model.SecretScopeProject, 1, "API_KEY")
	assert.ErrorIs(t, err, driven.ErrEncryptionKeyNotSet)

	assert.Empty(t, svc.MergedFor(ctx, 1, 1))
}

func TestSecretService_MergedFor_SkipsUndecryptable(t *testing.T) {
	f := newFixture()
	key := testKey(t)
	svc := application.NewSecretService(secretStore{f.stores}, key, slog.Default())
	ctx := context.Background()

	_, err := svc.Set(ctx, model.SecretScopeRepo, 5, "GOOD", "readable")
	require.NoError(t, err)

	// A row written under a different key cannot be decrypted and must be
	// skipped without failing the dispatch.
	otherKey, err := crypto.DeriveKey("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	ct, iv, err := crypto.Encrypt(otherKey, "unreadable")
	require.NoError(t, err)
	_, err = secretStore{f.stores}.Upsert(ctx, model.Secret{
		Scope: model.SecretScopeRepo, ScopeID: 5, Name: "BAD", EncryptedValue: ct, IV: iv,
	})
	require.NoError(t, err)

	merged := svc.MergedFor(ctx, 0, 5)
	assert.Equal(t, "readable", merged["GOOD"])
	_, present := merged["BAD"]
	assert.False(t, present)
}

func TestSecretService_ListDoesNotDecrypt(t *testing.T) {
	f := newFixture()
	svc := application.NewSecretService(secretStore{f.stores}, testKey(t), slog.Default())
	ctx := context.Background()

	_, err := svc.Set(ctx, model.SecretScopeProject, 2, "API_KEY", "plain")
	require.NoError(t, err)

	secrets, err := svc.List(ctx, model.SecretScopeProject, 2)
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.NotEqual(t, "plain", secrets[0].EncryptedValue)
}
