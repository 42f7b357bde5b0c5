package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SecretStore = (*SecretRepo)(nil)

// SecretRepo is the SQLite implementation of the SecretStore port. Rows hold
// ciphertext only; the application layer encrypts before write and decrypts
// after read.
type SecretRepo struct {
	db *DB
}

// NewSecretRepo creates a new SecretRepo backed by the given DB.
func NewSecretRepo(db *DB) *SecretRepo {
	return &SecretRepo{db: db}
}

const secretColumns = `id, scope, scope_id, name, encrypted_value, iv, created_at, updated_at`

// Upsert inserts or replaces the secret at (scope, scope_id, name).
func (r *SecretRepo) Upsert(ctx context.Context, secret model.Secret) (*model.Secret, error) {
	const query = `
		INSERT INTO secrets (scope, scope_id, name, encrypted_value, iv, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, scope_id, name) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			iv = excluded.iv,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err := r.db.Writer.ExecContext(ctx, query,
		string(secret.Scope), secret.ScopeID, secret.Name,
		secret.EncryptedValue, secret.IV, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert secret %q at %s/%d: %w", secret.Name, secret.Scope, secret.ScopeID, err)
	}

	query2 := `SELECT ` + secretColumns + ` FROM secrets WHERE scope = ? AND scope_id = ? AND name = ?`
	stored, err := scanSecret(r.db.Writer.QueryRowContext(ctx, query2, string(secret.Scope), secret.ScopeID, secret.Name))
	if err != nil {
		return nil, fmt.Errorf("reload secret %q: %w", secret.Name, err)
	}

	return stored, nil
}

// ListByScope returns the scope's secrets ordered by name.
func (r *SecretRepo) ListByScope(ctx context.Context, scope model.SecretScope, scopeID int64) ([]model.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE scope = ? AND scope_id = ? ORDER BY name`

	rows, err := r.db.Reader.QueryContext(ctx, query, string(scope), scopeID)
	if err != nil {
		return nil, fmt.Errorf("list secrets at %s/%d: %w", scope, scopeID, err)
	}
	defer rows.Close()

	var secrets []model.Secret
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, *secret)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate secrets: %w", err)
	}

	return secrets, nil
}

// Delete removes the secret at (scope, scope_id, name).
func (r *SecretRepo) Delete(ctx context.Context, scope model.SecretScope, scopeID int64, name string) error {
	const query = `DELETE FROM secrets WHERE scope = ? AND scope_id = ? AND name = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, string(scope), scopeID, name)
	if err != nil {
		return fmt.Errorf("delete secret %q at %s/%d: %w", name, scope, scopeID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("secret %q: %w", name, driven.ErrNotFound)
	}

	return nil
}

func scanSecret(s scanner) (*model.Secret, error) {
	var secret model.Secret
	var scope string
	var createdAt, updatedAt string

	err := s.Scan(&secret.ID, &scope, &secret.ScopeID, &secret.Name,
		&secret.EncryptedValue, &secret.IV, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	secret.Scope = model.SecretScope(scope)

	secret.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	secret.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &secret, nil
}
