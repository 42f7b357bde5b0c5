// Package driven defines the driven ports (store and adapter interfaces)
// consumed by the application core.
package driven

import "errors"

// Sentinel errors surfaced by stores and adapters. The HTTP driving adapter
// maps these to response status codes.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation (duplicate project name,
	// duplicate secret at scope, and so on).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates a missing or unknown runner token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPreconditionFailed indicates a state transition that is not legal
	// from the entity's current status, such as cancelling a terminal run.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrEncryptionKeyNotSet indicates secret management is unavailable
	// because EIFL_ENCRYPTION_KEY is not configured.
	ErrEncryptionKeyNotSet = errors.New("encryption key not configured")

	// ErrDecrypt indicates a stored secret value could not be decrypted,
	// typically after a key change. The secret is skipped at dispatch.
	ErrDecrypt = errors.New("decrypt failed")

	// ErrInvalidCron indicates a cron expression that cannot be parsed. The
	// scheduler logs and skips the offending schedule entry.
	ErrInvalidCron = errors.New("invalid cron expression")
)
