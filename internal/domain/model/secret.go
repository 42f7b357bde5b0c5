package model

import (
	"regexp"
	"time"
)

// Secret is an encrypted name/value pair attached to a project or repo.
// Repo-scoped secrets override project-scoped ones of the same name at
// dispatch. Values are AES-GCM encrypted at rest; EncryptedValue and IV are
// base64 encoded.
type Secret struct {
	ID             int64
	Scope          SecretScope
	ScopeID        int64
	Name           string
	EncryptedValue string
	IV             string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var secretNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ValidSecretName reports whether name is an uppercase identifier suitable
// for injection as an environment variable.
func ValidSecretName(name string) bool {
	return secretNameRe.MatchString(name)
}
