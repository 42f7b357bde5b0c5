package driven

import "context"

// RefUpdate is one ref line from a git receive-pack: old and new object ids
// and the fully qualified ref name.
type RefUpdate struct {
	OldRev  string
	NewRev  string
	RefName string
}

// GitClient defines the driven port for reading hosted bare repositories.
// Read operations are atomic per invocation; the core never mutates repo
// contents.
type GitClient interface {
	// ReadFileAtRef returns the file's bytes at the given ref, or
	// ErrNotFound when the path does not exist at that ref.
	ReadFileAtRef(ctx context.Context, repoPath, ref, path string) ([]byte, error)
	// ResolveHead returns the commit SHA the branch points at, or
	// ErrNotFound when the branch has no commits.
	ResolveHead(ctx context.Context, repoPath, branch string) (string, error)
	// InitBare creates a bare repository at repoPath.
	InitBare(ctx context.Context, repoPath string) error
}
