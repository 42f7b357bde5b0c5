// Package git implements the GitClient port by shelling out to the system
// git binary.
package git

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.GitClient = (*CLI)(nil)

// CLI runs git commands against bare repositories under a data directory.
type CLI struct {
	dataDir string
	hookURL string
}

// NewCLI creates a CLI rooted at dataDir. Relative repo paths resolve under
// it. hookURL is the server base URL baked into installed post-receive
// hooks.
func NewCLI(dataDir, hookURL string) *CLI {
	if hookURL == "" {
		hookURL = "http://127.0.0.1:8080"
	}
	return &CLI{dataDir: dataDir, hookURL: strings.TrimSuffix(hookURL, "/")}
}

// resolve joins a repo path onto the data directory unless already absolute.
func (c *CLI) resolve(repoPath string) string {
	if filepath.IsAbs(repoPath) {
		return repoPath
	}
	return filepath.Join(c.dataDir, repoPath)
}

// ReadFileAtRef returns the file's bytes at the given ref using
// `git show <ref>:<path>`. A missing path or ref maps to ErrNotFound.
func (c *CLI) ReadFileAtRef(ctx context.Context, repoPath, ref, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "show", ref+":"+path)
	cmd.Dir = c.resolve(repoPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.Contains(msg, "does not exist") ||
			strings.Contains(msg, "exists on disk, but not in") ||
			strings.Contains(msg, "Invalid object name") ||
			strings.Contains(msg, "unknown revision") {
			return nil, fmt.Errorf("read %s at %s: %w", path, ref, driven.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s at %s: %s", path, ref, strings.TrimSpace(msg))
	}

	return stdout.Bytes(), nil
}

// ResolveHead returns the commit SHA the branch points at via
// `git rev-parse refs/heads/<branch>`. A branch with no commits maps to
// ErrNotFound.
func (c *CLI) ResolveHead(ctx context.Context, repoPath, branch string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "refs/heads/"+branch)
	cmd.Dir = c.resolve(repoPath)

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("resolve head of %s: %w", branch, driven.ErrNotFound)
	}

	return strings.TrimSpace(string(out)), nil
}

// InitBare creates a bare repository at repoPath, including parent
// directories.
func (c *CLI) InitBare(ctx context.Context, repoPath string) error {
	full := c.resolve(repoPath)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "init", "--bare", full)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git init --bare: %s", strings.TrimSpace(string(out)))
	}

	return nil
}

// zeroSHA is the all-zero object id git uses for ref creation and deletion.
const zeroSHA = "0000000000000000000000000000000000000000"

// ParseReceivePack parses the ref update lines a post-receive hook reads on
// stdin: one "<oldrev> <newrev> <refname>" triple per line.
func ParseReceivePack(data []byte) []driven.RefUpdate {
	var updates []driven.RefUpdate
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		updates = append(updates, driven.RefUpdate{
			OldRev:  fields[0],
			NewRev:  fields[1],
			RefName: fields[2],
		})
	}
	return updates
}

// IsDeletion reports whether the update deletes its ref.
func IsDeletion(u driven.RefUpdate) bool {
	return u.NewRev == zeroSHA
}

// BranchName extracts the branch from a refs/heads/ ref name, or "" for
// other ref kinds (tags, notes).
func BranchName(refName string) string {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(refName, prefix) {
		return ""
	}
	return strings.TrimPrefix(refName, prefix)
}

// EnsureHooks installs the post-receive hook into the bare repo at repoPath.
// The hook forwards the ref update lines it reads on stdin to the server's
// internal hook endpoint.
func (c *CLI) EnsureHooks(repoPath string) error {
	endpoint := c.hookURL + "/internal/hooks/post-receive?repo=" + url.QueryEscape(repoPath)
	script := "#!/bin/sh\n# Installed by eifl. Forwards ref updates to the CI server.\ncurl -fsS -X POST --data-binary @- \"" + endpoint + "\" || true\n"

	hookPath := filepath.Join(c.resolve(repoPath), "hooks", "post-receive")
	if err := os.WriteFile(hookPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("install post-receive hook: %w", err)
	}
	return nil
}
