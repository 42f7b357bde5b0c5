package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepoStore = (*RepoRepo)(nil)

// RepoRepo is the SQLite implementation of the RepoStore port.
type RepoRepo struct {
	db *DB
}

// NewRepoRepo creates a new RepoRepo backed by the given DB.
func NewRepoRepo(db *DB) *RepoRepo {
	return &RepoRepo{db: db}
}

const repoColumns = `id, project_id, name, path, remote_url, default_branch, created_at`

// Create inserts a repo. Duplicate (project_id, name) or path return
// ErrConflict.
func (r *RepoRepo) Create(ctx context.Context, repo model.Repo) (*model.Repo, error) {
	const query = `
		INSERT INTO repos (project_id, name, path, remote_url, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	createdAt := repo.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		repo.ProjectID, repo.Name, repo.Path, repo.RemoteURL, repo.DefaultBranch, formatTime(createdAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("create repo %q: %w", repo.Name, driven.ErrConflict)
		}
		return nil, fmt.Errorf("create repo %q: %w", repo.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create repo %q: last insert id: %w", repo.Name, err)
	}

	repo.ID = id
	repo.CreatedAt = createdAt
	return &repo, nil
}

// GetByID retrieves a repo. Returns ErrNotFound when absent.
func (r *RepoRepo) GetByID(ctx context.Context, id int64) (*model.Repo, error) {
	query := `SELECT ` + repoColumns + ` FROM repos WHERE id = ?`

	repo, err := scanRepo(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo %d: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %d: %w", id, err)
	}

	return repo, nil
}

// GetByPath retrieves a repo by its unique on-disk path. Returns ErrNotFound
// when absent.
func (r *RepoRepo) GetByPath(ctx context.Context, path string) (*model.Repo, error) {
	query := `SELECT ` + repoColumns + ` FROM repos WHERE path = ?`

	repo, err := scanRepo(r.db.Reader.QueryRowContext(ctx, query, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo %q: %w", path, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %q: %w", path, err)
	}

	return repo, nil
}

// ListByProject returns the project's repos ordered by name.
func (r *RepoRepo) ListByProject(ctx context.Context, projectID int64) ([]model.Repo, error) {
	query := `SELECT ` + repoColumns + ` FROM repos WHERE project_id = ? ORDER BY name`
	return r.queryRepos(ctx, query, projectID)
}

// ListAll returns all repos ordered by path.
func (r *RepoRepo) ListAll(ctx context.Context) ([]model.Repo, error) {
	query := `SELECT ` + repoColumns + ` FROM repos ORDER BY path`
	return r.queryRepos(ctx, query)
}

// Delete removes a repo and cascades to its pipelines and runs. Repo-scoped
// secrets are removed alongside.
func (r *RepoRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete repo %d: begin: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repo %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("repo %d: %w", id, driven.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM secrets WHERE scope = 'repo' AND scope_id = ?`, id); err != nil {
		return fmt.Errorf("delete repo %d secrets: %w", id, err)
	}

	return tx.Commit()
}

func (r *RepoRepo) queryRepos(ctx context.Context, query string, args ...any) ([]model.Repo, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()

	var repos []model.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, *repo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repos: %w", err)
	}

	return repos, nil
}

func scanRepo(s scanner) (*model.Repo, error) {
	var repo model.Repo
	var createdAt string

	err := s.Scan(&repo.ID, &repo.ProjectID, &repo.Name, &repo.Path, &repo.RemoteURL, &repo.DefaultBranch, &createdAt)
	if err != nil {
		return nil, err
	}

	repo.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &repo, nil
}
