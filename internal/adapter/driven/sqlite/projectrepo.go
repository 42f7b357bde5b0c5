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
var _ driven.ProjectStore = (*ProjectRepo)(nil)

// ProjectRepo is the SQLite implementation of the ProjectStore port.
type ProjectRepo struct {
	db *DB
}

// NewProjectRepo creates a new ProjectRepo backed by the given DB.
func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

// Create inserts a project. Duplicate names return ErrConflict.
func (r *ProjectRepo) Create(ctx context.Context, project model.Project) (*model.Project, error) {
	const query = `INSERT INTO projects (name, description, created_at) VALUES (?, ?, ?)`

	createdAt := project.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.Writer.ExecContext(ctx, query, project.Name, project.Description, formatTime(createdAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("create project %q: %w", project.Name, driven.ErrConflict)
		}
		return nil, fmt.Errorf("create project %q: %w", project.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create project %q: last insert id: %w", project.Name, err)
	}

	project.ID = id
	project.CreatedAt = createdAt
	return &project, nil
}

// GetByID retrieves a project. Returns ErrNotFound when absent.
func (r *ProjectRepo) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	const query = `SELECT id, name, description, created_at FROM projects WHERE id = ?`

	project, err := scanProject(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}

	return project, nil
}

// GetByName retrieves a project by its unique name. Returns ErrNotFound when
// absent.
func (r *ProjectRepo) GetByName(ctx context.Context, name string) (*model.Project, error) {
	const query = `SELECT id, name, description, created_at FROM projects WHERE name = ?`

	project, err := scanProject(r.db.Reader.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %q: %w", name, err)
	}

	return project, nil
}

// ListAll returns all projects ordered by name.
func (r *ProjectRepo) ListAll(ctx context.Context) ([]model.Project, error) {
	const query = `SELECT id, name, description, created_at FROM projects ORDER BY name`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, nil
}

// Delete removes a project and, via foreign key cascade, its repos,
// pipelines, runs, and steps. Project-scoped secrets are removed alongside.
func (r *ProjectRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete project %d: begin: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %d: %w", id, driven.ErrNotFound)
	}

	// Secrets reference scope_id without a foreign key; clean up explicitly.
	if _, err := tx.ExecContext(ctx, `DELETE FROM secrets WHERE scope = 'project' AND scope_id = ?`, id); err != nil {
		return fmt.Errorf("delete project %d secrets: %w", id, err)
	}

	return tx.Commit()
}

func scanProject(s scanner) (*model.Project, error) {
	var project model.Project
	var createdAt string

	if err := s.Scan(&project.ID, &project.Name, &project.Description, &createdAt); err != nil {
		return nil, err
	}

	var err error
	project.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &project, nil
}
