package model

import "time"

// Project is the top-level container for repositories. Deleting a project
// cascades to its repos, pipelines, runs, and project-scoped secrets.
type Project struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}
