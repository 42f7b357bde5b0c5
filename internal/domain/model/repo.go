package model

import "time"

// Repo is a source repository inside a project. It either hosts a local bare
// repository at Path or mirrors a remote via RemoteURL.
type Repo struct {
	ID            int64
	ProjectID     int64
	Name          string
	Path          string
	RemoteURL     string
	DefaultBranch string
	CreatedAt     time.Time
}
