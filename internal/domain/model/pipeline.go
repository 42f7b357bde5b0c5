package model

import "time"

// Pipeline is a named pipeline definition for a repo. Config holds the raw
// manifest JSON as pushed; it is parsed on read so that older rows survive
// manifest schema additions.
type Pipeline struct {
	ID        int64
	RepoID    int64
	Name      string
	Config    string
	NextRunAt *time.Time
	CreatedAt time.Time
}
