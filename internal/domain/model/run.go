package model

import "time"

// Run is one execution attempt of a pipeline against a specific commit.
// StartedAt is set on the pending→running transition; FinishedAt is set on
// any terminal transition.
type Run struct {
	ID          int64
	PipelineID  int64
	Status      RunStatus
	CommitSHA   string
	Branch      string
	TriggeredBy TriggerSource
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
}
