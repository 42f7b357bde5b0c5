package model

import "time"

// Step is one shell command within a run. Ordering within a run is the
// insertion order (ascending id). Output accumulates via append-only
// concatenation; readers may observe partial output.
type Step struct {
	ID         int64
	RunID      int64
	Name       string
	Command    string
	Status     StepStatus
	ExitCode   *int
	Output     string
	StartedAt  *time.Time
	FinishedAt *time.Time
}
