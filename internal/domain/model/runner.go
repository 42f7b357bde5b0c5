package model

import "time"

// Runner is an external worker process authenticated by an opaque bearer
// token. Tags constrain which pipelines it may execute; ActiveJobs is
// maintained by the store and never drops below zero.
type Runner struct {
	ID             int64
	Name           string
	Token          string
	Status         RunnerStatus
	Tags           []string
	MaxConcurrency int
	ActiveJobs     int
	LastSeen       *time.Time
	CreatedAt      time.Time
}

// HasTags reports whether the runner carries every tag in required. An empty
// requirement matches any runner.
func (r Runner) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range r.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
