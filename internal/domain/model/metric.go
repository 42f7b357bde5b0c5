package model

import "time"

// Metric is a numeric measurement captured from a run. (run_id, key) is not
// unique; the per-key history across successful runs is the time series.
type Metric struct {
	ID        int64
	RunID     int64
	Key       string
	Value     float64
	Unit      string
	CreatedAt time.Time
}
