package model

import "time"

// Baseline is a per-pipeline, per-metric reference value used to flag
// regressions. A run metric deviating from Value by more than TolerancePct
// percent fails the baseline check.
type Baseline struct {
	ID           int64
	PipelineID   int64
	Key          string
	Value        float64
	TolerancePct float64
	UpdatedAt    time.Time
}

// DefaultTolerancePct is applied when a baseline is created without an
// explicit tolerance.
const DefaultTolerancePct = 10.0
