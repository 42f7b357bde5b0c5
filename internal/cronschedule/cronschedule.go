// Package cronschedule computes the next UTC firing of five-field cron
// expressions.
package cronschedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// NextAfter returns the first firing of expr strictly after ref, in UTC.
// Invalid expressions return an error wrapping driven.ErrInvalidCron; the
// scheduler logs and skips the offending schedule entry.
func NextAfter(expr string, ref time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", driven.ErrInvalidCron, expr, err)
	}
	return schedule.Next(ref.UTC()).UTC(), nil
}

// EarliestNext returns the earliest next firing across all expressions after
// ref, skipping invalid entries. It returns nil when no entry yields a
// firing, and the invalid expressions encountered for the caller to log.
func EarliestNext(exprs []string, ref time.Time) (*time.Time, []error) {
	var earliest *time.Time
	var errs []error
	for _, expr := range exprs {
		next, err := NextAfter(expr, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if earliest == nil || next.Before(*earliest) {
			n := next
			earliest = &n
		}
	}
	return earliest, errs
}
