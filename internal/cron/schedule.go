// Package cron turns wall-clock time into lane-scoped run requests: pure
// schedule math on standard five-field cron expressions, and a Scheduler
// that fires due jobs through the lane manager.
package cron

import (
	"fmt"
	"iter"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ParseExpr validates a cron expression without scheduling anything.
func ParseExpr(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextTime returns the first fire time strictly after the given instant.
func NextTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// DueTimes returns the fire times of expr after since, in order, as a lazy
// sequence. The sequence is unbounded for any valid expression; the caller
// limits it by breaking out of the range loop.
func DueTimes(expr string, since time.Time) (iter.Seq[time.Time], error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return func(yield func(time.Time) bool) {
		t := since
		for {
			t = sched.Next(t)
			if t.IsZero() || !yield(t) {
				return
			}
		}
	}, nil
}
