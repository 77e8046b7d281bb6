// Package cron computes scheduled-task run times and polls for due work.
package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// ValidateSchedule checks a schedule definition without computing anything.
func ValidateSchedule(scheduleType, value string) error {
	_, err := NextRun(scheduleType, value, time.Now())
	return err
}

// NextRun returns the first run strictly after from, or nil when the
// schedule has no further runs (a "once" whose moment has passed).
func NextRun(scheduleType, value string, from time.Time) (*time.Time, error) {
	switch scheduleType {
	case "cron":
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		next := sched.Next(from)
		return &next, nil
	case "interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", value, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval %q must be positive", value)
		}
		next := from.Add(d)
		return &next, nil
	case "once":
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q (want RFC3339): %w", value, err)
		}
		if !at.After(from) {
			return nil, nil
		}
		return &at, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// FirstRun returns when a newly created task should first fire. A "once"
// task whose moment already passed fires immediately rather than never.
func FirstRun(scheduleType, value string, now time.Time) (time.Time, error) {
	next, err := NextRun(scheduleType, value, now)
	if err != nil {
		return time.Time{}, err
	}
	if next == nil {
		return now, nil
	}
	return *next, nil
}
