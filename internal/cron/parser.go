// Package cron parses the schedules of periodic maintenance jobs, such as
// the reconciler's sweep of stale pending executions.
//
// Standard five-field expressions and descriptors like "@hourly" are
// accepted. "@every <duration>" fires at a fixed gap from the previous run
// instead of at wall-clock marks, so a sweep configured as "@every 5m"
// starts five minutes after the process does, not on the next multiple of
// five. Expressions are evaluated in UTC unless ParseIn is given a location.
package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

const syntax = robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor

var parser = robfig.NewParser(syntax)

// Schedule yields the run times of a job.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Parse parses expr for evaluation in UTC.
func Parse(expr string) (Schedule, error) {
	return ParseIn(expr, time.UTC)
}

// ParseIn parses expr for evaluation in loc. A nil loc means UTC.
func ParseIn(expr string, loc *time.Location) (Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return zoned{sched: sched, loc: loc}, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

type zoned struct {
	sched robfig.Schedule
	loc   *time.Location
}

func (z zoned) Next(after time.Time) time.Time {
	return z.sched.Next(after.In(z.loc))
}
