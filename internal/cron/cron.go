// Package cron computes job firing times from cron expressions. All
// computation happens in UTC regardless of the caller's location.
package cron

import (
	"fmt"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/milvaion/milvaion/internal/domain"
)

// Engine parses cron expressions and computes next fire times.
//
// Accepted forms: the standard five-field expression, a six-field expression
// with a leading seconds field, and @-descriptors (@hourly, @daily, ...).
type Engine struct {
	parser cronv3.Parser
}

// New returns an engine with the optional-seconds convention.
func New() *Engine {
	return &Engine{
		parser: cronv3.NewParser(
			cronv3.SecondOptional | cronv3.Minute | cronv3.Hour |
				cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor,
		),
	}
}

// Parse returns the schedule for expr or an error for malformed input.
func (e *Engine) Parse(expr string) (cronv3.Schedule, error) {
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// Next returns the first firing of expr strictly after base, in UTC.
// Expressions that never fire again (e.g. a nonexistent calendar date)
// return domain.ErrScheduleNeverFires.
func (e *Engine) Next(expr string, base time.Time) (time.Time, error) {
	sched, err := e.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	next := sched.Next(base.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q: %w", expr, domain.ErrScheduleNeverFires)
	}
	return next.UTC(), nil
}

// Validate rejects malformed expressions and schedules with no future
// firing. Called at job creation so impossible schedules never reach the
// dispatcher.
func (e *Engine) Validate(expr string, now time.Time) error {
	_, err := e.Next(expr, now)
	return err
}
