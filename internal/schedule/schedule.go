// Package schedule triggers runs on cron expressions, fixed intervals,
// and one-shot dates.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/pkg/errors"
)

// Type selects how a schedule computes its next firing.
type Type string

const (
	// TypeCron fires on a standard 5-field cron expression.
	TypeCron Type = "cron"
	// TypeInterval fires every interval_seconds.
	TypeInterval Type = "interval"
	// TypeDate fires once at a fixed instant, then exhausts.
	TypeDate Type = "date"
)

// Schedule is one registered trigger.
type Schedule struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	TargetKind    run.Kind       `json:"target_kind"`
	TargetName    string         `json:"target_name"`
	Params        map[string]any `json:"params,omitempty"`
	Type          Type           `json:"type"`
	CronExpr      string         `json:"cron_expression,omitempty"`
	Interval      time.Duration  `json:"interval,omitempty"`
	FireAt        time.Time      `json:"run_at,omitempty"`
	Timezone      string         `json:"timezone"`
	Enabled       bool           `json:"enabled"`
	MaxInstances  int            `json:"max_instances"`
	MisfireGrace  time.Duration  `json:"misfire_grace"`
	Lane          string         `json:"lane"`
	Priority      run.Priority   `json:"priority"`
	NextRunAt     time.Time      `json:"next_run_at,omitempty"`
	LastRunAt     time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus string         `json:"last_run_status,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// cronParser accepts the standard 5-field form.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the schedule's type-specific configuration: exactly
// the field matching the type must be set.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "schedule name is required"}
	}
	switch s.TargetKind {
	case run.KindTask, run.KindPipeline, run.KindWorkflow:
	default:
		return &errors.ValidationError{
			Field:   "target_kind",
			Message: "must be one of task, pipeline, workflow",
		}
	}
	if s.TargetName == "" {
		return &errors.ValidationError{Field: "target_name", Message: "target name is required"}
	}

	switch s.Type {
	case TypeCron:
		if s.CronExpr == "" {
			return &errors.ValidationError{
				Field:   "cron_expression",
				Message: "cron schedule requires an expression",
			}
		}
		if s.Interval != 0 || !s.FireAt.IsZero() {
			return &errors.ValidationError{
				Field:   "type",
				Message: "cron schedule must not set interval or run_at",
			}
		}
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return &errors.ValidationError{
				Field:      "cron_expression",
				Message:    fmt.Sprintf("invalid expression %q: %v", s.CronExpr, err),
				Suggestion: "use the standard 5-field form, e.g. \"*/15 * * * *\"",
			}
		}
	case TypeInterval:
		if s.Interval < time.Second {
			return &errors.ValidationError{
				Field:   "interval",
				Message: "interval schedule requires an interval of at least 1s",
			}
		}
		if s.CronExpr != "" || !s.FireAt.IsZero() {
			return &errors.ValidationError{
				Field:   "type",
				Message: "interval schedule must not set cron_expression or run_at",
			}
		}
	case TypeDate:
		if s.FireAt.IsZero() {
			return &errors.ValidationError{
				Field:   "run_at",
				Message: "date schedule requires run_at",
			}
		}
		if s.CronExpr != "" || s.Interval != 0 {
			return &errors.ValidationError{
				Field:   "type",
				Message: "date schedule must not set cron_expression or interval",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown schedule type: %s", s.Type),
			Suggestion: "use cron, interval, or date",
		}
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return &errors.ValidationError{
				Field:   "timezone",
				Message: fmt.Sprintf("unknown timezone %q", s.Timezone),
			}
		}
	}
	if s.MaxInstances < 0 {
		return &errors.ValidationError{Field: "max_instances", Message: "must not be negative"}
	}
	if s.MisfireGrace < 0 {
		return &errors.ValidationError{Field: "misfire_grace", Message: "must not be negative"}
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return &errors.ValidationError{Field: "priority", Message: "unknown priority"}
	}
	return nil
}

// location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextAfter computes the first firing strictly after t. A zero return
// means the schedule is exhausted (date schedules in the past).
func (s *Schedule) NextAfter(t time.Time) time.Time {
	switch s.Type {
	case TypeCron:
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(t.In(s.location()))
	case TypeInterval:
		return t.Add(s.Interval)
	case TypeDate:
		if s.FireAt.After(t) {
			return s.FireAt
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

// Run outcomes recorded on core_schedule_runs rows.
const (
	OutcomeFired    = "fired"
	OutcomeMisfired = "misfired"
	OutcomeSkipped  = "skipped"
	OutcomeError    = "error"
)

// ScheduleRun is the audit row for one firing decision.
type ScheduleRun struct {
	ID           string    `json:"id"`
	ScheduleID   string    `json:"schedule_id"`
	RunID        string    `json:"run_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	FiredAt      time.Time `json:"fired_at"`
}
