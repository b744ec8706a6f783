package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/strandkit/strand/internal/guard"
	"github.com/strandkit/strand/internal/metrics"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/pkg/errors"
)

// Submitter hands due schedules to the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, spec run.WorkSpec) (*run.Run, error)
}

// RunCounter reports how many runs of a target are currently live,
// for max_instances enforcement.
type RunCounter interface {
	CountActive(ctx context.Context, kind run.Kind, name string) (int, error)
}

// Scheduler polls for due schedules and fires them. Multiple scheduler
// processes may run against one store; the per-schedule lease keeps a
// firing from happening twice, and the idempotency key keyed to the
// occurrence makes the submit safe even if it does.
type Scheduler struct {
	repo      *Repository
	guard     *guard.Guard
	submitter Submitter
	counter   RunCounter
	logger    *slog.Logger

	tick  time.Duration
	owner string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler.
func New(repo *Repository, g *guard.Guard, submitter Submitter, counter RunCounter, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick < time.Second {
		tick = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Scheduler{
		repo:      repo,
		guard:     g,
		submitter: submitter,
		counter:   counter,
		logger:    logger,
		tick:      tick,
		owner:     fmt.Sprintf("%s-%d", host, os.Getpid()),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
	s.logger.Info("scheduler started", "tick", s.tick.String())
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick processes all due schedules once. Exported so tests and the
// CLI can drive the scheduler without the loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	metrics.RecordTick()
	now := time.Now()

	due, err := s.repo.Due(ctx, now)
	if err != nil {
		return err
	}

	for _, sched := range due {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.fire(ctx, sched, now)
	}
	return nil
}

// fire handles one due schedule: lease, misfire check, instance cap,
// submit, advance, release.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	leaseTTL := sched.MisfireGrace + 30*time.Second
	_, err := s.guard.AcquireSchedule(ctx, sched.ID, s.owner, leaseTTL)
	if err != nil {
		if errors.IsKind(err, errors.KindLockUnavailable) {
			// Another scheduler instance owns this firing.
			return
		}
		s.logger.Error("schedule lease failed", "schedule_id", sched.ID, "error", err)
		return
	}
	defer func() {
		if rerr := s.guard.ReleaseSchedule(ctx, sched.ID, s.owner); rerr != nil {
			s.logger.Warn("schedule lease release failed",
				"schedule_id", sched.ID, "error", rerr)
		}
	}()

	occurrence := sched.NextRunAt
	next := sched.NextAfter(now)

	// Late beyond the grace window: record a misfire and advance
	// without executing.
	if sched.MisfireGrace > 0 && now.Sub(occurrence) > sched.MisfireGrace {
		metrics.RecordFire(OutcomeMisfired)
		_ = s.repo.RecordRun(ctx, &ScheduleRun{
			ScheduleID:   sched.ID,
			ScheduledFor: occurrence,
			Outcome:      OutcomeMisfired,
			Detail:       fmt.Sprintf("late by %s", now.Sub(occurrence).Truncate(time.Second)),
		})
		if err := s.repo.Advance(ctx, sched.ID, now, OutcomeMisfired, next); err != nil {
			s.logger.Error("schedule advance failed", "schedule_id", sched.ID, "error", err)
		}
		s.logger.Warn("schedule misfired",
			"schedule_id", sched.ID, "name", sched.Name,
			"scheduled_for", occurrence.UTC().Format(time.RFC3339))
		s.exhaustIfDone(ctx, sched, next)
		return
	}

	if sched.MaxInstances > 0 && s.counter != nil {
		active, err := s.counter.CountActive(ctx, sched.TargetKind, sched.TargetName)
		if err != nil {
			s.logger.Error("instance count failed", "schedule_id", sched.ID, "error", err)
		} else if active >= sched.MaxInstances {
			metrics.RecordFire(OutcomeSkipped)
			_ = s.repo.RecordRun(ctx, &ScheduleRun{
				ScheduleID:   sched.ID,
				ScheduledFor: occurrence,
				Outcome:      OutcomeSkipped,
				Detail:       fmt.Sprintf("%d instances already running", active),
			})
			if err := s.repo.Advance(ctx, sched.ID, now, OutcomeSkipped, next); err != nil {
				s.logger.Error("schedule advance failed", "schedule_id", sched.ID, "error", err)
			}
			return
		}
	}

	// The occurrence timestamp keys the submission, so a second firing
	// of the same occurrence dedupes at the dispatcher.
	spec := run.WorkSpec{
		Kind:           sched.TargetKind,
		Name:           sched.TargetName,
		Params:         sched.Params,
		Lane:           sched.Lane,
		Priority:       sched.Priority,
		IdempotencyKey: fmt.Sprintf("schedule:%s:%d", sched.ID, occurrence.Unix()),
		TriggerSource:  "schedule",
		Metadata:       map[string]any{"schedule_id": sched.ID},
	}

	r, err := s.submitter.Submit(ctx, spec)
	outcome := OutcomeFired
	detail := ""
	runID := ""
	if err != nil {
		outcome = OutcomeError
		detail = err.Error()
		s.logger.Error("schedule submit failed",
			"schedule_id", sched.ID, "name", sched.Name, "error", err)
	} else {
		runID = r.ID
		s.logger.Info("schedule fired",
			"schedule_id", sched.ID, "name", sched.Name, "run_id", r.ID)
	}
	metrics.RecordFire(outcome)

	_ = s.repo.RecordRun(ctx, &ScheduleRun{
		ScheduleID:   sched.ID,
		RunID:        runID,
		ScheduledFor: occurrence,
		Outcome:      outcome,
		Detail:       detail,
	})
	if err := s.repo.Advance(ctx, sched.ID, now, outcome, next); err != nil {
		s.logger.Error("schedule advance failed", "schedule_id", sched.ID, "error", err)
	}
	s.exhaustIfDone(ctx, sched, next)
}

// exhaustIfDone disables date schedules that have no future firing.
func (s *Scheduler) exhaustIfDone(ctx context.Context, sched *Schedule, next time.Time) {
	if sched.Type == TypeDate && next.IsZero() {
		if err := s.repo.SetEnabled(ctx, sched.ID, false); err != nil {
			s.logger.Error("schedule disable failed", "schedule_id", sched.ID, "error", err)
		}
	}
}
