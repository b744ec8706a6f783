package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

const scheduleColumns = `id, name, kind, target, params, cron_expr,
	interval_seconds, fire_at, timezone, enabled, max_instances,
	misfire_grace_seconds, lane, priority, next_run_at, last_run_at,
	last_run_status, created_at, updated_at`

// Repository persists schedules and their firing audit rows.
type Repository struct {
	store *store.Store
}

// NewRepository creates a schedule repository.
func NewRepository(st *store.Store) *Repository {
	return &Repository{store: st}
}

// Create validates, seeds next_run_at, and inserts the schedule.
func (r *Repository) Create(ctx context.Context, s *Schedule) (*Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	s.ID = ident.NewID()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Lane == "" {
		s.Lane = "default"
	}
	if s.Priority == "" {
		s.Priority = run.PriorityNormal
	}
	if s.MaxInstances == 0 {
		s.MaxInstances = 1
	}
	s.NextRunAt = s.NextAfter(now)

	params, err := encodeParams(s.Params)
	if err != nil {
		return nil, err
	}

	var interval any
	if s.Interval > 0 {
		interval = int(s.Interval.Seconds())
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}

	_, err = r.store.DB().ExecContext(ctx, r.store.Rebind(`
		INSERT INTO core_schedules (
			id, name, kind, target, params, cron_expr, interval_seconds,
			fire_at, timezone, enabled, max_instances, misfire_grace_seconds,
			lane, priority, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.Name, string(s.TargetKind), s.TargetName, params,
		store.NullString(s.CronExpr), interval, store.NullTime(s.FireAt),
		tz, boolInt(s.Enabled), s.MaxInstances, int(s.MisfireGrace.Seconds()),
		s.Lane, string(s.Priority), store.NullTime(s.NextRunAt),
		store.FormatTime(now), store.FormatTime(now))
	if err != nil {
		return nil, &errors.StorageError{Op: "insert schedule", Cause: err}
	}
	return s, nil
}

// Get returns one schedule by id.
func (r *Repository) Get(ctx context.Context, id string) (*Schedule, error) {
	row := r.store.DB().QueryRowContext(ctx, r.store.Rebind(
		`SELECT `+scheduleColumns+` FROM core_schedules WHERE id = ?`), id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return s, err
}

// List returns all schedules ordered by name.
func (r *Repository) List(ctx context.Context) ([]*Schedule, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM core_schedules ORDER BY name, id`)
	if err != nil {
		return nil, &errors.StorageError{Op: "query schedules", Cause: err}
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// Due returns enabled schedules with next_run_at at or before now, in
// next_run_at order.
func (r *Repository) Due(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(`
		SELECT `+scheduleColumns+` FROM core_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id`), store.FormatTime(now))
	if err != nil {
		return nil, &errors.StorageError{Op: "query due schedules", Cause: err}
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// SetEnabled toggles a schedule. Re-enabling recomputes next_run_at
// from now so a long-disabled schedule does not fire for the past.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	next := s.NextRunAt
	if enabled {
		next = s.NextAfter(time.Now())
	}
	_, err = r.store.DB().ExecContext(ctx, r.store.Rebind(`
		UPDATE core_schedules
		SET enabled = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`),
		boolInt(enabled), store.NullTime(next),
		store.FormatTime(time.Now()), id)
	if err != nil {
		return &errors.StorageError{Op: "update schedule", Cause: err}
	}
	return nil
}

// Advance records a firing decision: last_run_at, last_run_status, and
// the new next_run_at in one statement.
func (r *Repository) Advance(ctx context.Context, id string, firedAt time.Time, status string, next time.Time) error {
	_, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		UPDATE core_schedules
		SET next_run_at = ?, last_run_at = ?, last_run_status = ?, updated_at = ?
		WHERE id = ?`),
		store.NullTime(next), store.FormatTime(firedAt), status,
		store.FormatTime(time.Now()), id)
	if err != nil {
		return &errors.StorageError{Op: "advance schedule", Cause: err}
	}
	return nil
}

// Delete removes a schedule and its audit rows.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.store.Rebind(
			`DELETE FROM core_schedule_runs WHERE schedule_id = ?`), id); err != nil {
			return &errors.StorageError{Op: "delete schedule runs", Cause: err}
		}
		res, err := tx.ExecContext(ctx, r.store.Rebind(
			`DELETE FROM core_schedules WHERE id = ?`), id)
		if err != nil {
			return &errors.StorageError{Op: "delete schedule", Cause: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &errors.StorageError{Op: "delete schedule", Cause: err}
		}
		if n == 0 {
			return &errors.NotFoundError{Resource: "schedule", ID: id}
		}
		return nil
	})
}

// PurgeRuns removes firing audit rows older than cutoff. The schedules
// themselves are untouched.
func (r *Repository) PurgeRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		DELETE FROM core_schedule_runs WHERE fired_at < ?`),
		store.FormatTime(cutoff))
	if err != nil {
		return 0, &errors.StorageError{Op: "purge schedule runs", Cause: err}
	}
	return res.RowsAffected()
}

// RecordRun inserts a firing audit row.
func (r *Repository) RecordRun(ctx context.Context, sr *ScheduleRun) error {
	if sr.ID == "" {
		sr.ID = ident.NewID()
	}
	if sr.FiredAt.IsZero() {
		sr.FiredAt = time.Now()
	}
	_, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		INSERT INTO core_schedule_runs
			(id, schedule_id, execution_id, scheduled_for, outcome, detail, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sr.ID, sr.ScheduleID, store.NullString(sr.RunID),
		store.FormatTime(sr.ScheduledFor), sr.Outcome,
		store.NullString(sr.Detail), store.FormatTime(sr.FiredAt))
	if err != nil {
		return &errors.StorageError{Op: "insert schedule run", Cause: err}
	}
	return nil
}

// Runs returns the firing history for a schedule, newest first.
func (r *Repository) Runs(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(`
		SELECT id, schedule_id, execution_id, scheduled_for, outcome, detail, fired_at
		FROM core_schedule_runs
		WHERE schedule_id = ?
		ORDER BY fired_at DESC, id DESC LIMIT ?`), scheduleID, limit)
	if err != nil {
		return nil, &errors.StorageError{Op: "query schedule runs", Cause: err}
	}
	defer rows.Close()

	var out []*ScheduleRun
	for rows.Next() {
		var sr ScheduleRun
		var runID, detail sql.NullString
		var scheduledFor, firedAt string
		if err := rows.Scan(&sr.ID, &sr.ScheduleID, &runID, &scheduledFor,
			&sr.Outcome, &detail, &firedAt); err != nil {
			return nil, &errors.StorageError{Op: "scan schedule run", Cause: err}
		}
		sr.RunID = runID.String
		sr.Detail = detail.String
		if sr.ScheduledFor, err = store.ParseTime(scheduledFor); err != nil {
			return nil, err
		}
		if sr.FiredAt, err = store.ParseTime(firedAt); err != nil {
			return nil, err
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var s Schedule
	var kind, priority, params, createdAt, updatedAt string
	var cronExpr, fireAt, nextRunAt, lastRunAt, lastStatus sql.NullString
	var interval sql.NullInt64
	var enabled, graceSecs int

	err := row.Scan(&s.ID, &s.Name, &kind, &s.TargetName, &params,
		&cronExpr, &interval, &fireAt, &s.Timezone, &enabled,
		&s.MaxInstances, &graceSecs, &s.Lane, &priority,
		&nextRunAt, &lastRunAt, &lastStatus, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &errors.StorageError{Op: "scan schedule", Cause: err}
	}

	s.TargetKind = run.Kind(kind)
	s.Priority = run.Priority(priority)
	s.CronExpr = cronExpr.String
	s.Enabled = enabled != 0
	s.MisfireGrace = time.Duration(graceSecs) * time.Second
	s.LastRunStatus = lastStatus.String
	if interval.Valid {
		s.Interval = time.Duration(interval.Int64) * time.Second
	}
	s.FireAt = store.TimeOrZero(fireAt)
	s.NextRunAt = store.TimeOrZero(nextRunAt)
	s.LastRunAt = store.TimeOrZero(lastRunAt)

	switch {
	case s.CronExpr != "":
		s.Type = TypeCron
	case s.Interval > 0:
		s.Type = TypeInterval
	default:
		s.Type = TypeDate
	}

	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &s.Params); err != nil {
			return nil, &errors.StorageError{Op: "decode schedule params", Cause: err}
		}
	}
	if s.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeParams(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", &errors.StorageError{Op: "encode schedule params", Cause: err}
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
