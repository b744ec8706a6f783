package guard

import (
	"context"
	"database/sql"
	"time"

	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// ScheduleLease is a per-schedule firing lease. It keeps two scheduler
// processes from firing the same schedule occurrence.
type ScheduleLease struct {
	ScheduleID string    `json:"schedule_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireSchedule takes the firing lease for a schedule. Same
// algorithm as Acquire over a separate table keyed by schedule id.
func (g *Guard) AcquireSchedule(ctx context.Context, scheduleID, owner string, ttl time.Duration) (*ScheduleLease, error) {
	now := time.Now()
	lease := &ScheduleLease{
		ScheduleID: scheduleID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	var won bool
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, g.store.Rebind(`
			DELETE FROM core_schedule_locks
			WHERE schedule_id = ? AND expires_at <= ?`),
			scheduleID, store.FormatTime(now)); err != nil {
			return &errors.StorageError{Op: "clear expired schedule lease", Cause: err}
		}

		res, err := tx.ExecContext(ctx, g.store.Rebind(`
			INSERT INTO core_schedule_locks
				(schedule_id, owner, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (schedule_id) DO NOTHING`),
			scheduleID, owner,
			store.FormatTime(lease.AcquiredAt),
			store.FormatTime(lease.ExpiresAt))
		if err != nil {
			return &errors.StorageError{Op: "acquire schedule lease", Cause: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &errors.StorageError{Op: "acquire schedule lease", Cause: err}
		}
		won = n > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, &errors.LockUnavailableError{Key: "schedule:" + scheduleID}
	}
	return lease, nil
}

// ReleaseSchedule drops a schedule lease held by owner. Missing rows
// are a no-op.
func (g *Guard) ReleaseSchedule(ctx context.Context, scheduleID, owner string) error {
	_, err := g.store.DB().ExecContext(ctx, g.store.Rebind(`
		DELETE FROM core_schedule_locks
		WHERE schedule_id = ? AND owner = ?`), scheduleID, owner)
	if err != nil {
		return &errors.StorageError{Op: "release schedule lease", Cause: err}
	}
	return nil
}

// ForceReleaseSchedule drops a schedule lease regardless of owner.
func (g *Guard) ForceReleaseSchedule(ctx context.Context, scheduleID string) (bool, error) {
	res, err := g.store.DB().ExecContext(ctx, g.store.Rebind(
		`DELETE FROM core_schedule_locks WHERE schedule_id = ?`), scheduleID)
	if err != nil {
		return false, &errors.StorageError{Op: "force release schedule lease", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.StorageError{Op: "force release schedule lease", Cause: err}
	}
	return n > 0, nil
}

// ListSchedules returns all schedule leases.
func (g *Guard) ListSchedules(ctx context.Context) ([]ScheduleLease, error) {
	rows, err := g.store.DB().QueryContext(ctx, `
		SELECT schedule_id, owner, acquired_at, expires_at
		FROM core_schedule_locks ORDER BY schedule_id`)
	if err != nil {
		return nil, &errors.StorageError{Op: "list schedule leases", Cause: err}
	}
	defer rows.Close()

	var leases []ScheduleLease
	for rows.Next() {
		var lease ScheduleLease
		var acquired, expires string
		if err := rows.Scan(&lease.ScheduleID, &lease.Owner, &acquired, &expires); err != nil {
			return nil, &errors.StorageError{Op: "scan schedule lease", Cause: err}
		}
		if lease.AcquiredAt, err = store.ParseTime(acquired); err != nil {
			return nil, err
		}
		if lease.ExpiresAt, err = store.ParseTime(expires); err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}
