// Package guard implements lease-based mutual exclusion over the
// store. A lease is a row with an expiry; acquisition is an insert
// that only succeeds when no unexpired row holds the key, so the
// at-most-one-holder invariant is enforced by the primary key, not by
// process-local state.
package guard

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/strandkit/strand/internal/metrics"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Lease is one held lock.
type Lease struct {
	Key        string    `json:"lock_key"`
	Owner      string    `json:"owner_run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Guard manages concurrency leases.
type Guard struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a guard over the store.
func New(st *store.Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: st, logger: logger}
}

// Acquire takes the lease for key on behalf of ownerRunID. Expired
// rows are cleared and the insert relies on ON CONFLICT DO NOTHING,
// so two concurrent acquirers cannot both win.
func (g *Guard) Acquire(ctx context.Context, key, ownerRunID string, ttl time.Duration) (*Lease, error) {
	now := time.Now()
	lease := &Lease{
		Key:        key,
		Owner:      ownerRunID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	var won bool
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, g.store.Rebind(`
			DELETE FROM core_concurrency_locks
			WHERE lock_key = ? AND expires_at <= ?`),
			key, store.FormatTime(now)); err != nil {
			return &errors.StorageError{Op: "clear expired lease", Cause: err}
		}

		res, err := tx.ExecContext(ctx, g.store.Rebind(`
			INSERT INTO core_concurrency_locks
				(lock_key, owner_execution_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (lock_key) DO NOTHING`),
			key, ownerRunID,
			store.FormatTime(lease.AcquiredAt),
			store.FormatTime(lease.ExpiresAt))
		if err != nil {
			return &errors.StorageError{Op: "acquire lease", Cause: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &errors.StorageError{Op: "acquire lease", Cause: err}
		}
		won = n > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		holder, _ := g.Get(ctx, key)
		metrics.RecordLockDenied()
		owner := ""
		if holder != nil {
			owner = holder.Owner
		}
		return nil, &errors.LockUnavailableError{Key: key, Holder: owner}
	}

	g.logger.Debug("lease acquired", "lock_key", key, "run_id", ownerRunID)
	return lease, nil
}

// Release drops the lease if ownerRunID still holds it. Releasing a
// lease held by someone else is a conflict; releasing a missing lease
// is a no-op, since expiry may have already cleared it.
func (g *Guard) Release(ctx context.Context, key, ownerRunID string) error {
	holder, err := g.Get(ctx, key)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil
		}
		return err
	}
	if holder.Owner != ownerRunID {
		return &errors.ConflictError{
			Resource: "lease",
			ID:       key,
			Reason:   "held by run " + holder.Owner,
		}
	}

	_, err = g.store.DB().ExecContext(ctx, g.store.Rebind(`
		DELETE FROM core_concurrency_locks
		WHERE lock_key = ? AND owner_execution_id = ?`),
		key, ownerRunID)
	if err != nil {
		return &errors.StorageError{Op: "release lease", Cause: err}
	}
	g.logger.Debug("lease released", "lock_key", key, "run_id", ownerRunID)
	return nil
}

// ForceRelease drops the lease regardless of owner. Operator use only.
func (g *Guard) ForceRelease(ctx context.Context, key string) (bool, error) {
	res, err := g.store.DB().ExecContext(ctx, g.store.Rebind(
		`DELETE FROM core_concurrency_locks WHERE lock_key = ?`), key)
	if err != nil {
		return false, &errors.StorageError{Op: "force release lease", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.StorageError{Op: "force release lease", Cause: err}
	}
	if n > 0 {
		g.logger.Warn("lease force released", "lock_key", key)
	}
	return n > 0, nil
}

// Get returns the current lease for key, expired or not.
func (g *Guard) Get(ctx context.Context, key string) (*Lease, error) {
	row := g.store.DB().QueryRowContext(ctx, g.store.Rebind(`
		SELECT lock_key, owner_execution_id, acquired_at, expires_at
		FROM core_concurrency_locks WHERE lock_key = ?`), key)
	return scanLease(row, key)
}

// List returns all leases, including expired rows not yet cleared.
func (g *Guard) List(ctx context.Context) ([]Lease, error) {
	rows, err := g.store.DB().QueryContext(ctx, `
		SELECT lock_key, owner_execution_id, acquired_at, expires_at
		FROM core_concurrency_locks ORDER BY lock_key`)
	if err != nil {
		return nil, &errors.StorageError{Op: "list leases", Cause: err}
	}
	defer rows.Close()

	var leases []Lease
	for rows.Next() {
		lease, err := scanLease(rows, "")
		if err != nil {
			return nil, err
		}
		leases = append(leases, *lease)
	}
	return leases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner, key string) (*Lease, error) {
	var lease Lease
	var acquired, expires string
	err := row.Scan(&lease.Key, &lease.Owner, &acquired, &expires)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "lease", ID: key}
		}
		return nil, &errors.StorageError{Op: "scan lease", Cause: err}
	}
	if lease.AcquiredAt, err = store.ParseTime(acquired); err != nil {
		return nil, err
	}
	if lease.ExpiresAt, err = store.ParseTime(expires); err != nil {
		return nil, err
	}
	return &lease, nil
}
