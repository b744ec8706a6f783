// Package dlq is the dead letter queue: the terminal parking lot for
// runs that exhausted their retries, with operator-driven replay.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/metrics"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Entry is one dead letter.
type Entry struct {
	ID            string         `json:"id"`
	OriginRunID   string         `json:"origin_run_id"`
	Kind          string         `json:"kind"`
	Name          string         `json:"name"`
	Params        map[string]any `json:"params,omitempty"`
	Error         string         `json:"error"`
	ErrorCategory string         `json:"error_category"`
	Attempts      int            `json:"attempts"`
	ReplayedAt    time.Time      `json:"replayed_at,omitempty"`
	ReplayRunID   string         `json:"replay_run_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Replayed reports whether the entry has been replayed.
func (e *Entry) Replayed() bool { return e.ReplayRunID != "" }

// Resubmitter turns a dead letter back into a live run. The
// dispatcher implements it; the indirection breaks the engine → dlq →
// dispatcher → engine cycle.
type Resubmitter interface {
	Submit(ctx context.Context, spec run.WorkSpec) (*run.Run, error)
}

// Queue persists and replays dead letters.
type Queue struct {
	store       *store.Store
	resubmitter Resubmitter
	logger      *slog.Logger
}

// New creates a dead letter queue.
func New(st *store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, logger: logger}
}

// SetResubmitter attaches the replay path.
func (q *Queue) SetResubmitter(r Resubmitter) { q.resubmitter = r }

// Add records a dead letter for a run. Implements engine.DeadLetterer.
func (q *Queue) Add(ctx context.Context, r *run.Run, errMsg, category string, attempts int) error {
	params := "{}"
	if len(r.Params) > 0 {
		b, err := json.Marshal(r.Params)
		if err != nil {
			return &errors.StorageError{Op: "encode dead letter params", Cause: err}
		}
		params = string(b)
	}

	id := ident.NewID()
	_, err := q.store.DB().ExecContext(ctx, q.store.Rebind(`
		INSERT INTO core_dead_letters
			(id, execution_id, kind, name, params, error, error_category, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, r.ID, string(r.Kind), r.Name, params, errMsg, category, attempts,
		store.FormatTime(time.Now()))
	if err != nil {
		return &errors.StorageError{Op: "insert dead letter", Cause: err}
	}

	metrics.RecordDeadLetter(category)
	q.logger.Warn("run dead lettered",
		"dlq_id", id, "run_id", r.ID, "name", r.Name,
		"category", category, "attempts", attempts)
	return nil
}

// Get returns one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	row := q.store.DB().QueryRowContext(ctx, q.store.Rebind(`
		SELECT id, execution_id, kind, name, params, error, error_category,
			attempts, replayed_at, replay_execution_id, created_at
		FROM core_dead_letters WHERE id = ?`), id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "dead_letter", ID: id}
	}
	return e, err
}

// List returns entries newest first. When unreplayedOnly is set,
// already-replayed entries are filtered out.
func (q *Queue) List(ctx context.Context, unreplayedOnly bool, limit, offset int) ([]*Entry, int, error) {
	where := ""
	if unreplayedOnly {
		where = " WHERE replay_execution_id IS NULL"
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var total int
	if err := q.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_dead_letters"+where).Scan(&total); err != nil {
		return nil, 0, &errors.StorageError{Op: "count dead letters", Cause: err}
	}

	rows, err := q.store.DB().QueryContext(ctx, q.store.Rebind(`
		SELECT id, execution_id, kind, name, params, error, error_category,
			attempts, replayed_at, replay_execution_id, created_at
		FROM core_dead_letters`+where+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, &errors.StorageError{Op: "query dead letters", Cause: err}
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// Replay resubmits a dead letter as a fresh run linked to the origin
// through retry_of_run_id. An entry replays at most once.
func (q *Queue) Replay(ctx context.Context, id string) (*run.Run, error) {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Replayed() {
		return nil, &errors.ConflictError{
			Resource: "dead_letter",
			ID:       id,
			Reason:   "already replayed as run " + entry.ReplayRunID,
		}
	}
	if q.resubmitter == nil {
		return nil, &errors.RuntimeUnavailableError{Reason: "no resubmitter attached"}
	}

	replay, err := q.resubmitter.Submit(ctx, run.WorkSpec{
		Kind:          run.Kind(entry.Kind),
		Name:          entry.Name,
		Params:        entry.Params,
		RetryOf:       entry.OriginRunID,
		TriggerSource: "dlq_replay",
		Metadata:      map[string]any{"dlq_id": id, "origin_run_id": entry.OriginRunID},
	})
	if err != nil {
		return nil, err
	}

	_, err = q.store.DB().ExecContext(ctx, q.store.Rebind(`
		UPDATE core_dead_letters
		SET replayed_at = ?, replay_execution_id = ?
		WHERE id = ?`),
		store.FormatTime(time.Now()), replay.ID, id)
	if err != nil {
		return nil, &errors.StorageError{Op: "mark dead letter replayed", Cause: err}
	}

	metrics.RecordReplay()
	q.logger.Info("dead letter replayed",
		"dlq_id", id, "origin_run_id", entry.OriginRunID, "replay_run_id", replay.ID)
	return replay, nil
}

// Purge removes replayed entries older than cutoff.
func (q *Queue) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.store.DB().ExecContext(ctx, q.store.Rebind(`
		DELETE FROM core_dead_letters
		WHERE replay_execution_id IS NOT NULL AND created_at < ?`),
		store.FormatTime(cutoff))
	if err != nil {
		return 0, &errors.StorageError{Op: "purge dead letters", Cause: err}
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var params, createdAt string
	var replayedAt, replayRunID sql.NullString
	err := row.Scan(&e.ID, &e.OriginRunID, &e.Kind, &e.Name, &params,
		&e.Error, &e.ErrorCategory, &e.Attempts, &replayedAt, &replayRunID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &errors.StorageError{Op: "scan dead letter", Cause: err}
	}
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, &errors.StorageError{Op: "decode dead letter params", Cause: err}
		}
	}
	e.ReplayedAt = store.TimeOrZero(replayedAt)
	e.ReplayRunID = replayRunID.String
	if e.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}
