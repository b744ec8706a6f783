package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

const runColumns = `id, kind, name, status, lane, priority, params, result,
	error, error_category, idempotency_key, parent_execution_id,
	retry_of_execution_id, correlation_id, batch_id, trigger_source,
	attempt, max_retries, retry_delay_seconds, metadata,
	created_at, started_at, finished_at`

// Repository persists runs and keeps the status column in step with
// the event ledger. Status updates and their events commit in one
// transaction.
type Repository struct {
	store  *store.Store
	ledger *ledger.Ledger
}

// NewRepository creates a run repository.
func NewRepository(st *store.Store, lg *ledger.Ledger) *Repository {
	return &Repository{store: st, ledger: lg}
}

// insertTx writes a new run row and its created event atomically.
func (r *Repository) insertTx(ctx context.Context, tx *sql.Tx, run *Run) error {
	params, err := encodeMap(run.Params)
	if err != nil {
		return err
	}
	metadata, err := encodeMapOrNull(run.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.store.Rebind(`
		INSERT INTO core_executions (
			id, kind, name, status, lane, priority, params,
			idempotency_key, parent_execution_id, retry_of_execution_id,
			correlation_id, batch_id, trigger_source,
			attempt, max_retries, retry_delay_seconds, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, string(run.Kind), run.Name, string(run.Status), run.Lane,
		string(run.Priority), params,
		store.NullString(run.IdempotencyKey),
		store.NullString(run.ParentRunID),
		store.NullString(run.RetryOfRunID),
		store.NullString(run.CorrelationID),
		store.NullString(run.BatchID),
		run.TriggerSource,
		run.Attempt, run.MaxRetries, int(run.RetryDelay.Seconds()),
		metadata, store.FormatTime(run.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{
				Resource: "run",
				ID:       run.IdempotencyKey,
				Reason:   "idempotency key already held by a live run",
			}
		}
		return &errors.StorageError{Op: "insert run", Cause: err}
	}

	_, err = r.ledger.AppendTx(ctx, tx, run.ID, ledger.EventCreated, map[string]any{
		"kind":   string(run.Kind),
		"name":   run.Name,
		"source": run.TriggerSource,
	})
	return err
}

// Get returns one run by id.
func (r *Repository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.store.DB().QueryRowContext(ctx, r.store.Rebind(
		`SELECT `+runColumns+` FROM core_executions WHERE id = ?`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run, err
}

// FindByIdempotencyKey returns the most recent run holding the key,
// or nil when none exists.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	row := r.store.DB().QueryRowContext(ctx, r.store.Rebind(`
		SELECT `+runColumns+` FROM core_executions
		WHERE idempotency_key = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// List returns runs matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter, p Page) ([]*Run, int, error) {
	where, args := buildFilter(f)

	var total int
	countQ := "SELECT COUNT(*) FROM core_executions" + where
	if err := r.store.DB().QueryRowContext(ctx, r.store.Rebind(countQ), args...).Scan(&total); err != nil {
		return nil, 0, &errors.StorageError{Op: "count runs", Cause: err}
	}

	limit := p.limitOrDefault()
	query := `SELECT ` + runColumns + ` FROM core_executions` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, p.Offset)

	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(query), args...)
	if err != nil {
		return nil, 0, &errors.StorageError{Op: "query runs", Cause: err}
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &errors.StorageError{Op: "iterate runs", Cause: err}
	}
	return runs, total, nil
}

// Children returns the runs spawned by a parent, oldest first.
func (r *Repository) Children(ctx context.Context, parentID string) ([]*Run, error) {
	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(`
		SELECT `+runColumns+` FROM core_executions
		WHERE parent_execution_id = ?
		ORDER BY created_at, id`), parentID)
	if err != nil {
		return nil, &errors.StorageError{Op: "query children", Cause: err}
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateStatus transitions a run and appends the matching event in one
// transaction. Terminal transitions set finished_at; entering running
// sets started_at. Invalid transitions return a conflict.
func (r *Repository) UpdateStatus(ctx context.Context, id string, to Status, payload map[string]any) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		row := tx.QueryRowContext(ctx, r.store.Rebind(
			`SELECT status FROM core_executions WHERE id = ?`), id)
		if err := row.Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return &errors.NotFoundError{Resource: "run", ID: id}
			}
			return &errors.StorageError{Op: "read run status", Cause: err}
		}

		from := Status(current)
		if from == to {
			// Idempotent repeat of the same transition.
			return nil
		}
		if !CanTransition(from, to) {
			return &errors.ConflictError{
				Resource: "run",
				ID:       id,
				Reason:   fmt.Sprintf("illegal transition %s -> %s", from, to),
			}
		}

		now := time.Now()
		sets := []string{"status = ?"}
		args := []any{string(to)}
		if to == StatusRunning {
			sets = append(sets, "started_at = ?")
			args = append(args, store.FormatTime(now))
		}
		if to.Terminal() {
			sets = append(sets, "finished_at = ?")
			args = append(args, store.FormatTime(now))
		}
		if msg, ok := payload["error"].(string); ok && msg != "" {
			sets = append(sets, "error = ?")
			args = append(args, msg)
		}
		if cat, ok := payload["category"].(string); ok && cat != "" {
			sets = append(sets, "error_category = ?")
			args = append(args, cat)
		}
		if result, ok := payload["result"].(map[string]any); ok {
			encoded, err := encodeMap(result)
			if err != nil {
				return err
			}
			sets = append(sets, "result = ?")
			args = append(args, encoded)
		}
		args = append(args, id)

		_, err := tx.ExecContext(ctx, r.store.Rebind(
			`UPDATE core_executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
		if err != nil {
			return &errors.StorageError{Op: "update run status", Cause: err}
		}

		_, err = r.ledger.AppendTx(ctx, tx, id, eventForStatus(to), payload)
		return err
	})
}

// eventForStatus maps a target status to its ledger event type.
func eventForStatus(s Status) string {
	switch s {
	case StatusQueued:
		return ledger.EventQueued
	case StatusRunning:
		return ledger.EventStarted
	case StatusCompleted:
		return ledger.EventCompleted
	case StatusFailed:
		return ledger.EventFailed
	case StatusCancelled:
		return ledger.EventCancelled
	case StatusDeadLettered:
		return ledger.EventDeadLettered
	default:
		return ledger.EventProgress
	}
}

// IncrementAttempt bumps the attempt counter and records the retry in
// the ledger. Used by the automatic retry path; the run keeps its
// status while attempts continue.
func (r *Repository) IncrementAttempt(ctx context.Context, id string, delay time.Duration) (int, error) {
	var attempt int
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, r.store.Rebind(
			`SELECT attempt FROM core_executions WHERE id = ?`), id)
		if err := row.Scan(&attempt); err != nil {
			if err == sql.ErrNoRows {
				return &errors.NotFoundError{Resource: "run", ID: id}
			}
			return &errors.StorageError{Op: "read attempt", Cause: err}
		}
		attempt++
		if _, err := tx.ExecContext(ctx, r.store.Rebind(
			`UPDATE core_executions SET attempt = ? WHERE id = ?`), attempt, id); err != nil {
			return &errors.StorageError{Op: "update attempt", Cause: err}
		}
		_, err := r.ledger.AppendTx(ctx, tx, id, ledger.EventRetryQueued, map[string]any{
			"attempt":       attempt,
			"delay_seconds": int(delay.Seconds()),
		})
		return err
	})
	return attempt, err
}

// Purge deletes terminal runs that finished before cutoff, along with
// their events. Returns the runs and events removed.
func (r *Repository) Purge(ctx context.Context, cutoff time.Time) (runs, events int64, err error) {
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var e error
		if events, e = r.ledger.Purge(ctx, tx, cutoff); e != nil {
			return e
		}
		res, e := tx.ExecContext(ctx, r.store.Rebind(`
			DELETE FROM core_executions
			WHERE finished_at IS NOT NULL AND finished_at < ?`),
			store.FormatTime(cutoff))
		if e != nil {
			return &errors.StorageError{Op: "purge runs", Cause: e}
		}
		runs, e = res.RowsAffected()
		return e
	})
	return runs, events, err
}

func buildFilter(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Kind != "" {
		add("kind = ?", string(f.Kind))
	}
	if f.Name != "" {
		add("name = ?", f.Name)
	}
	if f.Lane != "" {
		add("lane = ?", f.Lane)
	}
	if f.ParentRunID != "" {
		add("parent_execution_id = ?", f.ParentRunID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = ?", f.CorrelationID)
	}
	if f.BatchID != "" {
		add("batch_id = ?", f.BatchID)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", store.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add("created_at < ?", store.FormatTime(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var params string
	var result, errMsg, errCat, idemKey, parentID, retryOf sql.NullString
	var corrID, batchID, metadata sql.NullString
	var retryDelaySecs int
	var createdAt string
	var startedAt, finishedAt sql.NullString
	var kind, status, priority string

	err := row.Scan(&run.ID, &kind, &run.Name, &status, &run.Lane, &priority,
		&params, &result, &errMsg, &errCat, &idemKey, &parentID, &retryOf,
		&corrID, &batchID, &run.TriggerSource,
		&run.Attempt, &run.MaxRetries, &retryDelaySecs, &metadata,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &errors.StorageError{Op: "scan run", Cause: err}
	}

	run.Kind = Kind(kind)
	run.Status = Status(status)
	run.Priority = Priority(priority)
	run.Error = errMsg.String
	run.ErrorCategory = errCat.String
	run.IdempotencyKey = idemKey.String
	run.ParentRunID = parentID.String
	run.RetryOfRunID = retryOf.String
	run.CorrelationID = corrID.String
	run.BatchID = batchID.String
	run.RetryDelay = time.Duration(retryDelaySecs) * time.Second

	if run.Params, err = decodeMap(params); err != nil {
		return nil, err
	}
	if result.Valid {
		if run.Result, err = decodeMap(result.String); err != nil {
			return nil, err
		}
	}
	if metadata.Valid {
		if run.Metadata, err = decodeMap(metadata.String); err != nil {
			return nil, err
		}
	}
	if run.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	run.StartedAt = store.TimeOrZero(startedAt)
	run.FinishedAt = store.TimeOrZero(finishedAt)
	return &run, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", &errors.StorageError{Op: "encode json", Cause: err}
	}
	return string(b), nil
}

func encodeMapOrNull(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	s, err := encodeMap(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, &errors.StorageError{Op: "decode json", Cause: err}
	}
	return m, nil
}

// isUniqueViolation matches unique-index failures from both backends.
// SQLite reports "UNIQUE constraint failed"; PostgreSQL reports
// SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value")
}
