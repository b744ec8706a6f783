// Package ledger is the append-only event store for run executions.
//
// Events are numbered per execution with a seq column assigned inside
// the append transaction, so the sequence is gapless and ordered
// regardless of wall-clock skew between writers.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Event types recorded over a run's lifetime.
const (
	EventCreated       = "created"
	EventQueued        = "queued"
	EventStarted       = "started"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventProgress      = "progress"
	EventHeartbeat     = "heartbeat"
	EventRetryQueued   = "retry_queued"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventCancelled     = "cancelled"
	EventDeadLettered  = "dead_lettered"
)

// Event is one ledger entry.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	Seq         int64          `json:"seq"`
	Type        string         `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Ledger appends and reads execution events.
type Ledger struct {
	store *store.Store
}

// New creates a ledger over the store.
func New(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// Append records an event for an execution. The seq is assigned inside
// the transaction; concurrent appends to the same execution serialize
// on the (execution_id, seq) primary key, retrying once on conflict.
func (l *Ledger) Append(ctx context.Context, executionID, eventType string, data map[string]any) (Event, error) {
	var ev Event
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
			var e error
			ev, e = l.appendTx(ctx, tx, executionID, eventType, data)
			return e
		})
		if err == nil {
			return ev, nil
		}
		if !errors.IsKind(err, errors.KindConflict) {
			// Only a lost seq race is worth retrying; storage errors
			// surface immediately.
			return Event{}, err
		}
		lastErr = err
	}
	return Event{}, lastErr
}

// AppendTx records an event inside an existing transaction, so run
// state changes and their events commit atomically.
func (l *Ledger) AppendTx(ctx context.Context, tx *sql.Tx, executionID, eventType string, data map[string]any) (Event, error) {
	return l.appendTx(ctx, tx, executionID, eventType, data)
}

func (l *Ledger) appendTx(ctx context.Context, tx *sql.Tx, executionID, eventType string, data map[string]any) (Event, error) {
	payload := "{}"
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, &errors.StorageError{Op: "encode event data", Cause: err}
		}
		payload = string(b)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, l.store.Rebind(`
		INSERT INTO core_execution_events (execution_id, seq, event_type, ts, data)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM core_execution_events WHERE execution_id = ?
		ON CONFLICT (execution_id, seq) DO NOTHING`),
		executionID, eventType, store.FormatTime(now), payload, executionID)
	if err != nil {
		return Event{}, &errors.StorageError{Op: "append event", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Event{}, &errors.StorageError{Op: "append event", Cause: err}
	}
	if n == 0 {
		return Event{}, &errors.ConflictError{
			Resource: "execution_event",
			ID:       executionID,
			Reason:   "concurrent append assigned the same seq",
		}
	}

	var seq int64
	row := tx.QueryRowContext(ctx, l.store.Rebind(`
		SELECT MAX(seq) FROM core_execution_events WHERE execution_id = ?`),
		executionID)
	if err := row.Scan(&seq); err != nil {
		return Event{}, &errors.StorageError{Op: "read event seq", Cause: err}
	}

	return Event{
		ExecutionID: executionID,
		Seq:         seq,
		Type:        eventType,
		Timestamp:   now,
		Data:        data,
	}, nil
}

// List returns all events for an execution in seq order.
func (l *Ledger) List(ctx context.Context, executionID string) ([]Event, error) {
	return l.scan(ctx, `
		SELECT execution_id, seq, event_type, ts, data
		FROM core_execution_events
		WHERE execution_id = ?
		ORDER BY seq`, executionID)
}

// ListByType returns an execution's events of one type, in seq order.
func (l *Ledger) ListByType(ctx context.Context, executionID, eventType string) ([]Event, error) {
	return l.scan(ctx, `
		SELECT execution_id, seq, event_type, ts, data
		FROM core_execution_events
		WHERE execution_id = ? AND event_type = ?
		ORDER BY seq`, executionID, eventType)
}

// ScanByType returns events of one type across all executions, newest
// first, optionally bounded by a since time. Serves operational queries
// like "all dead_lettered events in the last hour" off idx_events_type.
func (l *Ledger) ScanByType(ctx context.Context, eventType string, since time.Time, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if !since.IsZero() {
		return l.scan(ctx, `
			SELECT execution_id, seq, event_type, ts, data
			FROM core_execution_events
			WHERE event_type = ? AND ts >= ?
			ORDER BY ts DESC LIMIT ?`, eventType, store.FormatTime(since), limit)
	}
	return l.scan(ctx, `
		SELECT execution_id, seq, event_type, ts, data
		FROM core_execution_events
		WHERE event_type = ?
		ORDER BY ts DESC LIMIT ?`, eventType, limit)
}

// Last returns the most recent event for an execution, or NotFound.
func (l *Ledger) Last(ctx context.Context, executionID string) (Event, error) {
	events, err := l.scan(ctx, `
		SELECT execution_id, seq, event_type, ts, data
		FROM core_execution_events
		WHERE execution_id = ?
		ORDER BY seq DESC LIMIT 1`, executionID)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		return Event{}, &errors.NotFoundError{Resource: "execution_event", ID: executionID}
	}
	return events[0], nil
}

func (l *Ledger) scan(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := l.store.DB().QueryContext(ctx, l.store.Rebind(query), args...)
	if err != nil {
		return nil, &errors.StorageError{Op: "query events", Cause: err}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts, data string
		if err := rows.Scan(&ev.ExecutionID, &ev.Seq, &ev.Type, &ts, &data); err != nil {
			return nil, &errors.StorageError{Op: "scan event", Cause: err}
		}
		if ev.Timestamp, err = store.ParseTime(ts); err != nil {
			return nil, err
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, &errors.StorageError{Op: "decode event data", Cause: err}
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "iterate events", Cause: err}
	}
	return events, nil
}

// Purge deletes events for executions that finished before cutoff.
// Called by the retention job alongside the execution purge.
func (l *Ledger) Purge(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, l.store.Rebind(`
		DELETE FROM core_execution_events
		WHERE execution_id IN (
			SELECT id FROM core_executions
			WHERE finished_at IS NOT NULL AND finished_at < ?
		)`), store.FormatTime(cutoff))
	if err != nil {
		return 0, &errors.StorageError{Op: "purge events", Cause: err}
	}
	return res.RowsAffected()
}
