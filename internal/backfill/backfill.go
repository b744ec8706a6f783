// Package backfill plans and drives multi-partition recovery. A plan
// is an ordered list of partition keys with per-key completion
// tracking and an opaque checkpoint, so an interrupted backfill
// resumes where it stopped.
package backfill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Status is a plan's lifecycle state.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Reason classifies why a backfill was planned.
type Reason string

const (
	ReasonGap            Reason = "gap"
	ReasonCorrection     Reason = "correction"
	ReasonSchemaChange   Reason = "schema_change"
	ReasonQualityFailure Reason = "quality_failure"
	ReasonManual         Reason = "manual"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonGap, ReasonCorrection, ReasonSchemaChange, ReasonQualityFailure, ReasonManual:
		return true
	}
	return false
}

// Plan is one backfill.
type Plan struct {
	ID            string            `json:"id"`
	Domain        string            `json:"domain"`
	Source        string            `json:"source"`
	Reason        Reason            `json:"reason"`
	Status        Status            `json:"status"`
	PartitionKeys []string          `json:"partition_keys"`
	CompletedKeys []string          `json:"completed_keys"`
	FailedKeys    map[string]string `json:"failed_keys"`
	Checkpoint    string            `json:"checkpoint,omitempty"`
	RangeStart    string            `json:"range_start,omitempty"`
	RangeEnd      string            `json:"range_end,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Progress returns the completion percentage: accounted keys (done or
// failed) over total keys.
func (p *Plan) Progress() float64 {
	if len(p.PartitionKeys) == 0 {
		return 100
	}
	accounted := len(p.CompletedKeys) + len(p.FailedKeys)
	return 100 * float64(accounted) / float64(len(p.PartitionKeys))
}

// RemainingKeys returns the keys not yet accounted for, in plan order.
func (p *Plan) RemainingKeys() []string {
	done := make(map[string]bool, len(p.CompletedKeys)+len(p.FailedKeys))
	for _, k := range p.CompletedKeys {
		done[k] = true
	}
	for k := range p.FailedKeys {
		done[k] = true
	}
	var remaining []string
	for _, k := range p.PartitionKeys {
		if !done[k] {
			remaining = append(remaining, k)
		}
	}
	return remaining
}

// Planner persists and drives backfill plans.
type Planner struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a planner.
func New(st *store.Store, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{store: st, logger: logger}
}

// Create records a new plan in PLANNED state.
func (pl *Planner) Create(ctx context.Context, domain, source string, partitionKeys []string, reason Reason, rangeStart, rangeEnd string, metadata map[string]any) (*Plan, error) {
	if domain == "" || source == "" {
		return nil, &errors.ValidationError{
			Field:   "domain",
			Message: "domain and source are required",
		}
	}
	if len(partitionKeys) == 0 {
		return nil, &errors.ValidationError{
			Field:   "partition_keys",
			Message: "at least one partition key is required",
		}
	}
	if !reason.Valid() {
		return nil, &errors.ValidationError{
			Field:      "reason",
			Message:    fmt.Sprintf("unknown reason: %s", reason),
			Suggestion: "use gap, correction, schema_change, quality_failure, or manual",
		}
	}
	seen := make(map[string]bool, len(partitionKeys))
	for _, k := range partitionKeys {
		if seen[k] {
			return nil, &errors.ValidationError{
				Field:   "partition_keys",
				Message: "duplicate partition key: " + k,
			}
		}
		seen[k] = true
	}

	now := time.Now()
	p := &Plan{
		ID:            ident.NewID(),
		Domain:        domain,
		Source:        source,
		Reason:        reason,
		Status:        StatusPlanned,
		PartitionKeys: partitionKeys,
		CompletedKeys: []string{},
		FailedKeys:    map[string]string{},
		RangeStart:    rangeStart,
		RangeEnd:      rangeEnd,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	keys, _ := json.Marshal(partitionKeys)
	var meta sql.NullString
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, &errors.StorageError{Op: "encode plan metadata", Cause: err}
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err := pl.store.DB().ExecContext(ctx, pl.store.Rebind(`
		INSERT INTO core_backfill_plans (
			id, domain, source, reason, status, partition_keys,
			completed_keys, failed_keys, range_start, range_end,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, '[]', '{}', ?, ?, ?, ?, ?)`),
		p.ID, domain, source, string(reason), string(StatusPlanned),
		string(keys), store.NullString(rangeStart), store.NullString(rangeEnd),
		meta, store.FormatTime(now), store.FormatTime(now))
	if err != nil {
		return nil, &errors.StorageError{Op: "insert backfill plan", Cause: err}
	}

	pl.logger.Info("backfill plan created",
		"plan_id", p.ID, "domain", domain, "source", source,
		"reason", string(reason), "partitions", len(partitionKeys))
	return p, nil
}

// Get returns one plan by id.
func (pl *Planner) Get(ctx context.Context, id string) (*Plan, error) {
	row := pl.store.DB().QueryRowContext(ctx, pl.store.Rebind(`
		SELECT id, domain, source, reason, status, partition_keys,
			completed_keys, failed_keys, checkpoint, range_start, range_end,
			metadata, created_at, updated_at
		FROM core_backfill_plans WHERE id = ?`), id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "backfill_plan", ID: id}
	}
	return p, err
}

// List returns plans, optionally filtered by status, newest first.
func (pl *Planner) List(ctx context.Context, status Status, limit int) ([]*Plan, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, domain, source, reason, status, partition_keys,
		completed_keys, failed_keys, checkpoint, range_start, range_end,
		metadata, created_at, updated_at
		FROM core_backfill_plans`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := pl.store.DB().QueryContext(ctx, pl.store.Rebind(query), args...)
	if err != nil {
		return nil, &errors.StorageError{Op: "query backfill plans", Cause: err}
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Start moves a planned or failed plan to running. Restarting a failed
// plan clears its failure records so those keys retry; completed keys
// stay accounted for.
func (pl *Planner) Start(ctx context.Context, id string) (*Plan, error) {
	return pl.mutate(ctx, id, func(p *Plan) error {
		switch p.Status {
		case StatusPlanned:
		case StatusFailed:
			p.FailedKeys = map[string]string{}
		default:
			return &errors.ConflictError{
				Resource: "backfill_plan",
				ID:       id,
				Reason:   "can only start a planned or failed plan, status is " + string(p.Status),
			}
		}
		p.Status = StatusRunning
		return nil
	})
}

// MarkPartitionDone records a key as completed. When every key is
// accounted for, the plan auto-transitions: completed when nothing
// failed, failed otherwise.
func (pl *Planner) MarkPartitionDone(ctx context.Context, id, key string) (*Plan, error) {
	return pl.mutate(ctx, id, func(p *Plan) error {
		if err := p.checkMutable(key); err != nil {
			return err
		}
		p.CompletedKeys = append(p.CompletedKeys, key)
		p.settle()
		return nil
	})
}

// MarkPartitionFailed records a key's failure.
func (pl *Planner) MarkPartitionFailed(ctx context.Context, id, key, errMsg string) (*Plan, error) {
	return pl.mutate(ctx, id, func(p *Plan) error {
		if err := p.checkMutable(key); err != nil {
			return err
		}
		p.FailedKeys[key] = errMsg
		p.settle()
		return nil
	})
}

// SaveCheckpoint stores an opaque resume marker on a running plan.
func (pl *Planner) SaveCheckpoint(ctx context.Context, id, checkpoint string) (*Plan, error) {
	return pl.mutate(ctx, id, func(p *Plan) error {
		if p.Status.Terminal() {
			return &errors.ConflictError{
				Resource: "backfill_plan",
				ID:       id,
				Reason:   "plan is terminal",
			}
		}
		p.Checkpoint = checkpoint
		return nil
	})
}

// Cancel moves a non-terminal plan to cancelled.
func (pl *Planner) Cancel(ctx context.Context, id string) (*Plan, error) {
	return pl.mutate(ctx, id, func(p *Plan) error {
		if p.Status.Terminal() {
			return &errors.ConflictError{
				Resource: "backfill_plan",
				ID:       id,
				Reason:   "plan is already terminal",
			}
		}
		p.Status = StatusCancelled
		return nil
	})
}

// checkMutable validates a partition mark against the plan state.
func (p *Plan) checkMutable(key string) error {
	if p.Status != StatusRunning {
		return &errors.ConflictError{
			Resource: "backfill_plan",
			ID:       p.ID,
			Reason:   "plan is not running",
		}
	}
	found := false
	for _, k := range p.PartitionKeys {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		return &errors.ValidationError{
			Field:   "partition_key",
			Message: fmt.Sprintf("key %s is not part of the plan", key),
		}
	}
	for _, k := range p.CompletedKeys {
		if k == key {
			return &errors.ConflictError{
				Resource: "backfill_plan",
				ID:       p.ID,
				Reason:   "key already completed: " + key,
			}
		}
	}
	if _, failed := p.FailedKeys[key]; failed {
		return &errors.ConflictError{
			Resource: "backfill_plan",
			ID:       p.ID,
			Reason:   "key already failed: " + key,
		}
	}
	return nil
}

// settle applies the auto-transition once every key is accounted for.
func (p *Plan) settle() {
	if len(p.CompletedKeys)+len(p.FailedKeys) < len(p.PartitionKeys) {
		return
	}
	if len(p.FailedKeys) == 0 {
		p.Status = StatusCompleted
	} else {
		p.Status = StatusFailed
	}
}

// mutate loads, applies fn, and writes back in one transaction.
func (pl *Planner) mutate(ctx context.Context, id string, fn func(*Plan) error) (*Plan, error) {
	var out *Plan
	err := pl.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, pl.store.Rebind(`
			SELECT id, domain, source, reason, status, partition_keys,
				completed_keys, failed_keys, checkpoint, range_start, range_end,
				metadata, created_at, updated_at
			FROM core_backfill_plans WHERE id = ?`), id)
		p, err := scanPlan(row)
		if err == sql.ErrNoRows {
			return &errors.NotFoundError{Resource: "backfill_plan", ID: id}
		}
		if err != nil {
			return err
		}

		if err := fn(p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now()

		completed, _ := json.Marshal(p.CompletedKeys)
		failed, _ := json.Marshal(p.FailedKeys)
		_, err = tx.ExecContext(ctx, pl.store.Rebind(`
			UPDATE core_backfill_plans
			SET status = ?, completed_keys = ?, failed_keys = ?,
				checkpoint = ?, updated_at = ?
			WHERE id = ?`),
			string(p.Status), string(completed), string(failed),
			store.NullString(p.Checkpoint), store.FormatTime(p.UpdatedAt), id)
		if err != nil {
			return &errors.StorageError{Op: "update backfill plan", Cause: err}
		}
		out = p
		return nil
	})
	return out, err
}

// PartitionHandler processes one partition during Run.
type PartitionHandler func(ctx context.Context, plan *Plan, partitionKey string) error

// Run drives a plan to completion: starts it if planned or failed,
// then walks the remaining keys in order, marking each done or failed
// and checkpointing after every key. Returns the settled plan.
func (pl *Planner) Run(ctx context.Context, id string, handler PartitionHandler) (*Plan, error) {
	p, err := pl.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusPlanned || p.Status == StatusFailed {
		if p, err = pl.Start(ctx, id); err != nil {
			return nil, err
		}
	}
	if p.Status != StatusRunning {
		return nil, &errors.ConflictError{
			Resource: "backfill_plan",
			ID:       id,
			Reason:   "plan is not runnable, status is " + string(p.Status),
		}
	}

	for _, key := range p.RemainingKeys() {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if herr := handler(ctx, p, key); herr != nil {
			if p, err = pl.MarkPartitionFailed(ctx, id, key, herr.Error()); err != nil {
				return nil, err
			}
		} else {
			if p, err = pl.MarkPartitionDone(ctx, id, key); err != nil {
				return nil, err
			}
		}
		if _, err = pl.SaveCheckpoint(ctx, id, key); err != nil && !errors.IsKind(err, errors.KindConflict) {
			return nil, err
		}
		if p.Status.Terminal() {
			break
		}
	}

	pl.logger.Info("backfill run finished",
		"plan_id", id, "status", string(p.Status),
		"progress_pct", int(p.Progress()))
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var p Plan
	var reason, status, keys, completed, failed string
	var checkpoint, rangeStart, rangeEnd, metadata sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Domain, &p.Source, &reason, &status, &keys,
		&completed, &failed, &checkpoint, &rangeStart, &rangeEnd,
		&metadata, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &errors.StorageError{Op: "scan backfill plan", Cause: err}
	}

	p.Reason = Reason(reason)
	p.Status = Status(status)
	p.Checkpoint = checkpoint.String
	p.RangeStart = rangeStart.String
	p.RangeEnd = rangeEnd.String

	if err := json.Unmarshal([]byte(keys), &p.PartitionKeys); err != nil {
		return nil, &errors.StorageError{Op: "decode partition keys", Cause: err}
	}
	if err := json.Unmarshal([]byte(completed), &p.CompletedKeys); err != nil {
		return nil, &errors.StorageError{Op: "decode completed keys", Cause: err}
	}
	if err := json.Unmarshal([]byte(failed), &p.FailedKeys); err != nil {
		return nil, &errors.StorageError{Op: "decode failed keys", Cause: err}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return nil, &errors.StorageError{Op: "decode plan metadata", Cause: err}
		}
	}
	if p.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if p.CompletedKeys == nil {
		p.CompletedKeys = []string{}
	}
	if p.FailedKeys == nil {
		p.FailedKeys = map[string]string{}
	}
	return &p, nil
}
