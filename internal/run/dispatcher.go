package run

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/metrics"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Enqueuer hands a durable run to the executor. The engine implements
// this; the dispatcher never executes work itself.
type Enqueuer interface {
	Enqueue(ctx context.Context, r *Run) error
}

// Dispatcher turns WorkSpec submissions into durable runs. It owns the
// idempotency check, retry linking, and cancellation signaling.
type Dispatcher struct {
	store    *store.Store
	repo     *Repository
	ledger   *ledger.Ledger
	cancels  *CancelRegistry
	enqueuer Enqueuer
	logger   *slog.Logger

	defaultLane string
}

// NewDispatcher creates a dispatcher. The enqueuer is attached later
// via SetEnqueuer because the engine needs the dispatcher to exist
// first.
func NewDispatcher(st *store.Store, repo *Repository, lg *ledger.Ledger, cancels *CancelRegistry, defaultLane string, logger *slog.Logger) *Dispatcher {
	if defaultLane == "" {
		defaultLane = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       st,
		repo:        repo,
		ledger:      lg,
		cancels:     cancels,
		logger:      logger,
		defaultLane: defaultLane,
	}
}

// SetEnqueuer attaches the executor. Submissions before this is set
// leave runs pending; Recover picks them up.
func (d *Dispatcher) SetEnqueuer(e Enqueuer) { d.enqueuer = e }

// Repo exposes the underlying repository for read paths.
func (d *Dispatcher) Repo() *Repository { return d.repo }

// Submit creates a run for the spec, or returns the existing run when
// the idempotency key is already held. The created event is durable
// before Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, spec WorkSpec) (*Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if spec.IdempotencyKey != "" && !spec.Force {
		existing, err := d.repo.FindByIdempotencyKey(ctx, spec.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			switch existing.Status {
			case StatusPending, StatusQueued, StatusRunning, StatusCompleted:
				metrics.RecordDeduplicated()
				d.logger.Debug("submission deduplicated",
					"idempotency_key", spec.IdempotencyKey,
					"run_id", existing.ID)
				return existing, nil
			default:
				// failed, cancelled, dead_lettered
				if spec.SkipIfExists {
					metrics.RecordDeduplicated()
					return existing, nil
				}
				// Create a fresh run linked to the failed one.
				return d.create(ctx, spec, existing)
			}
		}
	}

	return d.create(ctx, spec, nil)
}

// create inserts the run row plus its created event, then queues it.
func (d *Dispatcher) create(ctx context.Context, spec WorkSpec, retryOf *Run) (*Run, error) {
	if retryOf == nil && spec.RetryOf != "" {
		prior, err := d.repo.Get(ctx, spec.RetryOf)
		if err != nil {
			return nil, err
		}
		retryOf = prior
	}

	idemKey := spec.IdempotencyKey
	if spec.Force {
		// A forced run must not contend for the key with the run it
		// bypassed; the partial unique index would reject the insert.
		idemKey = ""
	}

	r := &Run{
		ID:             ident.NewID(),
		Kind:           spec.Kind,
		Name:           spec.Name,
		Status:         StatusPending,
		Lane:           spec.Lane,
		Priority:       spec.Priority,
		Params:         spec.Params,
		IdempotencyKey: idemKey,
		ParentRunID:    spec.ParentRunID,
		CorrelationID:  spec.CorrelationID,
		BatchID:        spec.BatchID,
		TriggerSource:  spec.TriggerSource,
		Attempt:        1,
		MaxRetries:     spec.MaxRetries,
		RetryDelay:     spec.RetryDelay,
		Metadata:       spec.Metadata,
		CreatedAt:      time.Now(),
	}
	if r.Lane == "" {
		r.Lane = d.defaultLane
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if r.TriggerSource == "" {
		r.TriggerSource = "api"
	}
	if retryOf != nil {
		r.RetryOfRunID = retryOf.ID
		r.Attempt = retryOf.Attempt + 1
		if r.CorrelationID == "" {
			r.CorrelationID = retryOf.CorrelationID
		}
	}

	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		return d.repo.insertTx(ctx, tx, r)
	})
	if err != nil {
		// A concurrent submission with the same key won the insert
		// race; return the winner.
		if errors.IsKind(err, errors.KindConflict) && spec.IdempotencyKey != "" && !spec.Force {
			winner, ferr := d.repo.FindByIdempotencyKey(ctx, spec.IdempotencyKey)
			if ferr == nil && winner != nil && winner.ID != r.ID {
				metrics.RecordDeduplicated()
				return winner, nil
			}
		}
		return nil, err
	}

	metrics.RecordSubmit(string(r.Kind), r.TriggerSource)
	d.logger.Info("run submitted",
		"run_id", r.ID, "kind", string(r.Kind), "name", r.Name,
		"source", r.TriggerSource)

	return r, d.queue(ctx, r)
}

// queue marks the run queued and hands it to the executor.
func (d *Dispatcher) queue(ctx context.Context, r *Run) error {
	if err := d.repo.UpdateStatus(ctx, r.ID, StatusQueued, nil); err != nil {
		return err
	}
	r.Status = StatusQueued
	if d.enqueuer == nil {
		// No executor attached; the run stays durable and recoverable.
		return nil
	}
	return d.enqueuer.Enqueue(ctx, r)
}

// Cancel transitions a live run to cancelled and signals its token.
// Cancelling finished work is a no-op; other terminal runs return a
// conflict.
func (d *Dispatcher) Cancel(ctx context.Context, runID, reason string) error {
	r, err := d.repo.Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status == StatusCompleted || r.Status == StatusFailed {
		d.logger.Debug("cancel of finished run ignored",
			"run_id", runID, "status", string(r.Status))
		return nil
	}
	if r.Status.Terminal() {
		return &errors.ConflictError{
			Resource: "run",
			ID:       runID,
			Reason:   "already in terminal status " + string(r.Status),
		}
	}

	// Signal first so a running workflow observes cancellation at its
	// next suspension point; the status write races the runner's own
	// terminal write and the transition check settles it.
	d.cancels.Signal(runID, reason)

	err = d.repo.UpdateStatus(ctx, runID, StatusCancelled, map[string]any{"reason": reason})
	if err != nil {
		return err
	}
	metrics.RecordFinish(string(r.Kind), string(StatusCancelled))
	d.logger.Info("run cancelled", "run_id", runID, "reason", reason)
	return nil
}

// Retry creates a new run for a terminal failed or cancelled run,
// linked through retry_of_run_id with an incremented attempt.
func (d *Dispatcher) Retry(ctx context.Context, runID string) (*Run, error) {
	prior, err := d.repo.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch prior.Status {
	case StatusFailed, StatusCancelled, StatusDeadLettered:
	default:
		return nil, &errors.ConflictError{
			Resource: "run",
			ID:       runID,
			Reason:   "only failed or cancelled runs can be retried, status is " + string(prior.Status),
		}
	}

	spec := WorkSpec{
		Kind:          prior.Kind,
		Name:          prior.Name,
		Params:        prior.Params,
		Lane:          prior.Lane,
		Priority:      prior.Priority,
		ParentRunID:   prior.ParentRunID,
		CorrelationID: prior.CorrelationID,
		BatchID:       prior.BatchID,
		TriggerSource: "retry",
		MaxRetries:    prior.MaxRetries,
		RetryDelay:    prior.RetryDelay,
		Metadata:      prior.Metadata,
	}
	return d.create(ctx, spec, prior)
}
