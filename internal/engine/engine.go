// Package engine executes queued runs on a worker pool. Every queued
// run is mirrored by a core_work_items row, so a crashed process can
// rebuild its queue from the store on startup.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/metrics"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Executor runs one unit of work. The runner implements this for
// workflows; tasks and pipelines execute through their registered
// handlers.
type Executor interface {
	Execute(ctx context.Context, r *run.Run, token *run.Token) (map[string]any, error)
}

// DeadLetterer receives runs that exhausted their retries.
type DeadLetterer interface {
	Add(ctx context.Context, r *run.Run, errMsg, category string, attempts int) error
}

// Engine is the worker pool.
type Engine struct {
	store    *store.Store
	repo     *run.Repository
	cancels  *run.CancelRegistry
	executor Executor
	dlq      DeadLetterer
	logger   *slog.Logger

	queue   *memQueue
	workers int
	worker  string

	maxRetries int

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Options configures New.
type Options struct {
	Workers    int
	MaxRetries int
	Logger     *slog.Logger
}

// New creates an engine. Executor and DeadLetterer attach afterwards;
// the dispatcher, runner, and DLQ form a cycle that the wiring layer
// closes.
func New(st *store.Store, repo *run.Repository, cancels *run.CancelRegistry, opts Options) *Engine {
	workers := opts.Workers
	if workers < 1 {
		workers = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Engine{
		store:      st,
		repo:       repo,
		cancels:    cancels,
		logger:     logger,
		queue:      newMemQueue(),
		workers:    workers,
		worker:     fmt.Sprintf("%s-%d", host, os.Getpid()),
		maxRetries: opts.MaxRetries,
		stopCh:     make(chan struct{}),
	}
}

// SetExecutor attaches the run executor.
func (e *Engine) SetExecutor(x Executor) { e.executor = x }

// SetDeadLetterer attaches the dead letter queue.
func (e *Engine) SetDeadLetterer(d DeadLetterer) { e.dlq = d }

// Enqueue records a durable work item for the run and queues it.
// Implements run.Enqueuer.
func (e *Engine) Enqueue(ctx context.Context, r *run.Run) error {
	workID := ident.NewID()
	now := store.FormatTime(time.Now())
	_, err := e.store.DB().ExecContext(ctx, e.store.Rebind(`
		INSERT INTO core_work_items
			(id, execution_id, lane, priority, status, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?, ?)`),
		workID, r.ID, r.Lane, r.Priority.Weight(), r.Attempt, now, now)
	if err != nil {
		return &errors.StorageError{Op: "insert work item", Cause: err}
	}
	return e.queue.push(&item{
		Run:        r,
		WorkID:     workID,
		Attempt:    r.Attempt,
		EnqueuedAt: time.Now(),
	})
}

// Recover rebuilds the queue from work items left queued or leased by
// a previous process. Leased items are re-queued; their runs resume
// from the top since step-level resume state lives in the ledger.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, execution_id FROM core_work_items
		WHERE status IN ('queued', 'leased')
		ORDER BY priority, created_at`)
	if err != nil {
		return 0, &errors.StorageError{Op: "query work items", Cause: err}
	}
	type pending struct{ workID, runID string }
	var found []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.workID, &p.runID); err != nil {
			rows.Close()
			return 0, &errors.StorageError{Op: "scan work item", Cause: err}
		}
		found = append(found, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &errors.StorageError{Op: "iterate work items", Cause: err}
	}

	recovered := 0
	for _, p := range found {
		r, err := e.repo.Get(ctx, p.runID)
		if err != nil {
			e.logger.Warn("orphan work item dropped", "work_id", p.workID, errAttr(err))
			_ = e.finishWorkItem(ctx, p.workID, "failed")
			continue
		}
		if r.Status.Terminal() {
			_ = e.finishWorkItem(ctx, p.workID, "done")
			continue
		}
		if err := e.markWorkItem(ctx, p.workID, "queued"); err != nil {
			return recovered, err
		}
		if err := e.queue.push(&item{Run: r, WorkID: p.workID, Attempt: r.Attempt, EnqueuedAt: time.Now()}); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("recovered queued work", "count", recovered)
	}
	return recovered, nil
}

func errAttr(err error) slog.Attr { return slog.Any("error", err) }

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.workerLoop(ctx, i)
		}
		e.logger.Info("engine started", "workers", e.workers)
	})
}

// Stop closes the queue and waits for in-flight work to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.queue.close()
		e.wg.Wait()
		e.logger.Info("engine stopped")
	})
}

// QueueDepth reports the in-memory queue length.
func (e *Engine) QueueDepth() int { return e.queue.len() }

func (e *Engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		it, err := e.queue.pop(ctx)
		if err != nil {
			return
		}
		select {
		case <-e.stopCh:
			// Requeue durably for the next process; the row is still
			// 'queued' so Recover picks it up.
			return
		default:
		}
		e.process(ctx, it)
	}
}

// process executes one item through its full retry budget handling.
func (e *Engine) process(ctx context.Context, it *item) {
	r := it.Run

	if err := e.markWorkItem(ctx, it.WorkID, "leased"); err != nil {
		e.logger.Error("failed to lease work item", "work_id", it.WorkID, errAttr(err))
		return
	}

	// A cancel that landed while queued already moved the run terminal.
	current, err := e.repo.Get(ctx, r.ID)
	if err != nil {
		e.logger.Error("failed to load run", "run_id", r.ID, errAttr(err))
		_ = e.finishWorkItem(ctx, it.WorkID, "failed")
		return
	}
	if current.Status.Terminal() {
		_ = e.finishWorkItem(ctx, it.WorkID, "done")
		return
	}

	token := e.cancels.Register(r.ID)
	defer e.cancels.Release(r.ID)

	if it.Attempt == 1 || current.Status != run.StatusRunning {
		if err := e.repo.UpdateStatus(ctx, r.ID, run.StatusRunning, nil); err != nil {
			e.logger.Error("failed to start run", "run_id", r.ID, errAttr(err))
			_ = e.finishWorkItem(ctx, it.WorkID, "failed")
			return
		}
	}

	metrics.RunStarted()
	started := time.Now()
	result, execErr := e.executor.Execute(ctx, current, token)
	metrics.RunEnded()

	if execErr == nil {
		if err := e.repo.UpdateStatus(ctx, r.ID, run.StatusCompleted, map[string]any{"result": result}); err != nil {
			e.logger.Error("failed to complete run", "run_id", r.ID, errAttr(err))
		}
		metrics.RecordFinish(string(r.Kind), string(run.StatusCompleted))
		_ = e.finishWorkItem(ctx, it.WorkID, "done")
		e.logger.Info("run completed", "run_id", r.ID,
			"duration_ms", time.Since(started).Milliseconds())
		return
	}

	kind := errors.KindOf(execErr)
	if kind == errors.KindCancelled || token.Cancelled() {
		// The dispatcher's cancel already wrote the terminal status;
		// write it here too for runner-internal cancellations. The
		// transition check makes the repeat harmless.
		_ = e.repo.UpdateStatus(ctx, r.ID, run.StatusCancelled,
			map[string]any{"reason": token.Reason()})
		metrics.RecordFinish(string(r.Kind), string(run.StatusCancelled))
		_ = e.finishWorkItem(ctx, it.WorkID, "done")
		return
	}

	budget := current.MaxRetries
	if budget == 0 {
		budget = e.maxRetries
	}
	if errors.IsRetryable(execErr) && it.Attempt <= budget {
		attempt, err := e.repo.IncrementAttempt(ctx, r.ID, current.RetryDelay)
		if err != nil {
			e.logger.Error("failed to record retry", "run_id", r.ID, errAttr(err))
		}
		_ = e.markWorkItem(ctx, it.WorkID, "queued")
		it.Attempt = attempt
		it.NotBefore = time.Now().Add(current.RetryDelay)
		if pushErr := e.queue.push(it); pushErr == nil {
			e.logger.Warn("run retry queued", "run_id", r.ID,
				"attempt", attempt, errAttr(execErr))
			return
		}
	}

	category := errors.Category(execErr)
	if err := e.repo.UpdateStatus(ctx, r.ID, run.StatusFailed, map[string]any{
		"error":    execErr.Error(),
		"category": category,
	}); err != nil {
		e.logger.Error("failed to fail run", "run_id", r.ID, errAttr(err))
	}
	metrics.RecordFinish(string(r.Kind), string(run.StatusFailed))
	_ = e.finishWorkItem(ctx, it.WorkID, "done")
	e.logger.Error("run failed", "run_id", r.ID,
		"category", category, errAttr(execErr))

	if e.dlq != nil {
		if err := e.dlq.Add(ctx, current, execErr.Error(), category, it.Attempt); err != nil {
			e.logger.Error("failed to dead letter run", "run_id", r.ID, errAttr(err))
			return
		}
		if err := e.repo.UpdateStatus(ctx, r.ID, run.StatusDeadLettered, map[string]any{
			"error":    execErr.Error(),
			"category": category,
		}); err != nil {
			e.logger.Error("failed to mark run dead lettered", "run_id", r.ID, errAttr(err))
		}
	}
}

func (e *Engine) markWorkItem(ctx context.Context, workID, status string) error {
	now := store.FormatTime(time.Now())
	var err error
	if status == "leased" {
		_, err = e.store.DB().ExecContext(ctx, e.store.Rebind(`
			UPDATE core_work_items
			SET status = ?, leased_by = ?, leased_at = ?, updated_at = ?
			WHERE id = ?`), status, e.worker, now, now, workID)
	} else {
		_, err = e.store.DB().ExecContext(ctx, e.store.Rebind(`
			UPDATE core_work_items SET status = ?, updated_at = ? WHERE id = ?`),
			status, now, workID)
	}
	if err != nil {
		return &errors.StorageError{Op: "update work item", Cause: err}
	}
	return nil
}

func (e *Engine) finishWorkItem(ctx context.Context, workID, status string) error {
	return e.markWorkItem(ctx, workID, status)
}
