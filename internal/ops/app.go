// Package ops wires the engine together and exposes its typed
// operations. Every public entry point into the system goes through an
// App; embedders construct one, register handlers and workflows, call
// Start, and drive it through the operation methods.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandkit/strand/internal/anomaly"
	"github.com/strandkit/strand/internal/backfill"
	"github.com/strandkit/strand/internal/config"
	"github.com/strandkit/strand/internal/dlq"
	"github.com/strandkit/strand/internal/engine"
	"github.com/strandkit/strand/internal/guard"
	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/log"
	"github.com/strandkit/strand/internal/quality"
	"github.com/strandkit/strand/internal/registry"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/internal/runner"
	"github.com/strandkit/strand/internal/schedule"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/internal/watermark"
	"github.com/strandkit/strand/pkg/errors"
	"github.com/strandkit/strand/pkg/workflow"
	"log/slog"
)

// App is the assembled engine: store, dispatcher, worker pool, runner,
// scheduler, and the pipeline subsystems, wired into one object.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	ledger     *ledger.Ledger
	repo       *run.Repository
	cancels    *run.CancelRegistry
	dispatcher *run.Dispatcher
	engine     *engine.Engine
	runner     *runner.Runner
	deadQ      *dlq.Queue
	guard      *guard.Guard
	handlers   *registry.Registry
	workflows  *workflow.Registry
	schedRepo  *schedule.Repository
	scheduler  *schedule.Scheduler
	watermarks *watermark.Store
	backfills  *backfill.Planner
	gate       *quality.Gate
	anomalies  *anomaly.Recorder

	metricsSrv *http.Server
}

// New assembles an App from configuration. The store is opened and,
// when init_schema is set, migrated before any subsystem touches it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
	})

	st, err := store.Open(ctx, store.Options{
		URL:                cfg.DatabaseURL,
		DataDir:            cfg.DataDir,
		FallbackToEmbedded: cfg.FallbackToEmbedded,
		Logger:             log.WithComponent(logger, "store"),
	})
	if err != nil {
		return nil, err
	}
	if cfg.SchemaInit() {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	lg := ledger.New(st)
	repo := run.NewRepository(st, lg)
	cancels := run.NewCancelRegistry()
	g := guard.New(st, log.WithComponent(logger, "guard"))
	handlers := registry.New()
	workflows := workflow.NewRegistry()

	dispatcher := run.NewDispatcher(st, repo, lg, cancels, cfg.DefaultLane,
		log.WithComponent(logger, "dispatcher"))
	eng := engine.New(st, repo, cancels, engine.Options{
		Workers:    cfg.MaxConcurrency,
		MaxRetries: cfg.MaxRetries,
		Logger:     log.WithComponent(logger, "engine"),
	})
	rnr := runner.New(workflows, handlers, g, lg, runner.Options{
		LeaseTTL:       cfg.LeaseTTL,
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         log.WithComponent(logger, "runner"),
	})
	deadQ := dlq.New(st, log.WithComponent(logger, "dlq"))

	// Close the dispatcher -> engine -> runner -> dispatcher cycle.
	dispatcher.SetEnqueuer(eng)
	eng.SetExecutor(rnr)
	eng.SetDeadLetterer(deadQ)
	rnr.SetSubmitter(&submitterAdapter{dispatcher: dispatcher, repo: repo})
	deadQ.SetResubmitter(dispatcher)

	schedRepo := schedule.NewRepository(st)
	scheduler := schedule.New(schedRepo, g, dispatcher, &runCounter{store: st},
		cfg.SchedulerTick, log.WithComponent(logger, "scheduler"))

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		ledger:     lg,
		repo:       repo,
		cancels:    cancels,
		dispatcher: dispatcher,
		engine:     eng,
		runner:     rnr,
		deadQ:      deadQ,
		guard:      g,
		handlers:   handlers,
		workflows:  workflows,
		schedRepo:  schedRepo,
		scheduler:  scheduler,
		watermarks: watermark.NewStore(st),
		backfills:  backfill.New(st, log.WithComponent(logger, "backfill")),
		gate:       quality.NewGate(st, log.WithComponent(logger, "quality")),
		anomalies:  anomaly.NewRecorder(st, log.WithComponent(logger, "anomaly")),
	}, nil
}

// Start recovers interrupted work, launches the worker pool and
// scheduler, and exposes metrics when configured.
func (a *App) Start(ctx context.Context) error {
	recovered, err := a.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.logger.Info("recovered interrupted runs", "count", recovered)
	}

	a.engine.Start(ctx)
	a.scheduler.Start(ctx)

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
		a.logger.Info("metrics exposed", "addr", a.cfg.MetricsAddr)
	}
	return nil
}

// Stop drains the scheduler and worker pool, then closes the store.
func (a *App) Stop(ctx context.Context) error {
	a.scheduler.Stop()
	a.engine.Stop()
	if a.metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutCtx)
	}
	return a.store.Close()
}

// Logger returns the root logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Handlers returns the handler registry for task and pipeline
// registration.
func (a *App) Handlers() *registry.Registry { return a.handlers }

// Workflows returns the workflow definition registry.
func (a *App) Workflows() *workflow.Registry { return a.workflows }

// Quality returns the quality gate for check registration.
func (a *App) Quality() *quality.Gate { return a.gate }

// QueueDepth reports the in-memory work queue length.
func (a *App) QueueDepth() int { return a.engine.QueueDepth() }

// submitterAdapter backs runner.Submitter with the dispatcher's submit
// path and the repository's read path.
type submitterAdapter struct {
	dispatcher *run.Dispatcher
	repo       *run.Repository
}

func (s *submitterAdapter) Submit(ctx context.Context, spec run.WorkSpec) (*run.Run, error) {
	return s.dispatcher.Submit(ctx, spec)
}

func (s *submitterAdapter) Get(ctx context.Context, runID string) (*run.Run, error) {
	return s.repo.Get(ctx, runID)
}

// runCounter backs schedule.RunCounter with a live-status count over
// the run ledger.
type runCounter struct {
	store *store.Store
}

func (c *runCounter) CountActive(ctx context.Context, kind run.Kind, name string) (int, error) {
	var n int
	err := c.store.DB().QueryRowContext(ctx, c.store.Rebind(`
		SELECT COUNT(*) FROM core_executions
		WHERE kind = ? AND name = ? AND status IN ('pending', 'queued', 'running')`),
		string(kind), name).Scan(&n)
	if err != nil {
		return 0, &errors.StorageError{Op: "count active runs", Cause: err}
	}
	return n, nil
}
