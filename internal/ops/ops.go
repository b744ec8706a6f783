package ops

import (
	"context"
	"time"

	"github.com/strandkit/strand/internal/anomaly"
	"github.com/strandkit/strand/internal/backfill"
	"github.com/strandkit/strand/internal/dlq"
	"github.com/strandkit/strand/internal/guard"
	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/quality"
	"github.com/strandkit/strand/internal/registry"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/internal/schedule"
	"github.com/strandkit/strand/internal/watermark"
	"github.com/strandkit/strand/pkg/errors"
	"github.com/strandkit/strand/pkg/workflow"
)

// --- Runs ---

// SubmitRun accepts a work spec and returns the created (or
// deduplicated) run.
func (a *App) SubmitRun(ctx context.Context, spec run.WorkSpec) Result[*run.Run] {
	r, err := a.dispatcher.Submit(ctx, spec)
	if err != nil {
		return fail[*run.Run](err)
	}
	return ok(r)
}

// GetRun returns one run by id.
func (a *App) GetRun(ctx context.Context, runID string) Result[*run.Run] {
	r, err := a.repo.Get(ctx, runID)
	if err != nil {
		return fail[*run.Run](err)
	}
	return ok(r)
}

// ListRuns returns runs matching the filter, newest first.
func (a *App) ListRuns(ctx context.Context, f run.Filter, p run.Page) Result[[]*run.Run] {
	runs, total, err := a.repo.List(ctx, f, p)
	if err != nil {
		return fail[[]*run.Run](err)
	}
	return paged(runs, total, p.Limit, p.Offset)
}

// ListChildRuns returns the runs a parent spawned, oldest first.
func (a *App) ListChildRuns(ctx context.Context, parentID string) Result[[]*run.Run] {
	runs, err := a.repo.Children(ctx, parentID)
	if err != nil {
		return fail[[]*run.Run](err)
	}
	return ok(runs)
}

// CancelRun cancels a live run and returns its final state.
func (a *App) CancelRun(ctx context.Context, runID, reason string) Result[*run.Run] {
	if err := a.dispatcher.Cancel(ctx, runID, reason); err != nil {
		return fail[*run.Run](err)
	}
	return a.GetRun(ctx, runID)
}

// RetryRun resubmits a terminal failed or cancelled run as a new run
// linked through retry_of_run_id.
func (a *App) RetryRun(ctx context.Context, runID string) Result[*run.Run] {
	r, err := a.dispatcher.Retry(ctx, runID)
	if err != nil {
		return fail[*run.Run](err)
	}
	return ok(r)
}

// GetRunEvents returns a run's full event history in sequence order.
func (a *App) GetRunEvents(ctx context.Context, runID string) Result[[]ledger.Event] {
	if _, err := a.repo.Get(ctx, runID); err != nil {
		return fail[[]ledger.Event](err)
	}
	events, err := a.ledger.List(ctx, runID)
	if err != nil {
		return fail[[]ledger.Event](err)
	}
	return ok(events)
}

// ScanEvents returns events of one type across all runs, newest first,
// optionally bounded by a since time. Zero since means no bound.
func (a *App) ScanEvents(ctx context.Context, eventType string, since time.Time, limit int) Result[[]ledger.Event] {
	events, err := a.ledger.ScanByType(ctx, eventType, since, limit)
	if err != nil {
		return fail[[]ledger.Event](err)
	}
	return ok(events)
}

// --- Workflows and handlers ---

// RegisterWorkflow validates and registers a workflow definition.
func (a *App) RegisterWorkflow(def *workflow.Definition) Result[*workflow.Definition] {
	if err := a.workflows.Register(def); err != nil {
		return fail[*workflow.Definition](err)
	}
	return ok(def)
}

// RegisterWorkflowYAML parses and registers a YAML workflow definition.
func (a *App) RegisterWorkflowYAML(data []byte) Result[*workflow.Definition] {
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return fail[*workflow.Definition](err)
	}
	return a.RegisterWorkflow(def)
}

// GetWorkflow returns one registered definition.
func (a *App) GetWorkflow(name string) Result[*workflow.Definition] {
	def, err := a.workflows.Get(name)
	if err != nil {
		return fail[*workflow.Definition](err)
	}
	return ok(def)
}

// ListWorkflows returns all registered definitions sorted by name.
func (a *App) ListWorkflows() Result[[]*workflow.Definition] {
	return ok(a.workflows.List())
}

// RunWorkflow submits a run for a registered workflow. Unknown names
// fail fast instead of failing inside a worker.
func (a *App) RunWorkflow(ctx context.Context, name string, params map[string]any, idempotencyKey string) Result[*run.Run] {
	if _, err := a.workflows.Get(name); err != nil {
		return fail[*run.Run](err)
	}
	return a.SubmitRun(ctx, run.WorkSpec{
		Kind:           run.KindWorkflow,
		Name:           name,
		Params:         params,
		IdempotencyKey: idempotencyKey,
	})
}

// RegisterHandler registers an executable handler under (kind, name).
func (a *App) RegisterHandler(kind, name, description string, h workflow.Handler) Result[registry.Meta] {
	if err := a.handlers.Register(kind, name, description, h); err != nil {
		return fail[registry.Meta](err)
	}
	return ok(registry.Meta{Kind: kind, Name: name, Description: description})
}

// ListHandlers returns metadata for every registered handler.
func (a *App) ListHandlers() Result[[]registry.Meta] {
	return ok(a.handlers.List())
}

// --- Schedules ---

// CreateSchedule validates and persists a schedule. MisfireGrace
// defaults from configuration when unset.
func (a *App) CreateSchedule(ctx context.Context, s *schedule.Schedule) Result[*schedule.Schedule] {
	if s != nil && s.MisfireGrace == 0 {
		s.MisfireGrace = a.cfg.MisfireGrace
	}
	created, err := a.schedRepo.Create(ctx, s)
	if err != nil {
		return fail[*schedule.Schedule](err)
	}
	return ok(created)
}

// GetSchedule returns one schedule by id.
func (a *App) GetSchedule(ctx context.Context, id string) Result[*schedule.Schedule] {
	s, err := a.schedRepo.Get(ctx, id)
	if err != nil {
		return fail[*schedule.Schedule](err)
	}
	return ok(s)
}

// ListSchedules returns all schedules ordered by name.
func (a *App) ListSchedules(ctx context.Context) Result[[]*schedule.Schedule] {
	schedules, err := a.schedRepo.List(ctx)
	if err != nil {
		return fail[[]*schedule.Schedule](err)
	}
	return ok(schedules)
}

// SetScheduleEnabled toggles a schedule, recomputing next_run_at on
// re-enable.
func (a *App) SetScheduleEnabled(ctx context.Context, id string, enabled bool) Result[*schedule.Schedule] {
	if err := a.schedRepo.SetEnabled(ctx, id, enabled); err != nil {
		return fail[*schedule.Schedule](err)
	}
	return a.GetSchedule(ctx, id)
}

// DeleteSchedule removes a schedule and its firing history.
func (a *App) DeleteSchedule(ctx context.Context, id string) Result[bool] {
	if err := a.schedRepo.Delete(ctx, id); err != nil {
		return fail[bool](err)
	}
	return ok(true)
}

// GetScheduleRuns returns a schedule's firing history, newest first.
func (a *App) GetScheduleRuns(ctx context.Context, id string, limit int) Result[[]*schedule.ScheduleRun] {
	if _, err := a.schedRepo.Get(ctx, id); err != nil {
		return fail[[]*schedule.ScheduleRun](err)
	}
	runs, err := a.schedRepo.Runs(ctx, id, limit)
	if err != nil {
		return fail[[]*schedule.ScheduleRun](err)
	}
	return ok(runs)
}

// TickScheduler runs one scheduler pass immediately. Used by the CLI
// and by deployments that drive ticks externally.
func (a *App) TickScheduler(ctx context.Context) Result[bool] {
	if err := a.scheduler.Tick(ctx); err != nil {
		return fail[bool](err)
	}
	return ok(true)
}

// --- Dead letters ---

// ListDeadLetters returns dead letter entries, newest first.
func (a *App) ListDeadLetters(ctx context.Context, unreplayedOnly bool, limit, offset int) Result[[]*dlq.Entry] {
	entries, total, err := a.deadQ.List(ctx, unreplayedOnly, limit, offset)
	if err != nil {
		return fail[[]*dlq.Entry](err)
	}
	return paged(entries, total, limit, offset)
}

// GetDeadLetter returns one dead letter entry.
func (a *App) GetDeadLetter(ctx context.Context, id string) Result[*dlq.Entry] {
	e, err := a.deadQ.Get(ctx, id)
	if err != nil {
		return fail[*dlq.Entry](err)
	}
	return ok(e)
}

// ReplayDeadLetter resubmits a dead letter as a fresh run. Each entry
// replays at most once.
func (a *App) ReplayDeadLetter(ctx context.Context, id string) Result[*run.Run] {
	r, err := a.deadQ.Replay(ctx, id)
	if err != nil {
		return fail[*run.Run](err)
	}
	return ok(r)
}

// --- Concurrency leases ---

// ListLocks returns all concurrency leases, expired rows included.
func (a *App) ListLocks(ctx context.Context) Result[[]guard.Lease] {
	leases, err := a.guard.List(ctx)
	if err != nil {
		return fail[[]guard.Lease](err)
	}
	return ok(leases)
}

// ForceReleaseLock drops a lease regardless of owner. Operator use
// only; a run still holding it will fail its own release harmlessly.
func (a *App) ForceReleaseLock(ctx context.Context, key string) Result[bool] {
	released, err := a.guard.ForceRelease(ctx, key)
	if err != nil {
		return fail[bool](err)
	}
	return ok(released)
}

// ListScheduleLocks returns all schedule firing leases.
func (a *App) ListScheduleLocks(ctx context.Context) Result[[]guard.ScheduleLease] {
	leases, err := a.guard.ListSchedules(ctx)
	if err != nil {
		return fail[[]guard.ScheduleLease](err)
	}
	return ok(leases)
}

// ForceReleaseScheduleLock drops a schedule firing lease.
func (a *App) ForceReleaseScheduleLock(ctx context.Context, scheduleID string) Result[bool] {
	released, err := a.guard.ForceReleaseSchedule(ctx, scheduleID)
	if err != nil {
		return fail[bool](err)
	}
	return ok(released)
}

// --- Watermarks, manifest, readiness ---

// AdvanceWatermark moves an ingest high-water mark forward. Stale
// advances return the unchanged watermark.
func (a *App) AdvanceWatermark(ctx context.Context, domain, source, partitionKey, highWater, lowWater string, metadata map[string]any) Result[*watermark.Watermark] {
	w, err := a.watermarks.Advance(ctx, domain, source, partitionKey, highWater, lowWater, metadata)
	if err != nil {
		return fail[*watermark.Watermark](err)
	}
	return ok(w)
}

// GetWatermark returns one watermark.
func (a *App) GetWatermark(ctx context.Context, domain, source, partitionKey string) Result[*watermark.Watermark] {
	w, err := a.watermarks.Get(ctx, domain, source, partitionKey)
	if err != nil {
		return fail[*watermark.Watermark](err)
	}
	return ok(w)
}

// ListWatermarks returns watermarks, optionally filtered by domain.
func (a *App) ListWatermarks(ctx context.Context, domain string) Result[[]*watermark.Watermark] {
	marks, err := a.watermarks.ListAll(ctx, domain)
	if err != nil {
		return fail[[]*watermark.Watermark](err)
	}
	return ok(marks)
}

// ListWatermarkGaps names expected partitions with no watermark.
func (a *App) ListWatermarkGaps(ctx context.Context, domain, source string, expected []string) Result[[]watermark.Gap] {
	gaps, err := a.watermarks.ListGaps(ctx, domain, source, expected)
	if err != nil {
		return fail[[]watermark.Gap](err)
	}
	return ok(gaps)
}

// DeleteWatermark removes a watermark, e.g. before a full re-ingest.
func (a *App) DeleteWatermark(ctx context.Context, domain, source, partitionKey string) Result[bool] {
	deleted, err := a.watermarks.Delete(ctx, domain, source, partitionKey)
	if err != nil {
		return fail[bool](err)
	}
	return ok(deleted)
}

// MarkStageComplete records a stage-completion manifest entry.
func (a *App) MarkStageComplete(ctx context.Context, e watermark.ManifestEntry) Result[bool] {
	if err := a.watermarks.MarkStage(ctx, e); err != nil {
		return fail[bool](err)
	}
	return ok(true)
}

// ListStages returns the completed stages for a (domain, partition).
func (a *App) ListStages(ctx context.Context, domain, partitionKey string) Result[[]watermark.ManifestEntry] {
	entries, err := a.watermarks.Stages(ctx, domain, partitionKey)
	if err != nil {
		return fail[[]watermark.ManifestEntry](err)
	}
	return ok(entries)
}

// CertifyReadiness marks a partition complete for downstream
// consumption.
func (a *App) CertifyReadiness(ctx context.Context, domain, partitionKey, certifiedBy string, metadata map[string]any) Result[*watermark.Readiness] {
	r, err := a.watermarks.Certify(ctx, domain, partitionKey, certifiedBy, metadata)
	if err != nil {
		return fail[*watermark.Readiness](err)
	}
	return ok(r)
}

// ReadinessStatus is the answer to a readiness check.
type ReadinessStatus struct {
	Ready         bool                 `json:"ready"`
	Certification *watermark.Readiness `json:"certification,omitempty"`
}

// CheckDataReadiness reports whether a partition is certified.
func (a *App) CheckDataReadiness(ctx context.Context, domain, partitionKey string) Result[ReadinessStatus] {
	cert, ready, err := a.watermarks.CheckReadiness(ctx, domain, partitionKey)
	if err != nil {
		return fail[ReadinessStatus](err)
	}
	return ok(ReadinessStatus{Ready: ready, Certification: cert})
}

// DeclareCalcDependency records that a calculation consumes a
// (domain, stage).
func (a *App) DeclareCalcDependency(ctx context.Context, calcName, domain, stage string) Result[*watermark.CalcDependency] {
	d, err := a.watermarks.DeclareCalcDependency(ctx, calcName, domain, stage)
	if err != nil {
		return fail[*watermark.CalcDependency](err)
	}
	return ok(d)
}

// ListCalcDependencies returns dependency declarations, optionally
// filtered by calculation name.
func (a *App) ListCalcDependencies(ctx context.Context, calcName string) Result[[]watermark.CalcDependency] {
	deps, err := a.watermarks.ListCalcDependencies(ctx, calcName)
	if err != nil {
		return fail[[]watermark.CalcDependency](err)
	}
	return ok(deps)
}

// CalcReadiness is the answer to a calculation readiness check.
type CalcReadiness struct {
	Ready   bool                      `json:"ready"`
	Missing []watermark.CalcDependency `json:"missing,omitempty"`
}

// CheckCalcReady reports whether every dependency of a calculation has
// its stage complete for the partition.
func (a *App) CheckCalcReady(ctx context.Context, calcName, partitionKey string) Result[CalcReadiness] {
	ready, missing, err := a.watermarks.CalcReady(ctx, calcName, partitionKey)
	if err != nil {
		return fail[CalcReadiness](err)
	}
	return ok(CalcReadiness{Ready: ready, Missing: missing})
}

// DeclareExpectedSchedule records the delivery cadence a (domain,
// source) should meet.
func (a *App) DeclareExpectedSchedule(ctx context.Context, domain, source, cadence string, grace time.Duration) Result[*watermark.ExpectedSchedule] {
	e, err := a.watermarks.DeclareExpectedSchedule(ctx, domain, source, cadence, grace)
	if err != nil {
		return fail[*watermark.ExpectedSchedule](err)
	}
	return ok(e)
}

// ListExpectedSchedules returns cadence declarations, optionally
// filtered by domain.
func (a *App) ListExpectedSchedules(ctx context.Context, domain string) Result[[]watermark.ExpectedSchedule] {
	out, err := a.watermarks.ListExpectedSchedules(ctx, domain)
	if err != nil {
		return fail[[]watermark.ExpectedSchedule](err)
	}
	return ok(out)
}

// --- Backfill ---

// CreateBackfillPlan records a new plan in planned state.
func (a *App) CreateBackfillPlan(ctx context.Context, domain, source string, partitionKeys []string, reason backfill.Reason, rangeStart, rangeEnd string, metadata map[string]any) Result[*backfill.Plan] {
	p, err := a.backfills.Create(ctx, domain, source, partitionKeys, reason, rangeStart, rangeEnd, metadata)
	if err != nil {
		return fail[*backfill.Plan](err)
	}
	return ok(p)
}

// GetBackfillPlan returns one plan by id.
func (a *App) GetBackfillPlan(ctx context.Context, id string) Result[*backfill.Plan] {
	p, err := a.backfills.Get(ctx, id)
	if err != nil {
		return fail[*backfill.Plan](err)
	}
	return ok(p)
}

// ListBackfillPlans returns plans, optionally filtered by status.
func (a *App) ListBackfillPlans(ctx context.Context, status backfill.Status, limit int) Result[[]*backfill.Plan] {
	plans, err := a.backfills.List(ctx, status, limit)
	if err != nil {
		return fail[[]*backfill.Plan](err)
	}
	return ok(plans)
}

// StartBackfillPlan moves a planned plan to running.
func (a *App) StartBackfillPlan(ctx context.Context, id string) Result[*backfill.Plan] {
	p, err := a.backfills.Start(ctx, id)
	if err != nil {
		return fail[*backfill.Plan](err)
	}
	return ok(p)
}

// MarkBackfillPartitionDone records a partition's completion.
func (a *App) MarkBackfillPartitionDone(ctx context.Context, id, partitionKey string) Result[*backfill.Plan] {
	p, err := a.backfills.MarkPartitionDone(ctx, id, partitionKey)
	if err != nil {
		return fail[*backfill.Plan](err)
	}
	return ok(p)
}

// MarkBackfillPartitionFailed records a partition's failure.
func (a *App) MarkBackfillPartitionFailed(ctx context.Context, id, partitionKey, errMsg string) Result[*backfill.Plan] {
	p, err := a.backfills.MarkPartitionFailed(ctx, id, partitionKey, errMsg)
	if err != nil {
		return fail[*backfill.Plan](err)
	}
	return ok(p)
}

// CancelBackfillPlan moves a non-terminal plan to cancelled.
func (a *App) CancelBackfillPlan(ctx context.Context, id string) Result[*backfill.Plan] {
	p, err := a.backfills.Cancel(ctx, id)
	if err != nil {
		return fail[*backfill.Plan](err)
	}
	return ok(p)
}

// RunBackfill drives a plan to completion through the handler,
// checkpointing after every partition.
func (a *App) RunBackfill(ctx context.Context, id string, handler backfill.PartitionHandler) Result[*backfill.Plan] {
	p, err := a.backfills.Run(ctx, id, handler)
	if err != nil {
		return fail[*backfill.Plan](err)
	}
	return ok(p)
}

// --- Quality and rejects ---

// RunQualityChecks executes every registered check against a partition
// in the scope of a run.
func (a *App) RunQualityChecks(ctx context.Context, wc *workflow.Context, partitionKey string) Result[map[string]quality.CheckStatus] {
	results, err := a.gate.RunAll(ctx, wc, partitionKey)
	if err != nil {
		return fail[map[string]quality.CheckStatus](err)
	}
	return ok(results)
}

// ListQualityResults returns the recorded check outcomes for a run.
func (a *App) ListQualityResults(ctx context.Context, runID string) Result[[]quality.Result] {
	results, err := a.gate.Results(ctx, runID)
	if err != nil {
		return fail[[]quality.Result](err)
	}
	return ok(results)
}

// RecordReject persists one rejected record.
func (a *App) RecordReject(ctx context.Context, r quality.Reject) Result[string] {
	id, err := a.gate.RecordReject(ctx, r)
	if err != nil {
		return fail[string](err)
	}
	return ok(id)
}

// CountRejects returns the rejects recorded for a (domain, partition).
func (a *App) CountRejects(ctx context.Context, domain, partitionKey string) Result[int] {
	n, err := a.gate.CountRejects(ctx, domain, partitionKey)
	if err != nil {
		return fail[int](err)
	}
	return ok(n)
}

// --- Anomalies ---

// RecordAnomaly persists an anomaly and returns its id.
func (a *App) RecordAnomaly(ctx context.Context, an anomaly.Anomaly) Result[string] {
	id, err := a.anomalies.Record(ctx, an)
	if err != nil {
		return fail[string](err)
	}
	return ok(id)
}

// ResolveAnomaly closes an open anomaly with an optional note on how
// it was settled.
func (a *App) ResolveAnomaly(ctx context.Context, id, note string) Result[bool] {
	if err := a.anomalies.Resolve(ctx, id, note); err != nil {
		return fail[bool](err)
	}
	return ok(true)
}

// ListAnomalies returns open anomalies at or above a minimum severity.
func (a *App) ListAnomalies(ctx context.Context, minSeverity anomaly.Severity, limit int) Result[[]*anomaly.Anomaly] {
	out, err := a.anomalies.ListUnresolved(ctx, minSeverity, limit)
	if err != nil {
		return fail[[]*anomaly.Anomaly](err)
	}
	return ok(out)
}

// CountAnomalies returns open anomaly counts keyed by severity.
func (a *App) CountAnomalies(ctx context.Context) Result[map[anomaly.Severity]int] {
	counts, err := a.anomalies.CountBySeverity(ctx)
	if err != nil {
		return fail[map[anomaly.Severity]int](err)
	}
	return ok(counts)
}

// --- Administration ---

// InitializeDatabase creates any missing tables. Safe to repeat.
func (a *App) InitializeDatabase(ctx context.Context) Result[bool] {
	if err := a.store.Migrate(ctx); err != nil {
		return fail[bool](err)
	}
	return ok(true)
}

// HealthStatus reports store connectivity.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Dialect string `json:"dialect"`
}

// CheckDatabaseHealth pings the store.
func (a *App) CheckDatabaseHealth(ctx context.Context) Result[HealthStatus] {
	if err := a.store.Ping(ctx); err != nil {
		return fail[HealthStatus](err)
	}
	return ok(HealthStatus{Healthy: true, Dialect: string(a.store.Dialect())})
}

// PurgeStats counts what a retention pass removed, per table.
type PurgeStats struct {
	RunsRemoved         int64 `json:"runs_removed"`
	EventsRemoved       int64 `json:"events_removed"`
	DeadLettersRemoved  int64 `json:"dead_letters_removed"`
	AnomaliesRemoved    int64 `json:"anomalies_removed"`
	ScheduleRunsRemoved int64 `json:"schedule_runs_removed"`
}

// PurgeOldData removes terminal runs and their events, replayed dead
// letters, resolved anomalies, and schedule firing history older than
// the configured retention window. A zero retention makes this a
// validation error rather than an accidental full purge.
func (a *App) PurgeOldData(ctx context.Context) Result[PurgeStats] {
	if a.cfg.RetentionDays <= 0 {
		return fail[PurgeStats](&errors.ValidationError{
			Field:      "retention_days",
			Message:    "retention is not configured",
			Suggestion: "set retention_days to a positive value to enable purging",
		})
	}
	cutoff := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)

	var stats PurgeStats
	var err error
	if stats.RunsRemoved, stats.EventsRemoved, err = a.repo.Purge(ctx, cutoff); err != nil {
		return fail[PurgeStats](err)
	}
	if stats.DeadLettersRemoved, err = a.deadQ.Purge(ctx, cutoff); err != nil {
		return fail[PurgeStats](err)
	}
	if stats.AnomaliesRemoved, err = a.anomalies.Purge(ctx, cutoff); err != nil {
		return fail[PurgeStats](err)
	}
	if stats.ScheduleRunsRemoved, err = a.schedRepo.PurgeRuns(ctx, cutoff); err != nil {
		return fail[PurgeStats](err)
	}
	a.logger.Info("retention purge finished",
		"runs_removed", stats.RunsRemoved,
		"events_removed", stats.EventsRemoved,
		"dead_letters_removed", stats.DeadLettersRemoved,
		"anomalies_removed", stats.AnomaliesRemoved,
		"schedule_runs_removed", stats.ScheduleRunsRemoved,
		"cutoff", cutoff.UTC().Format(time.RFC3339))
	return ok(stats)
}
