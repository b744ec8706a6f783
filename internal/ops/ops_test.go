package ops

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/internal/config"
	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/pkg/workflow"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "strand.db")
	cfg.MaxConcurrency = 2
	cfg.Log.Level = "error"

	app, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { _ = app.Stop(context.Background()) })
	return app
}

func (a *App) waitForRun(t *testing.T, runID string, want run.Status) *run.Run {
	t.Helper()
	var got *run.Run
	require.Eventually(t, func() bool {
		res := a.GetRun(context.Background(), runID)
		if !res.Success {
			return false
		}
		got = res.Data
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return got
}

func TestAppExecutesTask(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	res := app.RegisterHandler("task", "echo", "echoes its params",
		func(ctx context.Context, wc *workflow.Context, config map[string]any) *workflow.StepResult {
			v, _ := wc.Param("payload")
			return workflow.OK(map[string]any{"echoed": v})
		})
	require.NoError(t, res.Err())

	submitted := app.SubmitRun(ctx, run.WorkSpec{
		Kind:   run.KindTask,
		Name:   "echo",
		Params: map[string]any{"payload": "ping"},
	})
	require.True(t, submitted.Success)
	require.NoError(t, submitted.Err())

	done := app.waitForRun(t, submitted.Data.ID, run.StatusCompleted)
	assert.Equal(t, "ping", done.Result["echoed"])

	events := app.GetRunEvents(ctx, done.ID)
	require.True(t, events.Success)
	types := make([]string, 0, len(events.Data))
	for _, e := range events.Data {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, ledger.EventCreated)
	assert.Contains(t, types, ledger.EventCompleted)
}

func TestAppRunsWorkflow(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	reg := app.RegisterWorkflow(&workflow.Definition{
		Name: "greet",
		Steps: []workflow.Step{
			{Name: "compose", Type: workflow.StepLambda,
				Handler: func(ctx context.Context, wc *workflow.Context, config map[string]any) *workflow.StepResult {
					name, _ := wc.Param("name")
					return workflow.OK(map[string]any{"greeting": "hello " + name.(string)})
				}},
		},
	})
	require.NoError(t, reg.Err())

	res := app.RunWorkflow(ctx, "greet", map[string]any{"name": "ops"}, "")
	require.True(t, res.Success)

	done := app.waitForRun(t, res.Data.ID, run.StatusCompleted)
	assert.Equal(t, "completed", done.Result["status"])

	// Unknown workflows fail fast at submit time.
	missing := app.RunWorkflow(ctx, "unknown", nil, "")
	assert.False(t, missing.Success)
	assert.Equal(t, "not_found", missing.Error.Code)
}

func TestAppErrorEnvelope(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	res := app.GetRun(ctx, "no-such-run")
	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "not_found", res.Error.Code)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "not_found")

	bad := app.SubmitRun(ctx, run.WorkSpec{Kind: "cron", Name: "x"})
	require.False(t, bad.Success)
	assert.Equal(t, "validation_failed", bad.Error.Code)
}

func TestAppListRunsPaging(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.RegisterHandler("task", "noop", "",
		func(ctx context.Context, wc *workflow.Context, config map[string]any) *workflow.StepResult {
			return workflow.OK(nil)
		}).Err())

	var ids []string
	for i := 0; i < 3; i++ {
		res := app.SubmitRun(ctx, run.WorkSpec{Kind: run.KindTask, Name: "noop"})
		require.True(t, res.Success)
		ids = append(ids, res.Data.ID)
	}
	for _, id := range ids {
		app.waitForRun(t, id, run.StatusCompleted)
	}

	listed := app.ListRuns(ctx, run.Filter{Kind: run.KindTask}, run.Page{Limit: 2})
	require.True(t, listed.Success)
	assert.Len(t, listed.Data, 2)
	require.NotNil(t, listed.Paging)
	assert.Equal(t, 3, listed.Paging.Total)
	assert.Equal(t, 2, listed.Paging.Limit)
}

func TestAppWatermarkRoundTrip(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	adv := app.AdvanceWatermark(ctx, "positions", "feed-a", "2026-01-15",
		"2026-01-15T10:00:00Z", "", nil)
	require.True(t, adv.Success)
	assert.Equal(t, "2026-01-15T10:00:00Z", adv.Data.HighWater)

	got := app.GetWatermark(ctx, "positions", "feed-a", "2026-01-15")
	require.True(t, got.Success)
	assert.Equal(t, "2026-01-15T10:00:00Z", got.Data.HighWater)

	ready := app.CheckDataReadiness(ctx, "positions", "2026-01-15")
	require.True(t, ready.Success)
	assert.False(t, ready.Data.Ready)

	cert := app.CertifyReadiness(ctx, "positions", "2026-01-15", "eod-load", nil)
	require.True(t, cert.Success)

	ready = app.CheckDataReadiness(ctx, "positions", "2026-01-15")
	require.True(t, ready.Success)
	assert.True(t, ready.Data.Ready)
	assert.Equal(t, "eod-load", ready.Data.Certification.CertifiedBy)
}

func TestAppHealthAndPurge(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	health := app.CheckDatabaseHealth(ctx)
	require.True(t, health.Success)
	assert.True(t, health.Data.Healthy)
	assert.Equal(t, "sqlite", health.Data.Dialect)

	// Purging without a retention window is refused.
	purge := app.PurgeOldData(ctx)
	require.False(t, purge.Success)
	assert.Equal(t, "validation_failed", purge.Error.Code)
}

func TestAppFallsBackToEmbedded(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DatabaseURL = "postgresql://127.0.0.1:1/strand"
	cfg.FallbackToEmbedded = true
	cfg.Log.Level = "error"

	app, err := New(ctx, cfg)
	require.NoError(t, err, "an unreachable server falls back instead of failing")
	t.Cleanup(func() { _ = app.store.Close() })

	health := app.CheckDatabaseHealth(ctx)
	require.True(t, health.Success)
	assert.Equal(t, "sqlite", health.Data.Dialect)
}
