package backfill

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		URL: filepath.Join(t.TempDir(), "strand.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return New(st, nil)
}

func threeDayPlan(t *testing.T, pl *Planner) *Plan {
	t.Helper()
	p, err := pl.Create(context.Background(), "positions", "feed-a",
		[]string{"2026-01-13", "2026-01-14", "2026-01-15"},
		ReasonGap, "2026-01-13", "2026-01-15", nil)
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()

	p, err := pl.Create(ctx, "positions", "feed-a",
		[]string{"2026-01-15"}, ReasonCorrection, "", "",
		map[string]any{"ticket": "OPS-120"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StatusPlanned, p.Status)
	assert.Equal(t, float64(0), p.Progress())

	got, err := pl.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "positions", got.Domain)
	assert.Equal(t, ReasonCorrection, got.Reason)
	assert.Equal(t, []string{"2026-01-15"}, got.PartitionKeys)
	assert.Empty(t, got.CompletedKeys)
	assert.Equal(t, "OPS-120", got.Metadata["ticket"])
}

func TestCreateValidates(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func() error
	}{
		{"empty domain", func() error {
			_, err := pl.Create(ctx, "", "feed-a", []string{"k"}, ReasonGap, "", "", nil)
			return err
		}},
		{"no keys", func() error {
			_, err := pl.Create(ctx, "positions", "feed-a", nil, ReasonGap, "", "", nil)
			return err
		}},
		{"unknown reason", func() error {
			_, err := pl.Create(ctx, "positions", "feed-a", []string{"k"}, "whim", "", "", nil)
			return err
		}},
		{"duplicate keys", func() error {
			_, err := pl.Create(ctx, "positions", "feed-a", []string{"k", "k"}, ReasonGap, "", "", nil)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, errors.KindValidation, errors.KindOf(tc.fn()))
		})
	}
}

func TestStartTransition(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	started, err := pl.Start(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)

	_, err = pl.Start(ctx, p.ID)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))

	_, err = pl.Start(ctx, "missing")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestMarkPartitions(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	// Marking before starting is a conflict.
	_, err := pl.MarkPartitionDone(ctx, p.ID, "2026-01-13")
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))

	_, err = pl.Start(ctx, p.ID)
	require.NoError(t, err)

	got, err := pl.MarkPartitionDone(ctx, p.ID, "2026-01-13")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.InDelta(t, 33.3, got.Progress(), 0.1)
	assert.Equal(t, []string{"2026-01-14", "2026-01-15"}, got.RemainingKeys())

	// Double-marking and unknown keys are rejected.
	_, err = pl.MarkPartitionDone(ctx, p.ID, "2026-01-13")
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	_, err = pl.MarkPartitionDone(ctx, p.ID, "2026-02-01")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	got, err = pl.MarkPartitionFailed(ctx, p.ID, "2026-01-14", "source gone")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "source gone", got.FailedKeys["2026-01-14"])

	// The last key settles the plan; any failure makes it failed.
	got, err = pl.MarkPartitionDone(ctx, p.ID, "2026-01-15")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, float64(100), got.Progress())
}

func TestAllDoneSettlesCompleted(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)
	_, err := pl.Start(ctx, p.ID)
	require.NoError(t, err)

	for _, key := range p.PartitionKeys {
		_, err := pl.MarkPartitionDone(ctx, p.ID, key)
		require.NoError(t, err)
	}

	got, err := pl.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// Terminal plans refuse further marks and checkpoints.
	_, err = pl.SaveCheckpoint(ctx, p.ID, "x")
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

func TestCheckpoint(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)
	_, err := pl.Start(ctx, p.ID)
	require.NoError(t, err)

	got, err := pl.SaveCheckpoint(ctx, p.ID, "2026-01-13")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-13", got.Checkpoint)

	got, err = pl.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-13", got.Checkpoint)
}

func TestCancel(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	got, err := pl.Cancel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = pl.Cancel(ctx, p.ID)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

func TestListByStatus(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	a := threeDayPlan(t, pl)
	threeDayPlan(t, pl)
	_, err := pl.Start(ctx, a.ID)
	require.NoError(t, err)

	all, err := pl.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := pl.List(ctx, StatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)
}

func TestRunDrivesPlan(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	var handled []string
	got, err := pl.Run(ctx, p.ID, func(ctx context.Context, plan *Plan, key string) error {
		handled = append(handled, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, p.PartitionKeys, handled, "keys run in plan order")
	assert.Len(t, got.CompletedKeys, 3)
}

func TestRunRecordsFailures(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	got, err := pl.Run(ctx, p.ID, func(ctx context.Context, plan *Plan, key string) error {
		if key == "2026-01-14" {
			return fmt.Errorf("feed missing for %s", key)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, []string{"2026-01-13", "2026-01-15"}, got.CompletedKeys)
	assert.Contains(t, got.FailedKeys["2026-01-14"], "feed missing")
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	// First pass processes one key, then the process dies.
	_, err := pl.Start(ctx, p.ID)
	require.NoError(t, err)
	_, err = pl.MarkPartitionDone(ctx, p.ID, "2026-01-13")
	require.NoError(t, err)
	_, err = pl.SaveCheckpoint(ctx, p.ID, "2026-01-13")
	require.NoError(t, err)

	var handled []string
	got, err := pl.Run(ctx, p.ID, func(ctx context.Context, plan *Plan, key string) error {
		handled = append(handled, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, []string{"2026-01-14", "2026-01-15"}, handled,
		"already-completed keys are not reprocessed")
}

func TestRunRestartsFailedPlan(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	// First pass: the middle key fails and the plan settles failed.
	got, err := pl.Run(ctx, p.ID, func(ctx context.Context, plan *Plan, key string) error {
		if key == "2026-01-14" {
			return fmt.Errorf("feed missing for %s", key)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	// Second pass retries only the failed key and completes the plan.
	var handled []string
	got, err = pl.Run(ctx, p.ID, func(ctx context.Context, plan *Plan, key string) error {
		handled = append(handled, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, []string{"2026-01-14"}, handled)
	assert.Empty(t, got.FailedKeys)
	assert.Len(t, got.CompletedKeys, 3)
}

func TestStartClearsFailuresOnRestart(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)

	_, err := pl.Start(ctx, p.ID)
	require.NoError(t, err)
	for _, key := range []string{"2026-01-13", "2026-01-15"} {
		_, err = pl.MarkPartitionDone(ctx, p.ID, key)
		require.NoError(t, err)
	}
	got, err := pl.MarkPartitionFailed(ctx, p.ID, "2026-01-14", "source gone")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	restarted, err := pl.Start(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, restarted.Status)
	assert.Empty(t, restarted.FailedKeys)
	assert.Equal(t, []string{"2026-01-14"}, restarted.RemainingKeys(),
		"completed keys stay done; failed keys become retryable")
}

func TestRunRejectsTerminalPlan(t *testing.T) {
	pl := newTestPlanner(t)
	ctx := context.Background()
	p := threeDayPlan(t, pl)
	_, err := pl.Cancel(ctx, p.ID)
	require.NoError(t, err)

	_, err = pl.Run(ctx, p.ID, func(ctx context.Context, plan *Plan, key string) error {
		return nil
	})
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}
