package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		URL: filepath.Join(t.TempDir(), "strand.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return New(st)
}

func TestAppendAssignsGaplessSeq(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i, typ := range []string{EventCreated, EventQueued, EventStarted, EventCompleted} {
		ev, err := l.Append(ctx, "run-1", typ, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, typ, ev.Type)
	}

	events, err := l.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestAppendIsolatesExecutions(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ev1, err := l.Append(ctx, "run-a", EventCreated, nil)
	require.NoError(t, err)
	ev2, err := l.Append(ctx, "run-b", EventCreated, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev1.Seq)
	assert.Equal(t, int64(1), ev2.Seq, "each execution numbers from 1")
}

func TestAppendData(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "run-1", EventStepCompleted, map[string]any{
		"step":    "extract",
		"attempt": 2,
	})
	require.NoError(t, err)

	events, err := l.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "extract", events[0].Data["step"])
	assert.Equal(t, float64(2), events[0].Data["attempt"])
}

func TestConcurrentAppends(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, "run-1", EventProgress, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := l.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "sequence must stay gapless under contention")
	}
}

func TestListByType(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, typ := range []string{EventCreated, EventStepStarted, EventStepCompleted, EventStepStarted} {
		_, err := l.Append(ctx, "run-1", typ, nil)
		require.NoError(t, err)
	}

	events, err := l.ListByType(ctx, "run-1", EventStepStarted)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
}

func TestScanByType(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// The same event type lands across several runs.
	for _, runID := range []string{"run-1", "run-2", "run-3"} {
		_, err := l.Append(ctx, runID, EventCreated, nil)
		require.NoError(t, err)
		_, err = l.Append(ctx, runID, EventDeadLettered, map[string]any{"run": runID})
		require.NoError(t, err)
	}

	events, err := l.ScanByType(ctx, EventDeadLettered, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	seen := map[string]bool{}
	for _, ev := range events {
		assert.Equal(t, EventDeadLettered, ev.Type)
		seen[ev.ExecutionID] = true
	}
	assert.Len(t, seen, 3)

	// The limit bounds the scan; a future since excludes everything.
	events, err = l.ScanByType(ctx, EventDeadLettered, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = l.ScanByType(ctx, EventDeadLettered, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLast(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Last(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	_, err = l.Append(ctx, "run-1", EventCreated, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, "run-1", EventCompleted, nil)
	require.NoError(t, err)

	last, err := l.Last(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, int64(2), last.Seq)
}

func TestListEmpty(t *testing.T) {
	l := newTestLedger(t)
	events, err := l.List(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}
