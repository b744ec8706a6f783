package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/internal/ledger"
	"github.com/strandkit/strand/internal/run"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error)
}

func (s *stubExecutor) Execute(ctx context.Context, r *run.Run, token *run.Token) (map[string]any, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(ctx, r, token, call)
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubDLQ struct {
	mu    sync.Mutex
	added []string
}

func (s *stubDLQ) Add(ctx context.Context, r *run.Run, errMsg, category string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, r.ID)
	return nil
}

func (s *stubDLQ) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

type harness struct {
	store      *store.Store
	repo       *run.Repository
	dispatcher *run.Dispatcher
	engine     *Engine
	executor   *stubExecutor
	dlq        *stubDLQ
}

func newHarness(t *testing.T, fn func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error)) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		URL: filepath.Join(t.TempDir(), "strand.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	lg := ledger.New(st)
	repo := run.NewRepository(st, lg)
	cancels := run.NewCancelRegistry()
	dispatcher := run.NewDispatcher(st, repo, lg, cancels, "default", nil)
	eng := New(st, repo, cancels, Options{Workers: 2, MaxRetries: 2})
	executor := &stubExecutor{fn: fn}
	dlq := &stubDLQ{}
	eng.SetExecutor(executor)
	eng.SetDeadLetterer(dlq)
	dispatcher.SetEnqueuer(eng)

	return &harness{
		store:      st,
		repo:       repo,
		dispatcher: dispatcher,
		engine:     eng,
		executor:   executor,
		dlq:        dlq,
	}
}

func (h *harness) waitForStatus(t *testing.T, runID string, want run.Status) *run.Run {
	t.Helper()
	var got *run.Run
	require.Eventually(t, func() bool {
		r, err := h.repo.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return got
}

func TestEngineExecutesRun(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error) {
		return map[string]any{"rows": float64(7)}, nil
	})
	ctx := context.Background()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	r, err := h.dispatcher.Submit(ctx, run.WorkSpec{Kind: run.KindTask, Name: "ingest"})
	require.NoError(t, err)

	done := h.waitForStatus(t, r.ID, run.StatusCompleted)
	assert.Equal(t, float64(7), done.Result["rows"])
	assert.False(t, done.StartedAt.IsZero())
	assert.False(t, done.FinishedAt.IsZero())
	assert.Equal(t, 1, h.executor.callCount())

	// The durable work item is finished.
	var status string
	require.NoError(t, h.store.DB().QueryRowContext(ctx,
		"SELECT status FROM core_work_items WHERE execution_id = ?", r.ID).Scan(&status))
	assert.Equal(t, "done", status)
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error) {
		if call == 1 {
			return nil, &errors.HandlerError{Handler: "ingest", Retryable: true, Message: "flaky"}
		}
		return map[string]any{"ok": true}, nil
	})
	ctx := context.Background()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	r, err := h.dispatcher.Submit(ctx, run.WorkSpec{Kind: run.KindTask, Name: "ingest"})
	require.NoError(t, err)

	done := h.waitForStatus(t, r.ID, run.StatusCompleted)
	assert.Equal(t, 2, done.Attempt)
	assert.Equal(t, 2, h.executor.callCount())
	assert.Zero(t, h.dlq.count())
}

func TestEngineDeadLettersAfterBudget(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error) {
		return nil, &errors.HandlerError{Handler: "ingest", Category: "NETWORK", Retryable: true, Message: "down"}
	})
	ctx := context.Background()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	r, err := h.dispatcher.Submit(ctx, run.WorkSpec{Kind: run.KindTask, Name: "ingest", MaxRetries: 1})
	require.NoError(t, err)

	done := h.waitForStatus(t, r.ID, run.StatusDeadLettered)
	assert.Equal(t, "NETWORK", done.ErrorCategory)
	assert.Contains(t, done.Error, "down")
	assert.Equal(t, 2, h.executor.callCount(), "initial attempt plus one retry")
	assert.Equal(t, 1, h.dlq.count())
}

func TestEngineDoesNotRetryPermanentFailure(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error) {
		return nil, &errors.HandlerError{Handler: "ingest", Retryable: false, Message: "bad input"}
	})
	ctx := context.Background()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	r, err := h.dispatcher.Submit(ctx, run.WorkSpec{Kind: run.KindTask, Name: "ingest", MaxRetries: 3})
	require.NoError(t, err)

	h.waitForStatus(t, r.ID, run.StatusDeadLettered)
	assert.Equal(t, 1, h.executor.callCount())
}

func TestEngineObservesCancellation(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error) {
		started <- r.ID
		<-token.Done()
		return nil, &errors.CancelledError{Reason: token.Reason()}
	})
	ctx := context.Background()
	h.engine.Start(ctx)
	defer h.engine.Stop()

	r, err := h.dispatcher.Submit(ctx, run.WorkSpec{Kind: run.KindTask, Name: "slow"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}
	require.NoError(t, h.dispatcher.Cancel(ctx, r.ID, "operator request"))

	done := h.waitForStatus(t, r.ID, run.StatusCancelled)
	assert.Equal(t, run.StatusCancelled, done.Status)
	assert.Zero(t, h.dlq.count(), "cancellation is not a failure")
}

func TestEngineRecover(t *testing.T) {
	// No executor attached to the first engine: work stays queued.
	h := newHarness(t, func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error) {
		return nil, nil
	})
	ctx := context.Background()

	r1, err := h.dispatcher.Submit(ctx, run.WorkSpec{Kind: run.KindTask, Name: "a"})
	require.NoError(t, err)
	r2, err := h.dispatcher.Submit(ctx, run.WorkSpec{Kind: run.KindTask, Name: "b"})
	require.NoError(t, err)

	// A terminal run's work item is dropped on recovery.
	require.NoError(t, h.repo.UpdateStatus(ctx, r2.ID, run.StatusCancelled, nil))

	fresh := New(h.store, h.repo, run.NewCancelRegistry(), Options{Workers: 1})
	executor := &stubExecutor{fn: func(ctx context.Context, r *run.Run, token *run.Token, call int) (map[string]any, error) {
		return map[string]any{}, nil
	}}
	fresh.SetExecutor(executor)

	recovered, err := fresh.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	fresh.Start(ctx)
	defer fresh.Stop()

	require.Eventually(t, func() bool {
		got, err := h.repo.Get(ctx, r1.ID)
		return err == nil && got.Status == run.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
