package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/internal/run"
)

func queuedItem(id string, p run.Priority) *item {
	return &item{
		Run:        &run.Run{ID: id, Priority: p},
		WorkID:     "w-" + id,
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := newMemQueue()
	require.NoError(t, q.push(queuedItem("low", run.PriorityLow)))
	require.NoError(t, q.push(queuedItem("realtime", run.PriorityRealtime)))
	require.NoError(t, q.push(queuedItem("normal-1", run.PriorityNormal)))
	require.NoError(t, q.push(queuedItem("normal-2", run.PriorityNormal)))
	assert.Equal(t, 4, q.len())

	ctx := context.Background()
	var got []string
	for i := 0; i < 4; i++ {
		it, err := q.pop(ctx)
		require.NoError(t, err)
		got = append(got, it.Run.ID)
	}
	assert.Equal(t, []string{"realtime", "normal-1", "normal-2", "low"}, got,
		"priority first, FIFO within a priority")
}

func TestQueueHoldsBackNotBefore(t *testing.T) {
	q := newMemQueue()
	delayed := queuedItem("delayed", run.PriorityRealtime)
	delayed.NotBefore = time.Now().Add(50 * time.Millisecond)
	require.NoError(t, q.push(delayed))
	require.NoError(t, q.push(queuedItem("ready", run.PriorityLow)))

	ctx := context.Background()
	it, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", it.Run.ID, "held-back items do not block the rest")

	it, err = q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "delayed", it.Run.ID)
	assert.False(t, time.Now().Before(delayed.NotBefore))
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newMemQueue()
	done := make(chan *item, 1)
	go func() {
		it, err := q.pop(context.Background())
		if err == nil {
			done <- it
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.push(queuedItem("late", run.PriorityNormal)))

	select {
	case it := <-done:
		assert.Equal(t, "late", it.Run.ID)
	case <-time.After(time.Second):
		t.Fatal("pop did not observe the push")
	}
}

func TestQueueWakesEveryWaiter(t *testing.T) {
	// Two pops block, then two pushes land back to back. The buffered
	// signal coalesces the second push, so the winning pop must re-arm
	// the wakeup for the other waiter.
	q := newMemQueue()
	done := make(chan *item, 2)
	for i := 0; i < 2; i++ {
		go func() {
			it, err := q.pop(context.Background())
			if err == nil {
				done <- it
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.push(queuedItem("first", run.PriorityNormal)))
	require.NoError(t, q.push(queuedItem("second", run.PriorityNormal)))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case it := <-done:
			got[it.Run.ID] = true
		case <-time.After(time.Second):
			t.Fatal("a blocked pop never woke up")
		}
	}
	assert.True(t, got["first"] && got["second"])
}

func TestQueuePopRespectsContext(t *testing.T) {
	q := newMemQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClose(t *testing.T) {
	q := newMemQueue()
	q.close()
	q.close()

	require.Error(t, q.push(queuedItem("x", run.PriorityNormal)))
	_, err := q.pop(context.Background())
	require.Error(t, err)
}
