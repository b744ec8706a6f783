package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusQueued},
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusFailed},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusQueued, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusFailed, StatusDeadLettered},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusQueued, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusCancelled, StatusRunning},
		{StatusCancelled, StatusDeadLettered},
		{StatusDeadLettered, StatusQueued},
		{StatusRunning, StatusRunning},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusDeadLettered.Terminal())
}

func TestPriorityWeight(t *testing.T) {
	assert.Less(t, PriorityRealtime.Weight(), PriorityHigh.Weight())
	assert.Less(t, PriorityHigh.Weight(), PriorityNormal.Weight())
	assert.Less(t, PriorityNormal.Weight(), PriorityLow.Weight())
	assert.Less(t, PriorityLow.Weight(), PrioritySlow.Weight())
	assert.Equal(t, PriorityNormal.Weight(), Priority("").Weight())
}

func TestWorkSpecValidate(t *testing.T) {
	valid := WorkSpec{Kind: KindTask, Name: "cleanup"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		spec WorkSpec
	}{
		{"missing kind", WorkSpec{Name: "x"}},
		{"bad kind", WorkSpec{Kind: "cron", Name: "x"}},
		{"missing name", WorkSpec{Kind: KindTask}},
		{"bad priority", WorkSpec{Kind: KindTask, Name: "x", Priority: "urgent"}},
		{"negative retries", WorkSpec{Kind: KindTask, Name: "x", MaxRetries: -1}},
		{"negative delay", WorkSpec{Kind: KindTask, Name: "x", RetryDelay: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}
}

func TestPageLimit(t *testing.T) {
	assert.Equal(t, 100, Page{}.limitOrDefault())
	assert.Equal(t, 100, Page{Limit: -5}.limitOrDefault())
	assert.Equal(t, 100, Page{Limit: 1000}.limitOrDefault())
	assert.Equal(t, 25, Page{Limit: 25}.limitOrDefault())
}

func TestCancelToken(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.Cancelled())
	assert.Empty(t, tok.Reason())

	tok.signal("operator request")
	assert.True(t, tok.Cancelled())
	assert.Equal(t, "operator request", tok.Reason())

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done channel should be closed after signal")
	}

	// Second signal is a no-op.
	tok.signal("other")
	assert.Equal(t, "operator request", tok.Reason())
}

func TestCancelRegistry(t *testing.T) {
	reg := NewCancelRegistry()

	tok := reg.Register("run-1")
	assert.Same(t, tok, reg.Register("run-1"), "re-register returns the same token")
	assert.Equal(t, 1, reg.Active())

	reg.Signal("run-1", "stop")
	assert.True(t, tok.Cancelled())
	assert.Equal(t, "stop", tok.Reason())

	// Signaling an unknown run pre-cancels its token.
	reg.Signal("run-2", "early")
	assert.True(t, reg.Register("run-2").Cancelled())

	reg.Release("run-1")
	reg.Release("run-2")
	assert.Equal(t, 0, reg.Active())
}
