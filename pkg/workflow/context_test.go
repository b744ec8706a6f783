package workflow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextParams(t *testing.T) {
	wc := NewContext("run-1", "wf", map[string]any{"date": "2026-01-15"})

	v, ok := wc.Param("date")
	require.True(t, ok)
	assert.Equal(t, "2026-01-15", v)

	_, ok = wc.Param("missing")
	assert.False(t, ok)

	// Mutating the returned copy does not touch the context.
	params := wc.Params()
	params["date"] = "other"
	v, _ = wc.Param("date")
	assert.Equal(t, "2026-01-15", v)
}

func TestContextMergeParams(t *testing.T) {
	wc := NewContext("run-1", "wf", map[string]any{"a": 1})
	wc.MergeParams(map[string]any{"a": 2, "b": 3})

	v, _ := wc.Param("a")
	assert.Equal(t, 2, v)
	v, _ = wc.Param("b")
	assert.Equal(t, 3, v)

	wc.MergeParams(nil)
	assert.Len(t, wc.Params(), 2)
}

func TestContextOutputs(t *testing.T) {
	wc := NewContext("run-1", "wf", nil)

	_, ok := wc.Output("extract")
	assert.False(t, ok)

	src := map[string]any{"rows": 42}
	wc.SetOutput("extract", src)
	src["rows"] = 0

	out, ok := wc.Output("extract")
	require.True(t, ok)
	assert.Equal(t, 42, out["rows"], "SetOutput stores a copy")

	out["rows"] = -1
	again, _ := wc.Output("extract")
	assert.Equal(t, 42, again["rows"], "Output returns a copy")

	all := wc.Outputs()
	require.Contains(t, all, "extract")
	all["extract"]["rows"] = -1
	again, _ = wc.Output("extract")
	assert.Equal(t, 42, again["rows"])
}

func TestContextSnapshot(t *testing.T) {
	wc := NewContext("run-1", "daily-load", map[string]any{"date": "2026-01-15"})
	wc.CorrelationID = "corr-1"
	wc.SetOutput("extract", map[string]any{"rows": 42})

	snap := wc.Snapshot()
	assert.Equal(t, "run-1", snap["run_id"])
	assert.Equal(t, "daily-load", snap["workflow"])
	assert.Equal(t, "corr-1", snap["correlation_id"])
	assert.Equal(t, "2026-01-15", snap["params"].(map[string]any)["date"])
	assert.Contains(t, snap["outputs"].(map[string]map[string]any), "extract")
}

func TestContextConcurrentAccess(t *testing.T) {
	wc := NewContext("run-1", "wf", map[string]any{"n": 0})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			wc.SetOutput("step", map[string]any{"i": i})
		}(i)
		go func() {
			defer wg.Done()
			_ = wc.Outputs()
			_ = wc.Params()
		}()
	}
	wg.Wait()

	_, ok := wc.Output("step")
	assert.True(t, ok)
}

func TestContextProgress(t *testing.T) {
	wc := NewContext("run-1", "load", nil)

	// Without a sink, reports are dropped silently.
	wc.Progress(map[string]any{"rows": 10})

	var reports []map[string]any
	wc.SetProgressFunc(func(data map[string]any) {
		reports = append(reports, data)
	})
	wc.Progress(map[string]any{"rows": 20})
	wc.Progress(map[string]any{"rows": 30})

	require.Len(t, reports, 2)
	assert.Equal(t, 20, reports[0]["rows"])
	assert.Equal(t, 30, reports[1]["rows"])
}

func TestStepResultHelpers(t *testing.T) {
	ok := OK(map[string]any{"rows": 1})
	assert.False(t, ok.Failed())

	withUpdates := OKWithUpdates(nil, map[string]any{"cursor": "next"})
	assert.False(t, withUpdates.Failed())
	assert.Equal(t, "next", withUpdates.ContextUpdates["cursor"])

	fail := Fail("boom", "NETWORK", true)
	assert.True(t, fail.Failed())
	assert.Equal(t, "NETWORK", fail.Category)
	assert.True(t, fail.Retryable)

	var nilResult *StepResult
	assert.False(t, nilResult.Failed())
}
