package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/pkg/errors"
	"github.com/strandkit/strand/pkg/workflow"
)

func noop(ctx context.Context, wc *workflow.Context, config map[string]any) *workflow.StepResult {
	return workflow.OK(nil)
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("task", "cleanup", "removes temp files", noop))

	h, err := r.Get("task", "cleanup")
	require.NoError(t, err)
	require.NotNil(t, h)
	res := h(context.Background(), nil, nil)
	assert.False(t, res.Failed())

	_, err = r.Get("task", "missing")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	// Kind is part of the key.
	_, err = r.Get("pipeline", "cleanup")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestRegisterValidates(t *testing.T) {
	r := New()
	assert.Equal(t, errors.KindValidation, errors.KindOf(r.Register("", "x", "", noop)))
	assert.Equal(t, errors.KindValidation, errors.KindOf(r.Register("task", "", "", noop)))
	assert.Equal(t, errors.KindValidation, errors.KindOf(r.Register("task", "x", "", nil)))
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("task", "cleanup", "", noop))
	err := r.Register("task", "cleanup", "", noop)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))

	// Same name under another kind is fine.
	require.NoError(t, r.Register("pipeline", "cleanup", "", noop))
}

func TestListSorted(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("task", "b", "", noop))
	require.NoError(t, r.Register("pipeline", "z", "", noop))
	require.NoError(t, r.Register("task", "a", "", noop))

	metas := r.List()
	require.Len(t, metas, 3)
	assert.Equal(t, Meta{Kind: "pipeline", Name: "z"}, metas[0])
	assert.Equal(t, Meta{Kind: "task", Name: "a"}, metas[1])
	assert.Equal(t, Meta{Kind: "task", Name: "b"}, metas[2])
}
