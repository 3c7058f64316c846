package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/handler"
	"github.com/cuemby/lattice/pkg/handler/local"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/registry"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *int) {
	t.Helper()
	reg := registry.New()
	calls := 0
	reg.Register("square", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		calls++
		n := args.Scalar.(int64)
		return codec.Int(n * n), nil
	}, registry.Options{})
	reg.Register("addone", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		n := args.Scalar.(int64)
		return codec.Int(n + 1), nil
	}, registry.Options{})
	reg.Register("boom", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		panic("boom")
	}, registry.Options{})

	stack := config.NewStack()
	mgr := New(Options{
		Handlers: map[string]handler.Handler{"local": local.New(reg)},
		Caches:   map[string]cache.Cache{"default": cache.New()},
		Registry: reg,
		Config:   stack,
	})
	return mgr, reg, &calls
}

func waitFor(t *testing.T, mgr *Manager, js ...*job.Job) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx, js...))
}

func TestSubmitAndWaitFinishesUncachedJob(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	j, err := mgr.Submit("square", "1.0.0", "", codec.Int(6))
	require.NoError(t, err)

	waitFor(t, mgr, j)

	assert.Equal(t, job.StatusFinished, j.Status())
	result, ok := j.Result()
	require.True(t, ok)
	assert.Equal(t, codec.Int(36), result)
}

func TestCacheHitSkipsSecondInvocation(t *testing.T) {
	mgr, _, calls := newTestManager(t)
	exit := mgr.config.EnterFrame(config.Frame{JobCache: "default"})
	defer exit()

	j1, err := mgr.Submit("square", "1.0.0", "", codec.Int(5))
	require.NoError(t, err)
	waitFor(t, mgr, j1)
	require.Equal(t, job.StatusFinished, j1.Status())

	j2, err := mgr.Submit("square", "1.0.0", "", codec.Int(5))
	require.NoError(t, err)
	waitFor(t, mgr, j2)

	result, ok := j2.Result()
	require.True(t, ok)
	assert.Equal(t, codec.Int(25), result)
	assert.Equal(t, 1, *calls)
}

func TestUpstreamFailurePropagates(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	j1, err := mgr.Submit("boom", "1.0.0", "", codec.Int(1))
	require.NoError(t, err)

	j2, err := mgr.Submit("addone", "1.0.0", "", codec.JobRefValue(j1.ID))
	require.NoError(t, err)

	waitFor(t, mgr, j1, j2)

	assert.Equal(t, job.StatusError, j1.Status())
	assert.Equal(t, job.StatusError, j2.Status())
	assert.Contains(t, j2.Err().Error(), "upstream_error")
}

func TestDependencyChainResolvesInOrder(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	j1, err := mgr.Submit("square", "1.0.0", "", codec.Int(3))
	require.NoError(t, err)

	j2, err := mgr.Submit("addone", "1.0.0", "", codec.JobRefValue(j1.ID))
	require.NoError(t, err)

	waitFor(t, mgr, j2)

	assert.Equal(t, job.StatusFinished, j1.Status())
	result, ok := j2.Result()
	require.True(t, ok)
	assert.Equal(t, codec.Int(10), result)
}

func TestUnknownFunctionFailsImmediately(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	j, err := mgr.Submit("does-not-exist", "1.0.0", "", codec.Int(1))
	require.NoError(t, err)

	waitFor(t, mgr, j)
	assert.Equal(t, job.StatusError, j.Status())
}

func TestResetCancelsAndClearsQueues(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Submit("square", "1.0.0", "", codec.Int(2))
	require.NoError(t, err)

	mgr.Reset()

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Empty(t, mgr.jobs)
	assert.Empty(t, mgr.intake)
}
