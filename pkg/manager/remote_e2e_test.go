package manager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lattice/pkg/blobstore/fs"
	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/compute"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/docstore/bolt"
	"github.com/cuemby/lattice/pkg/handler"
	"github.com/cuemby/lattice/pkg/handler/local"
	"github.com/cuemby/lattice/pkg/handler/remote"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/registry"
)

func remoteTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.Register("sumsqr", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		var total int64
		for _, v := range args.Seq {
			n, ok := v.AsInt()
			if !ok {
				return codec.Value{}, fmt.Errorf("sumsqr expects integers, got %s", v.Kind)
			}
			total += n * n
		}
		return codec.Int(total), nil
	}, registry.Options{})
	reg.Register("addem", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		var total int64
		for _, v := range args.Seq {
			n, ok := v.AsInt()
			if !ok {
				return codec.Value{}, fmt.Errorf("addem expects integers, got %s", v.Kind)
			}
			total += n
		}
		return codec.Int(total), nil
	}, registry.Options{})
	return reg
}

// TestRemoteRoundTripThroughComputeDaemon drives the full dispatch
// protocol end to end against a real BoltDB doc store: the manager's
// remote handler enqueues job documents, an in-process compute daemon
// claims and executes them, and results flow back through the store.
func TestRemoteRoundTripThroughComputeDaemon(t *testing.T) {
	reg := remoteTestRegistry(t)

	docs, err := bolt.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	blobs, err := fs.New(t.TempDir())
	require.NoError(t, err)

	stack := config.NewStack()
	mgr := New(Options{
		Handlers: map[string]handler.Handler{
			"local":  local.New(reg),
			"remote": remote.New(docs, blobs, "cr-1"),
		},
		Caches:   map[string]cache.Cache{},
		Registry: reg,
		Config:   stack,
	})

	daemon := compute.New(docs, blobs, reg, "cr-1", 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			_ = daemon.Tick(ctx)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	exit := stack.EnterFrame(config.Frame{JobHandler: "remote"})
	defer exit()

	j1, err := mgr.Submit("sumsqr", "1.0.0", "", codec.SeqValue(codec.Int(1)))
	require.NoError(t, err)
	j2, err := mgr.Submit("sumsqr", "1.0.0", "", codec.SeqValue(codec.Int(1), codec.Int(2)))
	require.NoError(t, err)
	j3, err := mgr.Submit("sumsqr", "1.0.0", "", codec.SeqValue(codec.Int(1), codec.Int(2), codec.Int(3)))
	require.NoError(t, err)
	j4, err := mgr.Submit("addem", "1.0.0", "", codec.SeqValue(
		codec.JobRefValue(j1.ID), codec.JobRefValue(j2.ID), codec.JobRefValue(j3.ID)))
	require.NoError(t, err)

	require.NoError(t, mgr.Wait(ctx, j1, j2, j3, j4))

	for _, j := range []*job.Job{j1, j2, j3, j4} {
		require.Equal(t, job.StatusFinished, j.Status(), "job %s: %v", j.ID, j.Err())
	}
	result, ok := j4.Result()
	require.True(t, ok)
	assert.Equal(t, codec.Int(20), result) // 1 + 5 + 14
}
