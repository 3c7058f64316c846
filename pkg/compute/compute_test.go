package compute

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/blobstore/fs"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/docstore"
	"github.com/cuemby/lattice/pkg/docstore/bolt"
	"github.com/cuemby/lattice/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T, capacity int) (*Daemon, docstore.Store) {
	t.Helper()
	docs, err := bolt.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	blobs, err := fs.New(t.TempDir())
	require.NoError(t, err)

	reg := registry.New()
	reg.Register("square", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		n := args.Scalar.(int64)
		return codec.Int(n * n), nil
	}, registry.Options{})

	return New(docs, blobs, reg, "cr-1", capacity), docs
}

func putQueuedDoc(t *testing.T, docs docstore.Store, jobID, fn string, arg codec.Value) {
	t.Helper()
	blobs, err := fs.New(t.TempDir())
	require.NoError(t, err)
	serialized, err := codec.Serialize(context.Background(), arg, blobs)
	require.NoError(t, err)
	data, err := json.Marshal(serialized)
	require.NoError(t, err)

	require.NoError(t, docs.Create(context.Background(), docstore.JobDoc{
		JobID:             jobID,
		ComputeResourceID: "cr-1",
		Status:            docstore.StatusQueued,
		FunctionName:      fn,
		FunctionVersion:   "1.0.0",
		KwargsSerialized:  "inline:" + string(data),
	}))
}

func TestTickClaimsAndFinishesQueuedDoc(t *testing.T) {
	d, docs := newTestDaemon(t, 4)
	putQueuedDoc(t, docs, "job-1", "square", codec.Int(6))

	require.NoError(t, d.Tick(context.Background()))

	var doc docstore.JobDoc
	var err error
	for i := 0; i < 50; i++ {
		doc, err = docs.Get(context.Background(), "job-1")
		require.NoError(t, err)
		if doc.Status == docstore.StatusFinished || doc.Status == docstore.StatusError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, docstore.StatusFinished, doc.Status)
	assert.Contains(t, doc.ResultSerialized, "inline:")
}

func TestTickRespectsCapacity(t *testing.T) {
	d, docs := newTestDaemon(t, 1)
	putQueuedDoc(t, docs, "job-1", "square", codec.Int(2))
	putQueuedDoc(t, docs, "job-2", "square", codec.Int(3))

	require.NoError(t, d.Tick(context.Background()))

	d.mu.Lock()
	running := len(d.running)
	d.mu.Unlock()
	assert.LessOrEqual(t, running, 1)

	remaining, err := docs.List(context.Background(), docstore.Filter{ComputeResourceID: "cr-1", Status: docstore.StatusQueued})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestRecoverMarksClaimedDocsAsWorkerRestart(t *testing.T) {
	d, docs := newTestDaemon(t, 4)
	require.NoError(t, docs.Create(context.Background(), docstore.JobDoc{
		JobID:             "job-stale",
		ComputeResourceID: "cr-1",
		Status:            docstore.StatusClaimed,
		FunctionName:      "square",
		FunctionVersion:   "1.0.0",
	}))

	require.NoError(t, d.Recover(context.Background()))

	doc, err := docs.Get(context.Background(), "job-stale")
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusError, doc.Status)
	assert.Contains(t, doc.Error, "worker_restart")
}

func TestUnknownFunctionIsReportedAsUnknownFunctionError(t *testing.T) {
	d, docs := newTestDaemon(t, 4)
	putQueuedDoc(t, docs, "job-1", "does-not-exist", codec.Int(1))

	require.NoError(t, d.Tick(context.Background()))

	var doc docstore.JobDoc
	var err error
	for i := 0; i < 50; i++ {
		doc, err = docs.Get(context.Background(), "job-1")
		require.NoError(t, err)
		if doc.Status == docstore.StatusFinished || doc.Status == docstore.StatusError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, docstore.StatusError, doc.Status)
	assert.Contains(t, doc.Error, `"kind":"unknown_function"`)
}
