package bolt

import (
	"context"
	"testing"

	"github.com/cuemby/lattice/pkg/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	doc := docstore.JobDoc{JobID: "job-1", Status: docstore.StatusQueued, FunctionName: "sqr"}
	require.NoError(t, s.Create(ctx, doc))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusQueued, got.Status)
	assert.Equal(t, uint64(1), got.Revision)
}

func TestCreateTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	doc := docstore.JobDoc{JobID: "job-1", Status: docstore.StatusQueued}
	require.NoError(t, s.Create(ctx, doc))
	assert.Error(t, s.Create(ctx, doc))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Get(ctx, "nope")
	require.Error(t, err)
	var nf *docstore.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestCASWithCorrectRevisionSucceeds(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	doc := docstore.JobDoc{JobID: "job-1", Status: docstore.StatusQueued}
	require.NoError(t, s.Create(ctx, doc))

	doc.Status = docstore.StatusClaimed
	doc.ComputeResourceID = "cr-1"
	newRev, err := s.CAS(ctx, "job-1", 1, doc)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), newRev)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusClaimed, got.Status)
}

func TestCASWithStaleRevisionFails(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	doc := docstore.JobDoc{JobID: "job-1", Status: docstore.StatusQueued}
	require.NoError(t, s.Create(ctx, doc))

	doc.Status = docstore.StatusClaimed
	_, err := s.CAS(ctx, "job-1", 1, doc)
	require.NoError(t, err)

	// Second claimant races on the same stale revision; exactly one wins.
	doc.ComputeResourceID = "cr-2"
	_, err = s.CAS(ctx, "job-1", 1, doc)
	require.Error(t, err)
	var mismatch *docstore.ErrRevisionMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestListFiltersByComputeResourceAndStatus(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Create(ctx, docstore.JobDoc{JobID: "a", Status: docstore.StatusQueued, ComputeResourceID: "cr-1"}))
	require.NoError(t, s.Create(ctx, docstore.JobDoc{JobID: "b", Status: docstore.StatusQueued, ComputeResourceID: "cr-2"}))
	require.NoError(t, s.Create(ctx, docstore.JobDoc{JobID: "c", Status: docstore.StatusFinished, ComputeResourceID: "cr-1"}))

	docs, err := s.List(ctx, docstore.Filter{ComputeResourceID: "cr-1", Status: docstore.StatusQueued})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].JobID)
}
