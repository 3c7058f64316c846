package cache

import (
	"testing"

	"github.com/cuemby/lattice/pkg/blobstore/fs"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/docstore/bolt"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSharedCache(t *testing.T) *Shared {
	t.Helper()
	docs, err := bolt.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	blobs, err := fs.New(t.TempDir())
	require.NoError(t, err)
	return NewShared(docs, blobs)
}

func TestSharedProbeMissOnUnseenFingerprint(t *testing.T) {
	c := newSharedCache(t)
	r, _, err := c.Probe("fp1")
	require.NoError(t, err)
	assert.Equal(t, Miss, r)
}

func TestSharedReserveThenCommitProducesHit(t *testing.T) {
	c := newSharedCache(t)
	ok, err := c.Reserve("fp1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Commit("fp1", Outcome{Result: codec.Int(25)}))

	r, got, err := c.Probe("fp1")
	require.NoError(t, err)
	assert.Equal(t, Hit, r)
	assert.Equal(t, codec.Int(25), got.Result)
}

func TestSharedSecondReserveFailsWhileInFlight(t *testing.T) {
	c := newSharedCache(t)
	ok, err := c.Reserve("fp1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Reserve("fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedReleaseFailedAllowsReReservation(t *testing.T) {
	c := newSharedCache(t)
	ok, err := c.Reserve("fp1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.ReleaseFailed("fp1"))

	r, _, err := c.Probe("fp1")
	require.NoError(t, err)
	assert.Equal(t, Miss, r)

	ok, err = c.Reserve("fp1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSharedCommittedErrorOutcomeRoundTrips(t *testing.T) {
	c := newSharedCache(t)
	_, err := c.Reserve("fp1")
	require.NoError(t, err)

	require.NoError(t, c.Commit("fp1", Outcome{ErrKind: joberr.KindUserFunctionError, ErrMessage: "boom"}))

	_, got, err := c.Probe("fp1")
	require.NoError(t, err)
	je, ok := joberr.As(got.Err())
	require.True(t, ok)
	assert.Equal(t, joberr.KindUserFunctionError, je.Kind)
	assert.Equal(t, "boom", je.Message)
}
