package cache

import (
	"testing"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeMissOnUnseenFingerprint(t *testing.T) {
	c := New()
	r, _, err := c.Probe("fp1")
	require.NoError(t, err)
	assert.Equal(t, Miss, r)
}

func TestReserveThenCommitProducesHit(t *testing.T) {
	c := New()
	ok, err := c.Reserve("fp1")
	require.NoError(t, err)
	assert.True(t, ok)

	outcome := Outcome{Result: codec.Int(25)}
	require.NoError(t, c.Commit("fp1", outcome))

	r, got, err := c.Probe("fp1")
	require.NoError(t, err)
	assert.Equal(t, Hit, r)
	assert.Equal(t, codec.Int(25), got.Result)
}

func TestSecondReserveFailsWhileInFlight(t *testing.T) {
	c := New()
	ok, err := c.Reserve("fp1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Reserve("fp1")
	require.NoError(t, err)
	assert.False(t, ok, "at most one outstanding reservation per fingerprint")

	r, _, err := c.Probe("fp1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, r)
}

func TestSecondReserveFailsOnceCommitted(t *testing.T) {
	c := New()
	_, _ = c.Reserve("fp1")
	require.NoError(t, c.Commit("fp1", Outcome{Result: codec.Int(1)}))

	ok, err := c.Reserve("fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseFailedClearsInFlightWithoutCommitting(t *testing.T) {
	c := New()
	_, _ = c.Reserve("fp1")
	require.NoError(t, c.ReleaseFailed("fp1"))

	r, _, err := c.Probe("fp1")
	require.NoError(t, err)
	assert.Equal(t, Miss, r, "a released reservation must be re-reservable")

	ok, err := c.Reserve("fp1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommittedErrorOutcomeRoundTrips(t *testing.T) {
	c := New()
	_, _ = c.Reserve("fp1")
	outcome := Outcome{ErrKind: joberr.KindUserFunctionError, ErrMessage: "boom"}
	require.NoError(t, c.Commit("fp1", outcome))

	_, got, err := c.Probe("fp1")
	require.NoError(t, err)
	je, ok := joberr.As(got.Err())
	require.True(t, ok)
	assert.Equal(t, joberr.KindUserFunctionError, je.Kind)
	assert.Equal(t, "boom", je.Message)
}
