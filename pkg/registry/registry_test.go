package registry

import (
	"context"
	"testing"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoFn(_ context.Context, args codec.Value) (codec.Value, error) {
	return args, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("echo", "1.0.0", echoFn, Options{})

	e, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", e.Name)
	assert.Equal(t, "1.0.0", e.Version)
}

func TestLookupUnknownFunction(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope")
	require.Error(t, err)
	je, ok := joberr.As(err)
	require.True(t, ok)
	assert.Equal(t, joberr.KindUnknownFunction, je.Kind)
}

func TestSecondRegistrationFromSameFileIsSilentlyIgnored(t *testing.T) {
	r := New()
	r.Register("dup", "1.0.0", echoFn, Options{})
	r.Register("dup", "2.0.0", echoFn, Options{})

	e, err := r.Lookup("dup")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", e.Version, "first registration wins even on re-registration")
}
