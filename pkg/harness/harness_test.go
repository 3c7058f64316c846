package harness

import (
	"context"
	"os"
	"testing"
	"time"

	blobfs "github.com/cuemby/lattice/pkg/blobstore/fs"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRegistry = registry.New()

func init() {
	testRegistry.Register("double", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		return codec.Int(args.Scalar.(int64) * 2), nil
	}, registry.Options{})
	testRegistry.Register("boom", "1.0.0", func(_ context.Context, _ codec.Value) (codec.Value, error) {
		return codec.Value{}, os.ErrClosed
	}, registry.Options{})
	testRegistry.Register("nap", "1.0.0", func(ctx context.Context, args codec.Value) (codec.Value, error) {
		select {
		case <-time.After(2 * time.Second):
			return codec.Int(1), nil
		case <-ctx.Done():
			return codec.Value{}, ctx.Err()
		}
	}, registry.Options{})
}

// TestMain lets this test binary double as the re-exec'd harness
// runner: when spawned with EnvRunnerSentinel set, RunIfRequested
// handles the request and exits before go test's own machinery runs,
// the same self-reexec pattern pkg/handler/parallel's tests use.
func TestMain(m *testing.M) {
	if os.Getenv(EnvRunnerSentinel) == "1" {
		blobs, err := blobfs.New(os.Getenv(EnvBlobStorageDir))
		if err != nil {
			os.Exit(1)
		}
		RunIfRequested(testRegistry, blobs)
	}
	os.Exit(m.Run())
}

func newHarness(t *testing.T) (*Harness, string) {
	t.Helper()
	blobDir := t.TempDir()
	_, err := blobfs.New(blobDir)
	require.NoError(t, err)
	selfPath, err := os.Executable()
	require.NoError(t, err)
	h := New(testRegistry, nil, Options{BlobStorageDir: blobDir, BinaryPath: selfPath})
	return h, blobDir
}

func TestRunHostSucceeds(t *testing.T) {
	h, blobDir := newHarness(t)
	blobs, err := blobfs.New(blobDir)
	require.NoError(t, err)

	res, err := h.Run(context.Background(), blobs, Invocation{
		FunctionName:    "double",
		FunctionVersion: "1.0.0",
		Args:            codec.Int(21),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, codec.Int(42), res.Retval)
	assert.False(t, res.RuntimeInfo.TimedOut)
}

func TestRunHostCarriesUserFunctionError(t *testing.T) {
	h, blobDir := newHarness(t)
	blobs, err := blobfs.New(blobDir)
	require.NoError(t, err)

	res, err := h.Run(context.Background(), blobs, Invocation{
		FunctionName:    "boom",
		FunctionVersion: "1.0.0",
		Args:            codec.Nil(),
	})
	require.Error(t, err)
	je, ok := joberr.As(err)
	require.True(t, ok)
	assert.Equal(t, joberr.KindUserFunctionError, je.Kind)
	assert.False(t, res.Success)
}

func TestRunHostRespectsTimeout(t *testing.T) {
	h, blobDir := newHarness(t)
	blobs, err := blobfs.New(blobDir)
	require.NoError(t, err)

	res, err := h.Run(context.Background(), blobs, Invocation{
		FunctionName:    "nap",
		FunctionVersion: "1.0.0",
		Args:            codec.Nil(),
		Timeout:         50 * time.Millisecond,
	})
	require.Error(t, err)
	je, ok := joberr.As(err)
	require.True(t, ok)
	assert.Equal(t, joberr.KindTimedOut, je.Kind)
	assert.True(t, res.RuntimeInfo.TimedOut)
}

func TestRunContainerWithoutRuntimeFails(t *testing.T) {
	h, blobDir := newHarness(t)
	blobs, err := blobfs.New(blobDir)
	require.NoError(t, err)

	_, err = h.Run(context.Background(), blobs, Invocation{
		FunctionName:    "double",
		FunctionVersion: "1.0.0",
		Args:            codec.Int(1),
		Container:       "docker://repo/image:tag",
	})
	require.Error(t, err)
	je, ok := joberr.As(err)
	require.True(t, ok)
	assert.Equal(t, joberr.KindFrameworkError, je.Kind)
	assert.Contains(t, je.Message, "container runtime")
}

func TestRunSingularityWithoutBinaryFails(t *testing.T) {
	blobDir := t.TempDir()
	blobs, err := blobfs.New(blobDir)
	require.NoError(t, err)
	selfPath, err := os.Executable()
	require.NoError(t, err)

	t.Setenv("PATH", t.TempDir()) // guarantee no singularity binary resolves
	h := New(testRegistry, nil, Options{BlobStorageDir: blobDir, BinaryPath: selfPath, UseSingularity: true})

	_, err = h.Run(context.Background(), blobs, Invocation{
		FunctionName:    "double",
		FunctionVersion: "1.0.0",
		Args:            codec.Int(1),
		Container:       "docker://repo/image:tag",
	})
	require.Error(t, err)
	je, ok := joberr.As(err)
	require.True(t, ok)
	assert.Equal(t, joberr.KindFrameworkError, je.Kind)
	assert.Contains(t, je.Message, "singularity")
}

func TestRunFailsWithoutBlobStorageDir(t *testing.T) {
	selfPath, err := os.Executable()
	require.NoError(t, err)
	h := New(testRegistry, nil, Options{BinaryPath: selfPath})
	blobs, err := blobfs.New(t.TempDir())
	require.NoError(t, err)

	_, err = h.Run(context.Background(), blobs, Invocation{FunctionName: "double", Args: codec.Int(1)})
	require.Error(t, err)
	je, ok := joberr.As(err)
	require.True(t, ok)
	assert.Equal(t, joberr.KindFrameworkError, je.Kind)
}
