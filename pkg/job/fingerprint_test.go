package job

import (
	"testing"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	args := codec.MapValue(map[string]codec.Value{
		"a": codec.Int(1),
		"b": codec.String("x"),
	})

	fp1, err := Fingerprint("add", "1.0.0", "", args, nil)
	require.NoError(t, err)
	fp2, err := Fingerprint("add", "1.0.0", "", args, nil)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintMapKeyOrderDoesNotMatter(t *testing.T) {
	a1 := codec.MapValue(map[string]codec.Value{"a": codec.Int(1), "b": codec.Int(2)})
	a2 := codec.MapValue(map[string]codec.Value{"b": codec.Int(2), "a": codec.Int(1)})

	fp1, err := Fingerprint("f", "1.0.0", "", a1, nil)
	require.NoError(t, err)
	fp2, err := Fingerprint("f", "1.0.0", "", a2, nil)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintChangesWithContainer(t *testing.T) {
	args := codec.Int(1)
	fp1, err := Fingerprint("f", "1.0.0", "", args, nil)
	require.NoError(t, err)
	fp2, err := Fingerprint("f", "1.0.0", "docker://repo/image:tag", args, nil)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintChangesWithVersion(t *testing.T) {
	args := codec.Int(1)
	fp1, err := Fingerprint("f", "1.0.0", "", args, nil)
	require.NoError(t, err)
	fp2, err := Fingerprint("f", "2.0.0", "", args, nil)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintChangesWithArgs(t *testing.T) {
	fp1, err := Fingerprint("f", "1.0.0", "", codec.Int(1), nil)
	require.NoError(t, err)
	fp2, err := Fingerprint("f", "1.0.0", "", codec.Int(2), nil)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintResolvesJobRefToUpstreamFingerprint(t *testing.T) {
	args := codec.JobRefValue("upstream-job-1")
	_, err := Fingerprint("f", "1.0.0", "", args, nil)
	require.Error(t, err, "unresolved upstream fingerprint must error, not silently hash the job id")

	fp, err := Fingerprint("f", "1.0.0", "", args, map[string]string{"upstream-job-1": "deadbeef"})
	require.NoError(t, err)
	assert.NotEmpty(t, fp)
}

func TestFingerprintJobRefDoesNotCollideWithEquivalentStringLiteral(t *testing.T) {
	refArgs := codec.JobRefValue("job-1")
	fpRef, err := Fingerprint("f", "1.0.0", "", refArgs, map[string]string{"job-1": "abc123"})
	require.NoError(t, err)

	litArgs := codec.String("abc123")
	fpLit, err := Fingerprint("f", "1.0.0", "", litArgs, nil)
	require.NoError(t, err)

	assert.NotEqual(t, fpRef, fpLit)
}

func TestFingerprintChangesWhenUpstreamFingerprintChanges(t *testing.T) {
	args := codec.JobRefValue("job-1")
	fp1, err := Fingerprint("f", "1.0.0", "", args, map[string]string{"job-1": "aaa"})
	require.NoError(t, err)
	fp2, err := Fingerprint("f", "1.0.0", "", args, map[string]string{"job-1": "bbb"})
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintOfLargeBytesDoesNotRequireBlobStore(t *testing.T) {
	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = byte(i)
	}
	fp, err := Fingerprint("f", "1.0.0", "", codec.BytesValue(big), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, fp)
}
