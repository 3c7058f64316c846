package batch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/job"
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
	testRegistry.Register("fails", "1.0.0", func(_ context.Context, _ codec.Value) (codec.Value, error) {
		return codec.Value{}, os.ErrInvalid
	}, registry.Options{})
}

func TestMain(m *testing.M) {
	RunWorkerIfRequested(testRegistry)
	os.Exit(m.Run())
}

func newQueuedJob(id, fn string, args codec.Value) *job.Job {
	j := job.New(id, fn, "1.0.0", args)
	_ = j.Transition(job.StatusQueued)
	j.ResolvedArgs = args
	return j
}

func selfPath(t *testing.T) string {
	t.Helper()
	p, err := os.Executable()
	require.NoError(t, err)
	return p
}

func pumpUntilTerminal(t *testing.T, h *Handler, j *job.Job, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		require.NoError(t, h.Iterate(context.Background()))
		if j.Status() == job.StatusFinished || j.Status() == job.StatusError {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status within %s", j.ID, timeout)
}

func TestAcceptStagesWorkingDirectoryAndCompletes(t *testing.T) {
	h := New(testRegistry, NewLocalSubmitter(), t.TempDir(), selfPath(t))
	j := newQueuedJob("job-1", "double", codec.Int(21))

	require.NoError(t, h.Accept(context.Background(), j))
	assert.Equal(t, job.StatusRunning, j.Status())

	pumpUntilTerminal(t, h, j, 5*time.Second)
	assert.Equal(t, job.StatusFinished, j.Status())
	result, ok := j.Result()
	require.True(t, ok)
	assert.Equal(t, codec.Int(42), result)
}

func TestAcceptPropagatesUserFunctionError(t *testing.T) {
	h := New(testRegistry, NewLocalSubmitter(), t.TempDir(), selfPath(t))
	j := newQueuedJob("job-1", "fails", codec.Nil())

	require.NoError(t, h.Accept(context.Background(), j))
	pumpUntilTerminal(t, h, j, 5*time.Second)
	assert.Equal(t, job.StatusError, j.Status())
}

func TestStaleSubmissionIsReapedAsFrameworkError(t *testing.T) {
	h := New(testRegistry, stuckSubmitter{}, t.TempDir(), selfPath(t))
	h.staleAfter = 1 * time.Millisecond
	j := newQueuedJob("job-1", "double", codec.Int(1))

	// Exercise the stale path directly by registering a submission that
	// the submitter keeps reporting as RUNNING and never resolves.
	h.mu.Lock()
	h.submissions["job-1"] = &submission{job: j, submissionID: "stuck-1", workDir: t.TempDir(), submittedAt: time.Now().Add(-time.Hour)}
	h.mu.Unlock()
	require.NoError(t, j.Transition(job.StatusRunning))

	require.NoError(t, h.Iterate(context.Background()))
	assert.Equal(t, job.StatusError, j.Status())
	je, ok := joberr.As(j.Err())
	require.True(t, ok)
	assert.Equal(t, joberr.KindFrameworkError, je.Kind)
	assert.Contains(t, je.Message, "staleness threshold")
}

// stuckSubmitter reports every submission as RUNNING forever.
type stuckSubmitter struct{}

func (stuckSubmitter) Submit(context.Context, string, string) (string, error) { return "stuck-1", nil }
func (stuckSubmitter) Poll(context.Context, string) (SubmissionState, error) {
	return StateRunning, nil
}
func (stuckSubmitter) Cancel(context.Context, string) error { return nil }
