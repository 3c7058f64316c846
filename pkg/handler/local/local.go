// Package local implements the synchronous in-process handler: Accept
// runs the function body inline and returns only once the job has
// reached a terminal status.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/lattice/pkg/blobstore"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/harness"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/registry"
)

// Handler is the local (in-process, synchronous) handler. When built
// with a harness it also serves as the substrate containerized jobs run
// through on a single host: there is no separate "container handler",
// only the harness invoked by whichever substrate owns the job.
type Handler struct {
	registry *registry.Registry
	harness  *harness.Harness
	blobs    blobstore.Store
}

// New builds a local handler resolving function bodies from reg. Jobs
// that declare a container image fail with FrameworkError, since no
// harness is configured to run them.
func New(reg *registry.Registry) *Handler {
	return &Handler{registry: reg}
}

// NewContainerAware builds a local handler that runs uncontained jobs
// in-process as usual, but routes jobs with a declared container image
// through h.
func NewContainerAware(reg *registry.Registry, h *harness.Harness, blobs blobstore.Store) *Handler {
	return &Handler{registry: reg, harness: h, blobs: blobs}
}

func (h *Handler) IsRemote() bool { return false }

// Accept runs j's function body to completion before returning. There
// is no pending queue: a local handler never reports ErrAtCapacity.
func (h *Handler) Accept(ctx context.Context, j *job.Job) error {
	if j.Container != "" {
		return h.acceptContainer(ctx, j)
	}

	entry, err := h.registry.Lookup(j.FunctionName)
	if err != nil {
		return j.Fail(err, job.RuntimeInfo{StartTime: time.Now(), EndTime: time.Now()})
	}

	if err := j.Transition(job.StatusRunning); err != nil {
		return err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if j.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	ri := job.RuntimeInfo{StartTime: time.Now()}
	result, runErr := invoke(runCtx, entry.Fn, j.ResolvedArgs)
	ri.EndTime = time.Now()

	if runCtx.Err() == context.DeadlineExceeded {
		ri.TimedOut = true
		return j.Fail(joberr.TimedOut(j.Timeout.String()), ri)
	}
	if runErr != nil {
		return j.Fail(joberr.UserFunction(runErr), ri)
	}
	return j.Finish(result, ri)
}

// acceptContainer routes a job with a declared container image through
// the container harness instead of calling its function body
// in-process.
func (h *Handler) acceptContainer(ctx context.Context, j *job.Job) error {
	if h.harness == nil {
		return j.Fail(joberr.Framework("job %s declares container %q but no harness is configured", j.ID, j.Container),
			job.RuntimeInfo{StartTime: time.Now(), EndTime: time.Now()})
	}
	if err := j.Transition(job.StatusRunning); err != nil {
		return err
	}

	res, err := h.harness.Run(ctx, h.blobs, harness.Invocation{
		FunctionName:        j.FunctionName,
		FunctionVersion:     j.FunctionVersion,
		Args:                j.ResolvedArgs,
		Container:           j.Container,
		NoResolveInputFiles: j.NoResolveInputFiles,
		Timeout:             j.Timeout,
	})
	ri := job.RuntimeInfo{
		StartTime:  res.RuntimeInfo.StartTime,
		EndTime:    res.RuntimeInfo.EndTime,
		Stdout:     res.RuntimeInfo.Stdout,
		Stderr:     res.RuntimeInfo.Stderr,
		ConsoleOut: res.RuntimeInfo.ConsoleOut,
		TimedOut:   res.RuntimeInfo.TimedOut,
	}
	if err != nil {
		return j.Fail(err, ri)
	}
	return j.Finish(res.Retval, ri)
}

// invoke calls fn, converting a panic in the user function body into an
// error rather than crashing the handler: a raising user function is a
// normal terminal outcome, not a handler failure.
func invoke(ctx context.Context, fn registry.Function, args codec.Value) (result codec.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in function body: %v", r)
		}
	}()
	return fn(ctx, args)
}

// Iterate is a no-op: Accept already runs jobs to completion.
func (h *Handler) Iterate(ctx context.Context) error { return nil }

// Cancel is always best-effort-false: by the time a caller could
// observe the job to cancel it, Accept has already returned it to a
// terminal status.
func (h *Handler) Cancel(jobID string) bool { return false }
