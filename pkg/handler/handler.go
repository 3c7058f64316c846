// Package handler defines the execution-substrate abstraction the
// job manager dispatches onto: local, parallel, batch
// and remote all implement the same four operations.
package handler

import (
	"context"
	"errors"

	"github.com/cuemby/lattice/pkg/job"
)

// ErrAtCapacity is the retryable failure Accept returns when a handler
// cannot currently take on more work. The job manager re-queues the
// job with backoff rather than treating this as a framework error.
var ErrAtCapacity = errors.New("handler: at capacity, retry later")

// Handler is the execution-substrate contract every local, parallel,
// batch and remote implementation satisfies.
type Handler interface {
	// Accept takes ownership of job j, which must be in job.StatusQueued.
	// A handler unable to take on more work returns ErrAtCapacity.
	Accept(ctx context.Context, j *job.Job) error

	// Iterate advances any in-flight work owned by this handler:
	// reaping finished workers, polling remote state, spawning new
	// workers while capacity remains. Called once per job manager tick.
	Iterate(ctx context.Context) error

	// Cancel best-effort aborts the job with the given id. Returns
	// false if the job was already past the point of no return (e.g.
	// already RUNNING past its cancellable window).
	Cancel(jobID string) bool

	// IsRemote reports whether this handler dispatches to a
	// process/machine outside the caller's own address space.
	IsRemote() bool
}
