// Package parallel implements the bounded worker-pool handler:
// accepted jobs queue in a pending FIFO; while capacity remains,
// Iterate spawns a child process per job via the re-exec protocol in
// worker.go, so a job that crashes or panics can never corrupt the pool
// or any other in-flight job.
package parallel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/lattice/pkg/handler"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/registry"
	"golang.org/x/sync/semaphore"
)

// CancelGrace is how long Cancel waits after asking a worker to
// terminate before killing it outright.
const CancelGrace = 2 * time.Second

type worker struct {
	j      *job.Job
	cmd    *exec.Cmd
	done   chan struct{}
	outMu  sync.Mutex
	resp   workerResponse
	runErr error
	start  time.Time
}

// Handler is the bounded parallel worker-pool handler.
type Handler struct {
	registry *registry.Registry
	sem      *semaphore.Weighted
	capacity int64

	mu       sync.Mutex
	pending  []*job.Job
	inFlight map[string]*worker
}

var _ handler.Handler = (*Handler)(nil)

// New builds a parallel handler with room for capacity concurrent
// child processes.
func New(reg *registry.Registry, capacity int) *Handler {
	return &Handler{
		registry: reg,
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		inFlight: make(map[string]*worker),
	}
}

func (h *Handler) IsRemote() bool { return false }

// Accept always succeeds: jobs queue in the pending FIFO regardless of
// current load, and Iterate throttles actual spawning to capacity.
func (h *Handler) Accept(ctx context.Context, j *job.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, j)
	return nil
}

// Iterate reaps any workers that have finished, then spawns new workers
// for pending jobs while capacity remains.
func (h *Handler) Iterate(ctx context.Context) error {
	h.reapFinished()
	return h.spawnWhileCapacity(ctx)
}

func (h *Handler) reapFinished() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, w := range h.inFlight {
		select {
		case <-w.done:
			delete(h.inFlight, id)
			h.sem.Release(1)
			h.finish(w)
		default:
		}
	}
}

func (h *Handler) finish(w *worker) {
	ri := job.RuntimeInfo{StartTime: w.start, EndTime: time.Now()}

	if w.runErr != nil {
		_ = w.j.Fail(joberr.FrameworkWrap(w.runErr), ri)
		return
	}
	if w.resp.Success {
		_ = w.j.Finish(w.resp.Result, ri)
		return
	}
	_ = w.j.Fail(&joberr.Error{Kind: joberr.Kind(w.resp.ErrKind), Message: w.resp.ErrMessage}, ri)
}

func (h *Handler) spawnWhileCapacity(ctx context.Context) error {
	for {
		if !h.sem.TryAcquire(1) {
			return nil
		}

		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			h.sem.Release(1)
			return nil
		}
		j := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		if err := j.Transition(job.StatusRunning); err != nil {
			h.sem.Release(1)
			return err
		}
		h.spawn(ctx, j)
	}
}

func (h *Handler) spawn(ctx context.Context, j *job.Job) {
	w := &worker{j: j, done: make(chan struct{}), start: time.Now()}

	req := workerRequest{
		FunctionName:    j.FunctionName,
		FunctionVersion: j.FunctionVersion,
		Args:            j.ResolvedArgs,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		w.runErr = fmt.Errorf("marshal worker request: %w", err)
		close(w.done)
		h.registerInFlight(j.ID, w)
		return
	}

	cmd := exec.CommandContext(ctx, os.Args[0])
	cmd.Env = append(os.Environ(), EnvWorkerSentinel+"=1")
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	w.cmd = cmd

	h.registerInFlight(j.ID, w)

	if err := cmd.Start(); err != nil {
		w.runErr = fmt.Errorf("start worker process: %w", err)
		close(w.done)
		return
	}

	go func() {
		waitErr := cmd.Wait()
		if waitErr != nil && stdout.Len() == 0 {
			w.runErr = fmt.Errorf("worker process failed: %w: %s", waitErr, stderr.String())
		} else if err := json.Unmarshal(stdout.Bytes(), &w.resp); err != nil {
			w.runErr = fmt.Errorf("decode worker response: %w", err)
		}
		close(w.done)
	}()
}

func (h *Handler) registerInFlight(jobID string, w *worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight[jobID] = w
}

// Cancel asks the owning worker process to terminate, escalating to a
// kill if it has not exited within CancelGrace.
func (h *Handler) Cancel(jobID string) bool {
	h.mu.Lock()
	w, ok := h.inFlight[jobID]
	h.mu.Unlock()
	if !ok || w.cmd == nil || w.cmd.Process == nil {
		return false
	}

	_ = w.cmd.Process.Signal(os.Interrupt)
	timer := time.AfterFunc(CancelGrace, func() {
		_ = w.cmd.Process.Kill()
	})
	defer timer.Stop()

	select {
	case <-w.done:
		return true
	case <-time.After(CancelGrace):
		_ = w.cmd.Process.Kill()
		return true
	}
}
