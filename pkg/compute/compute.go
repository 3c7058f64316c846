// Package compute implements the compute-resource daemon: the
// counterpart to pkg/handler/remote. It claims QUEUED job documents
// addressed to its resource id, executes them through a local handler,
// and writes back the outcome.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/lattice/pkg/blobstore"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/docstore"
	"github.com/cuemby/lattice/pkg/handler/local"
	"github.com/cuemby/lattice/pkg/harness"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/registry"
	"github.com/rs/zerolog"
)

// PollInterval is the default cadence of the claim loop.
const PollInterval = 500 * time.Millisecond

// Daemon is a long-running process bound to one compute_resource_id.
type Daemon struct {
	docs       docstore.Store
	blobs      blobstore.Store
	local      *local.Handler
	resourceID string
	capacity   int

	mu      sync.Mutex
	running map[string]struct{} // job ids currently executing

	stopCh chan struct{}
	logger zerolog.Logger
}

// New builds a compute-resource daemon bound to resourceID, executing
// claimed jobs via reg and capping itself at capacity concurrent jobs.
// Jobs that declare a container image end ERROR(framework_error): this
// constructor has no harness to route them through.
func New(docs docstore.Store, blobs blobstore.Store, reg *registry.Registry, resourceID string, capacity int) *Daemon {
	return newDaemon(docs, blobs, local.New(reg), resourceID, capacity)
}

// NewWithHarness is New, but routes claimed jobs that declare a
// container image through h instead of failing them.
func NewWithHarness(docs docstore.Store, blobs blobstore.Store, reg *registry.Registry, h *harness.Harness, resourceID string, capacity int) *Daemon {
	return newDaemon(docs, blobs, local.NewContainerAware(reg, h, blobs), resourceID, capacity)
}

func newDaemon(docs docstore.Store, blobs blobstore.Store, lh *local.Handler, resourceID string, capacity int) *Daemon {
	return &Daemon{
		docs:       docs,
		blobs:      blobs,
		local:      lh,
		resourceID: resourceID,
		capacity:   capacity,
		running:    make(map[string]struct{}),
		stopCh:     make(chan struct{}),
		logger:     log.WithComputeResource(resourceID),
	}
}

// Recover performs crash recovery: any document this daemon itself
// left CLAIMED on a prior run cannot be trusted to have
// actually progressed, since the in-memory record of "is it running"
// died with the process. Simplest safe policy: mark every one
// ERROR(worker_restart) rather than guess at resumption.
func (d *Daemon) Recover(ctx context.Context) error {
	docs, err := d.docs.List(ctx, docstore.Filter{ComputeResourceID: d.resourceID, Status: docstore.StatusClaimed})
	if err != nil {
		return fmt.Errorf("compute: recovery list: %w", err)
	}

	for _, doc := range docs {
		next := doc
		next.Status = docstore.StatusError
		next.Error = `{"kind":"framework_error","message":"worker_restart"}`
		if _, err := d.docs.CAS(ctx, doc.JobID, doc.Revision, next); err != nil {
			d.logger.Warn().Str("job_id", doc.JobID).Err(err).Msg("failed to mark claimed doc as worker_restart on recovery")
		}
	}
	return nil
}

// Run blocks, polling at interval until ctx is cancelled or Stop is called.
func (d *Daemon) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = PollInterval
	}
	if err := d.Recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error().Err(err).Msg("compute tick failed")
			}
		case <-d.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop signals Run to return.
func (d *Daemon) Stop() { close(d.stopCh) }

// Tick runs one claim->stage->execute->write cycle. Exported so tests
// can drive the daemon deterministically instead of racing a ticker.
func (d *Daemon) Tick(ctx context.Context) error {
	d.mu.Lock()
	slots := d.capacity - len(d.running)
	d.mu.Unlock()
	if slots <= 0 {
		return nil
	}

	queued, err := d.docs.List(ctx, docstore.Filter{ComputeResourceID: d.resourceID, Status: docstore.StatusQueued})
	if err != nil {
		return fmt.Errorf("compute: list queued: %w", err)
	}

	for _, doc := range queued {
		if slots <= 0 {
			break
		}
		if d.tryClaim(ctx, doc) {
			slots--
		}
	}
	return nil
}

func (d *Daemon) tryClaim(ctx context.Context, doc docstore.JobDoc) bool {
	d.mu.Lock()
	if _, ok := d.running[doc.JobID]; ok {
		d.mu.Unlock()
		return false
	}
	d.running[doc.JobID] = struct{}{}
	d.mu.Unlock()

	claimed := doc
	claimed.Status = docstore.StatusClaimed
	claimed.ClaimedAt = time.Now().UnixNano()
	claimed.HeartbeatAt = claimed.ClaimedAt
	newRev, err := d.docs.CAS(ctx, doc.JobID, doc.Revision, claimed)
	if err != nil {
		// Another compute resource (or a racing claim attempt) won.
		d.mu.Lock()
		delete(d.running, doc.JobID)
		d.mu.Unlock()
		return false
	}
	claimed.Revision = newRev

	go d.execute(context.Background(), claimed)
	return true
}

func (d *Daemon) execute(ctx context.Context, doc docstore.JobDoc) {
	defer func() {
		d.mu.Lock()
		delete(d.running, doc.JobID)
		d.mu.Unlock()
	}()

	jl := log.ForJob(doc.JobID, doc.FunctionName)

	running := doc
	running.Status = docstore.StatusRunning
	newRev, err := d.docs.CAS(ctx, doc.JobID, doc.Revision, running)
	if err != nil {
		jl.Error().Err(err).Msg("failed to mark doc RUNNING")
		return
	}
	running.Revision = newRev

	args, err := d.decodeKwargs(ctx, doc.KwargsSerialized)
	if err != nil {
		d.writeOutcome(ctx, running, job.RuntimeInfo{}, codec.Value{}, joberr.FrameworkWrap(err))
		return
	}

	// Containerized jobs resolve their inputs inside the harness runner;
	// uncontained ones invoke the function directly, so deferred File and
	// offloaded payload references must be materialized here first.
	if doc.Container == "" && !doc.NoResolveInputFiles {
		args, err = codec.ResolveInputs(ctx, args, d.blobs)
		if err != nil {
			d.writeOutcome(ctx, running, job.RuntimeInfo{}, codec.Value{}, joberr.BlobStoreUnavailable(err))
			return
		}
	}

	j := job.New(doc.JobID, doc.FunctionName, doc.FunctionVersion, args)
	_ = j.Transition(job.StatusQueued)
	j.ResolvedArgs = args
	j.Container = doc.Container
	j.NoResolveInputFiles = doc.NoResolveInputFiles

	if err := d.local.Accept(ctx, j); err != nil {
		d.writeOutcome(ctx, running, job.RuntimeInfo{}, codec.Value{}, joberr.FrameworkWrap(err))
		return
	}

	ri := j.RuntimeInfo()
	if result, ok := j.Result(); ok {
		d.writeOutcome(ctx, running, ri, result, nil)
		return
	}
	d.writeOutcome(ctx, running, ri, codec.Value{}, j.Err())
}

func (d *Daemon) decodeKwargs(ctx context.Context, serialized string) (codec.Value, error) {
	data, isInline := inlineContent(serialized)
	if !isInline {
		raw, err := d.blobs.Get(ctx, serialized)
		if err != nil {
			return codec.Value{}, fmt.Errorf("fetch kwargs blob: %w", err)
		}
		data = raw
	}

	return codec.FromJSON(data)
}

const inlinePrefix = "inline:"

func inlineContent(serialized string) ([]byte, bool) {
	if len(serialized) >= len(inlinePrefix) && serialized[:len(inlinePrefix)] == inlinePrefix {
		return []byte(serialized[len(inlinePrefix):]), true
	}
	return nil, false
}

func (d *Daemon) writeOutcome(ctx context.Context, doc docstore.JobDoc, ri job.RuntimeInfo, result codec.Value, outcomeErr error) {
	next := doc

	riJSON, _ := json.Marshal(ri)
	next.RuntimeInfo = string(riJSON)

	if outcomeErr != nil {
		next.Status = docstore.StatusError
		je, ok := joberr.As(outcomeErr)
		kind, msg := string(joberr.KindFrameworkError), outcomeErr.Error()
		if ok {
			kind, msg = string(je.Kind), je.Message
		}
		errJSON, _ := json.Marshal(struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}{Kind: kind, Message: msg})
		next.Error = string(errJSON)
	} else {
		next.Status = docstore.StatusFinished
		serialized, err := codec.Serialize(ctx, result, d.blobs)
		if err != nil {
			next.Status = docstore.StatusError
			next.Error = `{"kind":"framework_error","message":"serialize result"}`
		} else {
			resultJSON, _ := json.Marshal(serialized)
			next.ResultSerialized = inlinePrefix + string(resultJSON)
		}
	}

	if _, err := d.docs.CAS(ctx, doc.JobID, doc.Revision, next); err != nil {
		d.logger.Error().Str("job_id", doc.JobID).Err(err).Msg("failed to write outcome")
	}
}
