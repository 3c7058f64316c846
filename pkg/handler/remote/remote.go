// Package remote implements the client side of the doc-store dispatch
// protocol: Accept creates a QUEUED job document for a
// compute-resource daemon (pkg/compute) to claim, and Iterate polls for
// a terminal status using bounded exponential backoff.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/lattice/pkg/blobstore"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/docstore"
	"github.com/cuemby/lattice/pkg/handler"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/joberr"
)

// PollCeiling is the default bound on exponential poll backoff.
const PollCeiling = 2 * time.Second

// InlineKwargsThreshold is the point above which a job's serialized
// argument graph is offloaded to the blob store instead of carried
// inline in the job document.
const InlineKwargsThreshold = 1 << 20 // 1 MiB

const inlinePrefix = "inline:"

type trackedSubmission struct {
	job        *job.Job
	backoff    time.Duration
	nextPollAt time.Time
}

// Handler is the remote (doc-store dispatch) handler.
type Handler struct {
	docs        docstore.Store
	blobs       blobstore.Store
	resourceID  string
	pollCeiling time.Duration

	mu          sync.Mutex
	submissions map[string]*trackedSubmission
}

var _ handler.Handler = (*Handler)(nil)

// New builds a remote handler dispatching jobs tagged for
// computeResourceID, coordinating through docs and offloading large
// payloads through blobs.
func New(docs docstore.Store, blobs blobstore.Store, computeResourceID string) *Handler {
	return &Handler{
		docs:        docs,
		blobs:       blobs,
		resourceID:  computeResourceID,
		pollCeiling: PollCeiling,
		submissions: make(map[string]*trackedSubmission),
	}
}

func (h *Handler) IsRemote() bool { return true }

// Accept serializes j's resolved arguments into a QUEUED job document
// for the compute-resource daemon to claim.
func (h *Handler) Accept(ctx context.Context, j *job.Job) error {
	kwargs, err := h.encodeKwargs(ctx, j)
	if err != nil {
		return joberr.FrameworkWrap(err)
	}

	fp, _ := j.Fingerprint()
	doc := docstore.JobDoc{
		JobID:               j.ID,
		ComputeResourceID:   h.resourceID,
		Status:              docstore.StatusQueued,
		Fingerprint:         fp,
		FunctionName:        j.FunctionName,
		FunctionVersion:     j.FunctionVersion,
		Container:           j.Container,
		KwargsSerialized:    kwargs,
		NoResolveInputFiles: j.NoResolveInputFiles,
	}
	if err := h.docs.Create(ctx, doc); err != nil {
		return joberr.FrameworkWrap(err)
	}

	if err := j.Transition(job.StatusRunning); err != nil {
		return err
	}

	h.mu.Lock()
	h.submissions[j.ID] = &trackedSubmission{job: j, backoff: 10 * time.Millisecond}
	h.mu.Unlock()
	return nil
}

func (h *Handler) encodeKwargs(ctx context.Context, j *job.Job) (string, error) {
	serialized, err := codec.Serialize(ctx, j.ResolvedArgs, h.blobs)
	if err != nil {
		return "", fmt.Errorf("serialize args: %w", err)
	}
	data, err := json.Marshal(serialized)
	if err != nil {
		return "", err
	}
	if len(data) <= InlineKwargsThreshold {
		return inlinePrefix + string(data), nil
	}

	uri, err := h.blobs.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("offload kwargs: %w", err)
	}
	return uri, nil
}

func (h *Handler) decodeResult(ctx context.Context, serialized string) (codec.Value, error) {
	var data []byte
	if rest, ok := cutPrefix(serialized, inlinePrefix); ok {
		data = []byte(rest)
	} else {
		raw, err := h.blobs.Get(ctx, serialized)
		if err != nil {
			return codec.Value{}, fmt.Errorf("fetch result blob: %w", err)
		}
		data = raw
	}

	return codec.FromJSON(data)
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}

// Iterate polls every outstanding submission whose backoff has
// elapsed, advancing backoff (capped at pollCeiling) on a non-terminal
// result and harvesting terminal ones.
func (h *Handler) Iterate(ctx context.Context) error {
	h.mu.Lock()
	due := make([]*trackedSubmission, 0, len(h.submissions))
	now := time.Now()
	for _, s := range h.submissions {
		if now.After(s.nextPollAt) {
			due = append(due, s)
		}
	}
	h.mu.Unlock()

	for _, s := range due {
		if err := h.pollOne(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) pollOne(ctx context.Context, s *trackedSubmission) error {
	doc, err := h.docs.Get(ctx, s.job.ID)
	if err != nil {
		h.advanceBackoff(s)
		return nil
	}

	switch doc.Status {
	case docstore.StatusFinished, docstore.StatusError:
		h.harvest(ctx, s, doc)
	default:
		h.advanceBackoff(s)
	}
	return nil
}

func (h *Handler) advanceBackoff(s *trackedSubmission) {
	if s.backoff <= 0 {
		s.backoff = 10 * time.Millisecond
	}
	s.nextPollAt = time.Now().Add(s.backoff)
	s.backoff *= 2
	if s.backoff > h.pollCeiling {
		s.backoff = h.pollCeiling
	}
}

func (h *Handler) harvest(ctx context.Context, s *trackedSubmission, doc docstore.JobDoc) {
	h.mu.Lock()
	delete(h.submissions, s.job.ID)
	h.mu.Unlock()

	ri := job.RuntimeInfo{}
	if doc.RuntimeInfo != "" {
		_ = json.Unmarshal([]byte(doc.RuntimeInfo), &ri)
	}

	if doc.Status == docstore.StatusFinished {
		result, err := h.decodeResult(ctx, doc.ResultSerialized)
		if err != nil {
			_ = s.job.Fail(joberr.FrameworkWrap(err), ri)
			return
		}
		_ = s.job.Finish(result, ri)
		return
	}

	var payload struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal([]byte(doc.Error), &payload)
	_ = s.job.Fail(&joberr.Error{Kind: joberr.Kind(payload.Kind), Message: payload.Message}, ri)
}

// Cancel best-effort CASes a still-QUEUED document to ERROR; once a
// compute resource has claimed the job, cancellation is no longer
// guaranteed and this returns false.
func (h *Handler) Cancel(jobID string) bool {
	ctx := context.Background()
	doc, err := h.docs.Get(ctx, jobID)
	if err != nil || doc.Status != docstore.StatusQueued {
		return false
	}

	next := doc
	next.Status = docstore.StatusError
	next.Error = `{"kind":"user_function_error","message":"cancelled before claim"}`
	_, err = h.docs.CAS(ctx, jobID, doc.Revision, next)
	return err == nil
}
