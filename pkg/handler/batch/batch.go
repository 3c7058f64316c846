// Package batch implements the external-scheduler handler: each
// accepted job gets a working directory containing its
// argument bundle and a trampoline script, which a Submitter hands off
// to an external batch queue. Iterate polls submission state and
// reaps stale submissions that never reported back.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"
	"time"

	"github.com/cuemby/lattice/pkg/handler"
	"github.com/cuemby/lattice/pkg/job"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/registry"
)

// StaleAfter is the default age at which an un-terminal submission
// record is reaped.
const StaleAfter = 24 * time.Hour

var trampolineTemplate = template.Must(template.New("trampoline").Parse(
	`#!/bin/sh
set -e
export {{.EnvVar}}=1
exec "{{.Binary}}" "{{.WorkDir}}"
`))

type submission struct {
	job          *job.Job
	submissionID string
	workDir      string
	submittedAt  time.Time
}

// Handler is the batch-queue handler.
type Handler struct {
	registry   *registry.Registry
	submitter  Submitter
	workRoot   string
	binaryPath string
	staleAfter time.Duration

	mu          sync.Mutex
	submissions map[string]*submission
}

var _ handler.Handler = (*Handler)(nil)

// New builds a batch handler staging working directories under
// workRoot and submitting trampoline scripts via submitter. binaryPath
// is the path the trampoline script re-invokes (normally os.Args[0]).
func New(reg *registry.Registry, submitter Submitter, workRoot, binaryPath string) *Handler {
	return &Handler{
		registry:    reg,
		submitter:   submitter,
		workRoot:    workRoot,
		binaryPath:  binaryPath,
		staleAfter:  StaleAfter,
		submissions: make(map[string]*submission),
	}
}

func (h *Handler) IsRemote() bool { return false }

// Accept stages a working directory and submits it. A Submitter that
// is currently saturated returns an error wrapped as handler.ErrAtCapacity.
func (h *Handler) Accept(ctx context.Context, j *job.Job) error {
	workDir := filepath.Join(h.workRoot, j.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return joberr.Framework("batch: create work dir: %v", err)
	}

	if err := h.writeKwargs(workDir, j); err != nil {
		return err
	}
	scriptPath, err := h.writeTrampoline(workDir)
	if err != nil {
		return err
	}

	submissionID, err := h.submitter.Submit(ctx, workDir, scriptPath)
	if err != nil {
		return fmt.Errorf("%w: %v", handler.ErrAtCapacity, err)
	}

	if err := j.Transition(job.StatusRunning); err != nil {
		return err
	}

	h.mu.Lock()
	h.submissions[j.ID] = &submission{job: j, submissionID: submissionID, workDir: workDir, submittedAt: time.Now()}
	h.mu.Unlock()
	return nil
}

func (h *Handler) writeKwargs(workDir string, j *job.Job) error {
	doc := kwargsDoc{FunctionName: j.FunctionName, FunctionVersion: j.FunctionVersion, Args: j.ResolvedArgs}
	data, err := json.Marshal(doc)
	if err != nil {
		return joberr.FrameworkWrap(err)
	}
	if err := os.WriteFile(filepath.Join(workDir, kwargsFile), data, 0o644); err != nil {
		return joberr.FrameworkWrap(err)
	}
	return nil
}

func (h *Handler) writeTrampoline(workDir string) (string, error) {
	scriptPath := filepath.Join(workDir, "trampoline.sh")
	f, err := os.OpenFile(scriptPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", joberr.FrameworkWrap(err)
	}
	defer f.Close()

	err = trampolineTemplate.Execute(f, struct{ EnvVar, Binary, WorkDir string }{
		EnvVar:  EnvWorkerSentinel,
		Binary:  h.binaryPath,
		WorkDir: workDir,
	})
	if err != nil {
		return "", joberr.FrameworkWrap(err)
	}
	return scriptPath, nil
}

// Iterate polls every outstanding submission, harvesting completed
// outcomes and reaping submissions older than staleAfter that never
// reported a terminal state.
func (h *Handler) Iterate(ctx context.Context) error {
	h.mu.Lock()
	subs := make([]*submission, 0, len(h.submissions))
	for _, s := range h.submissions {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := h.pollOne(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) pollOne(ctx context.Context, s *submission) error {
	state, err := h.submitter.Poll(ctx, s.submissionID)
	if err != nil {
		h.harvest(s, joberr.FrameworkWrap(err))
		return nil
	}

	switch state {
	case StateCompleted:
		h.harvestResult(s)
	case StateFailed:
		h.harvest(s, joberr.Framework("batch: submission %s reported FAILED", s.submissionID))
	default:
		if time.Since(s.submittedAt) > h.staleAfter {
			h.harvest(s, joberr.Framework("batch: submission %s reaped after exceeding staleness threshold", s.submissionID))
		}
	}
	return nil
}

func (h *Handler) harvestResult(s *submission) {
	data, err := os.ReadFile(filepath.Join(s.workDir, resultFile))
	if err != nil {
		h.harvest(s, joberr.Framework("batch: submission %s completed without a result file: %v", s.submissionID, err))
		return
	}

	var result batchResult
	if err := json.Unmarshal(data, &result); err != nil {
		h.harvest(s, joberr.FrameworkWrap(err))
		return
	}

	ri := job.RuntimeInfo{StartTime: s.submittedAt, EndTime: time.Now()}
	h.remove(s.job.ID)
	if result.Success {
		_ = s.job.Finish(result.Result, ri)
		return
	}
	_ = s.job.Fail(&joberr.Error{Kind: joberr.Kind(result.ErrKind), Message: result.ErrMessage}, ri)
}

func (h *Handler) harvest(s *submission, err error) {
	h.remove(s.job.ID)
	ri := job.RuntimeInfo{StartTime: s.submittedAt, EndTime: time.Now()}
	_ = s.job.Fail(err, ri)
}

func (h *Handler) remove(jobID string) {
	h.mu.Lock()
	delete(h.submissions, jobID)
	h.mu.Unlock()
}

// Cancel best-effort cancels the submission backing jobID.
func (h *Handler) Cancel(jobID string) bool {
	h.mu.Lock()
	s, ok := h.submissions[jobID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return h.submitter.Cancel(context.Background(), s.submissionID) == nil
}
