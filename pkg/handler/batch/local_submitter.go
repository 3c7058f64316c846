package batch

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

type localSubmission struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	state SubmissionState
}

// LocalSubmitter is a reference Submitter that runs the trampoline
// script as a detached host process instead of talking to a real batch
// queue. It exists so the batch handler's working-directory/trampoline
// protocol is exercisable end to end in-process and under test, the
// same way pkg/docstore/bolt stands in for a production doc store.
type LocalSubmitter struct {
	mu   sync.Mutex
	jobs map[string]*localSubmission
	next int
}

var _ Submitter = (*LocalSubmitter)(nil)

// NewLocalSubmitter creates an empty submitter.
func NewLocalSubmitter() *LocalSubmitter {
	return &LocalSubmitter{jobs: make(map[string]*localSubmission)}
}

func (s *LocalSubmitter) Submit(ctx context.Context, workDir, scriptPath string) (string, error) {
	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = workDir
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("batch: local submit: %w", err)
	}

	sub := &localSubmission{cmd: cmd, state: StateRunning}

	s.mu.Lock()
	s.next++
	id := fmt.Sprintf("local-%d", s.next)
	s.jobs[id] = sub
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		sub.mu.Lock()
		if err != nil {
			sub.state = StateFailed
		} else {
			sub.state = StateCompleted
		}
		sub.mu.Unlock()
	}()

	return id, nil
}

func (s *LocalSubmitter) Poll(ctx context.Context, submissionID string) (SubmissionState, error) {
	s.mu.Lock()
	sub, ok := s.jobs[submissionID]
	s.mu.Unlock()
	if !ok {
		return StateFailed, fmt.Errorf("batch: unknown submission %s", submissionID)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state, nil
}

func (s *LocalSubmitter) Cancel(ctx context.Context, submissionID string) error {
	s.mu.Lock()
	sub, ok := s.jobs[submissionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.cmd.Process == nil {
		return nil
	}
	return sub.cmd.Process.Kill()
}
