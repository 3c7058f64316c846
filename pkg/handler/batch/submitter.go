package batch

import "context"

// SubmissionState mirrors the lifecycle an external batch scheduler
// reports for one submitted job.
type SubmissionState string

const (
	StateSubmitted SubmissionState = "SUBMITTED"
	StateRunning   SubmissionState = "RUNNING"
	StateCompleted SubmissionState = "COMPLETED"
	StateFailed    SubmissionState = "FAILED"
)

// Submitter abstracts the external job scheduler the batch handler
// wraps.
// lattice defines only this interface; it is out of scope for lattice
// to implement a real Slurm/PBS/LSF client.
type Submitter interface {
	// Submit launches the trampoline script at <workDir>/trampoline.sh
	// and returns an opaque submission id.
	Submit(ctx context.Context, workDir, scriptPath string) (submissionID string, err error)

	// Poll reports the current state of a previously submitted job.
	Poll(ctx context.Context, submissionID string) (SubmissionState, error)

	// Cancel best-effort terminates a submission.
	Cancel(ctx context.Context, submissionID string) error
}
