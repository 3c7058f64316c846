// Package docstore defines the shared-writer coordination contract
// used by the remote handler and the
// compute-resource daemon. The doc store is the only resource multiple
// processes mutate concurrently; every mutation goes through CAS with
// an explicit prior-state predicate, never a blind write.
package docstore

import "context"

// EnvDocStoreURL names the environment variable carrying the doc-store
// location: a directory path (optionally with a file:// prefix) for the
// BoltDB reference backend.
const EnvDocStoreURL = "DOC_STORE_URL"

// Status mirrors the remote job's lifecycle as seen through the doc
// store, a superset of job.Status that also names the CLAIMED state
// a compute resource occupies between QUEUED and RUNNING.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusClaimed  Status = "CLAIMED"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
)

// JobDoc is one document per remote job.
type JobDoc struct {
	JobID               string `json:"job_id"`
	ComputeResourceID   string `json:"compute_resource_id"`
	Status              Status `json:"status"`
	Fingerprint         string `json:"fingerprint"`
	FunctionName        string `json:"function_name"`
	FunctionVersion     string `json:"function_version"`
	Container           string `json:"container"`
	CodeBundleURI       string `json:"code_bundle_uri"`
	KwargsSerialized    string `json:"kwargs_serialized"` // inline JSON, or a blob URI if >1 MiB
	ResultSerialized    string `json:"result_serialized"`
	RuntimeInfo         string `json:"runtime_info"` // inline JSON
	Error               string `json:"error"`
	NoResolveInputFiles bool   `json:"no_resolve_input_files"`
	ClaimedAt           int64  `json:"claimed_at,omitempty"` // unix nanos, 0 if unclaimed
	HeartbeatAt         int64  `json:"heartbeat_at,omitempty"`

	// revision is an opaque version token the store increments on every
	// successful write; CAS callers pass back the revision they last
	// read as the prior-state predicate.
	Revision uint64 `json:"-"`
}

// Filter narrows List to documents matching every non-zero field.
type Filter struct {
	ComputeResourceID string
	Status            Status
}

// ErrRevisionMismatch is returned by CAS when doc has since been
// mutated by another writer.
type ErrRevisionMismatch struct {
	JobID string
}

func (e *ErrRevisionMismatch) Error() string {
	return "docstore: revision mismatch on CAS for job " + e.JobID
}

// ErrNotFound is returned by Get/CAS when no document exists for the id.
type ErrNotFound struct {
	JobID string
}

func (e *ErrNotFound) Error() string {
	return "docstore: no document for job " + e.JobID
}

// Store is the doc-store interface the remote handler and
// compute-resource daemon consume. Every reference implementation must
// make CAS atomic with respect to Revision, even for concurrent writers
// on separate processes.
type Store interface {
	// Create inserts a brand-new document at revision 1.
	Create(ctx context.Context, doc JobDoc) error

	// Get returns the current document and its revision.
	Get(ctx context.Context, jobID string) (JobDoc, error)

	// CAS replaces the document for jobID with next, succeeding only
	// if the document's current revision equals expectedRevision.
	// Returns the new revision on success.
	CAS(ctx context.Context, jobID string, expectedRevision uint64, next JobDoc) (uint64, error)

	// List returns every document matching filter.
	List(ctx context.Context, filter Filter) ([]JobDoc, error)
}
