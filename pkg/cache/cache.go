// Package cache implements the fingerprint-keyed memoisation layer:
// a mapping from fingerprint to the terminal outcome of
// the job that produced it, plus a set of in-flight fingerprints that
// guarantees at most one reservation per fingerprint is outstanding
// system-wide.
package cache

import (
	"time"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/joberr"
)

// ProbeResult is the outcome of probing a fingerprint.
type ProbeResult int

const (
	Miss ProbeResult = iota
	Hit
	InFlight
)

func (r ProbeResult) String() string {
	switch r {
	case Hit:
		return "HIT"
	case InFlight:
		return "IN_FLIGHT"
	default:
		return "MISS"
	}
}

// Outcome is the triple (result, runtime_info, error) a finished job
// commits to the cache. Exactly one of Result/ErrKind is meaningful,
// mirroring Job's own FINISHED-xor-ERROR terminal split.
type Outcome struct {
	Result      codec.Value
	RuntimeInfo RuntimeInfo
	ErrKind     joberr.Kind
	ErrMessage  string
}

// RuntimeInfo is the subset of job.RuntimeInfo worth memoising; kept
// independent of pkg/job so neither package imports the other (the
// manager converts between the two shapes).
type RuntimeInfo struct {
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// Err reconstructs the recorded error, if any.
func (o Outcome) Err() error {
	if o.ErrKind == "" {
		return nil
	}
	return &joberr.Error{Kind: o.ErrKind, Message: o.ErrMessage}
}

// Cache is the interface every cache backend (in-process or shared)
// implements.
type Cache interface {
	// Probe reports whether fp is cached, in-flight elsewhere, or
	// unseen. The returned Outcome is only meaningful on Hit.
	Probe(fp string) (ProbeResult, Outcome, error)

	// Reserve succeeds iff fp is neither cached nor in-flight; on
	// success the caller owns the exclusive right to execute it.
	Reserve(fp string) (bool, error)

	// Commit publishes outcome for fp and clears the in-flight mark.
	// Outcomes whose error is not cacheable (FrameworkError) must not
	// be passed here by callers; Commit does not re-check this.
	Commit(fp string, outcome Outcome) error

	// ReleaseFailed clears the in-flight mark without committing,
	// used when the executing handler crashes or its outcome turns
	// out not to be cacheable.
	ReleaseFailed(fp string) error
}
