package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/lattice/pkg/blobstore"
	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/docstore"
	"github.com/cuemby/lattice/pkg/joberr"
)

// Shared is the multi-writer cache backend: reservations are CAS'd
// into the doc store the same way the remote handler CASes
// QUEUED -> CLAIMED, so two processes racing to reserve the same
// fingerprint can never both win.
//
// Each fingerprint occupies one docstore.JobDoc keyed by fingerprint
// (JobID is overloaded to carry the fingerprint rather than a job id,
// since the cache has no notion of which job first computed a given
// fingerprint). Status CLAIMED means in-flight; FINISHED/ERROR mean
// committed, matching the statuses the doc store already defines.
type Shared struct {
	docs  docstore.Store
	blobs blobstore.Store
	ctx   context.Context
}

var _ Cache = (*Shared)(nil)

// NewShared builds a cache layered on docs, offloading large serialized
// outcomes through blobs exactly as the remote handler's result
// payloads do.
func NewShared(docs docstore.Store, blobs blobstore.Store) *Shared {
	return &Shared{docs: docs, blobs: blobs, ctx: context.Background()}
}

func (c *Shared) Probe(fp string) (ProbeResult, Outcome, error) {
	doc, err := c.docs.Get(c.ctx, fp)
	if _, ok := err.(*docstore.ErrNotFound); ok {
		return Miss, Outcome{}, nil
	}
	if err != nil {
		return Miss, Outcome{}, err
	}

	switch doc.Status {
	case docstore.StatusClaimed:
		return InFlight, Outcome{}, nil
	case docstore.StatusFinished, docstore.StatusError:
		outcome, err := c.decodeOutcome(doc)
		if err != nil {
			return Miss, Outcome{}, err
		}
		return Hit, outcome, nil
	default:
		return Miss, Outcome{}, nil
	}
}

func (c *Shared) Reserve(fp string) (bool, error) {
	err := c.docs.Create(c.ctx, docstore.JobDoc{
		JobID:       fp,
		Fingerprint: fp,
		Status:      docstore.StatusClaimed,
	})
	if err == nil {
		return true, nil
	}

	// Another writer already holds (or has committed) this fingerprint,
	// or a prior reservation was released without committing. Only the
	// released case is re-claimable, and only via CAS against the
	// revision we just observed so a concurrent re-claimer can't also win.
	doc, getErr := c.docs.Get(c.ctx, fp)
	if getErr != nil {
		return false, nil
	}
	if doc.Status == docstore.StatusClaimed || doc.Status == docstore.StatusFinished || doc.Status == docstore.StatusError {
		return false, nil
	}

	next := doc
	next.Status = docstore.StatusClaimed
	if _, err := c.docs.CAS(c.ctx, fp, doc.Revision, next); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *Shared) Commit(fp string, outcome Outcome) error {
	doc, err := c.docs.Get(c.ctx, fp)
	if err != nil {
		return fmt.Errorf("cache: commit of unreserved fingerprint %s: %w", fp, err)
	}

	next := doc
	if err := c.encodeOutcome(&next, outcome); err != nil {
		return err
	}
	if outcome.ErrKind != "" {
		next.Status = docstore.StatusError
	} else {
		next.Status = docstore.StatusFinished
	}

	_, err = c.docs.CAS(c.ctx, fp, doc.Revision, next)
	return err
}

func (c *Shared) ReleaseFailed(fp string) error {
	doc, err := c.docs.Get(c.ctx, fp)
	if err != nil {
		if _, ok := err.(*docstore.ErrNotFound); ok {
			return nil
		}
		return err
	}
	// There is no "delete" in the doc-store contract; parking the
	// fingerprint back at a non-terminal, non-claimed status makes the
	// next Probe report Miss and the next Reserve race to Create again
	// would fail (the doc still exists), so Reserve must instead permit
	// re-claiming a released doc via CAS.
	next := doc
	next.Status = ""
	_, err = c.docs.CAS(c.ctx, fp, doc.Revision, next)
	return err
}

func (c *Shared) encodeOutcome(doc *docstore.JobDoc, outcome Outcome) error {
	serialized, err := codec.Serialize(c.ctx, outcome.Result, c.blobs)
	if err != nil {
		return fmt.Errorf("cache: serialize outcome: %w", err)
	}
	resultJSON, err := json.Marshal(serialized)
	if err != nil {
		return err
	}
	doc.ResultSerialized = string(resultJSON)

	if outcome.ErrKind != "" {
		errJSON, err := json.Marshal(sharedErrPayload{Kind: string(outcome.ErrKind), Message: outcome.ErrMessage})
		if err != nil {
			return err
		}
		doc.Error = string(errJSON)
	} else {
		doc.Error = ""
	}

	riJSON, err := json.Marshal(outcome.RuntimeInfo)
	if err != nil {
		return err
	}
	doc.RuntimeInfo = string(riJSON)
	return nil
}

func (c *Shared) decodeOutcome(doc docstore.JobDoc) (Outcome, error) {
	var outcome Outcome
	if doc.ResultSerialized != "" {
		v, err := codec.FromJSON([]byte(doc.ResultSerialized))
		if err != nil {
			return Outcome{}, fmt.Errorf("cache: deserialize outcome: %w", err)
		}
		outcome.Result = v
	}
	if doc.RuntimeInfo != "" {
		if err := json.Unmarshal([]byte(doc.RuntimeInfo), &outcome.RuntimeInfo); err != nil {
			return Outcome{}, err
		}
	}
	if doc.Status == docstore.StatusError && doc.Error != "" {
		var payload sharedErrPayload
		if err := json.Unmarshal([]byte(doc.Error), &payload); err != nil {
			return Outcome{}, err
		}
		outcome.ErrKind = joberr.Kind(payload.Kind)
		outcome.ErrMessage = payload.Message
	}
	return outcome, nil
}

// sharedErrPayload is the on-the-wire shape of JobDoc.Error: the doc
// store only defines a single string field, so kind and message are
// folded into one JSON blob rather than widening the schema.
type sharedErrPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
