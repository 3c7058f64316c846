// Package bolt is the BoltDB-backed reference implementation of
// pkg/docstore.Store: one bucket per document kind, JSON-marshaled
// values keyed by ID. Every write
// goes through bbolt's single-writer transaction to implement
// compare-and-swap: the revision is tracked as an 8-byte big-endian
// counter stored alongside the document in the same transaction.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/lattice/pkg/docstore"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocs      = []byte("job_docs")
	bucketRevisions = []byte("job_doc_revisions")
)

// Store is a BoltDB-backed docstore.Store. All mutations are
// serialized by bbolt's single-writer transaction, which is what makes
// CAS here trivially atomic: there is never a second writer to race
// against within the same process, and bbolt holds an exclusive file
// lock across processes.
type Store struct {
	db *bolt.DB
}

var _ docstore.Store = (*Store)(nil)

// New opens (creating if absent) a BoltDB-backed doc store under dataDir.
func New(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "lattice-docstore.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("docstore/bolt: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRevisions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, doc docstore.JobDoc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		if b.Get([]byte(doc.JobID)) != nil {
			return fmt.Errorf("docstore/bolt: job %s already exists", doc.JobID)
		}

		doc.Revision = 1
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(doc.JobID), data); err != nil {
			return err
		}
		return putRevision(tx, doc.JobID, 1)
	})
}

func (s *Store) Get(ctx context.Context, jobID string) (docstore.JobDoc, error) {
	var doc docstore.JobDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return &docstore.ErrNotFound{JobID: jobID}
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		doc.Revision = getRevision(tx, jobID)
		return nil
	})
	return doc, err
}

func (s *Store) CAS(ctx context.Context, jobID string, expectedRevision uint64, next docstore.JobDoc) (uint64, error) {
	var newRevision uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return &docstore.ErrNotFound{JobID: jobID}
		}

		current := getRevision(tx, jobID)
		if current != expectedRevision {
			return &docstore.ErrRevisionMismatch{JobID: jobID}
		}

		newRevision = current + 1
		next.Revision = newRevision
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(jobID), encoded); err != nil {
			return err
		}
		return putRevision(tx, jobID, newRevision)
	})
	if err != nil {
		return 0, err
	}
	return newRevision, nil
}

func (s *Store) List(ctx context.Context, filter docstore.Filter) ([]docstore.JobDoc, error) {
	var docs []docstore.JobDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		return b.ForEach(func(k, v []byte) error {
			var doc docstore.JobDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if filter.ComputeResourceID != "" && doc.ComputeResourceID != filter.ComputeResourceID {
				return nil
			}
			if filter.Status != "" && doc.Status != filter.Status {
				return nil
			}
			doc.Revision = getRevision(tx, doc.JobID)
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}

func putRevision(tx *bolt.Tx, jobID string, rev uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rev)
	return tx.Bucket(bucketRevisions).Put([]byte(jobID), buf)
}

func getRevision(tx *bolt.Tx, jobID string) uint64 {
	data := tx.Bucket(bucketRevisions).Get([]byte(jobID))
	if data == nil {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
