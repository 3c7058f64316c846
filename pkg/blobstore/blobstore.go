// Package blobstore defines the content-addressed byte store consumed
// by the codec and container harness. lattice treats the blob store as
// an external collaborator: this package only specifies the interface
// the core needs plus one reference backend (pkg/blobstore/fs) good
// enough to make the codec and harness exercisable and testable end to
// end.
package blobstore

import "context"

// Store is the contract the codec and harness consume. Implementations
// must be idempotent on content: Put-ing the same bytes twice returns
// the same URI.
type Store interface {
	// Put stores bytes and returns a content-addressed URI.
	Put(ctx context.Context, data []byte) (uri string, err error)

	// Get retrieves the bytes referenced by a URI previously returned
	// by Put or PutFile.
	Get(ctx context.Context, uri string) ([]byte, error)

	// PutFile stores the file at path and returns a content-addressed URI.
	PutFile(ctx context.Context, path string) (uri string, err error)

	// GetFile materializes the blob referenced by uri at a local path
	// (creating a temp file if necessary) and returns that path.
	GetFile(ctx context.Context, uri string) (path string, err error)
}
