// Package fs is a content-addressed, filesystem-backed reference
// implementation of blobstore.Store, rooted at BLOB_STORAGE_DIR the
// same way the container harness expects.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/lattice/pkg/blobstore"
)

const uriScheme = "lattice-blob://"

// Store is a SHA-256 content-addressed blob store rooted at Dir.
type Store struct {
	Dir string
}

var _ blobstore.Store = (*Store)(nil)

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blobstore: empty storage directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) pathFor(digest string) string {
	return filepath.Join(s.Dir, digest[:2], digest)
}

func (s *Store) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	p := s.pathFor(digest)
	if _, err := os.Stat(p); err == nil {
		return uriScheme + digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blobstore: write: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("blobstore: rename: %w", err)
	}
	return uriScheme + digest, nil
}

func (s *Store) Get(_ context.Context, uri string) ([]byte, error) {
	digest, err := digestFromURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pathFor(digest))
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", uri, err)
	}
	return data, nil
}

func (s *Store) PutFile(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("blobstore: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	tmp, err := os.CreateTemp(s.Dir, "putfile-*.tmp")
	if err != nil {
		return "", fmt.Errorf("blobstore: tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(io.MultiWriter(h, tmp), f); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blobstore: copy: %w", err)
	}
	tmp.Close()

	digest := hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(digest)
	if _, err := os.Stat(dest); err == nil {
		return uriScheme + digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("blobstore: rename: %w", err)
	}
	return uriScheme + digest, nil
}

func (s *Store) GetFile(_ context.Context, uri string) (string, error) {
	digest, err := digestFromURI(uri)
	if err != nil {
		return "", err
	}
	p := s.pathFor(digest)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("blobstore: get file %s: %w", uri, err)
	}
	return p, nil
}

func digestFromURI(uri string) (string, error) {
	if len(uri) <= len(uriScheme) || uri[:len(uriScheme)] != uriScheme {
		return "", fmt.Errorf("blobstore: malformed uri %q", uri)
	}
	return uri[len(uriScheme):], nil
}
