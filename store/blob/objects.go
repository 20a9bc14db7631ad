package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rbaliyan/mailsync/store"
)

// ObjectStore holds immutable content under opaque keys.
// Implementations exist for S3, GCS, the local filesystem, and wrappers for
// caching and OpenTelemetry.
type ObjectStore interface {
	// Put stores size bytes read from r under key. Overwriting a key with the
	// same content must succeed.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get returns a reader for the content. Caller closes it.
	// Returns store.ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// FileStore is an ObjectStore on a local directory.
type FileStore struct {
	dir string
}

var _ ObjectStore = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path fans keys out over two levels of directories.
func (f *FileStore) path(key string) string {
	if len(key) < 4 {
		return filepath.Join(f.dir, key)
	}
	return filepath.Join(f.dir, key[:2], key[2:4], key)
}

func (f *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "put-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (f *FileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	fh, err := os.Open(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	return fh, err
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
