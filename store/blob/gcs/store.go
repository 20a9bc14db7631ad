// Package gcs provides a Google Cloud Storage object store for blob content.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/storage"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/blob"
)

// Store keeps objects in a Google Cloud Storage bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ blob.ObjectStore = (*Store)(nil)

// New builds a client for the configured bucket. It does not check that the
// bucket exists.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if err := o.validate(); err != nil {
		return nil, err
	}
	clientOpts, err := o.creds.clientOptions(o.endpoint)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	o.logger.Info("gcs object store ready", "bucket", o.bucket, "prefix", o.prefix, "credentials", o.creds.String())
	return &Store{client: client, bucket: o.bucket, prefix: o.prefix, logger: o.logger}, nil
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, key))
}

// Put streams content into the object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = "message/rfc822"
	if size > 0 && size < int64(w.ChunkSize) {
		// Small objects go up in a single request.
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy content to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs writer: %w", err)
	}

	s.logger.Debug("uploaded blob to gcs", "bucket", s.bucket, "key", key)
	return nil
}

// Get returns a reader for the object.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("create gcs reader: %w", err)
	}
	return r, nil
}

// Delete removes the object. Missing objects are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object from gcs: %w", err)
	}
	s.logger.Debug("deleted blob from gcs", "bucket", s.bucket, "key", key)
	return nil
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}
