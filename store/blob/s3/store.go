// Package s3 provides an S3 object store for blob content.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/blob"
)

// multipartThreshold is the size from which uploads go through the
// transfer manager instead of a single PutObject.
const multipartThreshold = 8 << 20

// Store keeps blob objects in an S3 bucket.
type Store struct {
	client *s3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ blob.ObjectStore = (*Store)(nil)

// New creates a Store. ctx bounds credential resolution only.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if err := o.validate(); err != nil {
		return nil, err
	}

	awsCfg, err := o.creds.loadConfig(ctx, o.region)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.pathStyle
		}
	})

	o.logger.Info("s3 object store ready",
		"bucket", o.bucket, "prefix", o.prefix, "region", o.region, "credentials", o.creds.String())
	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

func (s *Store) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

// Put stores r under key. Objects of unknown size or at least
// multipartThreshold bytes are uploaded in parts.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	var err error
	if size >= 0 && size < multipartThreshold {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.objectKey(key)),
			Body:          r,
			ContentLength: aws.Int64(size),
		})
	} else {
		_, err = s.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
			Body:   r,
		})
	}
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}
	s.logger.Debug("uploaded blob to s3", "bucket", s.bucket, "key", key)
	return nil
}

// Get returns a reader for the object.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get object from s3: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 does not report missing keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object from s3: %w", err)
	}
	s.logger.Debug("deleted blob from s3", "bucket", s.bucket, "key", key)
	return nil
}
