package gcs

import (
	"errors"
	"log/slog"
)

const DefaultPrefix = "objects"

type options struct {
	bucket   string
	prefix   string
	endpoint string
	creds    credentialSource
	logger   *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{prefix: DefaultPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) validate() error {
	if o.bucket == "" {
		return errors.New("bucket is required")
	}
	n := 0
	for _, set := range []bool{o.creds.json != nil, o.creds.file != "", o.creds.apiKey != ""} {
		if set {
			n++
		}
	}
	if n > 1 {
		return errors.New("credentials json, credentials file and api key are mutually exclusive")
	}
	return nil
}

// Option configures a Store.
type Option func(*options)

func WithBucket(bucket string) Option {
	return func(o *options) { o.bucket = bucket }
}

// WithPrefix sets the object name prefix (default "objects").
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithEndpoint points the client at an emulator such as fake-gcs-server.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithCredentialsJSON authenticates with an in-memory service account key.
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) { o.creds.json = json }
}

// WithCredentialsFile authenticates with a service account key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) { o.creds.file = path }
}

func WithAPIKey(key string) Option {
	return func(o *options) { o.creds.apiKey = key }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
