package cached

import (
	"log/slog"
	"os"
	"time"
)

const (
	DefaultMaxSize = 1 << 30
	DefaultTTL     = 24 * time.Hour
)

type options struct {
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		dir:     os.TempDir(),
		maxSize: DefaultMaxSize,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a caching Store.
type Option func(*options)

// WithCacheDir sets the parent of the cache directory (default os.TempDir).
func WithCacheDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// WithMaxSize bounds the bytes kept on disk. Least recently read objects are
// evicted first; a single object larger than the bound is never cached.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithTTL drops objects not read for ttl. Zero keeps them until evicted.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
