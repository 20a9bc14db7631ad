package pebble

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for committed batches.
type FsyncMode int

const (
	// FsyncInterval lets Pebble coalesce WAL syncs within the interval.
	FsyncInterval FsyncMode = iota
	// FsyncAlways syncs the WAL on every committed batch.
	FsyncAlways
	// FsyncNever leaves syncing to Pebble.
	FsyncNever
)

// Default configuration values.
const (
	DefaultFsyncInterval = 5 * time.Millisecond
)

type options struct {
	fsync         FsyncMode
	fsyncInterval time.Duration
	pebbleOptions *pebble.Options
	logger        *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		fsync:         FsyncInterval,
		fsyncInterval: DefaultFsyncInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Pebble store.
type Option func(*options)

// WithFsync sets the WAL sync policy.
func WithFsync(mode FsyncMode) Option {
	return func(o *options) {
		o.fsync = mode
	}
}

// WithFsyncInterval sets the group-commit window used by FsyncInterval.
func WithFsyncInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fsyncInterval = d
		}
	}
}

// WithPebbleOptions passes advanced tuning through to Pebble.
func WithPebbleOptions(po *pebble.Options) Option {
	return func(o *options) {
		if po != nil {
			o.pebbleOptions = po
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
