package blob

import "log/slog"

// Default configuration values.
const (
	DefaultKeyPrefix = "mailsync:blob:"
)

type options struct {
	keyPrefix string
	logger    *slog.Logger
}

// Option configures a blob Store.
type Option func(*options)

// WithKeyPrefix sets the prefix of every Redis key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
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
