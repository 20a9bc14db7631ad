package push

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailsync"
	"golang.org/x/time/rate"
)

// Default values for session options.
const (
	DefaultWriteTimeout          = 10 * time.Second
	DefaultMaxConcurrentRequests = 4
	DefaultRequestsPerSecond     = 50
	DefaultRequestBurst          = 100
)

type options struct {
	logger                *slog.Logger
	limits                Limits
	writeTimeout          time.Duration
	maxConcurrentRequests int
	requestRate           rate.Limit
	requestBurst          int
	states                mailsync.StateReader
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:                slog.Default(),
		limits:                DefaultLimits(),
		writeTimeout:          DefaultWriteTimeout,
		maxConcurrentRequests: DefaultMaxConcurrentRequests,
		requestRate:           DefaultRequestsPerSecond,
		requestBurst:          DefaultRequestBurst,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Hub or Server.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLimits sets the inbound message limits.
func WithLimits(limits Limits) Option {
	return func(o *options) {
		o.limits = limits
	}
}

// WithWriteTimeout bounds every outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithMaxConcurrentRequests bounds the requests a principal may have in
// flight across its sessions. 0 disables the limit.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxConcurrentRequests = n
		}
	}
}

// WithRequestRate throttles the messages a session may send per second.
// A non-positive rate disables throttling.
func WithRequestRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.requestRate = rate.Inf
			return
		}
		o.requestRate = rate.Limit(perSecond)
		if burst > 0 {
			o.requestBurst = burst
		}
	}
}

// WithStateReader lets sessions answer a stale pushState with the current
// states of every reachable account.
func WithStateReader(r mailsync.StateReader) Option {
	return func(o *options) {
		o.states = r
	}
}
