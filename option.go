package mailsync

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/mailsync/admission"
	"github.com/rbaliyan/mailsync/content"
	"github.com/rbaliyan/mailsync/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultUploadTmpTTL           = time.Hour        // lifetime of an unattached upload
	DefaultUploadTmpQuotaSize     = 50 * 1024 * 1024 // 50 MB of pending uploads per account
	DefaultUploadTmpQuotaAmount   = 50               // pending uploads per account
	DefaultMaxUploadSize          = 50 * 1024 * 1024 // 50 MB per upload
	DefaultMaxConcurrentUploads   = 4                // per principal
	DefaultMaxObjectsInCopy       = 500              // items per copy request
	DefaultMaxChanges             = 5000             // records per Changes call
	DefaultMaxConcurrentMutations = 64               // per service
	DefaultShutdownTimeout        = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout            = 1 * time.Second  // minimum shutdown timeout
	DefaultServiceName            = "mailsync"
)

// options holds service configuration.
type options struct {
	store  store.Store
	blobs  store.BlobStore
	logger *slog.Logger

	plugins []Plugin

	upload uploadOptions

	// Import
	extractors *content.Registry

	// Request limits
	maxObjectsInCopy int
	maxChanges       int

	// Concurrency limits
	maxConcurrentMutations int

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool
	eventTransport        transport.Transport
	redisClient           redis.UniversalClient
	onEventPublishFailure EventPublishFailureFunc
}

// uploadOptions bounds UploadBlob. quota applies per account to uploads
// younger than ttl.
type uploadOptions struct {
	ttl         time.Duration
	quota       admission.Limits
	maxSize     int64
	concurrency int
	allowTypes  []string
	blockTypes  []string
}

// EventPublishFailureFunc is called when an event fails to publish.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger: slog.Default(),
		upload: uploadOptions{
			ttl:         DefaultUploadTmpTTL,
			quota:       admission.Limits{MaxCount: DefaultUploadTmpQuotaAmount, MaxBytes: DefaultUploadTmpQuotaSize},
			maxSize:     DefaultMaxUploadSize,
			concurrency: DefaultMaxConcurrentUploads,
		},
		maxObjectsInCopy:       DefaultMaxObjectsInCopy,
		maxChanges:             DefaultMaxChanges,
		maxConcurrentMutations: DefaultMaxConcurrentMutations,
		shutdownTimeout:        DefaultShutdownTimeout,
		serviceName:            DefaultServiceName,
		extractors:             content.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.blobs == nil {
		if b, ok := o.store.(store.BlobStore); ok {
			o.blobs = b
		}
	}

	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a Service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithBlobStore sets the blob backend. If unset, the store is used when it
// implements store.BlobStore.
func WithBlobStore(b store.BlobStore) Option {
	return func(o *options) {
		if b != nil {
			o.blobs = b
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

// --- Plugin Options ---

// WithPlugin registers a plugin with the service.
// Multiple plugins can be registered by calling this option multiple times.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- Upload Options ---

// WithUploadTmpTTL sets how long an upload counts against the temporary
// quota before it becomes eligible for purging.
// Default is 1 hour.
func WithUploadTmpTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.upload.ttl = d
		}
	}
}

// WithUploadQuota sets the per-account temporary-blob ceilings.
// A value of 0 disables that ceiling; negative values are ignored.
func WithUploadQuota(maxFiles int, maxBytes int64) Option {
	return func(o *options) {
		if maxFiles >= 0 {
			o.upload.quota.MaxCount = maxFiles
		}
		if maxBytes >= 0 {
			o.upload.quota.MaxBytes = maxBytes
		}
	}
}

// WithMaxUploadSize sets the largest accepted upload in bytes.
// Default is 50 MB.
func WithMaxUploadSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.upload.maxSize = n
		}
	}
}

// WithMaxConcurrentUploads caps simultaneous uploads per principal.
// 0 disables the limit. Default is 4.
func WithMaxConcurrentUploads(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.upload.concurrency = n
		}
	}
}

// WithQuotaBypass disables the temporary-blob quota for every principal.
// Intended for test deployments.
func WithQuotaBypass(bypass bool) Option {
	return func(o *options) {
		o.upload.quota.BypassQuota = bypass
	}
}

// WithUploadTypes restricts the media types accepted by UploadBlob.
// Patterns may use a wildcard subtype ("image/*"). Blocked types win over
// allowed ones; an empty allowed list accepts every type not blocked.
func WithUploadTypes(allowed, blocked []string) Option {
	return func(o *options) {
		o.upload.allowTypes = allowed
		o.upload.blockTypes = blocked
	}
}

// WithExtractors sets the registry used to parse imported messages.
// Default is content.DefaultRegistry().
func WithExtractors(r *content.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.extractors = r
		}
	}
}

// --- Request Limit Options ---

// WithMaxObjectsInCopy caps the number of items in one copy request.
// Default is 500.
func WithMaxObjectsInCopy(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxObjectsInCopy = n
		}
	}
}

// WithMaxChanges caps the records returned by one Changes call.
// Default is 5000.
func WithMaxChanges(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxChanges = n
		}
	}
}

// WithMaxConcurrentMutations caps mutations running at once in this
// service. Further callers wait. Default is 64.
func WithMaxConcurrentMutations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentMutations = n
		}
	}
}

// WithShutdownTimeout sets the maximum time Close waits for in-flight
// mutations. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for telemetry and the event bus.
// Default is "mailsync".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures are
// returned to the caller. By default they are logged and the committed
// mutation is reported as successful.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing state changes.
// If not provided, a noop transport is used.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient publishes state changes to Redis Streams.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
