package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// signals selects the telemetry a Store emits.
type signals uint8

const (
	signalTraces signals = 1 << iota
	signalMetrics
)

type options struct {
	signals        signals
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

func newOptions(opts ...Option) *options {
	o := &options{
		signals:     signalTraces | signalMetrics,
		serviceName: "mailsync",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	return o
}

func (o *options) tracing() bool { return o.signals&signalTraces != 0 }
func (o *options) metrics() bool { return o.signals&signalMetrics != 0 }

func (o *options) set(s signals, enabled bool) {
	if enabled {
		o.signals |= s
	} else {
		o.signals &^= s
	}
}

// Option configures an instrumented Store. Both signals are on by default
// and use the global providers.
type Option func(*options)

func WithTracing(enabled bool) Option {
	return func(o *options) { o.set(signalTraces, enabled) }
}

func WithMetrics(enabled bool) Option {
	return func(o *options) { o.set(signalMetrics, enabled) }
}

// WithDisabled turns both signals off, leaving a pass-through wrapper.
func WithDisabled() Option {
	return func(o *options) { o.signals = 0 }
}

// WithServiceName sets the service.name attribute (default "mailsync").
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}
