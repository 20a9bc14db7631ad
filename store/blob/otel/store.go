// Package otel provides OpenTelemetry instrumentation for blob object stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rbaliyan/mailsync/store/blob"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailsync/store/blob/otel"

// Store wraps an ObjectStore with a client span per call, a
// blob.operation.duration{op,outcome} histogram and a blob.bytes{op}
// counter.
type Store struct {
	backend blob.ObjectStore
	opts    *options
	tracer  trace.Tracer

	duration metric.Float64Histogram
	bytes    metric.Int64Counter
}

var _ blob.ObjectStore = (*Store)(nil)

// New wraps backend. Object keys are content hashes and go on spans as
// blob.key.
func New(backend blob.ObjectStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	s := &Store{backend: backend, opts: o}
	if o.tracing() {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metrics() {
		meter := o.meterProvider.Meter(instrumentationName)
		var err error
		if s.duration, err = meter.Float64Histogram("blob.operation.duration",
			metric.WithDescription("Duration of object store calls"), metric.WithUnit("s")); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		if s.bytes, err = meter.Int64Counter("blob.bytes",
			metric.WithDescription("Bytes moved to and from the object store"), metric.WithUnit("By")); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

// call is one traced, timed object store call.
type call struct {
	s     *Store
	op    string
	start time.Time
	span  trace.Span
}

func (s *Store) begin(ctx context.Context, op, key string) (context.Context, *call) {
	c := &call{s: s, op: op, start: time.Now()}
	if s.tracer != nil {
		ctx, c.span = s.tracer.Start(ctx, "blob."+op,
			trace.WithAttributes(attribute.String("blob.key", key), attribute.String("service.name", s.opts.serviceName)),
			trace.WithSpanKind(trace.SpanKindClient),
		)
	}
	return ctx, c
}

// finish records the duration of the call itself.
func (c *call) finish(ctx context.Context, err error) {
	if c.s.duration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.s.duration.Record(ctx, time.Since(c.start).Seconds(), metric.WithAttributes(
		attribute.String("op", c.op), attribute.String("outcome", outcome),
		attribute.String("service.name", c.s.opts.serviceName)))
}

// end ends the span after n bytes moved.
func (c *call) end(ctx context.Context, n int64, err error) {
	if c.s.bytes != nil && n > 0 {
		c.s.bytes.Add(ctx, n, metric.WithAttributes(
			attribute.String("op", c.op), attribute.String("service.name", c.s.opts.serviceName)))
	}
	if c.span == nil {
		return
	}
	c.span.SetAttributes(attribute.Int64("blob.bytes", n))
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	} else {
		c.span.SetStatus(codes.Ok, "")
	}
	c.span.End()
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	ctx, c := s.begin(ctx, "put", key)
	cr := &countingReader{Reader: r}
	err := s.backend.Put(ctx, key, cr, size)
	c.finish(ctx, err)
	c.end(ctx, cr.n, err)
	return err
}

// Get times the open. Bytes and the span end when the reader is closed.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, c := s.begin(ctx, "get", key)
	rc, err := s.backend.Get(ctx, key)
	c.finish(ctx, err)
	if err != nil {
		c.end(ctx, 0, err)
		return nil, err
	}
	return &readCloser{countingReader: countingReader{Reader: rc}, rc: rc, ctx: ctx, call: c}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, c := s.begin(ctx, "delete", key)
	err := s.backend.Delete(ctx, key)
	c.finish(ctx, err)
	c.end(ctx, 0, err)
	return err
}

type countingReader struct {
	io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.n += int64(n)
	return n, err
}

type readCloser struct {
	countingReader
	rc   io.Closer
	ctx  context.Context
	call *call
	once sync.Once
}

func (r *readCloser) Close() error {
	err := r.rc.Close()
	r.once.Do(func() { r.call.end(r.ctx, r.n, err) })
	return err
}
