package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailsync"

// telemetry records one span and one duration sample per service operation.
// A nil tracer or meter instrument disables that signal.
type telemetry struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram // mailsync.operation.duration{op,outcome}
	items    metric.Int64Counter     // mailsync.operation.items{op,outcome}
	bytes    metric.Int64Counter     // mailsync.operation.bytes{op}
}

func newTelemetry(o *options) (*telemetry, error) {
	t := &telemetry{}
	if o.tracingEnabled {
		tp := o.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		t.tracer = tp.Tracer(instrumentationName)
	}
	if !o.metricsEnabled {
		return t, nil
	}
	mp := o.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	var err error
	if t.duration, err = meter.Float64Histogram("mailsync.operation.duration",
		metric.WithDescription("Duration of service operations by outcome"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	if t.items, err = meter.Int64Counter("mailsync.operation.items",
		metric.WithDescription("Records processed by service operations")); err != nil {
		return nil, fmt.Errorf("items counter: %w", err)
	}
	if t.bytes, err = meter.Int64Counter("mailsync.operation.bytes",
		metric.WithDescription("Bytes accepted by service operations"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("bytes counter: %w", err)
	}
	return t, nil
}

// operation is one traced, timed call. end must be called exactly once.
type operation struct {
	t     *telemetry
	name  string
	start time.Time
	span  trace.Span
}

func (t *telemetry) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	op := &operation{t: t, name: name, start: time.Now()}
	if t.tracer != nil {
		ctx, op.span = t.tracer.Start(ctx, "mailsync."+name,
			trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
	}
	return ctx, op
}

// outcome labels an error as ok, a method error type, or error.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var me *MethodError
	if errors.As(err, &me) {
		return string(me.Type)
	}
	return "error"
}

func (op *operation) end(ctx context.Context, err error) {
	if op.span != nil {
		if err != nil {
			op.span.RecordError(err)
			op.span.SetStatus(codes.Error, err.Error())
		} else {
			op.span.SetStatus(codes.Ok, "")
		}
		op.span.End()
	}
	if op.t.duration != nil {
		op.t.duration.Record(ctx, time.Since(op.start).Seconds(), metric.WithAttributes(
			attribute.String("op", op.name), attribute.String("outcome", outcome(err))))
	}
}

// count adds n items with the given outcome, for example created and
// not_created emails of a copy.
func (op *operation) count(ctx context.Context, result string, n int) {
	if op.t.items == nil || n == 0 {
		return
	}
	op.t.items.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("op", op.name), attribute.String("outcome", result)))
}

func (op *operation) countBytes(ctx context.Context, n int) {
	if op.t.bytes == nil || n == 0 {
		return
	}
	op.t.bytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op.name)))
}
