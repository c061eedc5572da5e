// Package telemetry decorates event and query stores with OpenTelemetry
// spans and metrics.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	cqrsstore "github.com/getpup/cqrsstore/pkg"
)

const instrumentationName = "github.com/getpup/cqrsstore"

// Attribute keys set on spans and metrics.
const (
	AttrOperation     = attribute.Key("cqrs.operation")
	AttrAggregateType = attribute.Key("cqrs.aggregate.type")
	AttrAggregateID   = attribute.Key("cqrs.aggregate.id")
	AttrQueryType     = attribute.Key("cqrs.query.type")
	AttrEventCount    = attribute.Key("cqrs.events.count")
	AttrVersion       = attribute.Key("cqrs.version")
)

type config struct {
	tracerProvider      trace.TracerProvider
	meterProvider       metric.MeterProvider
	propagator          propagation.TextMapPropagator
	propagateInMetadata bool
}

// Option configures a decorator.
type Option func(*config)

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}

// WithMetadataPropagation injects the current trace context into the
// metadata of saved events, so consumers can continue the trace.
// Keys already present in the metadata are kept.
func WithMetadataPropagation(p propagation.TextMapPropagator) Option {
	return func(c *config) {
		c.propagateInMetadata = true
		if p != nil {
			c.propagator = p
		}
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		propagator:     otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// instruments holds the tracer and metric instruments shared by the
// decorators.
type instruments struct {
	cfg      config
	tracer   trace.Tracer
	calls    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	appended metric.Int64Counter
	loaded   metric.Int64Counter
}

func newInstruments(cfg config) (*instruments, error) {
	tracer := cfg.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(cqrsstore.Version()))
	meter := cfg.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(cqrsstore.Version()))

	in := &instruments{cfg: cfg, tracer: tracer}
	var err error
	if in.calls, err = meter.Int64Counter("cqrs.store.calls",
		metric.WithDescription("Number of store operations"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if in.errors, err = meter.Int64Counter("cqrs.store.errors",
		metric.WithDescription("Number of failed store operations"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if in.duration, err = meter.Float64Histogram("cqrs.store.duration",
		metric.WithDescription("Store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000)); err != nil {
		return nil, err
	}
	if in.appended, err = meter.Int64Counter("cqrs.events.appended",
		metric.WithDescription("Number of events appended"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if in.loaded, err = meter.Int64Counter("cqrs.events.loaded",
		metric.WithDescription("Number of events loaded"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	return in, nil
}

// observe runs fn inside a span named name. metricAttrs are kept low
// cardinality; spanAttrs may carry ids.
func (in *instruments) observe(ctx context.Context, name string, metricAttrs, spanAttrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := in.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(metricAttrs...),
		trace.WithAttributes(spanAttrs...),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	set := metric.WithAttributes(metricAttrs...)
	in.calls.Add(ctx, 1, set)
	in.duration.Record(ctx, float64(elapsed.Microseconds())/1000, set)
	if err != nil {
		in.errors.Add(ctx, 1, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
