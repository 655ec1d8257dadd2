package tracing

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrAlreadyInitialized is returned by a second InitOpenTelemetry before Shutdown
var ErrAlreadyInitialized = errors.New("tracer provider already installed")

// Options configures the tracer provider
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio outside (0, 1] samples every root span
	SampleRatio float64
	// Processors receive finished spans, e.g. an exporter's batcher
	Processors []sdktrace.SpanProcessor
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process tracer provider. Without processors
// spans still get ids, so trace ids reach logs and the audit trail.
func InitOpenTelemetry(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if provider != nil {
		return ErrAlreadyInitialized
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	))
	if err != nil {
		return err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	for _, p := range opts.Processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes the provider and uninstalls it
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()

	if tp == nil {
		return nil
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and mirrors its trace id into the tracing context
// so loggers built from ctx carry it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

// EndSpan records err on the span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
