// Package traces wires OpenTelemetry tracing for ingestion, scoring and
// reporting.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/scanguard"

// Options configures the exporter. An empty Endpoint disables tracing.
type Options struct {
	Endpoint    string  // OTLP/gRPC host:port
	Service     string  // defaults to "scanguard"
	Version     string
	SampleRatio float64 // fraction of root spans kept; <= 0 or >= 1 keeps all
}

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider exporting over OTLP/gRPC. When
// tracing is disabled the global no-op provider is left in place and the
// returned ShutdownFunc does nothing.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (ShutdownFunc, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}
	if opts.Service == "" {
		opts.Service = "scanguard"
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(opts.Service),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(opts.SampleRatio)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks span failed when err is non-nil, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attributes shared across packages.
func AccountID(id string) attribute.KeyValue { return attribute.String("scanguard.account_id", id) }
func QRKey(key string) attribute.KeyValue { return attribute.String("scanguard.qr_key", key) }
func Report(name string) attribute.KeyValue { return attribute.String("scanguard.report", name) }
func WindowDays(days int) attribute.KeyValue { return attribute.Int("scanguard.window_days", days) }
func Severity(sev string) attribute.KeyValue { return attribute.String("scanguard.alert_severity", sev) }
