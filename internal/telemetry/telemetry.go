// Package telemetry sets up the process-wide tracer provider used to
// span lifecycle operations (create/start/attach/publish) the way
// spec.md's §5 scheduling model treats every suspension point — an RPC
// dial, a SQLite call, a proxy accept — as something worth seeing on a
// timeline. internal/rpc's otelgrpc client handler already emits spans
// for the vsock calls themselves; this package is what gives those spans
// somewhere to go.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls where spans go. An empty Endpoint disables export
// entirely (Setup returns a no-op shutdown func) — useful for local runs
// and every test in this module, none of which want a live collector.
type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// Setup installs a global TracerProvider and returns a shutdown func the
// caller must defer. With Endpoint == "", tracing is a no-op: spans are
// created and immediately dropped rather than the daemon's startup path
// needing a collector to be reachable.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "telemetry.Setup: tracer provider shutdown failed", "err", err)
			return err
		}
		return nil
	}, nil
}

// Tracer names a component-scoped tracer, e.g. telemetry.Tracer("container").
func Tracer(name string) trace.Tracer {
	return otel.Tracer("github.com/arcabridge/arcad/" + name)
}

// StartSpan is a thin convenience wrapper so orchestration code can write
// `ctx, span := telemetry.StartSpan(ctx, "container", "Create")` without
// importing otel/trace directly everywhere a lifecycle operation starts.
func StartSpan(ctx context.Context, component, operation string) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, operation)
}
