// Package tracing wires OpenTelemetry spans around the long sequential
// external-tool pipelines (the build_guest stages, the verity builder's
// acquire/stage/release sequence) where a single slog line per step doesn't
// show duration or parent/child structure across a multi-minute run.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentationName = "github.com/banksean/cvmforge"

// Init points the global TracerProvider at an OTLP/gRPC collector endpoint
// (e.g. "localhost:4317"). An empty endpoint installs nothing and returns a
// no-op shutdown, leaving otel's default no-op global provider in place so
// Span/Start calls stay cheap no-ops when tracing isn't configured, matching
// the CLI's opt-in --otlp-endpoint flag.
func Init(ctx context.Context, serviceName, endpoint string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("tracing: dial %s: %w", endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("tracing: new exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("tracing: shutdown: %w", err)
		}
		return conn.Close()
	}, nil
}

// Tracer returns the package-wide tracer. Safe to call before Init; it then
// resolves against whatever provider is globally registered (the SDK no-op
// provider until Init installs a real one).
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Stage runs fn inside a child span named name, recording fn's error on the
// span before returning it unchanged. Used at each pipeline/state-machine
// step so a trace shows per-stage duration without every stage needing to
// know about spans itself.
func Stage(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	spanCtx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(spanCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
