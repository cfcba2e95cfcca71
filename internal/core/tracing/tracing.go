package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
)

var tracer trace.Tracer

// Init initializes OpenTelemetry tracing. With no endpoint it installs nothing
// and spans fall back to the global no-op tracer.
func Init(serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Debug("OpenTelemetry tracing disabled (no OTLP endpoint)")
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	conn, err := grpc.NewClient(otlpEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tp.Tracer(serviceName)

	logger.Info("OpenTelemetry tracing initialized", "endpoint", otlpEndpoint)

	return tp.Shutdown, nil
}

// Get returns the global tracer
func Get() trace.Tracer {
	if tracer == nil {
		return otel.Tracer("fuzzbench")
	}
	return tracer
}

// StartSpan starts a new span with the given name
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Get().Start(ctx, name)
}

// StartJobSpan starts the span covering one job from slot grant to reap.
func StartJobSpan(ctx context.Context, spec domain.JobSpec) (context.Context, trace.Span) {
	return Get().Start(ctx, "fuzzbench.job", trace.WithAttributes(
		attribute.String("job.id", spec.JobID),
		attribute.String("job.artifact_path", spec.ArtifactPath),
		attribute.Bool("job.requires_gpu", spec.RequiresGPU),
		attribute.Int("job.timeout_seconds", spec.TimeoutSeconds),
	))
}

// EndJobSpan annotates span with the outcome and ends it.
func EndJobSpan(span trace.Span, o *domain.JobOutcome) {
	span.SetAttributes(
		attribute.String("job.status", string(o.Status)),
		attribute.Int64("job.wall_time_ms", o.WallTimeMs),
	)
	if o.Status != domain.JobStatusCompleted && o.Status != domain.JobStatusTimedOut {
		span.SetStatus(codes.Error, string(o.Status))
	}
	span.End()
}
