// Package tracing wires OpenTelemetry spans for runs, dispatch and jobs.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Provider hands out the run's tracer. A zero endpoint yields a no-op
// provider so callers never need to branch.
type Provider struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	shutdown   func(context.Context) error
}

func Noop() *Provider {
	return &Provider{
		tracer:     noop.NewTracerProvider().Tracer("noop"),
		propagator: propagation.TraceContext{},
		shutdown:   func(context.Context) error { return nil },
	}
}

// New exports spans over OTLP/gRPC to otlpEndpoint.
func New(ctx context.Context, serviceName, otlpEndpoint string, logger *slog.Logger) (*Provider, error) {
	if otlpEndpoint == "" {
		logger.Debug("OpenTelemetry tracing disabled (no OTLP endpoint)")
		return Noop(), nil
	}

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
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	logger.Info("OpenTelemetry tracing initialized", "endpoint", otlpEndpoint)

	return &Provider{
		tracer: tp.Tracer(serviceName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		shutdown: func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			_ = conn.Close()
			return err
		},
	}, nil
}

// StartSpan starts a new span with the given name
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Inject writes the span context of ctx into carrier, for handing a job to
// a worker process.
func (p *Provider) Inject(ctx context.Context, carrier map[string]string) {
	p.propagator.Inject(ctx, propagation.MapCarrier(carrier))
}

// Extract is the worker-side counterpart of Inject.
func (p *Provider) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return p.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
