// Package tracing wires optional OpenTelemetry export. Tracing is off
// unless an OTLP endpoint is configured; the no-op provider keeps call
// sites unconditional.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tgcc/tgcc"

// Provider owns the configured tracer provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup configures OTLP/HTTP export to endpoint. An empty endpoint returns
// a disabled provider.
func Setup(ctx context.Context, endpoint string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(
			semconv.ServiceName("tgcc"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Tracer returns the daemon tracer (no-op when tracing is disabled).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurn opens a span covering one assistant turn.
func StartTurn(ctx context.Context, agentID, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "assistant.turn",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("session.id", sessionID),
		))
}

// AddEvent records one protocol event on the turn span.
func AddEvent(span trace.Span, eventType string) {
	span.AddEvent(eventType, trace.WithTimestamp(time.Now()))
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
