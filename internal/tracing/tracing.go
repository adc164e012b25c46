// Package tracing wraps the scheduler's scan loop, per-message
// processing, and dispatch with OpenTelemetry spans. This is ambient
// observability (spec.md §9 AMBIENT STACK): it is carried regardless
// of the monitoring-dashboard non-goal because it instruments the
// core's own operations, not a dashboard feature.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies this process to the OTLP collector.
const ServiceName = "borg"

// TracerName is the instrumentation scope used for every span this
// package emits.
const TracerName = "github.com/nextlevelbuilder/borg/internal/tracing"

// Init wires a TracerProvider exporting spans over OTLP/HTTP to
// endpoint and registers it as the global provider. If endpoint is
// empty, tracing runs with a no-op provider: spans are created but
// never exported, so callers never need to branch on whether tracing
// is configured (spec §9: "ambient, carried regardless").
func Init(ctx context.Context, endpoint string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartScan spans one scheduler scan step (spec §4.8).
func StartScan(ctx context.Context) (context.Context, trace.Span) {
	return tracer().Start(ctx, "scheduler.scan")
}

// StartProcessMessage spans one message's pipeline (spec §4.8.1) from
// the inbound history append through publishing the outgoing envelope
// and deleting the processing file. The claim, the dead-letter move of a
// malformed envelope, and the retry/dead-letter failure path all happen
// outside the span.
func StartProcessMessage(ctx context.Context, threadID int, messageID, source string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "scheduler.process_message", trace.WithAttributes(
		attribute.Int("borg.thread_id", threadID),
		attribute.String("borg.message_id", messageID),
		attribute.String("borg.source", source),
	))
}

// StartDispatch spans one session-dispatcher call (spec §4.6).
func StartDispatch(ctx context.Context, threadID int, tier string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "dispatcher.dispatch", trace.WithAttributes(
		attribute.Int("borg.thread_id", threadID),
		attribute.String("borg.tier", tier),
	))
}

// EndWithError ends span, recording err as its status when non-nil.
// Safe to call with a nil err.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// LogSlow emits a structured warning when an operation's duration
// exceeds threshold — a cheap bridge between spans and the slog-based
// ambient logging the rest of the core uses.
func LogSlow(log *slog.Logger, op string, start time.Time, threshold time.Duration) {
	if d := time.Since(start); d > threshold {
		log.Warn("tracing: slow operation", "op", op, "duration", d)
	}
}
