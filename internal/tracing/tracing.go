// Package tracing exports agent-run spans over OTLP. One span per run,
// with child spans for each model call and tool execution, so a trace
// backend (Jaeger, Tempo, Datadog) shows the full tool-call loop.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "goclaw/agent"

// Config selects the OTLP endpoint and transport.
type Config struct {
	Endpoint    string            // e.g. "localhost:4317" (grpc) or "https://otel.example.com:4318" (http)
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // plaintext transport for local collectors
	ServiceName string            // default "goclaw-gateway"
	Headers     map[string]string // auth headers for hosted backends
}

// Init installs a global OTLP tracer provider. Returns a shutdown func
// that flushes pending spans; call it on gateway exit.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing: endpoint is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "goclaw-gateway"
	}

	var exporter *otlptrace.Exporter
	var err error
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "protocol", cfg.Protocol)
	return tp.Shutdown, nil
}

// StartRunSpan opens the root span for one agent run.
func StartRunSpan(ctx context.Context, sessionKey, runID, provider, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.String("run.id", runID),
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		))
}

// StartModelSpan opens a child span around one streaming LLM call.
func StartModelSpan(ctx context.Context, model string, messageCount int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm.call",
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Int("llm.message_count", messageCount),
		))
}

// StartToolSpan opens a child span around one tool execution.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.exec",
		trace.WithAttributes(attribute.String("tool.name", toolName)))
}

// RecordUsage attaches token usage to a span (typically the run root).
func RecordUsage(span trace.Span, promptTokens, completionTokens int64) {
	span.SetAttributes(
		attribute.Int64("llm.usage.prompt_tokens", promptTokens),
		attribute.Int64("llm.usage.completion_tokens", completionTokens),
	)
}
