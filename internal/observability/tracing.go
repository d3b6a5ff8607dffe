// Package observability provides OpenTelemetry tracing, metrics, audit
// logging and the slog setup for docrag.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name used for the docrag tracer.
	TracerName = "github.com/efebarandurmaz/docrag"
)

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	// ServiceName is the name of the service (default: "docrag")
	ServiceName string

	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod)
	Environment string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// Insecure disables TLS to the collector.
	Insecure bool

	// SampleRate is the trace sampling rate (0.0 to 1.0, default: 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "docrag",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		Insecure:       true,
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}

	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Pipeline stages recorded as span names and the docrag.stage attribute.
const (
	StageIngest       = "ingest"
	StageParse        = "parse"
	StageChunk        = "chunk"
	StageEmbed        = "embed"
	StageUpsert       = "upsert"
	StageRetrieve     = "retrieve"
	StageCoarseSearch = "coarse_search"
	StageRerank       = "rerank"
	StageGenerate     = "generate"
)

// StartStageSpan starts an internal span for one pipeline stage.
func StartStageSpan(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	attrs = append([]attribute.KeyValue{attribute.String("docrag.stage", stage)}, attrs...)
	return tracer.Start(ctx, "docrag."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartIngestSpan starts the root span for ingesting one document.
func StartIngestSpan(ctx context.Context, docID, filename string) (context.Context, trace.Span) {
	return StartStageSpan(ctx, StageIngest,
		attribute.String("doc.id", docID),
		attribute.String("doc.filename", filename),
	)
}

// RecordIngestResult records the outcome of an ingest on its span.
func RecordIngestResult(span trace.Span, status string, chunks int) {
	span.SetAttributes(
		attribute.String("ingest.status", status),
		attribute.Int("ingest.chunks", chunks),
	)
}

// StartEmbedSpan starts a client span for an embedding request.
func StartEmbedSpan(ctx context.Context, backend string, inputs int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "docrag."+StageEmbed,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("docrag.stage", StageEmbed),
			attribute.String("embedding.backend", backend),
			attribute.Int("embedding.inputs", inputs),
		),
	)
}

// StartRetrieveSpan starts the root span of a retrieval.
func StartRetrieveSpan(ctx context.Context, topK, topN int) (context.Context, trace.Span) {
	return StartStageSpan(ctx, StageRetrieve,
		attribute.Int("retrieve.top_k", topK),
		attribute.Int("retrieve.top_n", topN),
	)
}

// RecordRetrieveResult records candidate counts on a retrieval span.
func RecordRetrieveResult(span trace.Span, coarse, returned int, degraded bool) {
	span.SetAttributes(
		attribute.Int("retrieve.coarse", coarse),
		attribute.Int("retrieve.returned", returned),
		attribute.Bool("retrieve.degraded", degraded),
	)
}

// StartGenerateSpan starts a client span for a generation call.
func StartGenerateSpan(ctx context.Context, model string, contextBlocks int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "docrag."+StageGenerate,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("docrag.stage", StageGenerate),
			attribute.String("llm.model", model),
			attribute.Int("llm.context_blocks", contextBlocks),
		),
	)
}

// RecordGenerateMetrics records generation size and latency on a span.
func RecordGenerateMetrics(span trace.Span, outputChars int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("llm.output_chars", outputChars),
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
