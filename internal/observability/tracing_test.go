package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider for the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})
	return sr
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestInitTracing_WithoutEndpoint(t *testing.T) {
	cfg := DefaultTracingConfig()
	if cfg.ServiceName != "docrag" || cfg.SampleRate != 1.0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	for _, c := range []*TracingConfig{nil, {ServiceName: "test"}} {
		tp, err := InitTracing(context.Background(), c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tp.Tracer() == nil {
			t.Fatal("expected a tracer")
		}
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
}

func TestIngestSpans(t *testing.T) {
	sr := recordSpans(t)

	ctx, root := StartIngestSpan(context.Background(), "handbook", "handbook.pdf")
	_, parse := StartStageSpan(ctx, StageParse, attribute.String("doc.mime", "application/pdf"))
	parse.End()
	_, embed := StartEmbedSpan(ctx, "ollama", 12)
	embed.End()
	RecordIngestResult(root, "indexed", 12)
	root.End()

	spans := sr.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	parseSpan, embedSpan, rootSpan := spans[0], spans[1], spans[2]

	if rootSpan.Name() != "docrag.ingest" || parseSpan.Name() != "docrag.parse" || embedSpan.Name() != "docrag.embed" {
		t.Fatalf("unexpected names %s %s %s", rootSpan.Name(), parseSpan.Name(), embedSpan.Name())
	}
	for _, child := range []sdktrace.ReadOnlySpan{parseSpan, embedSpan} {
		if child.Parent().SpanID() != rootSpan.SpanContext().SpanID() {
			t.Errorf("%s is not a child of the ingest span", child.Name())
		}
	}

	a := attrs(rootSpan)
	if a["doc.id"].AsString() != "handbook" || a["ingest.status"].AsString() != "indexed" || a["ingest.chunks"].AsInt64() != 12 {
		t.Errorf("unexpected ingest attributes %v", a)
	}
	if attrs(embedSpan)["embedding.inputs"].AsInt64() != 12 {
		t.Errorf("missing embedding.inputs on %v", attrs(embedSpan))
	}
}

func TestRetrieveAndGenerateSpans(t *testing.T) {
	sr := recordSpans(t)

	_, ret := StartRetrieveSpan(context.Background(), 30, 6)
	RecordRetrieveResult(ret, 30, 6, true)
	ret.End()

	_, gen := StartGenerateSpan(context.Background(), "llama3.1:8b", 6)
	RecordGenerateMetrics(gen, 420, 2*time.Second)
	gen.End()

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	r := attrs(spans[0])
	if r["retrieve.top_k"].AsInt64() != 30 || r["retrieve.returned"].AsInt64() != 6 || !r["retrieve.degraded"].AsBool() {
		t.Errorf("unexpected retrieve attributes %v", r)
	}
	g := attrs(spans[1])
	if g["llm.model"].AsString() != "llama3.1:8b" || g["llm.duration_ms"].AsInt64() != 2000 {
		t.Errorf("unexpected generate attributes %v", g)
	}
}

func TestRecordError(t *testing.T) {
	sr := recordSpans(t)

	_, failed := StartStageSpan(context.Background(), StageRerank)
	RecordError(failed, errors.New("reranker down"))
	failed.End()
	_, ok := StartStageSpan(context.Background(), StageRerank)
	RecordError(ok, nil)
	ok.End()

	spans := sr.Ended()
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != "reranker down" {
		t.Errorf("expected error status, got %+v", spans[0].Status())
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("expected one exception event, got %d", len(spans[0].Events()))
	}
	if spans[1].Status().Code != codes.Unset {
		t.Errorf("nil error should leave status unset, got %+v", spans[1].Status())
	}
}
