package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/efebarandurmaz/docrag/internal/domain"
)

type fixedEmbedder struct {
	dim   int
	calls atomic.Int32
	drop  bool
}

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	n := len(texts)
	if f.drop {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func TestShared_SingleInitUnderConcurrency(t *testing.T) {
	var builds atomic.Int32
	backend := &fixedEmbedder{dim: 4}
	s := NewShared("fake", func(context.Context) (Embedder, error) {
		builds.Add(1)
		return backend, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EmbedOne(context.Background(), "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, int32(16), backend.calls.Load())
}

func TestShared_FailedBuildIsRetriedOnNextCall(t *testing.T) {
	attempts := 0
	s := NewShared("flaky", func(context.Context) (Embedder, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("model not loaded")
		}
		return &fixedEmbedder{dim: 2}, nil
	})

	_, err := s.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailure)

	_, err = s.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestShared_CountMismatch(t *testing.T) {
	s := FromEmbedder("short", &fixedEmbedder{dim: 3, drop: true})
	_, err := s.Embed(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailure)
}

func TestShared_Empty(t *testing.T) {
	backend := &fixedEmbedder{dim: 3}
	s := FromEmbedder("x", backend)
	vecs, err := s.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestShared_PreservesOrder(t *testing.T) {
	s := FromEmbedder("x", &fixedEmbedder{dim: 2})
	vecs, err := s.Embed(context.Background(), []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])
	assert.Equal(t, float32(2), vecs[2][0])
}

func TestOllama_Embed(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer srv.Close()

	o := NewOllama(Config{BaseURL: srv.URL + "/", Model: "bge-m3"})
	vecs, err := o.Embed(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vecs)
	assert.Equal(t, "bge-m3", got["model"])
	assert.Equal(t, []any{"one", "two"}, got["input"])
}

func TestOllama_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	s := FromEmbedder("ollama", NewOllama(Config{BaseURL: srv.URL}))
	_, err := s.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailure)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenAI_ReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{2, 2}},
				{"index": 0, "embedding": []float32{1, 1}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}}, vecs)
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	assert.Equal(t, []string{"gemini", "ollama", "openai"}, f.Names())

	_, err := f.Shared(Config{Backend: "word2vec"})
	assert.Error(t, err)

	s, err := f.Shared(Config{Backend: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", s.Name())

	g, err := f.Shared(Config{Backend: "gemini"})
	require.NoError(t, err)
	_, err = g.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailure)
}

func TestInBatches_SplitsAndKeepsOrder(t *testing.T) {
	texts := make([]string, 250)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d", i)
	}

	var sizes []int
	vectors, err := inBatches(context.Background(), texts, geminiMaxBatch, func(_ context.Context, batch []string) ([][]float32, error) {
		sizes = append(sizes, len(batch))
		out := make([][]float32, len(batch))
		for i, text := range batch {
			var n int
			fmt.Sscanf(text, "chunk %d", &n)
			out[i] = []float32{float32(n)}
		}
		return out, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{100, 100, 50}, sizes)
	require.Len(t, vectors, 250)
	for i, v := range vectors {
		assert.Equal(t, float32(i), v[0])
	}
}

func TestInBatches_SmallInputIsOneCall(t *testing.T) {
	calls := 0
	_, err := inBatches(context.Background(), []string{"a", "b"}, 100, func(_ context.Context, batch []string) ([][]float32, error) {
		calls++
		return make([][]float32, len(batch)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestInBatches_ShortBatchFails(t *testing.T) {
	texts := make([]string, 150)
	_, err := inBatches(context.Background(), texts, 100, func(_ context.Context, batch []string) ([][]float32, error) {
		return make([][]float32, len(batch)-1), nil
	})
	assert.ErrorContains(t, err, "texts 0-100")
}

func TestShared_RecordsEmbedSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	s := FromEmbedder("fake", &fixedEmbedder{dim: 3})
	_, err := s.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	_, err = FromEmbedder("short", &fixedEmbedder{dim: 3, drop: true}).Embed(context.Background(), []string{"a"})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "docrag.embed", spans[0].Name())
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "fake", attrs["embedding.backend"])
	assert.Equal(t, int64(2), attrs["embedding.inputs"])
	assert.Equal(t, int64(3), attrs["embedding.dimension"])
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
