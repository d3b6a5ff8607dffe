// Package embedding encodes text batches and queries into dense vectors.
package embedding

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/observability"
)

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Builder constructs the backend on first use.
type Builder func(ctx context.Context) (Embedder, error)

// Shared is the process-wide embedder handle. The backend is built once on
// the first call; concurrent first callers wait for that single build. A
// failed build is not cached.
type Shared struct {
	build Builder
	name  string

	mu    sync.Mutex
	inner Embedder
}

// NewShared wraps a backend builder.
func NewShared(name string, build Builder) *Shared {
	return &Shared{name: name, build: build}
}

// FromEmbedder wraps an already constructed backend.
func FromEmbedder(name string, e Embedder) *Shared {
	return &Shared{name: name, inner: e}
}

// Name returns the backend name.
func (s *Shared) Name() string { return s.name }

func (s *Shared) backend(ctx context.Context) (Embedder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inner != nil {
		return s.inner, nil
	}
	e, err := s.build(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.ErrEmbeddingFailure, "init "+s.name, err)
	}
	s.inner = e
	return e, nil
}

// Embed encodes texts. The result has exactly len(texts) vectors of one
// shared length; anything else is an EmbeddingFailure.
func (s *Shared) Embed(ctx context.Context, texts []string) (_ [][]float32, err error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, span := observability.StartEmbedSpan(ctx, s.name, len(texts))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	e, err := s.backend(ctx)
	if err != nil {
		return nil, err
	}

	vectors, err := e.Embed(ctx, texts)
	if err != nil {
		return nil, domain.Wrap(domain.ErrEmbeddingFailure, s.name, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts", domain.ErrEmbeddingFailure, s.name, len(vectors), len(texts))
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("%w: %s vector %d has size %d, want %d", domain.ErrEmbeddingFailure, s.name, i, len(v), dim)
		}
	}
	span.SetAttributes(attribute.Int("embedding.dimension", dim))
	return vectors, nil
}

// EmbedOne encodes a single text.
func (s *Shared) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// inBatches calls embed on consecutive slices of at most size texts and
// concatenates the vectors in input order.
func inBatches(ctx context.Context, texts []string, size int, embed func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if size <= 0 || len(texts) <= size {
		return embed(ctx, texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vectors, err := embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("texts %d-%d: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("texts %d-%d: got %d vectors", start, end, len(vectors))
		}
		out = append(out, vectors...)
	}
	return out, nil
}
