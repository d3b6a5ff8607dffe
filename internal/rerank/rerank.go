// Package rerank scores (query, passage) pairs for precision reordering of
// coarse retrieval candidates.
package rerank

import (
	"context"
	"fmt"
	"sync"

	"github.com/efebarandurmaz/docrag/internal/domain"
)

// Scorer returns one relevance score per passage, in passage order. Higher
// means more relevant.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Builder constructs the scoring backend on first use.
type Builder func(ctx context.Context) (Scorer, error)

// Shared is the process-wide reranker handle with single, lazy
// construction of its backend.
type Shared struct {
	name  string
	build Builder

	mu    sync.Mutex
	inner Scorer
}

// NewShared wraps a backend builder.
func NewShared(name string, build Builder) *Shared {
	return &Shared{name: name, build: build}
}

// FromScorer wraps an already constructed backend.
func FromScorer(name string, s Scorer) *Shared {
	return &Shared{name: name, inner: s}
}

// Name returns the backend name.
func (s *Shared) Name() string { return s.name }

func (s *Shared) backend(ctx context.Context) (Scorer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inner != nil {
		return s.inner, nil
	}
	sc, err := s.build(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.ErrRerankFailure, "init "+s.name, err)
	}
	s.inner = sc
	return sc, nil
}

// Score scores every passage against query.
func (s *Shared) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	sc, err := s.backend(ctx)
	if err != nil {
		return nil, err
	}
	scores, err := sc.Score(ctx, query, passages)
	if err != nil {
		return nil, domain.Wrap(domain.ErrRerankFailure, s.name, err)
	}
	if len(scores) != len(passages) {
		return nil, fmt.Errorf("%w: %s returned %d scores for %d passages", domain.ErrRerankFailure, s.name, len(scores), len(passages))
	}
	return scores, nil
}
