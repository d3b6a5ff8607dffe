// Package retrieval turns a question into a small, reranked set of passages:
// embed the query, search the vector index coarsely, rerank every candidate
// and keep the best topN.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/observability"
)

const (
	DefaultTopK    = 30
	DefaultTopN    = 6
	DefaultTimeout = 15 * time.Second
)

// Stage names the steps of a retrieval.
type Stage string

const (
	StageEmbedQuery   Stage = "embedding_query"
	StageCoarseSearch Stage = "coarse_search"
	StageReranking    Stage = "reranking"
	StageRanked       Stage = "ranked"
)

// Fallback selects what happens when the reranker fails.
type Fallback string

const (
	// FallbackFail propagates the rerank failure.
	FallbackFail Fallback = "fail"
	// FallbackVector returns the coarse order truncated to topN.
	FallbackVector Fallback = "vector"
)

// ParseFallback accepts "fail", "vector" or "" (fail).
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(strings.ToLower(strings.TrimSpace(s))) {
	case "", FallbackFail:
		return FallbackFail, nil
	case FallbackVector:
		return FallbackVector, nil
	}
	return "", fmt.Errorf("unknown rerank fallback %q (want fail or vector)", s)
}

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of vector.Index.
type Searcher interface {
	Search(ctx context.Context, query []float32, topK int) ([]domain.Hit, error)
}

// Scorer scores passages against a query; higher is more relevant.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Result is a retrieval with diagnostics.
type Result struct {
	Query      string             `json:"query"`
	Candidates []domain.Candidate `json:"candidates"`
	// Coarse is the number of candidates the vector search returned.
	Coarse int `json:"coarse"`
	// Degraded is set when reranking failed and the vector order was used.
	Degraded bool `json:"degraded,omitempty"`
	// Timings holds per-stage durations; StageRanked is the total.
	Timings map[Stage]time.Duration `json:"timings"`
}

// Retriever runs the retrieval state machine. It is safe for concurrent use.
type Retriever struct {
	embedder QueryEmbedder
	index    Searcher
	scorer   Scorer

	topK     int
	topN     int
	timeout  time.Duration
	fallback Fallback
	logger   *slog.Logger
	metrics  *observability.PipelineMetrics
}

// Option configures a Retriever.
type Option func(*Retriever)

func WithTopK(k int) Option { return func(r *Retriever) { r.topK = k } }
func WithTopN(n int) Option { return func(r *Retriever) { r.topN = n } }

// WithTimeout bounds coarse search and reranking individually.
func WithTimeout(d time.Duration) Option { return func(r *Retriever) { r.timeout = d } }

func WithFallback(f Fallback) Option { return func(r *Retriever) { r.fallback = f } }

func WithLogger(l *slog.Logger) Option { return func(r *Retriever) { r.logger = l } }

func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// New builds a Retriever with topK 30, topN 6 and the fail policy.
func New(embedder QueryEmbedder, index Searcher, scorer Scorer, opts ...Option) (*Retriever, error) {
	r := &Retriever{
		embedder: embedder,
		index:    index,
		scorer:   scorer,
		topK:     DefaultTopK,
		topN:     DefaultTopN,
		timeout:  DefaultTimeout,
		fallback: FallbackFail,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.topK <= 0 || r.topN <= 0 {
		return nil, fmt.Errorf("retrieval: top_k and top_n must be positive (got %d, %d)", r.topK, r.topN)
	}
	return r, nil
}

func (r *Retriever) TopK() int { return r.topK }
func (r *Retriever) TopN() int { return r.topN }

// Retrieve returns at most topN candidates ordered by descending rerank
// score. An empty corpus yields an empty slice and no rerank call.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]domain.Candidate, error) {
	res, err := r.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return res.Candidates, nil
}

// Search is Retrieve with stage timings and the degraded flag.
func (r *Retriever) Search(ctx context.Context, query string) (_ *Result, err error) {
	start := time.Now()
	ctx, span := observability.StartRetrieveSpan(ctx, r.topK, r.topN)
	res := &Result{Query: query, Candidates: []domain.Candidate{}, Timings: map[Stage]time.Duration{}}
	defer func() {
		observability.RecordError(span, err)
		observability.RecordRetrieveResult(span, res.Coarse, len(res.Candidates), res.Degraded)
		span.End()
		if r.metrics != nil {
			r.metrics.RecordRetrieval(time.Since(start), len(res.Candidates), res.Degraded, err)
		}
	}()

	// embedding_query
	t := time.Now()
	vec, err := r.embedder.EmbedOne(ctx, query)
	res.Timings[StageEmbedQuery] = time.Since(t)
	if err != nil {
		return nil, err
	}

	// coarse_search
	t = time.Now()
	hits, err := r.coarse(ctx, vec)
	res.Timings[StageCoarseSearch] = time.Since(t)
	if err != nil {
		return nil, err
	}
	res.Coarse = len(hits)
	if len(hits) == 0 {
		return res, nil
	}

	candidates := make([]domain.Candidate, len(hits))
	for i, h := range hits {
		candidates[i] = domain.CandidateFromHit(h)
	}

	// reranking
	t = time.Now()
	err = r.rerank(ctx, query, candidates)
	res.Timings[StageReranking] = time.Since(t)
	if err != nil {
		if r.fallback != FallbackVector {
			return nil, err
		}
		r.logger.Warn("rerank failed, using vector order", "error", err, "candidates", len(candidates))
		res.Degraded = true
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return *candidates[i].RerankScore > *candidates[j].RerankScore
		})
	}

	// ranked
	if len(candidates) > r.topN {
		candidates = candidates[:r.topN]
	}
	res.Candidates = candidates
	res.Timings[StageRanked] = time.Since(start)
	return res, nil
}

func (r *Retriever) coarse(ctx context.Context, vec []float32) ([]domain.Hit, error) {
	ctx, span := observability.StartStageSpan(ctx, observability.StageCoarseSearch, attribute.Int("retrieve.top_k", r.topK))
	defer span.End()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	hits, err := r.index.Search(ctx, vec, r.topK)
	observability.RecordError(span, err)
	return hits, err
}

// rerank scores every candidate and stores the score on it.
func (r *Retriever) rerank(ctx context.Context, query string, candidates []domain.Candidate) error {
	ctx, span := observability.StartStageSpan(ctx, observability.StageRerank, attribute.Int("rerank.candidates", len(candidates)))
	defer span.End()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Text
	}
	scores, err := r.scorer.Score(ctx, query, passages)
	if err == nil && len(scores) != len(candidates) {
		err = fmt.Errorf("%w: %d scores for %d passages", domain.ErrRerankFailure, len(scores), len(candidates))
	}
	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	for i := range candidates {
		s := scores[i]
		candidates[i].RerankScore = &s
	}
	return nil
}
