package e2e

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/docrag/internal/answer"
	"github.com/efebarandurmaz/docrag/internal/catalog"
	"github.com/efebarandurmaz/docrag/internal/chunker"
	"github.com/efebarandurmaz/docrag/internal/corpus"
	"github.com/efebarandurmaz/docrag/internal/ingest"
	"github.com/efebarandurmaz/docrag/internal/llm"
	"github.com/efebarandurmaz/docrag/internal/observability"
	"github.com/efebarandurmaz/docrag/internal/rerank"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
	"github.com/efebarandurmaz/docrag/internal/server"
	"github.com/efebarandurmaz/docrag/internal/tokenizer"
	"github.com/efebarandurmaz/docrag/internal/vector/local"
)

const dim = 64

// bagEmbedder hashes lower-cased words into a normalised bag-of-words
// vector, so passages sharing words with a query are close to it.
type bagEmbedder struct{}

func (bagEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = bag(t)
	}
	return out, nil
}

func (e bagEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	v, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func bag(text string) []float32 {
	v := make([]float32, dim)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%dim]++
	}
	v[0] += 0.01 // never the zero vector
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// echoGenerator streams a fixed answer word by word.
type echoGenerator struct {
	reply  string
	prompt *llm.Prompt
}

func (g *echoGenerator) Name() string { return "echo" }

func (g *echoGenerator) Chat(_ context.Context, p *llm.Prompt, _ *llm.RequestOptions) (*llm.Stream, error) {
	g.prompt = p
	body := io.NopCloser(strings.NewReader(strings.ReplaceAll(g.reply, " ", " \n") + "\n"))
	return llm.NewStream(body, func(line []byte) (string, bool, error) {
		return string(line), false, nil
	}, nil), nil
}

type stack struct {
	corpus    *corpus.Corpus
	catalog   *catalog.SQLStore
	index     *local.Index
	pipeline  *ingest.Pipeline
	retriever *retrieval.Retriever
	answerer  *answer.Answerer
	generator *echoGenerator
	metrics   *observability.PipelineMetrics
}

func newStack(t *testing.T, root string) *stack {
	t.Helper()
	ctx := context.Background()

	corp, err := corpus.Open(root)
	require.NoError(t, err)
	cat, err := catalog.Open(ctx, "", corp.CachePath("catalog.db"))
	require.NoError(t, err)
	idx, err := local.Open(corp.CachePath("index"), "docs")
	require.NoError(t, err)
	t.Cleanup(func() {
		cat.Close()
		idx.Close()
	})

	ch, err := chunker.New(tokenizer.NewWords(), chunker.WithChunkSize(40), chunker.WithOverlap(8))
	require.NoError(t, err)

	s := &stack{
		corpus:    corp,
		catalog:   cat,
		index:     idx,
		generator: &echoGenerator{reply: "Refunds are accepted within 30 days."},
		metrics:   observability.NewPipelineMetrics(),
	}
	s.pipeline = ingest.New(ch, bagEmbedder{}, idx, cat, corp, ingest.WithMetrics(s.metrics))
	s.retriever, err = retrieval.New(bagEmbedder{}, idx, rerank.FromScorer("lexical", rerank.Lexical{}),
		retrieval.WithTopK(10),
		retrieval.WithTopN(3),
		retrieval.WithMetrics(s.metrics),
	)
	require.NoError(t, err)
	s.answerer = answer.New(s.retriever, s.generator, answer.WithModel("echo"), answer.WithMetrics(s.metrics))
	return s
}

func (s *stack) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.corpus.DocsDir(), name), []byte(content), 0o644))
}

func seed(t *testing.T, s *stack) {
	s.write(t, "policy.md", "# Returns\n\nRefunds are accepted within 30 days of purchase. "+
		"A receipt is required for every refund.")
	s.write(t, "shipping.txt", "Shipping takes five business days within Germany. "+
		"Express delivery is available for a fee.")
	s.write(t, "handbook.txt", "Employees receive 28 vacation days per year. "+
		"Vacation requests go to the team lead.")
}

func TestE2E_IngestSearchAsk(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, t.TempDir())
	seed(t, s)

	// 1. Reindex picks up every file.
	report, err := s.pipeline.Reindex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Indexed)
	assert.Zero(t, report.Failed)

	docs, err := s.pipeline.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "handbook", docs[0].DocID)

	// 2. Search ranks the refund passage first.
	res, err := s.retriever.Search(ctx, "refund receipt")
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	assert.LessOrEqual(t, len(res.Candidates), 3)
	assert.Equal(t, "policy", res.Candidates[0].DocID)
	assert.False(t, res.Degraded)
	for i := 1; i < len(res.Candidates); i++ {
		assert.GreaterOrEqual(t, *res.Candidates[i-1].RerankScore, *res.Candidates[i].RerankScore)
	}

	// 3. Ask streams the generated answer grounded on the same passages.
	var streamed strings.Builder
	ans, err := s.answerer.Ask(ctx, "How long do I have to request a refund?", func(tok string) {
		streamed.WriteString(tok)
	})
	require.NoError(t, err)
	assert.False(t, ans.NotFound)
	assert.Equal(t, "Refunds are accepted within 30 days.", strings.TrimSpace(ans.Text))
	assert.Equal(t, ans.Text, streamed.String())
	assert.Equal(t, "policy", ans.Sources[0].DocID)
	require.NotNil(t, s.generator.prompt)
	assert.Contains(t, s.generator.prompt.Messages[len(s.generator.prompt.Messages)-1].Content, "receipt is required")

	// 4. A second reindex skips unchanged files.
	report, err = s.pipeline.Reindex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Skipped)
	assert.Zero(t, report.Indexed)
}

func TestE2E_DeleteRemovesFromSearch(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, t.TempDir())
	seed(t, s)
	_, err := s.pipeline.Reindex(ctx, false)
	require.NoError(t, err)

	require.NoError(t, s.pipeline.Delete(ctx, "policy"))

	for _, q := range []string{"refund receipt", "returns purchase", "shipping"} {
		res, err := s.retriever.Search(ctx, q)
		require.NoError(t, err)
		for _, c := range res.Candidates {
			assert.NotEqual(t, "policy", c.DocID, "query %q", q)
		}
	}
	_, err = os.Stat(filepath.Join(s.corpus.DocsDir(), "policy.md"))
	assert.True(t, os.IsNotExist(err))

	entries, err := s.catalog.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestE2E_EmptyCorpusShortCircuits(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, t.TempDir())

	res, err := s.retriever.Search(ctx, "anything")
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	ans, err := s.answerer.Ask(ctx, "anything?", nil)
	require.NoError(t, err)
	assert.True(t, ans.NotFound)
	assert.Equal(t, answer.NotFoundMessage, ans.Text)
	assert.Nil(t, s.generator.prompt, "generator must not be called")
}

func TestE2E_StatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first := newStack(t, root)
	seed(t, first)
	_, err := first.pipeline.Reindex(ctx, false)
	require.NoError(t, err)
	want, err := first.index.Count(ctx)
	require.NoError(t, err)
	require.NoError(t, first.catalog.Close())
	require.NoError(t, first.index.Close())

	second := newStack(t, root)
	got, err := second.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	report, err := second.pipeline.Reindex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Skipped)
}

func TestE2E_HTTPSurface(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, t.TempDir())
	seed(t, s)
	_, err := s.pipeline.Reindex(ctx, false)
	require.NoError(t, err)

	health := server.NewHealthServer(&server.HealthConfig{Version: "test"})
	health.RegisterCheck("catalog", server.CatalogHealthChecker(s.catalog.Ping))
	health.RegisterCheck("corpus", server.CorpusHealthChecker(s.corpus.DocsDir()))
	health.SetReady(true)

	api := server.NewAPI(s.retriever, s.answerer, s.pipeline,
		server.WithHealth(health),
		server.WithMetrics(s.metrics),
	)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/search", "application/json", strings.NewReader(`{"query":"vacation days"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res retrieval.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.NotEmpty(t, res.Candidates)
	assert.Equal(t, "handbook", res.Candidates[0].DocID)

	hr, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer hr.Body.Close()
	var hresp server.HealthResponse
	require.NoError(t, json.NewDecoder(hr.Body).Decode(&hresp))
	assert.Equal(t, server.HealthStatusHealthy, hresp.Status)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/documents/missing", nil)
	dr, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dr.Body.Close()
	assert.Equal(t, http.StatusNotFound, dr.StatusCode)
}
