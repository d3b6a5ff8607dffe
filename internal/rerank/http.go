package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Dialect selects the wire format of a rerank server.
type Dialect string

const (
	// DialectTEI is text-embeddings-inference: POST /rerank {query, texts, truncate}
	// returning [{index, score}].
	DialectTEI Dialect = "tei"
	// DialectCohere is the /v1/rerank shape used by Cohere, Jina and vLLM:
	// {model, query, documents} returning {results:[{index, relevance_score}]}.
	DialectCohere Dialect = "cohere"
)

// HTTPConfig configures a cross-encoder served over HTTP.
type HTTPConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Dialect Dialect
	Timeout time.Duration
}

// HTTP is a cross-encoder reached over HTTP.
type HTTP struct {
	cfg  HTTPConfig
	http *http.Client
}

var _ Scorer = (*HTTP)(nil)

// NewHTTP creates an HTTP scorer.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectTEI
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTP{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type indexedScore struct {
	Index          int     `json:"index"`
	Score          float64 `json:"score"`
	RelevanceScore float64 `json:"relevance_score"`
}

func (h *HTTP) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	var (
		path string
		body any
	)
	switch h.cfg.Dialect {
	case DialectTEI:
		path = "/rerank"
		// Chunks can exceed the model context; TEI rejects them unless told to truncate.
		body = map[string]any{"query": query, "texts": passages, "raw_scores": false, "truncate": true}
	case DialectCohere:
		path = "/v1/rerank"
		body = map[string]any{"model": h.cfg.Model, "query": query, "documents": passages, "top_n": len(passages)}
	default:
		return nil, fmt.Errorf("unknown rerank dialect %q", h.cfg.Dialect)
	}

	raw, err := h.post(ctx, path, body)
	if err != nil {
		return nil, err
	}

	var items []indexedScore
	if h.cfg.Dialect == DialectTEI {
		err = json.Unmarshal(raw, &items)
	} else {
		var wrapped struct {
			Results []indexedScore `json:"results"`
		}
		err = json.Unmarshal(raw, &wrapped)
		items = wrapped.Results
		for i := range items {
			items[i].Score = items[i].RelevanceScore
		}
	}
	if err != nil {
		return nil, fmt.Errorf("rerank decode: %w", err)
	}

	if len(items) != len(passages) {
		return nil, fmt.Errorf("rerank: got %d scores for %d passages", len(items), len(passages))
	}
	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(passages) || seen[it.Index] {
			return nil, fmt.Errorf("rerank: bad result index %d", it.Index)
		}
		seen[it.Index] = true
		scores[it.Index] = it.Score
	}
	return scores, nil
}

func (h *HTTP) post(ctx context.Context, path string, in any) ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}
