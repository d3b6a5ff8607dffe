package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

var _ Embedder = (*Ollama)(nil)

// Ollama calls the native /api/embed endpoint, which accepts a batch.
type Ollama struct {
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewOllama creates an Ollama embedding backend.
func NewOllama(cfg Config) *Ollama {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &Ollama{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: newLimiter(cfg),
	}
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := postJSON(ctx, o.http, o.baseURL+"/api/embed", nil, map[string]any{
		"model": o.model,
		"input": texts,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return result.Embeddings, nil
}
