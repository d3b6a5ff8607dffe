package embedding

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

var _ Embedder = (*Gemini)(nil)

// geminiMaxBatch is the request limit of BatchEmbedContents.
const geminiMaxBatch = 100

// Gemini embeds through the Generative Language API batch endpoint.
type Gemini struct {
	client  *genai.Client
	model   *genai.EmbeddingModel
	limiter *rate.Limiter
}

// NewGemini creates a Gemini backend. It satisfies Constructor.
func NewGemini(ctx context.Context, cfg Config) (Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{
		client:  client,
		model:   client.EmbeddingModel(cfg.Model),
		limiter: newLimiter(cfg),
	}, nil
}

func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return inBatches(ctx, texts, geminiMaxBatch, g.embedBatch)
}

func (g *Gemini) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	batch := g.model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	resp, err := g.model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("gemini embed: empty embedding at %d", i)
		}
		v := make([]float32, len(e.Values))
		for j, x := range e.Values {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
