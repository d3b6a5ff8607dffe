package rerank

import (
	"context"
	"fmt"
	"time"
)

// Config selects and configures a reranker backend.
type Config struct {
	Backend string // "tei", "cohere", "lexical"
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// New returns a lazily initialised reranker for cfg.Backend.
func New(cfg Config) (*Shared, error) {
	switch cfg.Backend {
	case "lexical":
		return FromScorer("lexical", Lexical{}), nil
	case "tei", "cohere", "":
		dialect := Dialect(cfg.Backend)
		if dialect == "" {
			dialect = DialectTEI
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("rerank backend %s needs a base url", dialect)
		}
		return NewShared(string(dialect), func(context.Context) (Scorer, error) {
			return NewHTTP(HTTPConfig{
				BaseURL: cfg.BaseURL,
				Model:   cfg.Model,
				APIKey:  cfg.APIKey,
				Dialect: dialect,
				Timeout: cfg.Timeout,
			}), nil
		}), nil
	}
	return nil, fmt.Errorf("unknown rerank backend %q", cfg.Backend)
}
