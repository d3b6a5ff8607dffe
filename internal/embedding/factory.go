package embedding

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// Config holds everything needed to build any embedding backend.
type Config struct {
	Backend string // "ollama", "openai", "gemini"
	BaseURL string
	Model   string
	APIKey  string

	Timeout time.Duration
	// RPS caps request rate per backend; 0 means unlimited.
	RPS   float64
	Burst int
}

// DefaultConfig returns defaults for a local Ollama server.
func DefaultConfig() Config {
	return Config{
		Backend: "ollama",
		BaseURL: "http://localhost:11434",
		Model:   "bge-m3",
		Timeout: 60 * time.Second,
	}
}

// Constructor builds a backend from config.
type Constructor func(ctx context.Context, cfg Config) (Embedder, error)

// Factory maps backend names to constructors.
type Factory struct {
	constructors map[string]Constructor
}

// NewFactory returns a factory with the built-in backends registered.
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[string]Constructor)}
	f.Register("ollama", func(_ context.Context, cfg Config) (Embedder, error) {
		return NewOllama(cfg), nil
	})
	f.Register("openai", func(_ context.Context, cfg Config) (Embedder, error) {
		return NewOpenAI(cfg), nil
	})
	f.Register("gemini", NewGemini)
	return f
}

// Register adds a backend constructor under name.
func (f *Factory) Register(name string, ctor Constructor) {
	f.constructors[name] = ctor
}

// Shared returns a lazily initialised handle for cfg.Backend. Unknown
// backends fail immediately rather than on first use.
func (f *Factory) Shared(cfg Config) (*Shared, error) {
	ctor, ok := f.constructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown embedding backend %q, registered: %v", cfg.Backend, f.Names())
	}
	return NewShared(cfg.Backend, func(ctx context.Context) (Embedder, error) {
		return ctor(ctx, cfg)
	}), nil
}

// Names lists registered backends.
func (f *Factory) Names() []string {
	out := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RPS), burst)
}
