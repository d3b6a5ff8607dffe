package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	DataRoot       string `mapstructure:"data_root"`
	CollectionName string `mapstructure:"collection_name"`

	Vector    VectorConfig    `mapstructure:"vector"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Chunk     ChunkConfig     `mapstructure:"chunk"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Log       LogConfig       `mapstructure:"log"`
}

type VectorConfig struct {
	// Backend is "qdrant" or "local".
	Backend string `mapstructure:"backend"`
}

type QdrantConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type OllamaConfig struct {
	Host string `mapstructure:"host"`
}

type EmbeddingConfig struct {
	Backend string        `mapstructure:"backend"`
	URL     string        `mapstructure:"url"`
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	RPS     float64       `mapstructure:"rps"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RerankConfig struct {
	Backend  string        `mapstructure:"backend"`
	URL      string        `mapstructure:"url"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Fallback string        `mapstructure:"fallback"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChunkConfig struct {
	SizeTokens    int    `mapstructure:"size_tokens"`
	OverlapTokens int    `mapstructure:"overlap_tokens"`
	// Encoding is a tiktoken encoding name, or "words" for whitespace tokens.
	Encoding string `mapstructure:"encoding"`
}

type RetrievalConfig struct {
	TopK    int           `mapstructure:"top_k"`
	TopN    int           `mapstructure:"top_n"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CatalogConfig struct {
	// DSN selects PostgreSQL for postgres:// URLs; anything else is a SQLite
	// path. Empty means DATA_ROOT/cache/catalog.db.
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SecretsConfig selects where empty API keys and the catalog DSN are
// looked up.
type SecretsConfig struct {
	// Provider is "env", "file" or "vault".
	Provider   string `mapstructure:"provider"`
	File       string `mapstructure:"file"`
	VaultAddr  string `mapstructure:"vault_addr"`
	VaultToken string `mapstructure:"vault_token"`
	VaultMount string `mapstructure:"vault_mount"`
	VaultPath  string `mapstructure:"vault_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DocsDir holds the original documents.
func (c *Config) DocsDir() string { return filepath.Join(c.DataRoot, "docs") }

// CacheDir holds derived state: index, catalog, tokenizer files and audit log.
func (c *Config) CacheDir() string { return filepath.Join(c.DataRoot, "cache") }

func (c *Config) IndexDir() string { return filepath.Join(c.CacheDir(), "index") }
func (c *Config) CatalogPath() string { return filepath.Join(c.CacheDir(), "catalog.db") }
func (c *Config) AuditPath() string { return filepath.Join(c.CacheDir(), "audit.jsonl") }

// defaults are keyed by viper path. Every key must be listed so that
// AutomaticEnv can see it during Unmarshal.
var defaults = map[string]any{
	"data_root":       "./data",
	"collection_name": "docs",

	"vector.backend": "qdrant",

	"qdrant.url":     "http://localhost:6333",
	"qdrant.api_key": "",
	"qdrant.timeout": "10s",

	"ollama.host": "http://localhost:11434",

	"embedding.backend": "ollama",
	"embedding.url":     "",
	"embedding.model":   "bge-m3",
	"embedding.api_key": "",
	"embedding.rps":     0,
	"embedding.timeout": "60s",

	"rerank.backend":  "tei",
	"rerank.url":      "http://localhost:8081",
	"rerank.model":    "BAAI/bge-reranker-base",
	"rerank.api_key":  "",
	"rerank.fallback": "fail",
	"rerank.timeout":  "30s",

	"llm.model":   "llama3.1:8b",
	"llm.timeout": "600s",

	"chunk.size_tokens":    600,
	"chunk.overlap_tokens": 80,
	"chunk.encoding":       "cl100k_base",

	"retrieval.top_k":   30,
	"retrieval.top_n":   6,
	"retrieval.timeout": "15s",

	"catalog.dsn": "",

	"server.addr": ":8080",

	"tracing.endpoint":     "",
	"tracing.insecure":     true,
	"tracing.sample_rate":  1.0,
	"tracing.service_name": "docrag",

	"audit.enabled": true,

	"secrets.provider":    "env",
	"secrets.file":        "",
	"secrets.vault_addr":  "",
	"secrets.vault_token": "",
	"secrets.vault_mount": "secret",
	"secrets.vault_path":  "docrag",

	"log.level":  "info",
	"log.format": "text",
}

// envAliases bind keys whose environment name is not the upper-cased path.
var envAliases = map[string]string{
	"embedding.rps":        "EMBED_RPS",
	"embedding.timeout":    "EMBED_TIMEOUT",
	"retrieval.top_k":      "TOP_K",
	"retrieval.top_n":      "TOP_N",
	"llm.timeout":          "GENERATION_TIMEOUT",
	"tracing.endpoint":     "OTEL_EXPORTER_OTLP_ENDPOINT",
	"tracing.service_name": "OTEL_SERVICE_NAME",
	"secrets.vault_addr":   "VAULT_ADDR",
	"secrets.vault_token":  "VAULT_TOKEN",
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Chunk.OverlapTokens >= c.Chunk.SizeTokens {
		warnings = append(warnings, fmt.Sprintf("chunk overlap %d is not smaller than chunk size %d", c.Chunk.OverlapTokens, c.Chunk.SizeTokens))
	}
	if c.Chunk.SizeTokens > 8192 {
		warnings = append(warnings, fmt.Sprintf("chunk size %d exceeds the context of most embedding models", c.Chunk.SizeTokens))
	}

	if c.Retrieval.TopN > c.Retrieval.TopK {
		warnings = append(warnings, fmt.Sprintf("top_n %d is larger than top_k %d; at most %d results will be returned", c.Retrieval.TopN, c.Retrieval.TopK, c.Retrieval.TopK))
	}

	switch c.Vector.Backend {
	case "qdrant", "local":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown vector backend '%s' (want qdrant or local)", c.Vector.Backend))
	}

	switch c.Rerank.Fallback {
	case "", "fail", "vector":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown rerank fallback '%s' (want fail or vector)", c.Rerank.Fallback))
	}
	if c.Rerank.Backend != "lexical" && c.Rerank.URL == "" {
		warnings = append(warnings, fmt.Sprintf("rerank backend '%s' is configured but url is empty", c.Rerank.Backend))
	}

	if (c.Embedding.Backend == "gemini" || (c.Embedding.Backend == "openai" && strings.Contains(c.Embedding.URL, "api.openai.com"))) && c.Embedding.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("embedding backend '%s' is configured but api_key is empty", c.Embedding.Backend))
	}

	switch c.Secrets.Provider {
	case "", "env":
	case "file":
		if c.Secrets.File == "" {
			warnings = append(warnings, "secrets provider 'file' is configured but secrets.file is empty")
		}
	case "vault":
		if c.Secrets.VaultAddr == "" || c.Secrets.VaultToken == "" {
			warnings = append(warnings, "secrets provider 'vault' needs VAULT_ADDR and VAULT_TOKEN")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("unknown secrets provider '%s' (want env, file or vault)", c.Secrets.Provider))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	return warnings
}

// Check returns an error for configurations the pipeline cannot run with.
func (c *Config) Check() error {
	var errs []error
	if c.Chunk.SizeTokens <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.Chunk.SizeTokens))
	}
	if c.Chunk.OverlapTokens < 0 || c.Chunk.OverlapTokens >= c.Chunk.SizeTokens {
		errs = append(errs, fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.Chunk.SizeTokens, c.Chunk.OverlapTokens))
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.TopN <= 0 {
		errs = append(errs, fmt.Errorf("top_k and top_n must be positive, got %d and %d", c.Retrieval.TopK, c.Retrieval.TopN))
	}
	if c.Vector.Backend != "qdrant" && c.Vector.Backend != "local" {
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Vector.Backend))
	}
	if c.DataRoot == "" {
		errs = append(errs, errors.New("data_root is empty"))
	}
	return errors.Join(errs...)
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win; a missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from defaults, an optional file and the
// environment, in increasing precedence. ENV_FILE (default .env) is loaded
// into the environment first.
func Load(path string) (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Validate configuration and print warnings
	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
