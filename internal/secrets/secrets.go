// Package secrets resolves credentials (API keys, the catalog DSN) from the
// environment, a secrets file or directory, or HashiCorp Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when no provider holds a key.
var ErrNotFound = errors.New("secret not found")

// SecretKey identifies the credentials docrag reads.
type SecretKey string

const (
	SecretEmbeddingAPIKey SecretKey = "embedding_api_key"
	SecretRerankAPIKey    SecretKey = "rerank_api_key"
	SecretQdrantAPIKey    SecretKey = "qdrant_api_key"
	SecretCatalogDSN      SecretKey = "catalog_dsn"
)

// DefaultEnvPrefix is prepended to upper-cased keys by the env provider.
const DefaultEnvPrefix = "DOCRAG_"

// Provider is a read-only secret backend.
type Provider interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Name() string
}

// Config configures the secrets manager.
type Config struct {
	// Provider specifies which backend to use: "env", "vault", "file"
	Provider string
	// VaultConfig for HashiCorp Vault backend
	VaultConfig *VaultConfig
	// FileConfig for the file or directory backend
	FileConfig *FileConfig
	// Prefix for environment variable names (default: "DOCRAG_")
	EnvPrefix string
}

// DefaultConfig returns default secrets configuration (env-based).
func DefaultConfig() *Config {
	return &Config{
		Provider:  "env",
		EnvPrefix: DefaultEnvPrefix,
	}
}

// Manager reads secrets from a primary provider and falls back to the
// environment. Values are cached for the life of the manager.
type Manager struct {
	primary  Provider
	fallback Provider
	cache    map[string]string
	cacheMu  sync.RWMutex
}

// NewManager creates a secrets manager with the specified configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	env := NewEnvProvider(cfg.EnvPrefix)
	m := &Manager{cache: make(map[string]string)}

	switch cfg.Provider {
	case "vault":
		if cfg.VaultConfig == nil {
			return nil, fmt.Errorf("vault config required for vault provider")
		}
		p, err := NewVaultProvider(cfg.VaultConfig)
		if err != nil {
			return nil, fmt.Errorf("create vault provider: %w", err)
		}
		m.primary, m.fallback = p, env
	case "file":
		if cfg.FileConfig == nil {
			return nil, fmt.Errorf("file config required for file provider")
		}
		p, err := NewFileProvider(cfg.FileConfig)
		if err != nil {
			return nil, fmt.Errorf("create file provider: %w", err)
		}
		m.primary, m.fallback = p, env
	case "env", "":
		m.primary = env
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
	return m, nil
}

// Name reports the primary provider.
func (m *Manager) Name() string { return m.primary.Name() }

// Get retrieves a secret, trying primary then fallback.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.cacheMu.RLock()
	val, ok := m.cache[key]
	m.cacheMu.RUnlock()
	if ok {
		return val, nil
	}

	val, err := m.primary.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%s: %w", m.primary.Name(), err)
	}
	if val == "" && m.fallback != nil {
		val, err = m.fallback.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	if val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	m.cacheMu.Lock()
	m.cache[key] = val
	m.cacheMu.Unlock()
	return val, nil
}

// Resolve returns current when it is set, otherwise the stored secret for
// key. A missing secret resolves to "" so optional credentials stay unset.
func (m *Manager) Resolve(ctx context.Context, key SecretKey, current string) (string, error) {
	if current != "" {
		return current, nil
	}
	val, err := m.Get(ctx, string(key))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return val, err
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-based secrets provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

// Get tries PREFIX_KEY, then KEY, then the contents of the file named by
// PREFIX_KEY_FILE.
func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	if val := os.Getenv(strings.ToUpper(key)); val != "" {
		return val, nil
	}
	if path := os.Getenv(envKey + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", envKey+"_FILE", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("%w: env %s", ErrNotFound, envKey)
}
