package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// ==================== EnvProvider Tests ====================

func TestEnvProvider_Name(t *testing.T) {
	p := NewEnvProvider("")
	if p.Name() != "env" {
		t.Fatalf("expected 'env', got %s", p.Name())
	}
}

func TestEnvProvider_Get_WithPrefix(t *testing.T) {
	t.Setenv("DOCRAG_TEST_SECRET", "secret_value")

	p := NewEnvProvider("DOCRAG_")
	val, err := p.Get(context.Background(), "test_secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "secret_value" {
		t.Fatalf("expected 'secret_value', got %s", val)
	}
}

func TestEnvProvider_Get_WithoutPrefix(t *testing.T) {
	t.Setenv("TEST_SECRET_NO_PREFIX", "direct_value")

	p := NewEnvProvider("DOCRAG_")
	val, err := p.Get(context.Background(), "test_secret_no_prefix")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "direct_value" {
		t.Fatalf("expected 'direct_value', got %s", val)
	}
}

func TestEnvProvider_Get_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCRAG_FILE_SECRET_FILE", path)

	val, err := NewEnvProvider("").Get(context.Background(), "file_secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "from-file" {
		t.Fatalf("expected 'from-file', got %q", val)
	}
}

func TestEnvProvider_Get_NotFound(t *testing.T) {
	p := NewEnvProvider("DOCRAG_")
	_, err := p.Get(context.Background(), "nonexistent_secret_xyz")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ==================== FileProvider Tests ====================

func TestFileProvider_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte(`{"qdrant_api_key":"q-123"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := NewFileProvider(&FileConfig{Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "file" {
		t.Fatalf("expected 'file', got %s", p.Name())
	}

	val, err := p.Get(context.Background(), "qdrant_api_key")
	if err != nil || val != "q-123" {
		t.Fatalf("expected q-123, got %q (%v)", val, err)
	}
	if _, err := p.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileProvider_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	os.WriteFile(path, []byte(`{"k":"v1"}`), 0o600)

	p, err := NewFileProvider(&FileConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, []byte(`{"k":"v2"}`), 0o600)
	if err := p.Reload(); err != nil {
		t.Fatal(err)
	}
	if val, _ := p.Get(context.Background(), "k"); val != "v2" {
		t.Fatalf("expected v2 after reload, got %s", val)
	}
}

func TestFileProvider_Directory(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "rerank_api_key"), []byte("r-456\n"), 0o600)

	p, err := NewFileProvider(&FileConfig{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	val, err := p.Get(context.Background(), "rerank_api_key")
	if err != nil || val != "r-456" {
		t.Fatalf("expected r-456, got %q (%v)", val, err)
	}
	if _, err := p.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), "../etc/passwd"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestFileProvider_Errors(t *testing.T) {
	if _, err := NewFileProvider(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewFileProvider(&FileConfig{Path: filepath.Join(t.TempDir(), "none.json")}); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte("{not json"), 0o600)
	if _, err := NewFileProvider(&FileConfig{Path: bad}); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// ==================== VaultProvider Tests ====================

func newVault(t *testing.T, status int, body string) (*VaultProvider, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-Vault-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/docrag" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	p, err := NewVaultProvider(&VaultConfig{Address: srv.URL + "/", Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	return p, &calls
}

func TestVaultProvider_Get(t *testing.T) {
	p, calls := newVault(t, http.StatusOK, `{"data":{"data":{"embedding_api_key":"e-1","port":6334}}}`)

	val, err := p.Get(context.Background(), "embedding_api_key")
	if err != nil || val != "e-1" {
		t.Fatalf("expected e-1, got %q (%v)", val, err)
	}
	if val, _ := p.Get(context.Background(), "port"); val != "6334" {
		t.Fatalf("expected non-string value formatted, got %q", val)
	}
	if _, err := p.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Fatalf("expected one vault read, got %d", n)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	p, _ := newVault(t, http.StatusInternalServerError, "boom")
	if _, err := p.Get(context.Background(), "k"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected server error, got %v", err)
	}

	if _, err := NewVaultProvider(&VaultConfig{Token: "tok"}); err == nil {
		t.Fatal("expected error without address")
	}
	if _, err := NewVaultProvider(&VaultConfig{Address: "http://x"}); err == nil {
		t.Fatal("expected error without token")
	}
}

// ==================== Manager Tests ====================

func TestManager_DefaultConfig(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Name() != "env" {
		t.Fatalf("expected env primary, got %s", m.Name())
	}
}

func TestManager_FileWithEnvFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	os.WriteFile(path, []byte(`{"qdrant_api_key":"from-file"}`), 0o600)
	t.Setenv("DOCRAG_RERANK_API_KEY", "from-env")

	m, err := NewManager(&Config{Provider: "file", FileConfig: &FileConfig{Path: path}})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if val, _ := m.Get(ctx, string(SecretQdrantAPIKey)); val != "from-file" {
		t.Fatalf("expected from-file, got %s", val)
	}
	if val, _ := m.Get(ctx, string(SecretRerankAPIKey)); val != "from-env" {
		t.Fatalf("expected env fallback, got %s", val)
	}
	if _, err := m.Get(ctx, "catalog_dsn_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_Cache(t *testing.T) {
	t.Setenv("DOCRAG_CACHED_KEY", "first")
	m, _ := NewManager(nil)

	ctx := context.Background()
	if val, _ := m.Get(ctx, "cached_key"); val != "first" {
		t.Fatalf("expected first, got %s", val)
	}
	os.Setenv("DOCRAG_CACHED_KEY", "second")
	if val, _ := m.Get(ctx, "cached_key"); val != "first" {
		t.Fatalf("expected cached value, got %s", val)
	}
}

func TestManager_Resolve(t *testing.T) {
	t.Setenv("DOCRAG_EMBEDDING_API_KEY", "stored")
	m, _ := NewManager(nil)
	ctx := context.Background()

	if val, _ := m.Resolve(ctx, SecretEmbeddingAPIKey, "explicit"); val != "explicit" {
		t.Fatalf("explicit value should win, got %s", val)
	}
	if val, _ := m.Resolve(ctx, SecretEmbeddingAPIKey, ""); val != "stored" {
		t.Fatalf("expected stored, got %s", val)
	}
	val, err := m.Resolve(ctx, SecretCatalogDSN, "")
	if err != nil || val != "" {
		t.Fatalf("missing optional secret should resolve empty, got %q (%v)", val, err)
	}
}

func TestManager_Errors(t *testing.T) {
	for _, cfg := range []*Config{
		{Provider: "unknown"},
		{Provider: "vault"},
		{Provider: "file"},
	} {
		if _, err := NewManager(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
