package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileConfig configures the file-based secrets provider.
type FileConfig struct {
	// Path is a JSON object file of key/value pairs, or a directory with one
	// file per key as mounted by Docker and Kubernetes secrets.
	Path string
}

// FileProvider reads secrets from a JSON file or a secrets directory.
type FileProvider struct {
	path string
	dir  bool

	mu   sync.RWMutex
	data map[string]string
}

// NewFileProvider creates a file-based secrets provider.
func NewFileProvider(config *FileConfig) (*FileProvider, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("file path required")
	}
	info, err := os.Stat(config.Path)
	if err != nil {
		return nil, fmt.Errorf("secrets path: %w", err)
	}

	p := &FileProvider{path: config.Path, dir: info.IsDir()}
	if !p.dir {
		if err := p.Reload(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if p.dir {
		if strings.ContainsAny(key, `/\`) || key == ".." {
			return "", fmt.Errorf("invalid secret key %q", key)
		}
		data, err := os.ReadFile(filepath.Join(p.path, key))
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	val, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

// Reload re-reads the JSON file. It is a no-op for directories, which are
// read on every Get.
func (p *FileProvider) Reload() error {
	if p.dir {
		return nil
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("load secrets file: %w", err)
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse secrets file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	return nil
}
