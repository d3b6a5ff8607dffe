// Package corpus manages the data root on disk: the docs directory holding
// original files and the cache directory holding derived state.
package corpus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/parser"
)

const (
	docsDir  = "docs"
	cacheDir = "cache"
)

// File is a supported document in the docs directory.
type File struct {
	Name    string    `json:"filename"`
	DocID   string    `json:"doc_id"`
	Path    string    `json:"-"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Corpus is a data root with docs/ and cache/ subdirectories.
type Corpus struct {
	root string
}

// Open creates the docs and cache directories under root if needed.
func Open(root string) (*Corpus, error) {
	if root == "" {
		root = "./data"
	}
	c := &Corpus{root: root}
	for _, dir := range []string{c.DocsDir(), c.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return c, nil
}

func (c *Corpus) Root() string     { return c.root }
func (c *Corpus) DocsDir() string  { return filepath.Join(c.root, docsDir) }
func (c *Corpus) CacheDir() string { return filepath.Join(c.root, cacheDir) }

// CachePath joins elem under the cache directory.
func (c *Corpus) CachePath(elem ...string) string {
	return filepath.Join(append([]string{c.CacheDir()}, elem...)...)
}

// cleanName reduces name to a plain file name that cannot escape docs/.
func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, `\`, "/")))
	if base == "." || base == ".." || base == "/" || base == "" || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

// Path returns the docs path for a file name.
func (c *Corpus) Path(name string) (string, error) {
	base, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.DocsDir(), base), nil
}

// Contains reports whether path lies directly in the docs directory.
func (c *Corpus) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	docs, err := filepath.Abs(c.DocsDir())
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == docs
}

// Save copies the file at src into the docs directory, replacing any file
// of the same name, and returns the destination path.
func (c *Corpus) Save(src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()
	return c.SaveReader(filepath.Base(src), f)
}

// SaveReader writes r into the docs directory under name. Unsupported
// extensions are rejected before anything is written.
func (c *Corpus) SaveReader(name string, r io.Reader) (string, error) {
	dst, err := c.Path(name)
	if err != nil {
		return "", err
	}
	if _, err := parser.FormatFromPath(dst); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(c.DocsDir(), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("move %s into corpus: %w", name, err)
	}
	return dst, nil
}

// Remove deletes a file from the docs directory.
func (c *Corpus) Remove(name string) error {
	path, err := c.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: file %q", domain.ErrNotFound, name)
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// List returns the supported files in the docs directory sorted by name.
// Hidden files and subdirectories are ignored.
func (c *Corpus) List() ([]File, error) {
	entries, err := os.ReadDir(c.DocsDir())
	if err != nil {
		return nil, fmt.Errorf("read docs dir: %w", err)
	}

	var files []File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !parser.Supported(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Name:    name,
			DocID:   parser.DocID(name),
			Path:    filepath.Join(c.DocsDir(), name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// FindByDocID returns the files whose stem equals docID.
func (c *Corpus) FindByDocID(docID string) ([]File, error) {
	files, err := c.List()
	if err != nil {
		return nil, err
	}
	var out []File
	for _, f := range files {
		if f.DocID == docID {
			out = append(out, f)
		}
	}
	return out, nil
}
