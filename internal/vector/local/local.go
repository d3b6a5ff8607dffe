// Package local implements vector.Index in-process with chromem-go, persisted
// under the data root. It needs no external service and suits single-user
// deployments and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"gopkg.in/yaml.v3"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/vector"
)

var _ vector.Index = (*Index)(nil)

const (
	dbDir    = "chromem"
	metaFile = "collections.yaml"
)

// meta records the fixed dimension of each collection. chromem-go keeps
// collection metadata private, so it lives in a sidecar file.
type meta struct {
	Collections map[string]collectionMeta `yaml:"collections"`
}

type collectionMeta struct {
	Dimension int    `yaml:"dimension"`
	Space     string `yaml:"space"`
}

// Index is a chromem-go backed vector index.
type Index struct {
	db         *chromem.DB
	dir        string
	collection string

	mu   sync.Mutex
	meta meta
}

// Open loads or creates a persistent index in dir. An empty dir keeps the
// index in memory only.
func Open(dir, collection string) (*Index, error) {
	if collection == "" {
		collection = vector.DefaultCollection
	}
	idx := &Index{dir: dir, collection: collection, meta: meta{Collections: map[string]collectionMeta{}}}

	if dir == "" {
		idx.db = chromem.NewDB()
		return idx, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, dbDir), false)
	if err != nil {
		return nil, domain.Wrap(domain.ErrIndexFailure, "open local index", err)
	}
	idx.db = db

	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read index metadata: %w", err)
	default:
		if err := yaml.Unmarshal(data, &idx.meta); err != nil {
			return nil, fmt.Errorf("parse index metadata: %w", err)
		}
		if idx.meta.Collections == nil {
			idx.meta.Collections = map[string]collectionMeta{}
		}
	}
	return idx, nil
}

func (x *Index) saveMeta() error {
	if x.dir == "" {
		return nil
	}
	data, err := yaml.Marshal(&x.meta)
	if err != nil {
		return err
	}
	tmp := filepath.Join(x.dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(x.dir, metaFile))
}

// lookup returns the collection and its dimension, or nil when absent.
func (x *Index) lookup() (*chromem.Collection, int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.meta.Collections[x.collection]
	if !ok {
		return nil, 0
	}
	c := x.db.GetCollection(x.collection, nil)
	if c == nil {
		return nil, 0
	}
	return c, m.Dimension
}

func (x *Index) EnsureCollection(_ context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: invalid dimension %d", domain.ErrIndexFailure, dim)
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if m, ok := x.meta.Collections[x.collection]; ok {
		if m.Dimension != dim {
			return &domain.DimensionMismatchError{Collection: x.collection, Want: m.Dimension, Got: dim}
		}
		if x.db.GetCollection(x.collection, nil) != nil {
			return nil
		}
	}

	if _, err := x.db.GetOrCreateCollection(x.collection, map[string]string{"hnsw:space": "cosine"}, nil); err != nil {
		return domain.Wrap(domain.ErrIndexFailure, "create collection", err)
	}
	x.meta.Collections[x.collection] = collectionMeta{Dimension: dim, Space: "cosine"}
	if err := x.saveMeta(); err != nil {
		return domain.Wrap(domain.ErrIndexFailure, "save index metadata", err)
	}
	return nil
}

func (x *Index) Upsert(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := vector.RecordDimension(records)
	if err != nil {
		return err
	}
	c, size := x.lookup()
	if c == nil {
		return fmt.Errorf("%w: collection %q does not exist", domain.ErrIndexFailure, x.collection)
	}
	if size != dim {
		return &domain.DimensionMismatchError{Collection: x.collection, Want: size, Got: dim}
	}

	ids := make([]string, len(records))
	vectors := make([][]float32, len(records))
	metadatas := make([]map[string]string, len(records))
	contents := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		if ids[i] == "" {
			ids[i] = uuid.NewString()
		}
		// chromem normalises vectors in place.
		vectors[i] = append([]float32(nil), rec.Vector...)
		metadatas[i] = encodeMetadata(rec.Payload)
		contents[i] = rec.Payload.Text
	}
	if err := c.Add(ctx, ids, vectors, metadatas, contents); err != nil {
		return domain.Wrap(domain.ErrIndexFailure, "add documents", err)
	}
	return nil
}

func (x *Index) DeleteByDoc(ctx context.Context, docID string) error {
	c, _ := x.lookup()
	if c == nil || c.Count() == 0 {
		return nil
	}
	if err := c.Delete(ctx, map[string]string{vector.KeyDocID: docID}, nil); err != nil {
		return domain.Wrap(domain.ErrIndexFailure, "delete "+docID, err)
	}
	return nil
}

func (x *Index) Search(ctx context.Context, query []float32, topK int) ([]domain.Hit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", domain.ErrIndexFailure)
	}
	c, size := x.lookup()
	if c == nil {
		if err := x.EnsureCollection(ctx, len(query)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := vector.CheckDimension(x.collection, size, query); err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	n := min(topK, c.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := c.QueryEmbedding(ctx, append([]float32(nil), query...), n, nil, nil)
	if err != nil {
		return nil, domain.Wrap(domain.ErrIndexFailure, "query", err)
	}

	hits := make([]domain.Hit, len(results))
	for i, r := range results {
		p := decodeMetadata(r.Metadata)
		p.Text = r.Content
		hits[i] = domain.Hit{ID: r.ID, Score: r.Similarity, Payload: p}
	}
	return hits, nil
}

func (x *Index) Count(context.Context) (int, error) {
	c, _ := x.lookup()
	if c == nil {
		return 0, nil
	}
	return c.Count(), nil
}

func (x *Index) Collections(context.Context) ([]string, error) {
	cols := x.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	return names, nil
}

func (x *Index) Close() error { return nil }

func encodeMetadata(p domain.Payload) map[string]string {
	m := map[string]string{
		vector.KeyDocID:    p.DocID,
		vector.KeyFilename: p.Filename,
		vector.KeyTokens:   strconv.Itoa(p.TokenCount),
		vector.KeyHash:     p.ContentHash,
	}
	if p.Page != nil {
		m[vector.KeyPage] = strconv.Itoa(*p.Page)
	}
	return m
}

func decodeMetadata(m map[string]string) domain.Payload {
	p := domain.Payload{
		DocID:       m[vector.KeyDocID],
		Filename:    m[vector.KeyFilename],
		ContentHash: m[vector.KeyHash],
	}
	p.TokenCount, _ = strconv.Atoi(m[vector.KeyTokens])
	if s, ok := m[vector.KeyPage]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			p.Page = domain.IntPtr(n)
		}
	}
	return p
}
