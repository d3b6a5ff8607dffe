// Package vector defines the vector index port used by ingestion and
// retrieval. Backends live in subpackages.
package vector

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/docrag/internal/domain"
)

// Payload keys stored with every point.
const (
	KeyDocID    = "doc_id"
	KeyFilename = "filename"
	KeyPage     = "page"
	KeyTokens   = "tokens"
	KeyText     = "text"
	KeyHash     = "hash"
)

// DefaultCollection is the collection name used when none is configured.
const DefaultCollection = "docs"

// Index persists chunk vectors with payload metadata and answers
// nearest-neighbour queries by cosine similarity.
//
// All records in a collection share one dimensionality, fixed when the
// collection is created. Any vector of another size is rejected with
// domain.ErrDimensionMismatch.
type Index interface {
	// EnsureCollection creates the collection with size dim if absent. It is
	// idempotent and fails if the existing collection has another size.
	EnsureCollection(ctx context.Context, dim int) error
	// Upsert inserts or replaces records. A failure part way through a batch
	// may leave some records written.
	Upsert(ctx context.Context, records []domain.Record) error
	// DeleteByDoc removes every record whose payload doc_id equals docID.
	DeleteByDoc(ctx context.Context, docID string) error
	// Search returns up to topK records ordered by descending similarity.
	// A missing collection is created with len(query) and yields no hits.
	Search(ctx context.Context, query []float32, topK int) ([]domain.Hit, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
	// Collections lists collection names known to the backend.
	Collections(ctx context.Context) ([]string, error)
	Close() error
}

// CheckDimension returns a DimensionMismatchError when any vector's length
// differs from want.
func CheckDimension(collection string, want int, vectors ...[]float32) error {
	for _, v := range vectors {
		if len(v) != want {
			return &domain.DimensionMismatchError{Collection: collection, Want: want, Got: len(v)}
		}
	}
	return nil
}

// RecordDimension returns the common size of records, or an error if they
// disagree among themselves.
func RecordDimension(records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	dim := len(records[0].Vector)
	for i, r := range records {
		if len(r.Vector) != dim {
			return 0, fmt.Errorf("%w: record %d has size %d, batch has %d", domain.ErrDimensionMismatch, i, len(r.Vector), dim)
		}
	}
	return dim, nil
}
