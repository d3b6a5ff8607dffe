package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/docrag/internal/domain"
)

func rec(docID string, page *int, text string, vec ...float32) domain.Record {
	return domain.Record{
		Vector: vec,
		Payload: domain.Payload{
			DocID:       docID,
			Filename:    docID + ".md",
			Page:        page,
			TokenCount:  len(text),
			Text:        text,
			ContentHash: "hash-" + docID,
		},
	}
}

func TestSearch_EmptyCorpus(t *testing.T) {
	idx, err := Open("", "")
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, 30)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// The first query fixed the dimension.
	err = idx.EnsureCollection(context.Background(), 4)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestUpsertSearchDelete(t *testing.T) {
	ctx := context.Background()
	idx, err := Open("", "docs")
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(ctx, 2))

	require.NoError(t, idx.Upsert(ctx, []domain.Record{
		rec("a", domain.IntPtr(1), "alpha", 1, 0),
		rec("a", domain.IntPtr(2), "alpha two", 0.8, 0.2),
		rec("b", nil, "beta", 0, 1),
	}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// topK above the corpus size is clamped.
	hits, err := idx.Search(ctx, []float32{1, 0}, 30)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "alpha", hits[0].Payload.Text)
	require.NotNil(t, hits[0].Payload.Page)
	assert.Equal(t, 1, *hits[0].Payload.Page)
	assert.Equal(t, "a.md", hits[0].Payload.Filename)
	assert.Equal(t, "hash-a", hits[0].Payload.ContentHash)
	assert.Equal(t, 5, hits[0].Payload.TokenCount)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.GreaterOrEqual(t, hits[1].Score, hits[2].Score)
	assert.Nil(t, hits[2].Payload.Page)

	hits, err = idx.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, idx.DeleteByDoc(ctx, "a"))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err = idx.Search(ctx, []float32{1, 0}, 30)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Payload.DocID)

	require.NoError(t, idx.DeleteByDoc(ctx, "nope"))
}

func TestDimensionChecks(t *testing.T) {
	ctx := context.Background()
	idx, err := Open("", "")
	require.NoError(t, err)

	err = idx.Upsert(ctx, []domain.Record{rec("a", nil, "x", 1, 2)})
	assert.ErrorIs(t, err, domain.ErrIndexFailure)

	require.NoError(t, idx.EnsureCollection(ctx, 3))
	require.NoError(t, idx.EnsureCollection(ctx, 3))

	err = idx.Upsert(ctx, []domain.Record{rec("a", nil, "x", 1, 2)})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)

	_, err = idx.Search(ctx, []float32{1, 2}, 5)
	var dm *domain.DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Want)
	assert.Equal(t, 2, dm.Got)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := Open(dir, "docs")
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(ctx, 2))
	require.NoError(t, idx.Upsert(ctx, []domain.Record{rec("a", domain.IntPtr(1), "persisted", 1, 0)}))
	require.NoError(t, idx.Close())

	reopened, err := Open(dir, "docs")
	require.NoError(t, err)
	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := reopened.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "persisted", hits[0].Payload.Text)

	err = reopened.EnsureCollection(ctx, 8)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)

	names, err := reopened.Collections(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "docs")
}
