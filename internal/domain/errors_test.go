package domain

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	err := Wrap(ErrParseFailure, "parse report.pdf", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrParseFailure)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "parse report.pdf")

	assert.NoError(t, Wrap(ErrParseFailure, "op", nil))
}

func TestWrap_AlreadyLabelled(t *testing.T) {
	inner := Wrap(ErrIndexFailure, "upsert", errors.New("unavailable"))
	outer := Wrap(ErrIndexFailure, "ingest", inner)
	assert.ErrorIs(t, outer, ErrIndexFailure)
	assert.Equal(t, "ingest: upsert: index failure: unavailable", outer.Error())
}

func TestDimensionMismatchError(t *testing.T) {
	var err error = &DimensionMismatchError{Collection: "docs", Want: 1024, Got: 768}
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "1024")

	wrapped := Wrap(ErrIndexFailure, "search", err)
	assert.ErrorIs(t, wrapped, ErrDimensionMismatch)
	assert.Equal(t, ErrDimensionMismatch, Kind(wrapped))
}

func TestKind(t *testing.T) {
	assert.Nil(t, Kind(errors.New("plain")))
	assert.Equal(t, ErrRerankFailure, Kind(Wrap(ErrRerankFailure, "score", io.EOF)))
}
