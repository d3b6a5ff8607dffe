package domain

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the pipeline. None of them is retried.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrParseFailure      = errors.New("parse failure")
	ErrEmbeddingFailure  = errors.New("embedding failure")
	ErrRerankFailure     = errors.New("rerank failure")
	ErrIndexFailure      = errors.New("index failure")
	ErrDimensionMismatch = errors.New("dimension mismatch")

	ErrDocIDConflict = errors.New("doc_id conflict")
	ErrNotFound      = errors.New("not found")
	ErrInvalidWindow = errors.New("invalid chunk window")
)

// Wrap labels err with a failure kind and the operation that produced it.
// Wrapping an error that already carries kind returns it unchanged apart from
// the operation prefix.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// DimensionMismatchError reports a vector whose size disagrees with the
// collection.
type DimensionMismatchError struct {
	Collection string
	Want       int
	Got        int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: collection %q has size %d, vector has %d", e.Collection, e.Want, e.Got)
}

// Is makes DimensionMismatchError match ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// Kind returns the first failure kind err carries, or nil.
func Kind(err error) error {
	for _, k := range []error{
		ErrUnsupportedFormat,
		ErrParseFailure,
		ErrEmbeddingFailure,
		ErrRerankFailure,
		ErrDimensionMismatch,
		ErrIndexFailure,
		ErrDocIDConflict,
		ErrNotFound,
		ErrInvalidWindow,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
