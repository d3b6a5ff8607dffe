// Package chunker splits text into overlapping token-bounded windows.
package chunker

import (
	"fmt"
	"strings"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/tokenizer"
)

// Defaults match the token budget of the embedding model.
const (
	DefaultChunkSize = 600
	DefaultOverlap   = 80
)

// Chunker splits text with a fixed window and overlap, both in tokens.
type Chunker struct {
	tok       tokenizer.Tokenizer
	chunkSize int
	overlap   int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the window width in tokens.
func WithChunkSize(size int) Option {
	return func(c *Chunker) { c.chunkSize = size }
}

// WithOverlap sets the number of tokens shared by consecutive windows.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) { c.overlap = overlap }
}

// New creates a Chunker. It fails when the window is not 0 <= overlap < size.
func New(tok tokenizer.Tokenizer, opts ...Option) (*Chunker, error) {
	c := &Chunker{
		tok:       tok,
		chunkSize: DefaultChunkSize,
		overlap:   DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := validate(c.chunkSize, c.overlap); err != nil {
		return nil, err
	}
	return c, nil
}

// ChunkSize returns the configured window width.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split chunks a whole text body. Chunks carry no page.
func (c *Chunker) Split(text string) ([]domain.Chunk, error) {
	return Split(c.tok, text, c.chunkSize, c.overlap)
}

// SplitPages chunks every page on its own so that no chunk spans a page
// boundary. Each chunk is tagged with its source page.
func (c *Chunker) SplitPages(pages []domain.PageText) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for _, p := range pages {
		chunks, err := Split(c.tok, p.Text, c.chunkSize, c.overlap)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", p.Page, err)
		}
		for i := range chunks {
			chunks[i].Page = domain.IntPtr(p.Page)
		}
		out = append(out, chunks...)
	}
	return out, nil
}

// SplitDocument chunks per page when the document is paginated and the
// whole text otherwise.
func (c *Chunker) SplitDocument(doc *domain.Document) ([]domain.Chunk, error) {
	if doc.Paginated() {
		return c.SplitPages(doc.PageTexts)
	}
	return c.Split(doc.Text)
}

// Split tokenizes text once and walks a window of chunkSize tokens over it,
// advancing by chunkSize-overlap. Iteration stops as soon as a window reaches
// the end of the sequence, so the trailing partial window is emitted once.
func Split(tok tokenizer.Tokenizer, text string, chunkSize, overlap int) ([]domain.Chunk, error) {
	if err := validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	ids, err := tok.Encode(text)
	if err != nil {
		return nil, domain.Wrap(domain.ErrParseFailure, "tokenize", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	step := max(1, chunkSize-overlap)
	chunks := make([]domain.Chunk, 0, Count(len(ids), chunkSize, overlap))
	for start := 0; ; start += step {
		end := min(start+chunkSize, len(ids))
		window := ids[start:end]
		decoded, err := tok.Decode(window)
		if err != nil {
			return nil, domain.Wrap(domain.ErrParseFailure, "detokenize", err)
		}
		// Byte-level BPE windows can cut a multi-byte character in two.
		decoded = strings.ToValidUTF8(decoded, "\uFFFD")
		chunks = append(chunks, domain.Chunk{Text: decoded, TokenCount: len(window)})
		if end == len(ids) {
			break
		}
	}
	return chunks, nil
}

// Count predicts how many chunks Split yields for n tokens.
func Count(n, chunkSize, overlap int) int {
	if n <= 0 || chunkSize <= 0 {
		return 0
	}
	if n <= chunkSize {
		return 1
	}
	step := max(1, chunkSize-overlap)
	return (n - overlap + step - 1) / step
}

func validate(chunkSize, overlap int) error {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return fmt.Errorf("%w: size=%d overlap=%d", domain.ErrInvalidWindow, chunkSize, overlap)
	}
	return nil
}
