package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/tokenizer"
)

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestSplit_ChunkCount(t *testing.T) {
	tests := []struct {
		n, size, overlap int
	}{
		{1, 5, 0},
		{5, 5, 0},
		{6, 5, 0},
		{6, 5, 4},
		{10, 5, 2},
		{11, 5, 2},
		{100, 7, 3},
		{1400, 600, 80},
		{1121, 600, 80},
		{1120, 600, 80},
		{37, 10, 9},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d/s=%d/o=%d", tt.n, tt.size, tt.overlap), func(t *testing.T) {
			tok := tokenizer.NewWords()
			chunks, err := Split(tok, words("w", tt.n), tt.size, tt.overlap)
			require.NoError(t, err)

			want := 1
			if tt.n > tt.size {
				step := tt.size - tt.overlap
				want = (tt.n - tt.overlap + step - 1) / step
			}
			assert.Len(t, chunks, want)
			assert.Equal(t, want, Count(tt.n, tt.size, tt.overlap))

			for i, c := range chunks {
				if i < len(chunks)-1 {
					assert.Equal(t, tt.size, c.TokenCount, "chunk %d", i)
				} else {
					assert.LessOrEqual(t, c.TokenCount, tt.size)
				}
				assert.Nil(t, c.Page)
			}
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	chunks, err := Split(tokenizer.NewWords(), "", 600, 80)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = Split(tokenizer.NewWords(), "   \n\t ", 600, 80)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplit_ShortText(t *testing.T) {
	chunks, err := Split(tokenizer.NewWords(), "just a few words", 600, 80)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "just a few words", chunks[0].Text)
	assert.Equal(t, 4, chunks[0].TokenCount)
}

func TestSplit_RoundTrip(t *testing.T) {
	tok := tokenizer.NewWords()
	text := words("tok", 250)
	all, err := tok.Encode(text)
	require.NoError(t, err)

	chunks, err := Split(tok, text, 40, 7)
	require.NoError(t, err)

	for i, c := range chunks {
		ids, err := tok.Encode(c.Text)
		require.NoError(t, err)
		start := i * 33
		assert.Equal(t, all[start:start+len(ids)], ids, "chunk %d", i)
		assert.Len(t, ids, c.TokenCount)
	}
}

func TestSplit_OverlapSharesTokens(t *testing.T) {
	chunks, err := Split(tokenizer.NewWords(), "a b c d e f g", 4, 2)
	require.NoError(t, err)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	assert.Equal(t, []string{"a b c d", "c d e f", "e f g"}, texts)
}

func TestSplit_NoDuplicateTrailingWindow(t *testing.T) {
	// The second window already ends at the last token; a third window
	// starting inside the overlap must not be produced.
	chunks, err := Split(tokenizer.NewWords(), "a b c d e f", 4, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c d e f", chunks[1].Text)
}

func TestSplit_InvalidWindow(t *testing.T) {
	for _, tt := range []struct{ size, overlap int }{{0, 0}, {5, 5}, {5, 7}, {5, -1}} {
		_, err := Split(tokenizer.NewWords(), "a b c", tt.size, tt.overlap)
		assert.ErrorIs(t, err, domain.ErrInvalidWindow)
	}
}

type failingTokenizer struct{}

func (failingTokenizer) Encode(string) ([]int, error) { return nil, errors.New("malformed") }
func (failingTokenizer) Decode([]int) (string, error) { return "", nil }

func TestSplit_TokenizerFailure(t *testing.T) {
	_, err := Split(failingTokenizer{}, "text", 10, 2)
	assert.ErrorIs(t, err, domain.ErrParseFailure)
}

func TestNew(t *testing.T) {
	c, err := New(tokenizer.NewWords())
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, c.ChunkSize())
	assert.Equal(t, DefaultOverlap, c.Overlap())

	_, err = New(tokenizer.NewWords(), WithChunkSize(10), WithOverlap(10))
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestSplitPages_ThreePageScenario(t *testing.T) {
	c, err := New(tokenizer.NewWords(), WithChunkSize(600), WithOverlap(80))
	require.NoError(t, err)

	doc := &domain.Document{
		PageCount: domain.IntPtr(3),
		PageTexts: []domain.PageText{
			{Page: 1, Text: words("p1w", 1400)},
			{Page: 2, Text: words("p2w", 300)},
			{Page: 3, Text: words("p3w", 601)},
		},
	}
	chunks, err := c.SplitDocument(doc)
	require.NoError(t, err)

	perPage := map[int]int{}
	for _, ch := range chunks {
		require.NotNil(t, ch.Page)
		perPage[*ch.Page]++

		// Every word in a chunk must come from the tagged page.
		prefix := fmt.Sprintf("p%dw", *ch.Page)
		for _, w := range strings.Fields(ch.Text) {
			assert.True(t, strings.HasPrefix(w, prefix), "word %q in page %d chunk", w, *ch.Page)
		}
	}
	assert.Equal(t, map[int]int{1: 3, 2: 1, 3: 2}, perPage)
	assert.Len(t, chunks, 6)
}

func TestSplitDocument_Unpaginated(t *testing.T) {
	c, err := New(tokenizer.NewWords(), WithChunkSize(5), WithOverlap(1))
	require.NoError(t, err)
	chunks, err := c.SplitDocument(&domain.Document{Text: words("w", 9)})
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	for _, ch := range chunks {
		assert.Nil(t, ch.Page)
	}
}

// byteTokenizer emits one token per byte, like a byte-level BPE on text it
// has no merges for.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func (byteTokenizer) Decode(tokens []int) (string, error) {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b), nil
}

func TestSplit_WindowsCuttingRunesStayValidUTF8(t *testing.T) {
	chunks, err := Split(byteTokenizer{}, "Grüße 退款政策", 7, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, "Grüße", chunks[0].Text)
	for i, c := range chunks {
		assert.True(t, utf8.ValidString(c.Text), "chunk %d: %q", i, c.Text)
		assert.Equal(t, min(7, 20-5*i), c.TokenCount)
	}
	assert.Contains(t, chunks[1].Text, "e 退")
	assert.Contains(t, chunks[1].Text, "\uFFFD")
}
