package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Words is a deterministic whitespace tokenizer, selected with the "words"
// encoding. Each distinct word gets an id on first sight; Decode joins words
// with single spaces, so chunk text is whitespace-normalised. Ids are only
// meaningful to the instance that issued them.
type Words struct {
	mu    sync.Mutex
	ids   map[string]int
	words []string
}

// NewWords creates an empty word vocabulary.
func NewWords() *Words {
	return &Words{ids: map[string]int{}}
}

func (w *Words) Encode(text string) ([]int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fields := strings.Fields(text)
	out := make([]int, len(fields))
	for i, f := range fields {
		id, ok := w.ids[f]
		if !ok {
			id = len(w.words)
			w.ids[f] = id
			w.words = append(w.words, f)
		}
		out[i] = id
	}
	return out, nil
}

func (w *Words) Decode(tokens []int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	parts := make([]string, len(tokens))
	for i, id := range tokens {
		if id < 0 || id >= len(w.words) {
			return "", fmt.Errorf("unknown token id %d", id)
		}
		parts[i] = w.words[id]
	}
	return strings.Join(parts, " "), nil
}
