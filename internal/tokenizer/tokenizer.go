// Package tokenizer adapts an external BPE tokenizer for length-bounded
// text splitting.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Encodings accepted by New.
const (
	DefaultEncoding = "cl100k_base"
	// EncodingWords selects the whitespace tokenizer. Token counts are then
	// word counts.
	EncodingWords = "words"
)

// Tokenizer converts text to token ids and back. Decode(Encode(s)) must
// reproduce a string whose re-encoding yields the same ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokens []int) (string, error)
}

// Tiktoken wraps a tiktoken encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

var (
	loadMu     sync.Mutex
	loaded     = map[string]*Tiktoken{}
	loaderOnce sync.Once
)

// New returns the named encoding. BPE ranks come from the ranks embedded in
// the binary, so no network access is needed. Encodings are shared
// process-wide.
func New(encoding string) (Tokenizer, error) {
	switch encoding {
	case "":
		encoding = DefaultEncoding
	case EncodingWords:
		return NewWords(), nil
	}

	loadMu.Lock()
	defer loadMu.Unlock()

	if t, ok := loaded[encoding]; ok {
		return t, nil
	}
	loaderOnce.Do(func() { tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader()) })

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	t := &Tiktoken{enc: enc}
	loaded[encoding] = t
	return t, nil
}

// Encode tokenizes text. Special-token markers in the input are encoded as
// ordinary text.
func (t *Tiktoken) Encode(text string) (tokens []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode: %v", r)
		}
	}()
	return t.enc.Encode(text, nil, nil), nil
}

// Decode turns token ids back into text. A window that ends inside a
// multi-byte character decodes to invalid UTF-8; callers sanitise it.
func (t *Tiktoken) Decode(tokens []int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode: %v", r)
		}
	}()
	return t.enc.Decode(tokens), nil
}
