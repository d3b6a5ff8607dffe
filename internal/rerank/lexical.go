package rerank

import (
	"context"
	"math"
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// Lexical scores passages by keyword overlap with the query using the
// Ochiai coefficient |Q∩P| / sqrt(|Q||P|) over unique lower-cased words.
// It is deterministic and needs no model.
type Lexical struct{}

var _ Scorer = Lexical{}

func (Lexical) Score(_ context.Context, query string, passages []string) ([]float64, error) {
	q := wordSet(query)
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = ochiai(q, wordSet(p))
	}
	return out, nil
}

func wordSet(text string) map[string]struct{} {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func ochiai(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range b {
		if _, ok := a[w]; ok {
			inter++
		}
	}
	return float64(inter) / math.Sqrt(float64(len(a))*float64(len(b)))
}
