package parser

import "strings"

type textParser struct{}

// Parse reads UTF-8 and drops undecodable byte sequences. Markdown is not
// interpreted.
func (textParser) Parse(data []byte) (Extraction, error) {
	return Extraction{Text: strings.ToValidUTF8(string(data), "")}, nil
}
