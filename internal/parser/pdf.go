package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/efebarandurmaz/docrag/internal/domain"
)

type pdfParser struct{}

// Parse extracts plain text page by page. The pdf library panics on some
// malformed inputs, so panics are turned into errors.
func (pdfParser) Parse(data []byte) (ext Extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("open pdf: %w", err)
	}

	n := r.NumPage()
	pages := make([]domain.PageText, 0, n)
	texts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		var text string
		if !p.V.IsNull() {
			text, err = p.GetPlainText(nil)
			if err != nil {
				return Extraction{}, fmt.Errorf("page %d: %w", i, err)
			}
		}
		pages = append(pages, domain.PageText{Page: i, Text: text})
		texts = append(texts, text)
	}

	return Extraction{
		Text:      strings.Join(texts, "\n\n"),
		PageCount: domain.IntPtr(n),
		PageTexts: pages,
	}, nil
}
