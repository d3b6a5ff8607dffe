// Package parser turns source files into normalised text plus page and
// identity metadata. Formats form a closed set; each one maps to exactly
// one Parser.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/efebarandurmaz/docrag/internal/domain"
)

// Format identifies a supported source format.
type Format int

const (
	FormatUnknown Format = iota
	FormatPDF
	FormatDOCX
	FormatText
	FormatMarkdown
)

func (f Format) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatDOCX:
		return "docx"
	case FormatText:
		return "txt"
	case FormatMarkdown:
		return "md"
	default:
		return "unknown"
	}
}

// MIME returns the MIME type recorded for documents of this format.
func (f Format) MIME() string {
	switch f {
	case FormatPDF:
		return domain.MIMEPDF
	case FormatDOCX:
		return domain.MIMEDOCX
	default:
		return domain.MIMEText
	}
}

// Extraction is what a format parser produces from raw bytes.
type Extraction struct {
	Text      string
	PageCount *int
	PageTexts []domain.PageText
}

// Parser extracts text from the raw bytes of one format.
type Parser interface {
	Parse(data []byte) (Extraction, error)
}

var parsers = map[Format]Parser{
	FormatPDF:      pdfParser{},
	FormatDOCX:     docxParser{},
	FormatText:     textParser{},
	FormatMarkdown: textParser{},
}

// Extensions lists the supported file extensions.
var Extensions = []string{".pdf", ".docx", ".txt", ".md"}

// FormatFromPath maps a file extension to a Format.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return FormatPDF, nil
	case ".docx":
		return FormatDOCX, nil
	case ".txt":
		return FormatText, nil
	case ".md":
		return FormatMarkdown, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, filepath.Base(path))
}

// Supported reports whether path has a parseable extension.
func Supported(path string) bool {
	_, err := FormatFromPath(path)
	return err == nil
}

// DocID derives the document identifier from a filename stem.
func DocID(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ParseFile reads and parses the file at path.
func ParseFile(path string) (*domain.Document, error) {
	if _, err := FormatFromPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.Wrap(domain.ErrParseFailure, "read "+filepath.Base(path), err)
	}
	return Parse(filepath.Base(path), data)
}

// Parse dispatches on the extension of name and parses data.
func Parse(name string, data []byte) (*domain.Document, error) {
	format, err := FormatFromPath(name)
	if err != nil {
		return nil, err
	}

	ext, err := parsers[format].Parse(data)
	if err != nil {
		return nil, domain.Wrap(domain.ErrParseFailure, "parse "+name, err)
	}

	return &domain.Document{
		DocID:       DocID(name),
		Filename:    filepath.Base(name),
		MIME:        format.MIME(),
		PageCount:   ext.PageCount,
		ContentHash: HashBytes(data),
		Text:        ext.Text,
		PageTexts:   ext.PageTexts,
	}, nil
}
