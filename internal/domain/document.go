// Package domain holds the types shared by the ingestion and retrieval
// pipeline: documents, chunks, vector records and retrieval candidates.
package domain

import "time"

// MIME types recorded for parsed documents.
const (
	MIMEPDF  = "application/pdf"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEText = "text/plain"
)

// PageText is the raw text of one page. Page numbers start at 1.
type PageText struct {
	Page int
	Text string
}

// Document is the result of parsing one source file.
type Document struct {
	DocID       string
	Filename    string
	MIME        string
	PageCount   *int
	ContentHash string
	Text        string
	PageTexts   []PageText
}

// Paginated reports whether the document carries page-scoped text.
func (d *Document) Paginated() bool {
	return len(d.PageTexts) > 0
}

// Chunk is a bounded token window of a document's text.
type Chunk struct {
	Text       string
	TokenCount int
	Page       *int
}

// Payload is the metadata stored next to every vector.
type Payload struct {
	DocID       string
	Filename    string
	Page        *int
	TokenCount  int
	Text        string
	ContentHash string
}

// Record is a single vector persisted in the index.
type Record struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a nearest-neighbour match returned by the index.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Candidate is a passage produced by retrieval. RerankScore is set once the
// candidate has been scored by the reranker.
type Candidate struct {
	Text        string   `json:"text"`
	DocID       string   `json:"doc_id"`
	Filename    string   `json:"filename"`
	Page        *int     `json:"page,omitempty"`
	VectorScore float32  `json:"vector_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// CandidateFromHit converts an index hit into a retrieval candidate.
func CandidateFromHit(h Hit) Candidate {
	return Candidate{
		Text:        h.Payload.Text,
		DocID:       h.Payload.DocID,
		Filename:    h.Payload.Filename,
		Page:        h.Payload.Page,
		VectorScore: h.Score,
	}
}

// CatalogEntry describes an ingested document.
type CatalogEntry struct {
	DocID       string    `json:"doc_id"`
	Filename    string    `json:"filename"`
	MIME        string    `json:"mime"`
	PageCount   *int      `json:"page_count,omitempty"`
	ContentHash string    `json:"content_hash"`
	ChunkCount  int       `json:"chunk_count"`
	// IndexKey names the vector backend and collection the chunks were
	// written to.
	IndexKey    string    `json:"index_key,omitempty"`
	IngestedAt  time.Time `json:"ingested_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
