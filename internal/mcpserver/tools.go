package mcpserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SearchInput is the input schema for the search_documents tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the question or keywords to search the document corpus for"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of passages to return (default: all reranked passages)"`
}

// SearchOutput is the output schema for the search_documents tool.
type SearchOutput struct {
	Results  []Passage `json:"results"`
	Count    int       `json:"count"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Passage is one retrieved chunk.
type Passage struct {
	DocID       string   `json:"doc_id"`
	Filename    string   `json:"filename"`
	Page        *int     `json:"page,omitempty"`
	Text        string   `json:"text"`
	VectorScore float32  `json:"vector_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// ListInput is the input schema for the list_documents tool.
type ListInput struct{}

// ListOutput is the output schema for the list_documents tool.
type ListOutput struct {
	Documents []DocumentInfo `json:"documents"`
	Count     int            `json:"count"`
}

// DocumentInfo summarises one catalog entry.
type DocumentInfo struct {
	DocID     string    `json:"doc_id"`
	Filename  string    `json:"filename"`
	Pages     *int      `json:"pages,omitempty"`
	Chunks    int       `json:"chunks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AskInput is the input schema for the ask_question tool.
type AskInput struct {
	Question string `json:"question" jsonschema:"the question to answer from the documents"`
}

// AskOutput is the output schema for the ask_question tool.
type AskOutput struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations,omitempty"`
	NotFound  bool     `json:"not_found,omitempty"`
}

var errEmptyQuery = errors.New("query must not be empty")

// registerTools registers all tool handlers with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_documents",
		Description: "Semantic search over the indexed documents; returns reranked passages with source and page",
	}, s.handleSearch)

	if s.ports.Documents != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "list_documents",
			Description: "List the documents in the corpus with page and chunk counts",
		}, s.handleList)
	}

	if s.ports.Ask != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "ask_question",
			Description: "Answer a question using only the indexed documents, with citations",
		}, s.handleAsk)
	}
}

// handleSearch handles the search_documents tool invocation.
func (s *Server) handleSearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, errEmptyQuery
	}

	res, err := s.ports.Search.Search(ctx, input.Query)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	cands := res.Candidates
	if input.Limit > 0 && len(cands) > input.Limit {
		cands = cands[:input.Limit]
	}

	output := SearchOutput{
		Results:  make([]Passage, len(cands)),
		Count:    len(cands),
		Degraded: res.Degraded,
	}
	for i, c := range cands {
		output.Results[i] = Passage{
			DocID:       c.DocID,
			Filename:    c.Filename,
			Page:        c.Page,
			Text:        c.Text,
			VectorScore: c.VectorScore,
			RerankScore: c.RerankScore,
		}
	}
	return nil, output, nil
}

// handleList handles the list_documents tool invocation.
func (s *Server) handleList(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ListInput,
) (*mcp.CallToolResult, ListOutput, error) {
	docs, err := s.documentInfos(ctx)
	if err != nil {
		return nil, ListOutput{}, err
	}
	return nil, ListOutput{Documents: docs, Count: len(docs)}, nil
}

// handleAsk handles the ask_question tool invocation.
func (s *Server) handleAsk(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	if strings.TrimSpace(input.Question) == "" {
		return nil, AskOutput{}, errEmptyQuery
	}
	ans, err := s.ports.Ask.Ask(ctx, input.Question, nil)
	if err != nil {
		return nil, AskOutput{}, err
	}
	return nil, AskOutput{Answer: ans.Text, Citations: ans.Citations, NotFound: ans.NotFound}, nil
}

func (s *Server) documentInfos(ctx context.Context) ([]DocumentInfo, error) {
	entries, err := s.ports.Documents.Documents(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]DocumentInfo, len(entries))
	for i, e := range entries {
		docs[i] = DocumentInfo{
			DocID:     e.DocID,
			Filename:  e.Filename,
			Pages:     e.PageCount,
			Chunks:    e.ChunkCount,
			UpdatedAt: e.UpdatedAt,
		}
	}
	return docs, nil
}
