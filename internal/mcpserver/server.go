// Package mcpserver exposes docrag search to MCP (Model Context Protocol)
// clients such as coding agents and desktop assistants.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/efebarandurmaz/docrag/internal/answer"
	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
)

// Version is the MCP server version.
const Version = "0.1.0"

// ErrMissingSearch is returned when no searcher is provided.
var ErrMissingSearch = errors.New("mcpserver: searcher is required")

// Searcher runs retrieval for a query.
type Searcher interface {
	Search(ctx context.Context, query string) (*retrieval.Result, error)
}

// DocumentLister lists the catalog.
type DocumentLister interface {
	Documents(ctx context.Context) ([]domain.CatalogEntry, error)
}

// Asker answers a question from the corpus.
type Asker interface {
	Ask(ctx context.Context, question string, onToken func(string)) (*answer.Answer, error)
}

// Ports aggregates what the server calls into. Only Search is required.
type Ports struct {
	Search    Searcher
	Documents DocumentLister
	Ask       Asker
}

// Validate ensures all required ports are set.
func (p *Ports) Validate() error {
	if p.Search == nil {
		return ErrMissingSearch
	}
	return nil
}

// Server is the docrag MCP server.
type Server struct {
	ports  *Ports
	server *mcp.Server
}

// NewServer creates a new MCP server with the given ports.
func NewServer(ports *Ports) (*Server, error) {
	if err := ports.Validate(); err != nil {
		return nil, fmt.Errorf("validating ports: %w", err)
	}

	impl := &mcp.Implementation{
		Name:    "docrag",
		Version: Version,
	}

	s := &Server{
		ports:  ports,
		server: mcp.NewServer(impl, nil),
	}

	s.registerTools()
	s.registerResources()

	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns a streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// RunHTTP serves the streamable HTTP transport on addr until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background()) //nolint:errcheck
	}()

	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
