package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/efebarandurmaz/docrag/internal/answer"
	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/events"
	"github.com/efebarandurmaz/docrag/internal/ingest"
	"github.com/efebarandurmaz/docrag/internal/observability"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
)

// DefaultMaxUploadBytes caps a multipart document upload.
const DefaultMaxUploadBytes int64 = 64 << 20

const maxJSONBody = 1 << 20

// Searcher runs retrieval for a query.
type Searcher interface {
	Search(ctx context.Context, query string) (*retrieval.Result, error)
}

// Asker answers a question, calling onToken for each streamed fragment.
type Asker interface {
	Ask(ctx context.Context, question string, onToken func(string)) (*answer.Answer, error)
}

// Documents manages the corpus.
type Documents interface {
	Documents(ctx context.Context) ([]domain.CatalogEntry, error)
	UploadReader(ctx context.Context, name string, r io.Reader, opts ingest.Options) (ingest.Outcome, error)
	Delete(ctx context.Context, docID string) error
	Reindex(ctx context.Context, force bool) (*ingest.Report, error)
}

// API serves the docrag HTTP endpoints.
type API struct {
	search    Searcher
	ask       Asker
	docs      Documents
	health    *HealthServer
	metrics   *observability.PipelineMetrics
	events    *events.Hub
	logger    *slog.Logger
	maxUpload int64
}

// APIOption configures an API.
type APIOption func(*API)

// WithHealth mounts the health endpoints.
func WithHealth(h *HealthServer) APIOption { return func(a *API) { a.health = h } }

// WithMetrics mounts /metrics.
func WithMetrics(m *observability.PipelineMetrics) APIOption { return func(a *API) { a.metrics = m } }

// WithEvents mounts the SSE stream at /api/events.
func WithEvents(h *events.Hub) APIOption { return func(a *API) { a.events = h } }

func WithLogger(l *slog.Logger) APIOption { return func(a *API) { a.logger = l } }

func WithMaxUploadBytes(n int64) APIOption { return func(a *API) { a.maxUpload = n } }

// NewAPI creates the HTTP API. ask may be nil, in which case /api/ask is not
// served.
func NewAPI(search Searcher, ask Asker, docs Documents, opts ...APIOption) *API {
	a := &API{
		search:    search,
		ask:       ask,
		docs:      docs,
		logger:    slog.Default(),
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed API with logging middleware.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/search", a.handleSearch)
	if a.ask != nil {
		mux.HandleFunc("POST /api/ask", a.handleAsk)
	}
	mux.HandleFunc("GET /api/documents", a.handleListDocuments)
	mux.HandleFunc("POST /api/documents", a.handleUpload)
	mux.HandleFunc("DELETE /api/documents/{id}", a.handleDelete)
	mux.HandleFunc("POST /api/reindex", a.handleReindex)
	if a.events != nil {
		mux.Handle("GET /api/events", a.events)
	}

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	if a.health != nil {
		a.health.Register(mux)
	}

	return a.loggingMiddleware(mux)
}

type searchRequest struct {
	Query string `json:"query"`
}

type askRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// handleSearch handles POST /api/search
func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, badRequest(err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		a.respondError(w, r, badRequest(errors.New("query is required")))
		return
	}

	res, err := a.search.Search(r.Context(), req.Query)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAsk handles POST /api/ask. With "stream": true the response is
// NDJSON: one {"token": ...} line per fragment, then {"answer": ...} or
// {"error": ...}.
func (a *API) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, badRequest(err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		a.respondError(w, r, badRequest(errors.New("question is required")))
		return
	}

	if !req.Stream {
		ans, err := a.ask.Ask(r.Context(), req.Question, nil)
		if err != nil {
			a.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	line := func(v any) {
		if err := enc.Encode(v); err == nil {
			rc.Flush()
		}
	}

	ans, err := a.ask.Ask(r.Context(), req.Question, func(tok string) {
		line(map[string]string{"token": tok})
	})
	if err != nil {
		a.logger.Warn("ask failed", "error", err)
		line(errorResponse{Error: err.Error(), Kind: kindName(err)})
		return
	}
	line(map[string]any{"answer": ans})
}

// handleListDocuments handles GET /api/documents
func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := a.docs.Documents(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleUpload handles POST /api/documents (multipart field "file").
// Query flags force and replace map to ingest.Options.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}
		a.respondError(w, r, badRequest(fmt.Errorf("multipart field \"file\": %w", err)))
		return
	}
	defer file.Close()

	opts := ingest.Options{
		Force:   queryBool(r, "force"),
		Replace: queryBool(r, "replace"),
	}
	out, err := a.docs.UploadReader(r.Context(), header.Filename, file, opts)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	status := http.StatusCreated
	if out.Status == ingest.StatusSkipped {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// handleDelete handles DELETE /api/documents/{id}
func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		a.respondError(w, r, badRequest(errors.New("document id is required")))
		return
	}
	if err := a.docs.Delete(r.Context(), id); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReindex handles POST /api/reindex[?force=true]
func (a *API) handleReindex(w http.ResponseWriter, r *http.Request) {
	report, err := a.docs.Reindex(r.Context(), queryBool(r, "force"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

// StatusCode maps an error to the HTTP status it is served with.
func StatusCode(err error) int {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	switch domain.Kind(err) {
	case domain.ErrUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case domain.ErrParseFailure:
		return http.StatusUnprocessableEntity
	case domain.ErrDocIDConflict:
		return http.StatusConflict
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrEmbeddingFailure, domain.ErrRerankFailure, domain.ErrIndexFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func kindName(err error) string {
	if k := domain.Kind(err); k != nil {
		return k.Error()
	}
	return ""
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		a.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kindName(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// loggingMiddleware logs HTTP requests
func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
