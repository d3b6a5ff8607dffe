package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/docrag/internal/answer"
	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/events"
	"github.com/efebarandurmaz/docrag/internal/ingest"
	"github.com/efebarandurmaz/docrag/internal/observability"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
)

type fakeSearcher struct {
	res *retrieval.Result
	err error
	got string
}

func (f *fakeSearcher) Search(_ context.Context, q string) (*retrieval.Result, error) {
	f.got = q
	return f.res, f.err
}

type fakeAsker struct {
	tokens []string
	err    error
}

func (f *fakeAsker) Ask(_ context.Context, q string, onToken func(string)) (*answer.Answer, error) {
	if f.err != nil {
		return nil, f.err
	}
	var sb strings.Builder
	for _, tok := range f.tokens {
		if onToken != nil {
			onToken(tok)
		}
		sb.WriteString(tok)
	}
	return &answer.Answer{Question: q, Text: sb.String(), Citations: []string{"(policy, p.2)"}}, nil
}

type fakeDocs struct {
	entries  []domain.CatalogEntry
	uploaded map[string]string
	opts     ingest.Options
	deleted  []string
	err      error
}

func (f *fakeDocs) Documents(context.Context) ([]domain.CatalogEntry, error) {
	return f.entries, f.err
}

func (f *fakeDocs) UploadReader(_ context.Context, name string, r io.Reader, opts ingest.Options) (ingest.Outcome, error) {
	if f.err != nil {
		return ingest.Outcome{Filename: name, Status: ingest.StatusFailed}, f.err
	}
	data, _ := io.ReadAll(r)
	if f.uploaded == nil {
		f.uploaded = map[string]string{}
	}
	f.uploaded[name] = string(data)
	f.opts = opts
	return ingest.Outcome{DocID: strings.TrimSuffix(name, ".txt"), Filename: name, Status: ingest.StatusIndexed, Chunks: 1}, nil
}

func (f *fakeDocs) Delete(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeDocs) Reindex(_ context.Context, force bool) (*ingest.Report, error) {
	r := ingest.NewReport(force)
	r.Add(ingest.Outcome{DocID: "a", Filename: "a.txt", Status: ingest.StatusSkipped})
	r.Finish()
	return r, f.err
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPI_Search(t *testing.T) {
	s := &fakeSearcher{res: &retrieval.Result{
		Query:      "refund",
		Candidates: []domain.Candidate{{Text: "Refunds within 30 days", DocID: "policy", Filename: "policy.pdf", Page: domain.IntPtr(2)}},
		Coarse:     1,
	}}
	h := NewAPI(s, nil, &fakeDocs{}).Handler()

	w := do(t, h, http.MethodPost, "/api/search", strings.NewReader(`{"query":"refund"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "refund", s.got)

	var res retrieval.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "policy", res.Candidates[0].DocID)
}

func TestAPI_SearchBadRequest(t *testing.T) {
	h := NewAPI(&fakeSearcher{}, nil, &fakeDocs{}).Handler()

	w := do(t, h, http.MethodPost, "/api/search", strings.NewReader(`{"query":"  "}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/search", strings.NewReader(`not json`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/search", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPI_SearchErrorMapping(t *testing.T) {
	s := &fakeSearcher{err: domain.Wrap(domain.ErrRerankFailure, "rerank", errors.New("503 from reranker"))}
	h := NewAPI(s, nil, &fakeDocs{}).Handler()

	w := do(t, h, http.MethodPost, "/api/search", strings.NewReader(`{"query":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.ErrRerankFailure.Error(), body.Kind)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: .png", domain.ErrUnsupportedFormat), http.StatusUnsupportedMediaType},
		{domain.Wrap(domain.ErrParseFailure, "pdf", errors.New("corrupt")), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: a", domain.ErrDocIDConflict), http.StatusConflict},
		{fmt.Errorf("%w: a", domain.ErrNotFound), http.StatusNotFound},
		{domain.Wrap(domain.ErrEmbeddingFailure, "embed", errors.New("x")), http.StatusBadGateway},
		{domain.Wrap(domain.ErrIndexFailure, "upsert", errors.New("x")), http.StatusBadGateway},
		{domain.Wrap(domain.ErrIndexFailure, "upsert", &domain.DimensionMismatchError{Want: 4, Got: 3}), http.StatusInternalServerError},
		{fmt.Errorf("coarse search: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{badRequest(errors.New("bad")), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestAPI_Ask(t *testing.T) {
	h := NewAPI(&fakeSearcher{}, &fakeAsker{tokens: []string{"Within ", "30 days."}}, &fakeDocs{}).Handler()

	w := do(t, h, http.MethodPost, "/api/ask", strings.NewReader(`{"question":"refund window?"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	var ans answer.Answer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ans))
	assert.Equal(t, "Within 30 days.", ans.Text)
	assert.Equal(t, []string{"(policy, p.2)"}, ans.Citations)
}

func TestAPI_AskStream(t *testing.T) {
	h := NewAPI(&fakeSearcher{}, &fakeAsker{tokens: []string{"Within ", "30 days."}}, &fakeDocs{}).Handler()

	w := do(t, h, http.MethodPost, "/api/ask", strings.NewReader(`{"question":"refund window?","stream":true}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var lines []map[string]json.RawMessage
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.JSONEq(t, `"Within "`, string(lines[0]["token"]))
	assert.JSONEq(t, `"30 days."`, string(lines[1]["token"]))
	require.Contains(t, lines[2], "answer")
}

func TestAPI_AskStreamError(t *testing.T) {
	asker := &fakeAsker{err: fmt.Errorf("retrieve: %w", domain.ErrEmbeddingFailure)}
	h := NewAPI(&fakeSearcher{}, asker, &fakeDocs{}).Handler()

	w := do(t, h, http.MethodPost, "/api/ask", strings.NewReader(`{"question":"q","stream":true}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(w.Body.Bytes()), &body))
	assert.Equal(t, domain.ErrEmbeddingFailure.Error(), body.Kind)
}

func TestAPI_AskNotMountedWithoutAsker(t *testing.T) {
	h := NewAPI(&fakeSearcher{}, nil, &fakeDocs{}).Handler()
	w := do(t, h, http.MethodPost, "/api/ask", strings.NewReader(`{"question":"q"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Documents(t *testing.T) {
	docs := &fakeDocs{}
	h := NewAPI(&fakeSearcher{}, nil, docs).Handler()

	w := do(t, h, http.MethodGet, "/api/documents", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("hello corpus"))
	require.NoError(t, mw.Close())

	w = do(t, h, http.MethodPost, "/api/documents?replace=true", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "hello corpus", docs.uploaded["notes.txt"])
	assert.True(t, docs.opts.Replace)
	assert.False(t, docs.opts.Force)

	w = do(t, h, http.MethodDelete, "/api/documents/notes", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"notes"}, docs.deleted)
}

func TestAPI_UploadErrors(t *testing.T) {
	h := NewAPI(&fakeSearcher{}, nil, &fakeDocs{}).Handler()
	w := do(t, h, http.MethodPost, "/api/documents", strings.NewReader("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	conflict := &fakeDocs{err: fmt.Errorf("%w: notes", domain.ErrDocIDConflict)}
	h = NewAPI(&fakeSearcher{}, nil, conflict).Handler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "notes.md")
	_, _ = fw.Write([]byte("x"))
	require.NoError(t, mw.Close())

	w = do(t, h, http.MethodPost, "/api/documents", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodDelete, "/api/documents/notes", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_Reindex(t *testing.T) {
	h := NewAPI(&fakeSearcher{}, nil, &fakeDocs{}).Handler()
	w := do(t, h, http.MethodPost, "/api/reindex?force=true", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var report ingest.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Forced)
	assert.Equal(t, 1, report.Skipped)
}

func TestAPI_MetricsAndHealthMounted(t *testing.T) {
	m := observability.NewPipelineMetrics()
	m.RetrievalsTotal.Inc()
	health := NewHealthServer(nil)
	health.SetReady(true)

	h := NewAPI(&fakeSearcher{}, nil, &fakeDocs{}, WithMetrics(m), WithHealth(health)).Handler()

	w := do(t, h, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docrag_retrievals_total 1")

	w = do(t, h, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_EventsStream(t *testing.T) {
	hub := events.NewHub(events.WithKeepAlive(0))
	hub.Publish(events.Event{Type: events.TypeIndexed, DocID: "policy"})

	srv := httptest.NewServer(NewAPI(&fakeSearcher{}, nil, &fakeDocs{}, WithEvents(hub)).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"doc_id":"policy"`)
}

func TestAPI_EventsNotMountedWithoutHub(t *testing.T) {
	h := NewAPI(&fakeSearcher{}, nil, &fakeDocs{}).Handler()
	w := do(t, h, http.MethodGet, "/api/events", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
