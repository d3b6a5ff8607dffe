// Package ingest turns files in the corpus into indexed chunks: parse, chunk,
// embed, ensure the collection and upsert, with catalog bookkeeping so that
// unchanged files are skipped and removed files are purged.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/efebarandurmaz/docrag/internal/catalog"
	"github.com/efebarandurmaz/docrag/internal/chunker"
	"github.com/efebarandurmaz/docrag/internal/corpus"
	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/events"
	"github.com/efebarandurmaz/docrag/internal/observability"
	"github.com/efebarandurmaz/docrag/internal/parser"
	"github.com/efebarandurmaz/docrag/internal/vector"
)

// Embedder encodes a batch of texts, one vector per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Options modify a single ingest.
type Options struct {
	// Force re-ingests even when the content hash is unchanged.
	Force bool
	// Replace lets a file take over a doc_id recorded for another filename.
	Replace bool
}

// Pipeline ingests documents. Mutations of the corpus are serialised; reads
// of the index are not affected.
type Pipeline struct {
	chunker  *chunker.Chunker
	embedder Embedder
	index    vector.Index
	catalog  catalog.Store
	corpus   *corpus.Corpus
	indexKey string

	audit   *observability.AuditLogger
	metrics *observability.PipelineMetrics
	events  *events.Hub
	logger  *slog.Logger

	mu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithAudit(a *observability.AuditLogger) Option { return func(p *Pipeline) { p.audit = a } }

func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithIndexKey records key (backend and collection) with every catalog entry.
// An entry written under another key is re-ingested instead of skipped.
func WithIndexKey(key string) Option { return func(p *Pipeline) { p.indexKey = key } }

// WithEvents publishes every outcome to h.
func WithEvents(h *events.Hub) Option { return func(p *Pipeline) { p.events = h } }

// New wires a pipeline. corp may be nil when only IngestFile is used.
func New(ch *chunker.Chunker, emb Embedder, idx vector.Index, cat catalog.Store, corp *corpus.Corpus, opts ...Option) *Pipeline {
	p := &Pipeline{
		chunker:  ch,
		embedder: emb,
		index:    idx,
		catalog:  cat,
		corpus:   corp,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IngestFile parses, chunks, embeds and indexes the file at path.
//
// A doc_id recorded for a different filename fails with ErrDocIDConflict
// unless opts.Replace. An unchanged content hash is skipped unless
// opts.Force. Old vectors of the document are removed before the new ones
// are written; if the upsert fails they are removed again so the index never
// holds a partial document.
func (p *Pipeline) IngestFile(ctx context.Context, path string, opts Options) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ingestFile(ctx, path, opts)
}

func (p *Pipeline) ingestFile(ctx context.Context, path string, opts Options) (Outcome, error) {
	start := time.Now()
	name := filepath.Base(path)
	out := Outcome{DocID: parser.DocID(name), Filename: name}

	ctx, span := observability.StartIngestSpan(ctx, out.DocID, name)
	defer span.End()

	chunks, doc, err := p.ingest(ctx, path, opts, &out)
	out.Duration = time.Since(start)
	observability.RecordError(span, err)

	switch {
	case err != nil:
		out.Status = StatusFailed
		out.Err = err
		p.audit.LogError(ctx, out.DocID, name, err)
		p.logger.Error("ingest failed", "doc_id", out.DocID, "file", name, "error", err)
	case out.Status == StatusSkipped:
		p.audit.LogSkip(ctx, doc.DocID, doc.Filename, doc.ContentHash)
		p.logger.Debug("unchanged, skipped", "doc_id", doc.DocID, "file", name)
	default:
		out.Status = StatusIndexed
		p.audit.LogIngest(ctx, doc.DocID, doc.Filename, doc.ContentHash, chunks, out.Duration)
		p.logger.Info("indexed", "doc_id", doc.DocID, "file", name, "chunks", chunks, "duration", out.Duration)
	}
	observability.RecordIngestResult(span, string(out.Status), out.Chunks)
	if p.metrics != nil {
		p.metrics.RecordIngest(out.Duration, string(out.Status), out.Chunks)
		p.refreshGauge(ctx)
	}
	p.publish(out)
	return out, err
}

func (p *Pipeline) ingest(ctx context.Context, path string, opts Options, out *Outcome) (int, *domain.Document, error) {
	doc, err := p.parse(ctx, path)
	if err != nil {
		return 0, nil, err
	}
	out.Pages = doc.PageCount

	prev, err := p.catalog.Get(ctx, doc.DocID)
	known := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, doc, fmt.Errorf("catalog lookup: %w", err)
	}
	if known && prev.Filename != doc.Filename && !opts.Replace {
		return 0, doc, fmt.Errorf("%w: %q is already indexed from %s", domain.ErrDocIDConflict, doc.DocID, prev.Filename)
	}
	if known && prev.Filename == doc.Filename && prev.ContentHash == doc.ContentHash && !opts.Force && p.stillIndexed(ctx, prev) {
		out.Status = StatusSkipped
		out.Chunks = prev.ChunkCount
		return prev.ChunkCount, doc, nil
	}

	chunks, err := p.chunk(ctx, doc)
	if err != nil {
		return 0, doc, err
	}

	entry := domain.CatalogEntry{
		DocID:       doc.DocID,
		Filename:    doc.Filename,
		MIME:        doc.MIME,
		PageCount:   doc.PageCount,
		ContentHash: doc.ContentHash,
		ChunkCount:  len(chunks),
		IndexKey:    p.indexKey,
		UpdatedAt:   time.Now().UTC(),
	}

	if len(chunks) == 0 {
		if err := p.index.DeleteByDoc(ctx, doc.DocID); err != nil {
			return 0, doc, err
		}
		if err := p.catalog.Put(ctx, entry); err != nil {
			return 0, doc, fmt.Errorf("catalog update: %w", err)
		}
		return 0, doc, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embed(ctx, texts)
	if err != nil {
		return 0, doc, err
	}

	if err := p.index.EnsureCollection(ctx, len(vectors[0])); err != nil {
		return 0, doc, err
	}

	records := make([]domain.Record, len(chunks))
	for i, c := range chunks {
		records[i] = domain.Record{
			ID:     uuid.NewString(),
			Vector: vectors[i],
			Payload: domain.Payload{
				DocID:       doc.DocID,
				Filename:    doc.Filename,
				Page:        c.Page,
				TokenCount:  c.TokenCount,
				Text:        c.Text,
				ContentHash: doc.ContentHash,
			},
		}
	}

	// Old vectors go first; DeleteByDoc is a no-op for new documents.
	if err := p.index.DeleteByDoc(ctx, doc.DocID); err != nil {
		return 0, doc, err
	}
	if err := p.upsert(ctx, records); err != nil {
		if derr := p.index.DeleteByDoc(context.WithoutCancel(ctx), doc.DocID); derr != nil {
			p.logger.Warn("compensating delete failed", "doc_id", doc.DocID, "error", derr)
		}
		if known {
			if cerr := p.catalog.Delete(context.WithoutCancel(ctx), doc.DocID); cerr != nil && !errors.Is(cerr, domain.ErrNotFound) {
				p.logger.Warn("drop stale catalog entry", "doc_id", doc.DocID, "error", cerr)
			}
		}
		return 0, doc, domain.Wrap(domain.ErrIndexFailure, "upsert "+doc.DocID, err)
	}

	if err := p.catalog.Put(ctx, entry); err != nil {
		return 0, doc, fmt.Errorf("catalog update: %w", err)
	}
	out.Chunks = len(chunks)
	return len(chunks), doc, nil
}

// stillIndexed reports whether the vectors behind a catalog entry can be
// trusted: same index key, and a non-empty collection when chunks were
// written.
func (p *Pipeline) stillIndexed(ctx context.Context, prev domain.CatalogEntry) bool {
	if prev.IndexKey != p.indexKey {
		p.logger.Info("indexed into another collection, re-ingesting", "doc_id", prev.DocID, "was", prev.IndexKey, "now", p.indexKey)
		return false
	}
	if prev.ChunkCount == 0 {
		return true
	}
	n, err := p.index.Count(ctx)
	if err != nil {
		p.logger.Warn("count vectors", "doc_id", prev.DocID, "error", err)
		return false
	}
	if n == 0 {
		p.logger.Info("collection is empty, re-ingesting", "doc_id", prev.DocID)
	}
	return n > 0
}

func (p *Pipeline) parse(ctx context.Context, path string) (*domain.Document, error) {
	_, span := observability.StartStageSpan(ctx, observability.StageParse, attribute.String("doc.path", path))
	defer span.End()
	doc, err := parser.ParseFile(path)
	observability.RecordError(span, err)
	return doc, err
}

func (p *Pipeline) chunk(ctx context.Context, doc *domain.Document) ([]domain.Chunk, error) {
	_, span := observability.StartStageSpan(ctx, observability.StageChunk,
		attribute.Int("chunk.size", p.chunker.ChunkSize()),
		attribute.Int("chunk.overlap", p.chunker.Overlap()),
	)
	defer span.End()
	chunks, err := p.chunker.SplitDocument(doc)
	observability.RecordError(span, err)
	span.SetAttributes(attribute.Int("chunk.count", len(chunks)))
	return chunks, err
}

func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := p.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) != len(texts) {
		err = fmt.Errorf("%w: %d vectors for %d texts", domain.ErrEmbeddingFailure, len(vectors), len(texts))
	}
	return vectors, err
}

func (p *Pipeline) upsert(ctx context.Context, records []domain.Record) error {
	ctx, span := observability.StartStageSpan(ctx, observability.StageUpsert, attribute.Int("upsert.records", len(records)))
	defer span.End()
	err := p.index.Upsert(ctx, records)
	observability.RecordError(span, err)
	return err
}

// Upload copies the file at src into the docs directory and ingests it.
func (p *Pipeline) Upload(ctx context.Context, src string, opts Options) (Outcome, error) {
	if p.corpus == nil {
		return Outcome{}, errors.New("upload: no corpus configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	name := filepath.Base(src)
	prev, err := p.checkUpload(ctx, name, opts)
	if err != nil {
		return Outcome{DocID: parser.DocID(name), Filename: name, Status: StatusFailed, Err: err}, err
	}
	dst, err := p.corpus.Save(src)
	if err != nil {
		return Outcome{DocID: parser.DocID(name), Filename: name, Status: StatusFailed, Err: err}, err
	}
	return p.afterUpload(ctx, dst, prev, opts)
}

// UploadReader stores r under name in the docs directory and ingests it.
func (p *Pipeline) UploadReader(ctx context.Context, name string, r io.Reader, opts Options) (Outcome, error) {
	if p.corpus == nil {
		return Outcome{}, errors.New("upload: no corpus configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, err := p.checkUpload(ctx, name, opts)
	if err != nil {
		return Outcome{DocID: parser.DocID(name), Filename: filepath.Base(name), Status: StatusFailed, Err: err}, err
	}
	dst, err := p.corpus.SaveReader(name, r)
	if err != nil {
		return Outcome{DocID: parser.DocID(name), Filename: filepath.Base(name), Status: StatusFailed, Err: err}, err
	}
	return p.afterUpload(ctx, dst, prev, opts)
}

// checkUpload rejects a conflicting upload before anything is written and
// returns the catalog entry it would replace.
func (p *Pipeline) checkUpload(ctx context.Context, name string, opts Options) (*domain.CatalogEntry, error) {
	if _, err := parser.FormatFromPath(name); err != nil {
		return nil, err
	}
	prev, err := p.catalog.Get(ctx, parser.DocID(name))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog lookup: %w", err)
	}
	if prev.Filename != filepath.Base(name) && !opts.Replace {
		return nil, fmt.Errorf("%w: %q is already indexed from %s", domain.ErrDocIDConflict, prev.DocID, prev.Filename)
	}
	return &prev, nil
}

func (p *Pipeline) afterUpload(ctx context.Context, dst string, prev *domain.CatalogEntry, opts Options) (Outcome, error) {
	name := filepath.Base(dst)
	var size int64
	if info, err := os.Stat(dst); err == nil {
		size = info.Size()
	}
	p.audit.LogUpload(ctx, name, size)

	out, err := p.ingestFile(ctx, dst, opts)
	if err != nil {
		return out, err
	}
	if prev != nil && prev.Filename != name {
		if err := p.corpus.Remove(prev.Filename); err != nil && !errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("remove replaced file", "file", prev.Filename, "error", err)
		}
	}
	return out, nil
}

// Delete removes a document's file, vectors and catalog entry. Every step is
// attempted; failures are logged and returned joined. A doc_id that is known
// nowhere yields ErrNotFound.
func (p *Pipeline) Delete(ctx context.Context, docID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.delete(ctx, docID)
	p.audit.LogDelete(ctx, docID, err)
	if err == nil {
		p.events.Publish(events.Event{Type: events.TypeRemoved, DocID: docID})
		if p.metrics != nil {
			p.metrics.DocumentsDeletedTotal.Inc()
			p.refreshGauge(ctx)
		}
	}
	return err
}

func (p *Pipeline) delete(ctx context.Context, docID string) error {
	var (
		errs  []error
		found bool
		names = map[string]bool{}
	)

	entry, err := p.catalog.Get(ctx, docID)
	switch {
	case err == nil:
		names[entry.Filename] = true
	case !errors.Is(err, domain.ErrNotFound):
		errs = append(errs, fmt.Errorf("catalog lookup: %w", err))
	}
	if p.corpus != nil {
		files, err := p.corpus.FindByDocID(docID)
		if err != nil {
			errs = append(errs, err)
		}
		for _, f := range files {
			names[f.Name] = true
		}
	}

	if p.corpus != nil {
		for name := range names {
			err := p.corpus.Remove(name)
			switch {
			case err == nil:
				found = true
			case errors.Is(err, domain.ErrNotFound):
			default:
				p.logger.Warn("remove file", "doc_id", docID, "file", name, "error", err)
				errs = append(errs, err)
			}
		}
	}

	if err := p.index.DeleteByDoc(ctx, docID); err != nil {
		p.logger.Warn("delete vectors", "doc_id", docID, "error", err)
		errs = append(errs, err)
	}

	err = p.catalog.Delete(ctx, docID)
	switch {
	case err == nil:
		found = true
	case errors.Is(err, domain.ErrNotFound):
	default:
		p.logger.Warn("delete catalog entry", "doc_id", docID, "error", err)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !found {
		return fmt.Errorf("%w: document %q", domain.ErrNotFound, docID)
	}
	p.logger.Info("deleted", "doc_id", docID)
	return nil
}

// Reindex brings the index in line with the docs directory. Catalog entries
// whose file is gone are purged first, then every supported file is ingested.
// Per-document failures are recorded in the report; only cancellation and
// listing errors abort the run.
func (p *Pipeline) Reindex(ctx context.Context, force bool) (*Report, error) {
	if p.corpus == nil {
		return nil, errors.New("reindex: no corpus configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	report := NewReport(force)
	p.audit.LogReindexStart(ctx, p.corpus.DocsDir(), force)
	p.events.Publish(events.Event{Type: events.TypeReindexStarted, Data: map[string]bool{"force": force}})
	defer func() {
		report.Finish()
		p.audit.LogReindexEnd(ctx, report.Indexed, report.Skipped, report.Failed, report.Removed, report.Duration)
		p.events.Publish(events.Event{Type: events.TypeReindexCompleted, Data: report.Counts()})
	}()

	files, err := p.corpus.List()
	if err != nil {
		return report, err
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Name] = true
	}

	entries, err := p.catalog.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list catalog: %w", err)
	}
	for _, e := range entries {
		if present[e.Filename] {
			continue
		}
		start := time.Now()
		out := Outcome{DocID: e.DocID, Filename: e.Filename, Status: StatusRemoved}
		if err := p.purge(ctx, e.DocID); err != nil {
			out.Status, out.Err = StatusFailed, err
		}
		out.Duration = time.Since(start)
		p.publish(out)
		report.Add(out)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, _ := p.ingestFile(ctx, f.Path, Options{Force: force})
		report.Add(out)
	}

	if p.metrics != nil {
		p.refreshGauge(ctx)
	}
	return report, nil
}

// purge drops the vectors and catalog entry of a document whose file is gone.
func (p *Pipeline) purge(ctx context.Context, docID string) error {
	if err := p.index.DeleteByDoc(ctx, docID); err != nil {
		return err
	}
	if err := p.catalog.Delete(ctx, docID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	p.audit.LogDelete(ctx, docID, nil)
	p.logger.Info("purged vanished document", "doc_id", docID)
	return nil
}

func (p *Pipeline) publish(o Outcome) {
	e := events.Event{DocID: o.DocID, Filename: o.Filename, Chunks: o.Chunks}
	switch o.Status {
	case StatusIndexed:
		e.Type = events.TypeIndexed
	case StatusSkipped:
		e.Type = events.TypeSkipped
	case StatusRemoved:
		e.Type = events.TypeRemoved
	default:
		e.Type = events.TypeFailed
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
	}
	p.events.Publish(e)
}

// Documents lists the catalog.
func (p *Pipeline) Documents(ctx context.Context) ([]domain.CatalogEntry, error) {
	return p.catalog.List(ctx)
}

func (p *Pipeline) refreshGauge(ctx context.Context) {
	if n, err := p.catalog.Count(ctx); err == nil {
		p.metrics.IndexedDocuments.Set(float64(n))
	}
}
