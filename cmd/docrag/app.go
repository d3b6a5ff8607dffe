package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efebarandurmaz/docrag/internal/answer"
	"github.com/efebarandurmaz/docrag/internal/catalog"
	"github.com/efebarandurmaz/docrag/internal/chunker"
	"github.com/efebarandurmaz/docrag/internal/config"
	"github.com/efebarandurmaz/docrag/internal/corpus"
	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/embedding"
	"github.com/efebarandurmaz/docrag/internal/events"
	"github.com/efebarandurmaz/docrag/internal/ingest"
	"github.com/efebarandurmaz/docrag/internal/llm/ollama"
	"github.com/efebarandurmaz/docrag/internal/observability"
	"github.com/efebarandurmaz/docrag/internal/rerank"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
	"github.com/efebarandurmaz/docrag/internal/secrets"
	"github.com/efebarandurmaz/docrag/internal/server"
	"github.com/efebarandurmaz/docrag/internal/tokenizer"
	"github.com/efebarandurmaz/docrag/internal/vector"
	"github.com/efebarandurmaz/docrag/internal/vector/local"
	"github.com/efebarandurmaz/docrag/internal/vector/qdrant"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.PipelineMetrics
	tracer  *observability.TracerProvider
	audit   *observability.AuditLogger
	events  *events.Hub

	corpus    *corpus.Corpus
	catalog   *catalog.SQLStore
	index     vector.Index
	qdrant    *qdrant.Index
	embedder  *embedding.Shared
	reranker  *rerank.Shared
	retriever *retrieval.Retriever
	generator *ollama.Client
	answerer  *answer.Answerer

	pipeline *ingest.Pipeline
	// hooked is set once a shutdown handler owns the resources.
	hooked bool
}

// newApp loads configuration and connects the stores. Remote model backends
// are created lazily and only contacted on first use.
func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.Metrics(),
		events:  events.NewHub(events.WithLogger(logger)),
	}
	if err := a.open(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	endpoint, insecure := otlpEndpoint(cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    envOr("DOCRAG_ENV", "development"),
		OTLPEndpoint:   endpoint,
		Insecure:       insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.tracer = tp

	if a.corpus, err = corpus.Open(cfg.DataRoot); err != nil {
		return fmt.Errorf("corpus: %w", err)
	}

	a.audit, err = observability.NewAuditLogger(&observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.AuditPath(),
		SessionID:  uuid.NewString(),
	})
	if err != nil {
		a.logger.Warn("audit log disabled", "error", err)
		a.audit = observability.Disabled()
	}

	if err := a.resolveSecrets(ctx); err != nil {
		return err
	}

	if a.catalog, err = catalog.Open(ctx, cfg.Catalog.DSN, cfg.CatalogPath()); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	switch cfg.Vector.Backend {
	case "local":
		idx, err := local.Open(cfg.IndexDir(), cfg.CollectionName)
		if err != nil {
			return fmt.Errorf("local index: %w", err)
		}
		a.index = idx
	default:
		idx, err := qdrant.New(qdrant.Config{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.CollectionName,
		})
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		a.index = idx
		a.qdrant = idx
	}

	embedURL := cfg.Embedding.URL
	if embedURL == "" && cfg.Embedding.Backend == "ollama" {
		embedURL = cfg.Ollama.Host
	}
	a.embedder, err = embedding.NewFactory().Shared(embedding.Config{
		Backend: cfg.Embedding.Backend,
		BaseURL: embedURL,
		Model:   cfg.Embedding.Model,
		APIKey:  cfg.Embedding.APIKey,
		Timeout: cfg.Embedding.Timeout,
		RPS:     cfg.Embedding.RPS,
	})
	if err != nil {
		return err
	}

	a.reranker, err = rerank.New(rerank.Config{
		Backend: cfg.Rerank.Backend,
		BaseURL: cfg.Rerank.URL,
		Model:   cfg.Rerank.Model,
		APIKey:  cfg.Rerank.APIKey,
		Timeout: cfg.Rerank.Timeout,
	})
	if err != nil {
		return err
	}

	fallback, err := retrieval.ParseFallback(cfg.Rerank.Fallback)
	if err != nil {
		return err
	}
	a.retriever, err = retrieval.New(a.embedder, a.index, a.reranker,
		retrieval.WithTopK(cfg.Retrieval.TopK),
		retrieval.WithTopN(cfg.Retrieval.TopN),
		retrieval.WithTimeout(cfg.Retrieval.Timeout),
		retrieval.WithFallback(fallback),
		retrieval.WithMetrics(a.metrics),
		retrieval.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	a.generator = ollama.New(ollama.Config{
		Host:    cfg.Ollama.Host,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	a.answerer = answer.New(a.retriever, a.generator,
		answer.WithModel(cfg.LLM.Model),
		answer.WithMetrics(a.metrics),
		answer.WithLogger(a.logger),
	)
	return nil
}

// resolveSecrets fills credentials left empty in the configuration from the
// configured secrets provider.
func (a *app) resolveSecrets(ctx context.Context) error {
	sc := a.cfg.Secrets
	m, err := secrets.NewManager(&secrets.Config{
		Provider:   sc.Provider,
		FileConfig: &secrets.FileConfig{Path: sc.File},
		VaultConfig: &secrets.VaultConfig{
			Address:    sc.VaultAddr,
			Token:      sc.VaultToken,
			MountPath:  sc.VaultMount,
			SecretPath: sc.VaultPath,
		},
	})
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	for _, f := range []struct {
		key secrets.SecretKey
		dst *string
	}{
		{secrets.SecretEmbeddingAPIKey, &a.cfg.Embedding.APIKey},
		{secrets.SecretRerankAPIKey, &a.cfg.Rerank.APIKey},
		{secrets.SecretQdrantAPIKey, &a.cfg.Qdrant.APIKey},
		{secrets.SecretCatalogDSN, &a.cfg.Catalog.DSN},
	} {
		val, err := m.Resolve(ctx, f.key, *f.dst)
		if err != nil {
			return fmt.Errorf("secrets: %s: %w", f.key, err)
		}
		*f.dst = val
	}
	a.logger.Debug("credentials resolved", "provider", m.Name())
	return nil
}

// Pipeline builds the ingest pipeline on first use. Read-only commands never
// call it, so they do not pay for loading the BPE ranks.
func (a *app) Pipeline() (*ingest.Pipeline, error) {
	if a.pipeline != nil {
		return a.pipeline, nil
	}
	tok, err := tokenizer.New(a.cfg.Chunk.Encoding)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(tok,
		chunker.WithChunkSize(a.cfg.Chunk.SizeTokens),
		chunker.WithOverlap(a.cfg.Chunk.OverlapTokens),
	)
	if err != nil {
		return nil, err
	}
	a.pipeline = ingest.New(ch, a.embedder, a.index, a.catalog, a.corpus,
		ingest.WithAudit(a.audit),
		ingest.WithMetrics(a.metrics),
		ingest.WithLogger(a.logger),
		ingest.WithEvents(a.events),
		ingest.WithIndexKey(a.cfg.Vector.Backend+"/"+a.cfg.CollectionName),
	)
	return a.pipeline, nil
}

// healthServer registers the dependency checks used by `health` and `serve`.
func (a *app) healthServer(hs *server.HealthServer) *server.HealthServer {
	if hs == nil {
		hs = server.NewHealthServer(&server.HealthConfig{Version: version})
	}
	if a.qdrant != nil {
		hs.RegisterCheck("vector", server.VectorHealthChecker("qdrant", a.qdrant.Health))
	} else {
		hs.RegisterCheck("vector", server.VectorHealthChecker("local", func(ctx context.Context) (string, error) {
			_, err := a.index.Count(ctx)
			return "chromem", err
		}))
	}
	hs.RegisterCheck("catalog", server.CatalogHealthChecker(a.catalog.Ping))
	hs.RegisterCheck("generation", server.GenerationHealthChecker(a.generator.Host(), a.generator.Ping))
	hs.RegisterCheck("model", server.ModelHealthChecker(a.cfg.LLM.Model, a.generator.HasModel))
	hs.RegisterCheck("corpus", server.CorpusHealthChecker(a.corpus.DocsDir()))
	return hs
}

// catalogLister lists documents straight from the catalog, without building
// the ingest pipeline.
func (a *app) catalogLister() catalogDocuments {
	return catalogDocuments{store: a.catalog}
}

type catalogDocuments struct {
	store catalog.Store
}

func (c catalogDocuments) Documents(ctx context.Context) ([]domain.CatalogEntry, error) {
	return c.store.List(ctx)
}

// registerShutdown adds hooks that release the app's resources in order.
func (a *app) registerShutdown(sh *server.ShutdownHandler) {
	a.hooked = true
	sh.Add(
		server.CloserHook("vector-index", server.PhaseCloseIndex, a.index.Close),
		server.Hook("tracing", server.PhaseFlushTraces, a.tracer.Shutdown),
		server.CloserHook("catalog", server.PhaseCloseCatalog, a.catalog.Close),
		server.CloserHook("audit-log", server.PhaseCloseAudit, a.audit.Close),
	)
}

// Close releases everything newApp opened. Safe on a partially built app;
// a no-op once registerShutdown has handed the resources to hooks.
func (a *app) Close(ctx context.Context) error {
	if a.hooked {
		return nil
	}
	var errs []error
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// otlpEndpoint strips the URL scheme from an OTEL_EXPORTER_OTLP_ENDPOINT
// style value; an https scheme turns TLS on.
func otlpEndpoint(raw string, insecure bool) (string, bool) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), false
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), true
	default:
		return raw, insecure
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
