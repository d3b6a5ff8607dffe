package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Histogram tracks distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter creates and registers a counter.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Counter{name: name, help: help, labels: labels}
	r.counters[name] = c
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[name] = g
	return g
}

// NewHistogram creates and registers a histogram. Nil buckets select
// DefaultBuckets.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[name] = h
	return h
}

// DefaultBuckets returns default histogram buckets for latency in seconds.
func DefaultBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler serving the Prometheus text format.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes all metrics in Prometheus text format, sorted by
// name within each metric type.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		c.mu.Lock()
		writeMetric(w, c.name, "counter", c.help, c.labels, c.value)
		c.mu.Unlock()
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		g.mu.Lock()
		writeMetric(w, g.name, "gauge", g.help, g.labels, g.value)
		g.mu.Unlock()
	}
	for _, name := range sortedKeys(r.histos) {
		h := r.histos[name]
		h.mu.Lock()
		writeHistogram(w, h)
		h.mu.Unlock()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeMetric(w io.Writer, name, metricType, help string, labels map[string]string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, metricType)
	fmt.Fprintf(w, "%s%s %s\n", name, formatLabels(labels), formatFloat(value))
}

func writeHistogram(w io.Writer, h *Histogram) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)

	// counts are already cumulative: Observe increments every bucket >= v.
	for i, bound := range h.buckets {
		labels := copyLabels(h.labels)
		labels["le"] = formatFloat(bound)
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(labels), h.counts[i])
	}
	labels := copyLabels(h.labels)
	labels["le"] = "+Inf"
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(labels), h.count)
	fmt.Fprintf(w, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(h.labels), h.count)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		result[k] = v
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// PipelineMetrics contains the docrag pipeline metrics.
type PipelineMetrics struct {
	Registry *MetricsRegistry

	DocumentsIngestedTotal *Counter
	DocumentsSkippedTotal  *Counter
	IngestErrorsTotal      *Counter
	ChunksIndexedTotal     *Counter
	IngestDuration         *Histogram

	RetrievalsTotal      *Counter
	RetrievalErrorsTotal *Counter
	EmptyRetrievalsTotal *Counter
	RerankDegradedTotal  *Counter
	RetrievalDuration    *Histogram

	GenerationsTotal      *Counter
	GenerationErrorsTotal *Counter
	GenerationDuration    *Histogram

	DocumentsDeletedTotal *Counter
	IndexedDocuments      *Gauge
}

// NewPipelineMetrics creates and registers the pipeline metrics.
func NewPipelineMetrics() *PipelineMetrics {
	r := NewMetricsRegistry()

	return &PipelineMetrics{
		Registry: r,

		DocumentsIngestedTotal: r.NewCounter("docrag_documents_ingested_total", "Documents parsed, embedded and indexed", nil),
		DocumentsSkippedTotal:  r.NewCounter("docrag_documents_skipped_total", "Documents skipped because their content hash was unchanged", nil),
		IngestErrorsTotal:      r.NewCounter("docrag_ingest_errors_total", "Failed document ingests", nil),
		ChunksIndexedTotal:     r.NewCounter("docrag_chunks_indexed_total", "Chunks upserted into the vector index", nil),
		IngestDuration:         r.NewHistogram("docrag_ingest_duration_seconds", "Time to ingest one document", nil, nil),

		RetrievalsTotal:      r.NewCounter("docrag_retrievals_total", "Retrieval requests", nil),
		RetrievalErrorsTotal: r.NewCounter("docrag_retrieval_errors_total", "Failed retrieval requests", nil),
		EmptyRetrievalsTotal: r.NewCounter("docrag_retrievals_empty_total", "Retrievals that found no candidates", nil),
		RerankDegradedTotal:  r.NewCounter("docrag_rerank_degraded_total", "Retrievals that fell back to vector order", nil),
		RetrievalDuration:    r.NewHistogram("docrag_retrieval_duration_seconds", "Retrieval latency", nil, nil),

		GenerationsTotal:      r.NewCounter("docrag_generations_total", "Generation calls", nil),
		GenerationErrorsTotal: r.NewCounter("docrag_generation_errors_total", "Failed generation calls", nil),
		GenerationDuration:    r.NewHistogram("docrag_generation_duration_seconds", "Generation latency", nil, nil),

		DocumentsDeletedTotal: r.NewCounter("docrag_documents_deleted_total", "Documents removed from the corpus", nil),
		IndexedDocuments:      r.NewGauge("docrag_indexed_documents", "Documents currently recorded in the catalog", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *PipelineMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// Ingest outcomes passed to RecordIngest.
const (
	IngestIndexed = "indexed"
	IngestSkipped = "skipped"
	IngestFailed  = "failed"
)

// RecordIngest records one document ingest.
func (m *PipelineMetrics) RecordIngest(duration time.Duration, status string, chunks int) {
	m.IngestDuration.Observe(duration.Seconds())
	switch status {
	case IngestIndexed:
		m.DocumentsIngestedTotal.Inc()
		m.ChunksIndexedTotal.Add(float64(chunks))
	case IngestSkipped:
		m.DocumentsSkippedTotal.Inc()
	default:
		m.IngestErrorsTotal.Inc()
	}
}

// RecordRetrieval records one retrieval.
func (m *PipelineMetrics) RecordRetrieval(duration time.Duration, results int, degraded bool, err error) {
	m.RetrievalsTotal.Inc()
	m.RetrievalDuration.Observe(duration.Seconds())
	switch {
	case err != nil:
		m.RetrievalErrorsTotal.Inc()
	case results == 0:
		m.EmptyRetrievalsTotal.Inc()
	}
	if degraded {
		m.RerankDegradedTotal.Inc()
	}
}

// RecordGeneration records one generation call.
func (m *PipelineMetrics) RecordGeneration(duration time.Duration, err error) {
	m.GenerationsTotal.Inc()
	m.GenerationDuration.Observe(duration.Seconds())
	if err != nil {
		m.GenerationErrorsTotal.Inc()
	}
}

var (
	globalMetrics *PipelineMetrics
	metricsOnce   sync.Once
)

// Metrics returns the process-wide metrics instance.
func Metrics() *PipelineMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPipelineMetrics()
	})
	return globalMetrics
}
