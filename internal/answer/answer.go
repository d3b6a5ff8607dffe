// Package answer produces grounded answers: it retrieves passages, builds a
// prompt that restricts the model to them, streams the generation and
// appends source citations.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/llm"
	"github.com/efebarandurmaz/docrag/internal/observability"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
)

// NotFoundMessage is returned without calling the model when retrieval finds
// nothing, and is what the model is told to say when the context lacks the
// answer.
const NotFoundMessage = "Ich konnte die Antwort in den Dokumenten nicht finden."

// SystemPrompt restricts the model to the supplied context.
const SystemPrompt = "You are a helpful assistant that only answers using the provided documents. " +
	"If the answer is not in the documents, say: '" + NotFoundMessage + "' " +
	"Always cite sources as (doc, page) when available."

const blockSeparator = "\n\n---\n\n"

// Retriever is the retrieval step of an answer.
type Retriever interface {
	Search(ctx context.Context, query string) (*retrieval.Result, error)
}

// Answer is a completed, grounded response.
type Answer struct {
	Question   string             `json:"question"`
	Text       string             `json:"answer"`
	Citations  []string           `json:"citations,omitempty"`
	Sources    []domain.Candidate `json:"sources"`
	NotFound   bool               `json:"not_found,omitempty"`
	Degraded   bool               `json:"degraded,omitempty"`
	Model      string             `json:"model,omitempty"`
	Duration   time.Duration      `json:"duration_ms"`
	Generation time.Duration      `json:"generation_ms,omitempty"`
}

// Formatted returns the answer text followed by its citation line.
func (a *Answer) Formatted() string {
	if line := CitationLine(a.Citations); line != "" {
		return a.Text + "\n\n" + line
	}
	return a.Text
}

// Answerer ties retrieval and generation together.
type Answerer struct {
	retriever Retriever
	generator llm.Generator
	model     string
	metrics   *observability.PipelineMetrics
	logger    *slog.Logger
}

// Option configures an Answerer.
type Option func(*Answerer)

// WithModel overrides the generator's default model.
func WithModel(model string) Option { return func(a *Answerer) { a.model = model } }

func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(a *Answerer) { a.metrics = m }
}

func WithLogger(l *slog.Logger) Option { return func(a *Answerer) { a.logger = l } }

// New creates an Answerer.
func New(r Retriever, g llm.Generator, opts ...Option) *Answerer {
	a := &Answerer{retriever: r, generator: g, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ask answers question. onToken, if non-nil, receives raw fragments as they
// stream in; the returned Answer holds the full text with thinking blocks
// removed. A retrieval failure is returned as is and no generation is made.
func (a *Answerer) Ask(ctx context.Context, question string, onToken func(string)) (*Answer, error) {
	start := time.Now()
	res, err := a.retriever.Search(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	ans := &Answer{
		Question: question,
		Sources:  res.Candidates,
		Degraded: res.Degraded,
		Model:    a.model,
	}
	if len(res.Candidates) == 0 {
		ans.Text = NotFoundMessage
		ans.NotFound = true
		ans.Duration = time.Since(start)
		if onToken != nil {
			onToken(NotFoundMessage)
		}
		a.logger.Info("no candidates, answering not found", "question", question)
		return ans, nil
	}

	text, genDur, err := a.generate(ctx, question, res.Candidates, onToken)
	if err != nil {
		return nil, err
	}
	ans.Text = llm.StripThinkingTags(text)
	ans.Citations = Citations(res.Candidates)
	ans.Generation = genDur
	ans.Duration = time.Since(start)
	return ans, nil
}

func (a *Answerer) generate(ctx context.Context, question string, cands []domain.Candidate, onToken func(string)) (_ string, _ time.Duration, err error) {
	start := time.Now()
	ctx, span := observability.StartGenerateSpan(ctx, a.model, len(cands))
	var b strings.Builder
	defer func() {
		d := time.Since(start)
		observability.RecordError(span, err)
		observability.RecordGenerateMetrics(span, b.Len(), d)
		span.End()
		if a.metrics != nil {
			a.metrics.RecordGeneration(d, err)
		}
	}()

	var opts *llm.RequestOptions
	if a.model != "" {
		opts = &llm.RequestOptions{Model: a.model}
	}
	stream, err := a.generator.Chat(ctx, BuildPrompt(question, cands), opts)
	if err != nil {
		return "", 0, fmt.Errorf("generate: %w", err)
	}
	defer stream.Close()

	for stream.Next() {
		frag := stream.Text()
		b.WriteString(frag)
		if onToken != nil {
			onToken(frag)
		}
	}
	if err := stream.Err(); err != nil {
		return "", 0, fmt.Errorf("generate: %w", err)
	}
	return b.String(), time.Since(start), nil
}

// BuildPrompt returns the system prompt and a single user turn carrying the
// context blocks and the question.
func BuildPrompt(question string, cands []domain.Candidate) *llm.Prompt {
	return &llm.Prompt{
		SystemPrompt: SystemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Context:\n" + BuildContext(cands) + "\n\nQuestion: " + question,
		}},
	}
}

// BuildContext renders candidates as "[Source: doc | Page: n]" blocks.
func BuildContext(cands []domain.Candidate) string {
	blocks := make([]string, len(cands))
	for i, c := range cands {
		doc := c.DocID
		if doc == "" {
			doc = "unknown"
		}
		page := "?"
		if c.Page != nil {
			page = strconv.Itoa(*c.Page)
		}
		blocks[i] = "[Source: " + doc + " | Page: " + page + "]\n" + c.Text
	}
	return strings.Join(blocks, blockSeparator)
}

// Citations returns "(doc, p.N)" for every candidate with both a doc_id and
// a page, in rank order without repeats.
func Citations(cands []domain.Candidate) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cands {
		if c.DocID == "" || c.Page == nil {
			continue
		}
		cite := fmt.Sprintf("(%s, p.%d)", c.DocID, *c.Page)
		if seen[cite] {
			continue
		}
		seen[cite] = true
		out = append(out, cite)
	}
	return out
}

// CitationLine formats citations as "Sources: ...", or "" when there are none.
func CitationLine(cites []string) string {
	if len(cites) == 0 {
		return ""
	}
	return "Sources: " + strings.Join(cites, ", ")
}
