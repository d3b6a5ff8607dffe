package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/efebarandurmaz/docrag/internal/answer"
	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
	"github.com/efebarandurmaz/docrag/internal/server"
)

// SnippetChars caps the passage text shown per search result.
const SnippetChars = 320

// Renderer turns pipeline results into terminal text.
type Renderer struct {
	styles *Styles
}

// New creates a renderer with the default styles.
func New() *Renderer {
	return &Renderer{styles: DefaultStyles()}
}

// Results renders a retrieval result, best passage first.
func (r *Renderer) Results(res *retrieval.Result) string {
	var b strings.Builder

	if len(res.Candidates) == 0 {
		b.WriteString(r.styles.Help.Render("No matching passages."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(r.styles.Title.Render(fmt.Sprintf("%d results for %q", len(res.Candidates), res.Query)))
	b.WriteString("\n")
	if res.Degraded {
		b.WriteString(r.styles.StatusPartial.Render("reranker unavailable, vector order"))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for i, c := range res.Candidates {
		fmt.Fprintf(&b, "%2d. %s %s", i+1, ScoreColor(float64(c.VectorScore)).Render(score(c)), r.styles.Source.Render(Source(c)))
		b.WriteString("\n")
		b.WriteString(r.styles.Passage.Render(Snippet(c.Text, SnippetChars)))
		b.WriteString("\n\n")
	}

	b.WriteString(r.styles.Help.Render(fmt.Sprintf("%d coarse candidates, %s", res.Coarse, total(res))))
	b.WriteString("\n")
	return b.String()
}

// Citations renders the source line printed after a streamed answer.
func (r *Renderer) Citations(cites []string) string {
	line := answer.CitationLine(cites)
	if line == "" {
		return ""
	}
	return r.styles.Help.Render(line) + "\n"
}

// Documents renders the catalog as a table.
func (r *Renderer) Documents(entries []domain.CatalogEntry) string {
	if len(entries) == 0 {
		return r.styles.Help.Render("No documents indexed.") + "\n"
	}

	rows := make([][]string, 0, len(entries))
	chunks := 0
	for _, e := range entries {
		pages := "-"
		if e.PageCount != nil {
			pages = strconv.Itoa(*e.PageCount)
		}
		rows = append(rows, []string{
			e.DocID,
			e.Filename,
			pages,
			strconv.Itoa(e.ChunkCount),
			e.UpdatedAt.Local().Format(time.DateTime),
		})
		chunks += e.ChunkCount
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.styles.Border).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.styles.Header
			}
			return r.styles.Cell
		}).
		Headers("DOC ID", "FILE", "PAGES", "CHUNKS", "UPDATED").
		Rows(rows...)

	return t.String() + "\n" +
		r.styles.Help.Render(fmt.Sprintf("%d documents, %d chunks", len(entries), chunks)) + "\n"
}

// Health renders a health report, one line per check.
func (r *Renderer) Health(resp server.HealthResponse) string {
	var b strings.Builder

	b.WriteString(r.styles.Title.Render("docrag " + resp.Version))
	b.WriteString(" ")
	b.WriteString(r.styles.Status(string(resp.Status)).Render(string(resp.Status)))
	b.WriteString("\n\n")

	for _, c := range resp.Checks {
		fmt.Fprintf(&b, "  %-11s %s", c.Name, r.styles.Status(string(c.Status)).Render(string(c.Status)))
		if c.Message != "" {
			b.WriteString(" ")
			b.WriteString(r.styles.Subtitle.Render(c.Message))
		}
		if len(c.Details) > 0 {
			b.WriteString(" ")
			b.WriteString(r.styles.Help.Render(details(c.Details)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Source formats "filename, p. N", or just the filename for unpaged text.
func Source(c domain.Candidate) string {
	if c.Page != nil {
		return fmt.Sprintf("%s, p. %d", c.Filename, *c.Page)
	}
	return c.Filename
}

// Snippet collapses whitespace and cuts text to at most n runes.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}

func score(c domain.Candidate) string {
	if c.RerankScore != nil {
		return fmt.Sprintf("%.3f", *c.RerankScore)
	}
	return fmt.Sprintf("%.3f", c.VectorScore)
}

func total(res *retrieval.Result) string {
	if d, ok := res.Timings[retrieval.StageRanked]; ok {
		return d.Round(time.Millisecond).String()
	}
	return "-"
}

func details(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
