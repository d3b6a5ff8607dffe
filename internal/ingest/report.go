package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Status is the outcome of one document in an ingest or reindex.
type Status string

const (
	StatusIndexed Status = "indexed"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// Outcome describes what happened to one document.
type Outcome struct {
	DocID    string        `json:"doc_id"`
	Filename string        `json:"filename"`
	Status   Status        `json:"status"`
	Chunks   int           `json:"chunks"`
	Pages    *int          `json:"pages,omitempty"`
	Duration time.Duration `json:"duration_ms"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// Report summarises a reindex run.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration_ms,omitempty"`
	Forced     bool          `json:"forced"`

	Documents []Outcome `json:"documents"`
	Indexed   int       `json:"indexed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Removed   int       `json:"removed"`
	Chunks    int       `json:"chunks"`
}

// NewReport starts tracking a run.
func NewReport(forced bool) *Report {
	return &Report{StartedAt: time.Now(), Forced: forced, Documents: []Outcome{}}
}

// Add records one document outcome.
func (r *Report) Add(o Outcome) {
	if o.Err != nil && o.Error == "" {
		o.Error = o.Err.Error()
	}
	r.Documents = append(r.Documents, o)
	switch o.Status {
	case StatusIndexed:
		r.Indexed++
		r.Chunks += o.Chunks
	case StatusSkipped:
		r.Skipped++
	case StatusRemoved:
		r.Removed++
	default:
		r.Failed++
	}
}

// Finish marks the run complete.
func (r *Report) Finish() {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
}

// Counts returns the per-status totals.
func (r *Report) Counts() map[string]int {
	return map[string]int{
		string(StatusIndexed): r.Indexed,
		string(StatusSkipped): r.Skipped,
		string(StatusRemoved): r.Removed,
		string(StatusFailed):  r.Failed,
		"chunks":              r.Chunks,
	}
}

// Errors returns the failed outcomes.
func (r *Report) Errors() []Outcome {
	var out []Outcome
	for _, o := range r.Documents {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// JSON returns the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// PrintSummary writes a human-readable report.
func (r *Report) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "\n╔══════════════════════════════════════╗\n")
	fmt.Fprintf(w, "║           REINDEX REPORT             ║\n")
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	mode := "incremental"
	if r.Forced {
		mode = "forced"
	}
	fmt.Fprintf(w, "║ Mode:        %-23s║\n", mode)
	fmt.Fprintf(w, "║ Duration:    %-23s║\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "║ Indexed:     %-23d║\n", r.Indexed)
	fmt.Fprintf(w, "║ Skipped:     %-23d║\n", r.Skipped)
	fmt.Fprintf(w, "║ Removed:     %-23d║\n", r.Removed)
	fmt.Fprintf(w, "║ Failed:      %-23d║\n", r.Failed)
	fmt.Fprintf(w, "║ Chunks:      %-23d║\n", r.Chunks)

	if len(r.Documents) > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		for _, o := range r.Documents {
			fmt.Fprintf(w, "║ %s %-28s %s\n", statusMark(o.Status), o.Filename, detail(o))
		}
	}
	fmt.Fprintf(w, "╚══════════════════════════════════════╝\n")
}

func statusMark(s Status) string {
	switch s {
	case StatusIndexed:
		return "+"
	case StatusSkipped:
		return "="
	case StatusRemoved:
		return "-"
	default:
		return "!"
	}
}

func detail(o Outcome) string {
	switch o.Status {
	case StatusIndexed:
		return fmt.Sprintf("%d chunks, %s", o.Chunks, o.Duration.Round(time.Millisecond))
	case StatusFailed:
		return o.Error
	default:
		return string(o.Status)
	}
}
