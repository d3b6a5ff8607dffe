package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/ingest"
	"github.com/efebarandurmaz/docrag/internal/render"
	"github.com/efebarandurmaz/docrag/internal/retrieval"
	"github.com/efebarandurmaz/docrag/internal/server"
)

var out = render.New()

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(r *ingest.Report, jsonOut bool) error {
	if jsonOut {
		data, err := r.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	r.PrintSummary(os.Stdout)
	return nil
}

func printResult(w io.Writer, res *retrieval.Result) {
	fmt.Fprint(w, out.Results(res))
}

func printEntries(w io.Writer, entries []domain.CatalogEntry) {
	fmt.Fprint(w, out.Documents(entries))
}

func printHealth(w io.Writer, resp server.HealthResponse) {
	fmt.Fprint(w, out.Health(resp))
}

func printCitations(w io.Writer, cites []string) {
	fmt.Fprint(w, out.Citations(cites))
}
