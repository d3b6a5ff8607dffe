package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/efebarandurmaz/docrag/internal/ingest"
	"github.com/efebarandurmaz/docrag/internal/mcpserver"
	"github.com/efebarandurmaz/docrag/internal/parser"
	"github.com/efebarandurmaz/docrag/internal/server"
	"github.com/efebarandurmaz/docrag/internal/watch"
)

// withApp builds the app, runs fn and releases the app afterwards.
func withApp(ctx context.Context, opts *globalOptions, fn func(a *app) error) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

func runIngest(ctx context.Context, opts *globalOptions, args []string, force, replace, jsonOut bool) error {
	paths, err := expandPaths(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no supported documents found")
	}

	return withApp(ctx, opts, func(a *app) error {
		p, err := a.Pipeline()
		if err != nil {
			return err
		}

		report := ingest.NewReport(force)
		iopts := ingest.Options{Force: force, Replace: replace}
		for _, path := range paths {
			if ctx.Err() != nil {
				break
			}
			var out ingest.Outcome
			if a.corpus.Contains(path) {
				out, _ = p.IngestFile(ctx, path, iopts)
			} else {
				out, _ = p.Upload(ctx, path, iopts)
			}
			report.Add(out)
		}
		report.Finish()

		if err := printReport(report, jsonOut); err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d documents failed", report.Failed, len(report.Documents))
		}
		return ctx.Err()
	})
}

// expandPaths replaces each directory argument by the supported files it
// directly contains. Files are passed through so the pipeline reports
// unsupported formats itself.
func expandPaths(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !parser.Supported(name) {
				continue
			}
			out = append(out, filepath.Join(arg, name))
		}
	}
	return out, nil
}

func runReindex(ctx context.Context, opts *globalOptions, force, jsonOut bool) error {
	return withApp(ctx, opts, func(a *app) error {
		p, err := a.Pipeline()
		if err != nil {
			return err
		}
		report, err := p.Reindex(ctx, force)
		if err != nil {
			return err
		}
		if err := printReport(report, jsonOut); err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d documents failed", report.Failed, len(report.Documents))
		}
		return nil
	})
}

func runDelete(ctx context.Context, opts *globalOptions, docIDs []string) error {
	return withApp(ctx, opts, func(a *app) error {
		p, err := a.Pipeline()
		if err != nil {
			return err
		}
		var errs []error
		for _, id := range docIDs {
			if err := p.Delete(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			fmt.Printf("Deleted %s\n", id)
		}
		return errors.Join(errs...)
	})
}

func runList(ctx context.Context, opts *globalOptions, jsonOut bool) error {
	return withApp(ctx, opts, func(a *app) error {
		entries, err := a.catalog.List(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(os.Stdout, entries)
		}
		printEntries(os.Stdout, entries)
		return nil
	})
}

func runSearch(ctx context.Context, opts *globalOptions, query string, jsonOut bool) error {
	return withApp(ctx, opts, func(a *app) error {
		res, err := a.retriever.Search(ctx, query)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(os.Stdout, res)
		}
		printResult(os.Stdout, res)
		return nil
	})
}

func runAsk(ctx context.Context, opts *globalOptions, question string, jsonOut bool) error {
	return withApp(ctx, opts, func(a *app) error {
		var onToken func(string)
		if !jsonOut {
			onToken = func(tok string) { fmt.Print(tok) }
		}
		ans, err := a.answerer.Ask(ctx, question, onToken)
		if err != nil {
			if !jsonOut {
				fmt.Println()
			}
			return err
		}
		if jsonOut {
			return printJSON(os.Stdout, ans)
		}
		fmt.Println()
		if len(ans.Citations) > 0 {
			fmt.Println()
			printCitations(os.Stdout, ans.Citations)
		}
		if ans.Degraded {
			fmt.Fprintln(os.Stderr, "Warning: reranker unavailable, passages are in vector order")
		}
		return nil
	})
}

func runModels(ctx context.Context, opts *globalOptions) error {
	return withApp(ctx, opts, func(a *app) error {
		models, err := a.generator.ListModels(ctx)
		if err != nil {
			return fmt.Errorf("listing models on %s: %w", a.generator.Host(), err)
		}
		sort.Strings(models)

		fmt.Printf("Models on %s:\n\n", a.generator.Host())
		found := false
		for _, m := range models {
			mark := " "
			if m == a.cfg.LLM.Model {
				mark = "*"
				found = true
			}
			fmt.Printf("  %s %s\n", mark, m)
		}
		if len(models) == 0 {
			fmt.Println("  (none)")
		}
		fmt.Println()
		if !found {
			fmt.Fprintf(os.Stderr, "Warning: configured model %s is not available; run `ollama pull %s`\n", a.cfg.LLM.Model, a.cfg.LLM.Model)
		}
		return nil
	})
}

func runHealth(ctx context.Context, opts *globalOptions, jsonOut bool) error {
	return withApp(ctx, opts, func(a *app) error {
		resp := a.healthServer(nil).Check(ctx)
		if jsonOut {
			if err := printJSON(os.Stdout, resp); err != nil {
				return err
			}
		} else {
			printHealth(os.Stdout, resp)
		}
		if resp.Status == server.HealthStatusUnhealthy {
			return errors.New("unhealthy")
		}
		return nil
	})
}

func runWatch(ctx context.Context, opts *globalOptions, force bool) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	p, err := a.Pipeline()
	if err != nil {
		return err
	}
	report, err := p.Reindex(ctx, force)
	if err != nil {
		return err
	}
	report.PrintSummary(os.Stdout)

	w, err := watch.New(a.corpus.DocsDir(), p,
		watch.WithForce(force),
		watch.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	sh := server.NewShutdownHandler(&server.ShutdownConfig{Logger: a.logger})
	sh.Add(server.CloserHook("watcher", server.PhaseStopWatcher, w.Close))
	a.registerShutdown(sh)
	sh.Start(ctx)

	runErr := w.Run(ctx)
	sh.Shutdown()
	return errors.Join(runErr, sh.Wait())
}

func runServe(ctx context.Context, opts *globalOptions, addr string, watchDocs, mountMCP bool) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	p, err := a.Pipeline()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	gs := server.NewGracefulServer(
		&server.HealthConfig{Version: version},
		&server.ShutdownConfig{Logger: a.logger},
	)
	a.healthServer(gs.Health)
	a.registerShutdown(gs.Shutdown)

	api := server.NewAPI(a.retriever, a.answerer, p,
		server.WithHealth(gs.Health),
		server.WithMetrics(a.metrics),
		server.WithEvents(a.events),
		server.WithLogger(a.logger),
	)
	handler := api.Handler()
	if mountMCP {
		ms, err := mcpserver.NewServer(&mcpserver.Ports{Search: a.retriever, Documents: p, Ask: a.answerer})
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/mcp", ms.Handler())
		mux.Handle("/", handler)
		handler = mux
	}

	if watchDocs {
		w, err := watch.New(a.corpus.DocsDir(), p, watch.WithLogger(a.logger))
		if err != nil {
			return err
		}
		gs.Shutdown.Add(server.CloserHook("watcher", server.PhaseStopWatcher, w.Close))
		go func() {
			if err := w.Run(ctx); err != nil {
				a.logger.Error("watcher stopped", "error", err)
			}
		}()
	}

	if err := gs.Start(ctx, addr, handler); err != nil {
		a.hooked = false
		return err
	}
	return gs.Wait()
}

func runMCP(ctx context.Context, opts *globalOptions, httpAddr string) error {
	return withApp(ctx, opts, func(a *app) error {
		ms, err := mcpserver.NewServer(&mcpserver.Ports{
			Search:    a.retriever,
			Documents: a.catalogLister(),
			Ask:       a.answerer,
		})
		if err != nil {
			return err
		}
		if httpAddr != "" {
			a.logger.Info("serving MCP", "addr", httpAddr)
			return ms.RunHTTP(ctx, httpAddr)
		}
		return ms.Run(ctx)
	})
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
