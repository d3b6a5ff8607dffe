package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:           "docrag",
		Short:         "Document ingestion and retrieval-augmented question answering",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file path (yaml, toml or json); environment variables override it")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	var (
		ingestForce   bool
		ingestReplace bool
		ingestJSON    bool
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest <file|dir>...",
		Short: "Copy documents into the corpus and index them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), &opts, args, ingestForce, ingestReplace, ingestJSON)
		},
	}
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "Re-index even if the content is unchanged")
	ingestCmd.Flags().BoolVar(&ingestReplace, "replace", false, "Replace a document whose doc_id comes from another file")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "Output the report as JSON")

	var (
		reindexForce bool
		reindexJSON  bool
	)
	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Bring the index in line with the docs directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context(), &opts, reindexForce, reindexJSON)
		},
	}
	reindexCmd.Flags().BoolVar(&reindexForce, "force", false, "Re-index every file, ignoring content hashes")
	reindexCmd.Flags().BoolVar(&reindexJSON, "json", false, "Output the report as JSON")

	deleteCmd := &cobra.Command{
		Use:   "delete <doc_id>...",
		Short: "Remove documents from the corpus and the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd.Context(), &opts, args)
		},
	}

	var listJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), &opts, listJSON)
		},
	}
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")

	var searchJSON bool
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the most relevant passages for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), &opts, joinArgs(args), searchJSON)
		},
	}
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output as JSON")

	var askJSON bool
	askCmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), &opts, joinArgs(args), askJSON)
		},
	}
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the full answer as JSON instead of streaming")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List models available on the generation service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd.Context(), &opts)
		},
	}

	var healthJSON bool
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the vector store, catalog, generation service and corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), &opts, healthJSON)
		},
	}
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Output as JSON")

	var watchForce bool
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Reindex, then keep the index in sync with the docs directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), &opts, watchForce)
		},
	}
	watchCmd.Flags().BoolVar(&watchForce, "force", false, "Re-index files even when unchanged")

	var (
		serveAddr  string
		serveWatch bool
		serveMCP   bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with health checks and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), &opts, serveAddr, serveWatch, serveMCP)
		},
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from SERVER_ADDR or :8080)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Also watch the docs directory for changes")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", true, "Mount the MCP streamable HTTP endpoint at /mcp")

	var mcpAddr string
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve search over the Model Context Protocol (stdio by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), &opts, mcpAddr)
		},
	}
	mcpCmd.Flags().StringVar(&mcpAddr, "http", "", "Serve streamable HTTP on this address instead of stdio")

	rootCmd.AddCommand(ingestCmd, reindexCmd, deleteCmd, listCmd, searchCmd, askCmd,
		modelsCmd, healthCmd, watchCmd, serveCmd, mcpCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
