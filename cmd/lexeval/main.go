package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lexeval/lexeval/internal/cache"
	"github.com/lexeval/lexeval/internal/document"
	"github.com/lexeval/lexeval/internal/embed"
	"github.com/lexeval/lexeval/internal/evaluator"
	"github.com/lexeval/lexeval/internal/generator"
	"github.com/lexeval/lexeval/internal/handler"
	"github.com/lexeval/lexeval/internal/llm"
	"github.com/lexeval/lexeval/internal/model"
	"github.com/lexeval/lexeval/internal/notify"
	"github.com/lexeval/lexeval/internal/orchestrator"
	"github.com/lexeval/lexeval/internal/ratelimit"
	"github.com/lexeval/lexeval/internal/report"
	"github.com/lexeval/lexeval/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lexeval",
		Short: "LLM evaluation platform for legal documents",
	}

	serve := serveCmd()
	root.AddCommand(serve, runCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `lexeval --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP evaluation server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "lexeval.db", "SQLite database path")
	f.String("upload-dir", "uploads", "Directory for uploaded PDF documents")
	f.String("report-dir", "reports", "Directory for generated report files")
	addCommonFlags(f)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [pdf files...]",
		Short: "Evaluate PDF documents from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEvaluate,
	}
	f := cmd.Flags()
	f.String("db", "lexeval.db", "SQLite database path")
	f.String("report-dir", "reports", "Directory for generated report files")
	f.Bool("test-mode", false, "Generate one question per criterion instead of the full matrix")
	addCommonFlags(f)
	return cmd
}

// addCommonFlags registers the model and tuning flags shared by serve and run.
func addCommonFlags(f *pflag.FlagSet) {
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")
	f.String("llm-key", "", "API key for the model endpoint")
	f.StringP("llm-model", "m", openai.GPT3Dot5Turbo, "Chat model name")
	f.String("embedding-model", string(openai.SmallEmbedding3), "Embedding model name")
	f.Int("rate-limit", 3, "Maximum model requests per minute")
	f.Int("max-retries", 3, "Retries per model call before giving up")
	f.Int("cache-size", 1000, "Maximum cached model responses")
	f.Int("batch-size", 5, "Questions scored concurrently per batch")
	f.Int("chunk-size", document.DefaultChunkSize, "Document chunk size in characters")
	f.Int("chunk-overlap", document.DefaultChunkOverlap, "Overlap between consecutive chunks")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("LEXEVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("lexeval")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/lexeval")
	v.AddConfigPath("/etc/lexeval")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// services bundles everything a command needs to run evaluations.
type services struct {
	db           *store.Store
	orchestrator *orchestrator.Orchestrator
	hub          *notify.Hub
}

func (s *services) close() {
	s.orchestrator.Close()
	s.db.Close()
}

func buildServices(v *viper.Viper, publisher notify.Publisher, reportDir string) (*services, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	limiter := ratelimit.New(v.GetInt("rate-limit"))
	modelClient := llm.New(llm.Config{
		BaseURL:    v.GetString("llm-url"),
		APIKey:     v.GetString("llm-key"),
		Model:      v.GetString("llm-model"),
		MaxRetries: v.GetInt("max-retries"),
	}, limiter)

	apiCfg := openai.DefaultConfig(v.GetString("llm-key"))
	if u := v.GetString("llm-url"); u != "" {
		apiCfg.BaseURL = u
	}
	encoder := openai.NewClientWithConfig(apiCfg)

	var hub *notify.Hub
	if publisher == nil {
		hub = notify.NewHub()
		publisher = hub
	}

	orch, err := orchestrator.New(
		orchestrator.NewRegistry(),
		document.NewProcessor(v.GetInt("chunk-size"), v.GetInt("chunk-overlap")),
		embed.NewIndexer(encoder, limiter, v.GetString("embedding-model")),
		generator.New(modelClient, v.GetInt("max-retries"), 0),
		evaluator.New(modelClient, cache.New(v.GetInt("cache-size"))),
		report.NewGenerator(reportDir),
		db,
		publisher,
		orchestrator.Config{BatchSize: v.GetInt("batch-size")},
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &services{db: db, orchestrator: orch, hub: hub}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	svc, err := buildServices(v, nil, v.GetString("report-dir"))
	if err != nil {
		return err
	}
	defer svc.close()

	h, err := handler.New(svc.db, svc.orchestrator, svc.hub, v.GetString("upload-dir"))
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"embedding_model", v.GetString("embedding-model"),
		"llm_url", v.GetString("llm-url"),
		"rate_limit", v.GetInt("rate-limit"),
		"batch_size", v.GetInt("batch-size"),
	)
	return http.ListenAndServe(addr, r)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	for _, path := range args {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("document %s: %w", path, err)
		}
	}

	svc, err := buildServices(v, notify.LogPublisher{}, v.GetString("report-dir"))
	if err != nil {
		return err
	}
	defer svc.close()

	ids := make([]string, len(args))
	for i, path := range args {
		ids[i] = filepath.Base(path)
	}

	id, err := svc.orchestrator.Start(cmd.Context(), ids, args, v.GetBool("test-mode"))
	if err != nil {
		return fmt.Errorf("start evaluation: %w", err)
	}
	slog.Info("evaluation started", "id", id, "documents", len(args), "test_mode", v.GetBool("test-mode"))

	ev, err := waitForEvaluation(cmd.Context(), svc.orchestrator, id)
	if err != nil {
		return err
	}
	if ev.Status == model.StatusFailed {
		return fmt.Errorf("evaluation failed: %s", ev.Error)
	}

	if ev.Results != nil {
		fmt.Printf("Evaluation %s completed\n", id)
		fmt.Printf("  Questions:    %d\n", len(ev.Results.Details))
		fmt.Printf("  Success rate: %.2f%%\n", ev.Results.SuccessRate)
		fmt.Printf("  Total score:  %.2f%%\n", ev.Results.TotalScore)
	}
	for _, path := range ev.ReportPaths {
		fmt.Printf("  Report:       %s\n", path)
	}
	return nil
}

// waitForEvaluation polls the registry until the run reaches a terminal
// status or the context is cancelled.
func waitForEvaluation(ctx context.Context, orch *orchestrator.Orchestrator, id string) (*model.Evaluation, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var lastProgress float64 = -1
	for {
		select {
		case <-ctx.Done():
			_ = orch.Cancel(id)
			return nil, ctx.Err()
		case <-ticker.C:
			ev, ok := orch.Registry().Get(id)
			if !ok {
				return nil, fmt.Errorf("evaluation %s disappeared from registry", id)
			}
			if ev.Progress != lastProgress {
				slog.Info("progress", "id", id, "status", ev.Status, "progress", ev.Progress,
					"completed_qcm", ev.CompletedQCM, "total_qcm", ev.TotalQCM)
				lastProgress = ev.Progress
			}
			if ev.Status.Terminal() {
				return &ev, nil
			}
		}
	}
}
