// Command mika-core is the CLI entry point for the conversational
// orchestration core: it wires every internal package into a running
// Orchestrator and exposes it over a small HTTP surface, plus the
// migrate/trace operator subcommands.
//
// Modeled on haasonsaas-nexus/cmd/nexus/main.go's buildRootCmd /
// buildServeCmd / buildMigrateCmd / buildTraceCmd shape: cobra subcommands
// built by small builder functions, a package-level --config flag, and a
// runServe that loads config, wires components, and blocks on a signal
// context.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel"

	"github.com/lopution/mika-chat-core/internal/config"
	"github.com/lopution/mika-chat-core/internal/contextstore"
	core "github.com/lopution/mika-chat-core/internal/errors"
	"github.com/lopution/mika-chat-core/internal/memory"
	"github.com/lopution/mika-chat-core/internal/observability"
	"github.com/lopution/mika-chat-core/internal/orchestrator"
	"github.com/lopution/mika-chat-core/internal/planner"
	"github.com/lopution/mika-chat-core/internal/proactive"
	"github.com/lopution/mika-chat-core/internal/profile"
	"github.com/lopution/mika-chat-core/internal/providers"
	"github.com/lopution/mika-chat-core/internal/retrieval"
	"github.com/lopution/mika-chat-core/internal/sanitize"
	"github.com/lopution/mika-chat-core/internal/tasks"
	"github.com/lopution/mika-chat-core/internal/toolcore"
	"github.com/lopution/mika-chat-core/internal/trace"
	"github.com/lopution/mika-chat-core/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "mika-core",
		Short:   "Mika chat core - conversational orchestration engine",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Long: `Mika core mediates between a host chat platform and LLM providers:
planning, retrieval, tool-calling, and context/memory persistence.

It does not speak to any specific chat platform itself — that is the
embedding application's job. This binary exposes the orchestrator over a
small HTTP surface so a platform adapter can call it.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mika.yaml", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildMigrateCmd(&configPath),
		buildTraceCmd(&configPath),
	)
	return rootCmd
}

// components bundles every opened/constructed dependency so serve and
// migrate can share the same wiring and close things down in the reverse
// order they were opened.
type components struct {
	cfg *config.Config

	contextStore *contextstore.Store
	profiles     *profile.Store
	longTerm     *memory.SQLiteStore
	knowledge    *memory.SQLiteStore
	topics       *memory.TopicStore
	traceStore   *trace.Store

	metrics        *observability.Metrics
	supervisor     *tasks.Supervisor
	dreamScheduler *tasks.DreamScheduler
	orch           *orchestrator.Orchestrator
}

func (c *components) Close() {
	if c.traceStore != nil {
		_ = c.traceStore.Close()
	}
	if c.topics != nil {
		_ = c.topics.Close()
	}
	if c.knowledge != nil {
		_ = c.knowledge.Close()
	}
	if c.longTerm != nil {
		_ = c.longTerm.Close()
	}
	if c.profiles != nil {
		_ = c.profiles.Close()
	}
	if c.contextStore != nil {
		_ = c.contextStore.Close()
	}
}

// wire opens every SQLite-backed store and constructs the full dependency
// graph down to the Orchestrator. Both "serve" and "migrate" call this —
// migrate relies on the fact that every Open() call runs its table
// migration as a side effect, then exits without starting the server.
func wire(cfg *config.Config) (*components, error) {
	logger := observability.NewLogger(observability.LogFormat(cfg.Logging.Format), parseLevel(cfg.Logging.Level))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	dbPath := cfg.Database.Path
	contextStore, err := contextstore.Open(dbPath, cfg.Context.SnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("open context store: %w", err)
	}
	profiles, err := profile.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	longTerm, err := memory.OpenSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open long-term memory store: %w", err)
	}
	knowledge, err := memory.OpenSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	topics, err := memory.OpenTopicStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open topic store: %w", err)
	}
	traceStore, err := trace.Open(dbPath, cfg.Trace.RetentionDays, cfg.Trace.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}

	comp := &components{
		cfg:          cfg,
		contextStore: contextStore,
		profiles:     profiles,
		longTerm:     longTerm,
		knowledge:    knowledge,
		topics:       topics,
		traceStore:   traceStore,
		metrics:      metrics,
	}

	xport, err := transport.New(cfg.LLM, metrics)
	if err != nil {
		comp.Close()
		return nil, fmt.Errorf("build transport: %w", err)
	}
	embedder := providers.NewOpenAICompatEmbedder(cfg.LLM.BaseURL, firstKey(cfg.LLM.APIKeyList), cfg.LLM.EmbeddingModel)

	contextManager := contextstore.NewManager(contextstore.DefaultTrimSettings())

	registry := toolcore.NewRegistry()
	executor := toolcore.NewExecutor(registry, cfg.Tools, metrics)
	loop := toolcore.NewLoop(registry, executor, xport.Complete)

	plannerAgent := planner.New(xport.Complete, cfg.LLM.Model, cfg.LLM.RequestTimeout)

	proactiveGate := proactive.New(proactive.Settings{
		Keywords:                cfg.Proactive.Keywords,
		KeywordCooldownMessages: cfg.Proactive.KeywordCooldownMessages,
		IgnoreLen:               cfg.Proactive.IgnoreLen,
		HeatThreshold:           cfg.Proactive.HeatThreshold,
		HeatDecayPerSecond:      cfg.Proactive.HeatDecayPerSecond,
		Cooldown:                cfg.Proactive.Cooldown,
		CooldownMessages:        cfg.Proactive.CooldownMessages,
		Rate:                    cfg.Proactive.Rate,
		TopicSet:                cfg.Proactive.TopicSet,
		GroupWhitelist:          cfg.Proactive.GroupWhitelist,
	}, nil)

	retrievalAgent := retrieval.New(xport.Complete, embedder, topics, profiles, longTerm, knowledge, cfg.LLM.Model)

	extractor := memory.NewExtractor(xport.Complete, embedder, longTerm, cfg.LLM.Model, cfg.Memory.ExtractMaxFacts)
	summarizer := memory.NewSummarizer(xport.Complete, topics, cfg.LLM.Model, cfg.Memory.TopicSummaryBatchSize, cfg.Memory.TopicSummaryMaxTopics)
	dreamAgent := memory.NewDreamAgent(topics, memory.DreamSettings{
		MaxIterations:        cfg.Memory.DreamMaxIterations,
		MinSummaryChars:      cfg.Memory.DreamMinSummaryChars,
		MaxMergedSummaryChars: cfg.Memory.DreamMaxMergedSummaryChars,
	})

	supervisor := tasks.NewSupervisor(4)

	dreamScheduler, err := tasks.NewDreamScheduler(supervisor, "dream:sweep", cfg.Memory.DreamSweepCron, func(ctx context.Context) error {
		sessions, err := topics.ListSessions(ctx)
		if err != nil {
			return err
		}
		for _, sessionKey := range sessions {
			if _, err := dreamAgent.Run(ctx, sessionKey); err != nil {
				slog.Warn("dream sweep failed for session", "session_key", string(sessionKey), "error", err)
			}
		}
		return nil
	})
	if err != nil {
		comp.Close()
		return nil, fmt.Errorf("build dream scheduler: %w", err)
	}

	guard := sanitize.NewGuard(sanitize.GuardAction(cfg.Injection.Action))
	hooks := trace.NewRegistry()

	classifier := orchestrator.NewClassifier(xport.Complete, cfg.LLM.Model, nil, nil)

	deps := orchestrator.Deps{
		Config:         cfg,
		Metrics:        metrics,
		Hooks:          hooks,
		Trace:          traceStore,
		Guard:          guard,
		Templates:      core.DefaultTemplates(),
		Complete:       xport.Complete,
		FastComplete:   xport.Complete,
		Capabilities:   xport.Capabilities,
		ContextStore:   contextStore,
		ContextManager: contextManager,
		Profiles:       profiles,
		Embedder:       embedder,
		LongTerm:       longTerm,
		Knowledge:      knowledge,
		Topics:         topics,
		Extractor:      extractor,
		Summarizer:     summarizer,
		Dream:          dreamAgent,
		Retrieval:      retrievalAgent,
		Planner:        plannerAgent,
		Proactive:      proactiveGate,
		ToolRegistry:   registry,
		ToolLoop:       loop,
		Supervisor:     supervisor,
		PreSearch:      classifier,
		Model:          cfg.LLM.Model,
		FastModel:      cfg.LLM.Model,
		Captioner:      providers.NewCompletionCaptionProvider(xport.Complete, cfg.LLM.Model),
	}
	if !cfg.Memory.MemoryRetrievalEnabled {
		deps.Retrieval = nil
	}
	if !cfg.Proactive.Enabled {
		deps.Proactive = nil
	}
	if !cfg.Context.MediaCaptionEnabled {
		deps.Captioner = nil
	}

	orch, err := orchestrator.New(deps)
	if err != nil {
		comp.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	comp.orch = orch
	comp.supervisor = supervisor
	comp.dreamScheduler = dreamScheduler
	return comp, nil
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat core HTTP server",
		Long: `Start the chat core server.

Exposes:
  POST /v1/chat   run the orchestrator pipeline for one inbound message
  GET  /healthz   liveness probe
  GET  /metrics   Prometheus metrics

The server does not speak to any chat platform directly; a platform
adapter is expected to translate platform events into /v1/chat calls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8089", "HTTP listen address")
	return cmd
}

func runServe(ctx context.Context, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otel.SetTracerProvider(sdktrace.NewTracerProvider())

	comp, err := wire(cfg)
	if err != nil {
		return err
	}
	defer comp.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/chat", handleChat(comp.orch))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go comp.dreamScheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("chat core listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	comp.supervisor.Wait()
	slog.Info("chat core stopped gracefully")
	return nil
}

type chatRequest struct {
	Message           string   `json:"message"`
	UserID            string   `json:"user_id"`
	GroupID           string   `json:"group_id,omitempty"`
	AuthorDisplayName string   `json:"author_display_name,omitempty"`
	ImageURLs         []string `json:"image_urls,omitempty"`
	EnableTools       bool     `json:"enable_tools"`
	MessageID         string   `json:"message_id,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func handleChat(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Message == "" || req.UserID == "" {
			http.Error(w, "message and user_id are required", http.StatusBadRequest)
			return
		}

		reply := orch.Chat(r.Context(), orchestrator.Request{
			Message:           req.Message,
			UserID:            req.UserID,
			GroupID:           req.GroupID,
			AuthorDisplayName: req.AuthorDisplayName,
			ImageURLs:         req.ImageURLs,
			EnableTools:       req.EnableTools,
			MessageID:         req.MessageID,
		})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{Reply: reply})
	}
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create/upgrade the SQLite schema without starting the server",
		Long: `Open every SQLite-backed store (context, profile, memory, topics, trace)
so their CREATE TABLE IF NOT EXISTS migrations run, then exit.

Safe to run repeatedly; it is the same schema setup "serve" performs on
startup, split out for deploy scripts that want migration as its own step.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			comp, err := wire(cfg)
			if err != nil {
				return err
			}
			defer comp.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", cfg.Database.Path)
			return nil
		},
	}
}

func buildTraceCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded agent traces",
	}
	cmd.AddCommand(buildTraceShowCmd(configPath))
	return cmd
}

func buildTraceShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Print the plan and event trace for one request id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := trace.Open(cfg.Database.Path, cfg.Trace.RetentionDays, cfg.Trace.MaxRows)
			if err != nil {
				return fmt.Errorf("open trace store: %w", err)
			}
			defer store.Close()

			rec, ok, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("read trace: %w", err)
			}
			if !ok {
				return fmt.Errorf("no trace recorded for request %q", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "request:     %s\n", rec.RequestID)
			fmt.Fprintf(out, "session_key: %s\n", rec.SessionKey)
			fmt.Fprintf(out, "user_id:     %s\n", rec.UserID)
			if rec.GroupID != "" {
				fmt.Fprintf(out, "group_id:    %s\n", rec.GroupID)
			}
			fmt.Fprintf(out, "created_at:  %s\n", time.Unix(rec.CreatedAt, 0).Format(time.RFC3339))
			fmt.Fprintln(out, "plan:")
			fmt.Fprintf(out, "  %s\n", string(rec.Plan))
			fmt.Fprintf(out, "events (%d):\n", len(rec.Events))
			for _, ev := range rec.Events {
				fmt.Fprintf(out, "  [%s] %s %s\n", time.Unix(ev.At, 0).Format(time.RFC3339), ev.Kind, string(ev.Payload))
			}
			return nil
		},
	}
}
