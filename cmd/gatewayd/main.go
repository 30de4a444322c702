// Package main is the gatewayd binary: the conversational agent
// gateway's process entry point. It loads configuration, wires storage,
// the agent loop's dependencies, the gateway server, and the maintenance
// supervisor, then serves until a shutdown signal arrives. Grounded on
// the teacher's cmd/nexus entry point (cobra root command, JSON slog
// handler default, a "serve" subcommand that runs until SIGINT/SIGTERM),
// narrowed to this spec's single long-running server process instead of
// the teacher's much larger CLI surface (channels, plugins, skills, MCP,
// onboarding, etc. are out of this spec's scope).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaygate/conduit/internal/agent"
	"github.com/relaygate/conduit/internal/agent/embedders/openai"
	"github.com/relaygate/conduit/internal/agent/providers/anthropic"
	"github.com/relaygate/conduit/internal/auth"
	"github.com/relaygate/conduit/internal/config"
	"github.com/relaygate/conduit/internal/connmgr"
	"github.com/relaygate/conduit/internal/gateway"
	"github.com/relaygate/conduit/internal/memory"
	"github.com/relaygate/conduit/internal/memory/lexical"
	"github.com/relaygate/conduit/internal/memory/vector"
	"github.com/relaygate/conduit/internal/observability"
	"github.com/relaygate/conduit/internal/permission"
	"github.com/relaygate/conduit/internal/queue"
	"github.com/relaygate/conduit/internal/statecache"
	"github.com/relaygate/conduit/internal/summarizer"
	"github.com/relaygate/conduit/internal/supervisor"
	"github.com/relaygate/conduit/internal/tools"
	"github.com/relaygate/conduit/internal/tools/builtin"
	"github.com/relaygate/conduit/internal/tools/policy"
	"github.com/relaygate/conduit/pkg/model"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

const defaultSystemPrompt = `You are a conversational agent with access to tools and a long-term
memory search facility. Use tools when they let you answer more
accurately; ask before taking actions the policy marks as requiring
permission. Keep replies concise and grounded in the conversation's
actual history and retrieved memory.`

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gatewayd",
		Short:        "Conversational agent gateway core",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

// buildServeCmd creates the "serve" command that starts the gateway
// server and blocks until a shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the conversational agent gateway: accept client connections,
run the connect handshake, and serve chat turns through the agent loop
until SIGINT/SIGTERM triggers a graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})))
			}
			return runServe(cmd.Context(), configPath, dataDir)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to YAML/JSON5 configuration file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for session state, event logs, and memory storage")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath, dataDir string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.Info("configuration loaded",
		"gateway_addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"model", cfg.LLM.ModelName,
		"embeddings_enabled", cfg.Memory.Embeddings.Enabled,
	)

	provider, err := anthropic.New(anthropic.Config{
		APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		DefaultModel: cfg.LLM.ModelName,
	})
	if err != nil {
		return fmt.Errorf("gatewayd: anthropic provider: %w", err)
	}

	embedder := newEmbedder(cfg)

	states, err := statecache.New(filepath.Join(dataDir, "state"))
	if err != nil {
		return fmt.Errorf("gatewayd: statecache: %w", err)
	}
	eventDir := filepath.Join(dataDir, "events")

	memMgr, err := newMemoryManager(cfg, dataDir, embedder, provider)
	if err != nil {
		return err
	}

	extractor := memory.NewExtractor(provider, cfg.LLM.MemoryExtractionModel, memMgr)
	summ := summarizer.New(provider)

	registry := tools.NewRegistry()
	registry.Register(builtin.NewShellExecTool(config.ShellToolTimeout))

	pol := &policy.Policy{Allow: cfg.Policy.Allow, Ask: cfg.Policy.Ask, Deny: cfg.Policy.Deny}

	metrics := observability.New()

	jobs := queue.NewManager(0)
	jobs.SetMetrics(metrics)

	authSvc := auth.NewService(auth.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		TokenExpiry:   cfg.Auth.TokenExpiry,
		AllowedTokens: cfg.Auth.AllowedTokens,
	})
	if authSvc.Enabled() {
		slog.Info("connect-time auth hook enabled")
	}

	loopCfg := agent.Config{
		PromptTurns:        cfg.Memory.Retrieval.RecentTurnsLimit,
		SystemPrompt:       defaultSystemPrompt,
		PermissionTimeout:  config.PermissionTimeout,
		Model:              cfg.LLM.ModelName,
		SummarizationModel: cfg.LLM.SummarizationModel,
		MemorySearchLimit:  cfg.Memory.Retrieval.StructuredLimit,
	}
	loopDeps := agent.Deps{
		Provider:   provider,
		Memory:     memMgr,
		Extractor:  extractor,
		Summarizer: summ,
		Metrics:    metrics,
		Compaction: summarizer.Config{
			Threshold:       cfg.Compaction.Threshold,
			KeepRecentTurns: cfg.Compaction.KeepRecentTurns,
			MinTurns:        cfg.Compaction.MinTurns,
			ContextWindow:   cfg.LLM.ContextWindow,
			Model:           cfg.LLM.SummarizationModel,
		},
	}

	srv := gateway.NewServer(
		cfg.Gateway,
		slog.Default(),
		connmgr.New(),
		jobs,
		states,
		eventDir,
		permission.New(),
		registry,
		pol,
		loopCfg,
		loopDeps,
		cfg.LLM.ContextWindow,
		authSvc,
	)

	superDeps := newSupervisorDeps(states, memMgr, srv, cfg)
	superDeps.Metrics = metrics
	super := supervisor.New(newSupervisorConfig(cfg, eventDir), superDeps)
	if err := super.Start(); err != nil {
		return fmt.Errorf("gatewayd: start supervisor: %w", err)
	}

	configWatcher, err := config.NewWatcher(configPath, 0, slog.Default().With("component", "config_watcher"), func(fresh *config.Config) {
		srv.UpdatePolicy(&policy.Policy{Allow: fresh.Policy.Allow, Ask: fresh.Policy.Ask, Deny: fresh.Policy.Deny})
	})
	if err != nil {
		slog.Warn("config file watcher failed to start; policy hot-reload disabled", "error", err)
	} else {
		defer configWatcher.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv)
	httpServer := &http.Server{Addr: srv.Addr(), Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", srv.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("gatewayd: server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := super.Stop(shutdownCtx); err != nil {
		slog.Warn("supervisor stop timed out", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}
	slog.Info("gatewayd stopped gracefully")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("gatewayd: load config %s: %w", path, err)
	}
	return cfg, nil
}

func newEmbedder(cfg *config.Config) model.Embedder {
	if !cfg.Memory.Embeddings.Enabled {
		return nil
	}
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		slog.Warn("memory.embeddings.enabled is true but OPENAI_API_KEY is unset; proceeding without embeddings")
		return nil
	}
	emb, err := openai.New(openai.Config{APIKey: key, Model: cfg.LLM.EmbeddingModel})
	if err != nil {
		slog.Warn("failed to construct embedder, proceeding without embeddings", "error", err)
		return nil
	}
	return emb
}

func newMemoryManager(cfg *config.Config, dataDir string, embedder model.Embedder, provider model.LLMProvider) (*memory.Manager, error) {
	memDir := filepath.Join(dataDir, "memory")
	store, err := memory.NewStore(memDir)
	if err != nil {
		return nil, fmt.Errorf("gatewayd: memory store: %w", err)
	}
	lexIdx, err := lexical.Open(filepath.Join(memDir, "fts.db"))
	if err != nil {
		return nil, fmt.Errorf("gatewayd: lexical index: %w", err)
	}
	vecIdx := vector.New()

	mgr, err := memory.NewManager(memory.Config{
		MinImportance:     cfg.Memory.MinImportance,
		EmbeddingsEnabled: cfg.Memory.Embeddings.Enabled,
		VectorScanLimit:   cfg.Memory.VectorScanLimit,
		VectorTopK:        cfg.Memory.VectorTopK,
	}, store, lexIdx, vecIdx, embedder, provider)
	if err != nil {
		return nil, fmt.Errorf("gatewayd: memory manager: %w", err)
	}
	return mgr, nil
}

func newSupervisorConfig(cfg *config.Config, eventDir string) supervisor.Config {
	return supervisor.Config{
		EventLogDir:  eventDir,
		AttachWindow: time.Duration(cfg.Tasks.AttachWindowS) * time.Second,
		Logger:       slog.Default().With("component", "supervisor"),
	}
}

// newSupervisorDeps binds the supervisor's callbacks to this process's
// concrete statecache/memory/gateway instances, keeping internal/supervisor
// itself free of a dependency on internal/gateway or internal/statecache.
func newSupervisorDeps(states *statecache.Cache, memMgr *memory.Manager, srv *gateway.Server, cfg *config.Config) supervisor.Deps {
	attachWindow := time.Duration(cfg.Tasks.AttachWindowS) * time.Second
	return supervisor.Deps{
		SessionIDs: func() ([]string, error) {
			sessions, err := states.List()
			if err != nil {
				return nil, err
			}
			ids := make([]string, len(sessions))
			for i, st := range sessions {
				ids[i] = st.SessionID
			}
			return ids, nil
		},
		Memory: memMgr,
		StaleRuns: func(olderThan time.Duration) []supervisor.RunInfo {
			if olderThan <= 0 {
				olderThan = attachWindow
			}
			cutoff := time.Now().Add(-olderThan)
			var stale []supervisor.RunInfo
			for _, r := range srv.ActiveRuns() {
				if r.StartedAt.Before(cutoff) {
					stale = append(stale, supervisor.RunInfo{
						SessionID: r.SessionID,
						RunID:     r.RunID,
						UpdatedAt: r.StartedAt,
					})
				}
			}
			return stale
		},
		ReapRun: func(info supervisor.RunInfo, reason string) {
			slog.Warn("reaping stale run", "session_id", info.SessionID, "run_id", info.RunID, "reason", reason)
			srv.ReapRun(info.SessionID, info.RunID)
		},
	}
}
