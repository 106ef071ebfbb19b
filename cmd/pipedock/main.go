package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pipedock/pipedock/internal/dispatch"
	"github.com/pipedock/pipedock/internal/engine"
	"github.com/pipedock/pipedock/internal/logging"
	"github.com/pipedock/pipedock/internal/pipelines"
	"github.com/pipedock/pipedock/internal/progress"
	"github.com/pipedock/pipedock/internal/scheduler"
	"github.com/pipedock/pipedock/internal/store"
	"github.com/pipedock/pipedock/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pipedock:", err)
		os.Exit(1)
	}
}

func run() error {
	dbPath := flag.String("db", envOr("PIPEDOCK_DB", "pipedock.db"), "path to the libSQL database (\"memory\" for ephemeral)")
	logLevel := flag.String("log-level", envOr("PIPEDOCK_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sessionStore store.SessionStore
	if *dbPath == "memory" {
		sessionStore = store.NewMemoryStore()
	} else {
		s, err := store.NewLibSQLStore(*dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		sessionStore = s
	}
	defer sessionStore.Close()

	if err := sessionStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Operation implementations are supplied by the embedding process:
	// register tools on the dispatch.Registry (per name or namespace) before
	// building the orchestrator. The stock binary ships the registry empty,
	// so pipeline.run rejects workflows until operations are registered;
	// pipeline.status and pipeline.list still work against the store.
	registry := dispatch.NewRegistry()
	if registry.Count() == 0 {
		logger.Warn("no operations registered; workflows will fail validation until tools are registered")
	}

	orchestrator, err := engine.New(registry, sessionStore, progress.NewHub(), engine.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	sched := scheduler.NewScheduler(orchestrator, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if serr := sched.Stop(); serr != nil {
			logger.Warn("scheduler stop failed", "error", serr)
		}
	}()

	srv := mcp.NewPipedockServer(mcp.PipedockServerDeps{
		Orchestrator: orchestrator,
		Library:      pipelines.NewLibrary(),
		Store:        sessionStore,
		Scheduler:    sched,
		Logger:       logger,
	})

	logger.Info("pipedock started", "db", *dbPath)
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
