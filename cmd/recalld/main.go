// Recalld is a hierarchical memory daemon with an HTTP transport.
//
// This binary starts the recalld HTTP server with full service
// initialization: relational and vector stores, the embedding
// provider, background lifecycle workers, and the retrieval engine.
//
// Configuration is loaded from ~/.config/recalld/config.yaml and
// RECALLD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory stores, fake embedder)
//	recalld
//
//	# Run against Postgres and Qdrant
//	RECALLD_RELATIONAL_DRIVER=postgres \
//	RECALLD_RELATIONAL_DSN='postgres://recalld@localhost/recalld?sslmode=disable' \
//	RECALLD_VECTOR_PROVIDER=qdrant recalld
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/httpapi"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
	"github.com/fyrsmithlabs/recalld/internal/repository"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/service"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
	"github.com/fyrsmithlabs/recalld/internal/tiers"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/recalld/config.yaml)")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  recalld           Start the recalld daemon\n")
			fmt.Fprintf(os.Stderr, "  recalld version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("recalld by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the recalld server and blocks until context cancellation
// or a server error.
//
// Initialization order:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the structured logger
//  3. Opens the relational store, vector store, and embedder
//  4. Assembles the repository and starts its background workers
//  5. Wires the retrieval engine, tier manager, and memory service
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromApp(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		// Shutdown applies its configured timeout.
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zlog := logger.Underlying()

	logger.Info(ctx, "starting recalld",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("relational_driver", cfg.Relational.Driver),
		zap.String("vector_provider", cfg.Vector.Provider),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(ctx, cfg, zlog)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "dependencies initialized",
		zap.Int("embedding_dim", cfg.Embedding.Dim),
		zap.Duration("touch_flush_interval", cfg.Retrieval.TouchFlushInterval),
		zap.Duration("repair_interval", cfg.Tiers.RepairInterval))

	svc, manager, err := initServices(deps, cfg, zlog)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}

	deps.repo.Start(ctx)
	manager.Start(ctx)
	defer manager.Stop()

	logger.Info(ctx, "lifecycle workers started",
		zap.Duration("sweep_interval", cfg.Tiers.SweepInterval),
		zap.Int("sweep_batch", cfg.Tiers.SweepBatch))

	httpSrv, err := httpapi.NewServer(svc, httpapi.ConfigFrom(cfg), zlog)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpSrv.Start()
	}()

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", "/healthz"),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("api_prefix", "/v1"))

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "server shutdown error", zap.Error(err))
		return err
	}

	logger.Info(ctx, "server stopped gracefully")
	return nil
}

// dependencies holds the storage and embedding infrastructure.
type dependencies struct {
	repo     *repository.Repository
	embedder embeddings.Provider
	logger   *zap.Logger
}

// Close releases infrastructure resources. The repository stops its
// workers and closes both stores.
func (d *dependencies) Close() {
	if d.repo != nil {
		if err := d.repo.Close(); err != nil {
			d.logger.Warn("repository close error", zap.Error(err))
		}
	}
	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			d.logger.Warn("embedder close error", zap.Error(err))
		}
	}
}

// initLogger builds the structured logger, bridging to OTEL when a
// log provider is configured.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg, err := logging.FromApp(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// initDependencies opens both storage halves and the embedder, then
// assembles the repository and verifies its collections.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	var rel relstore.Store
	switch cfg.Relational.Driver {
	case "postgres":
		pg, err := relstore.NewPostgres(ctx, cfg.Relational, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		rel = pg
	default:
		rel = relstore.NewInMem()
	}

	vec, err := vectorstore.New(cfg.Vector, cfg.Embedding.Dim, logger)
	if err != nil {
		_ = rel.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	embedder, err := embeddings.NewProvider(cfg.Embedding, logger)
	if err != nil {
		_ = rel.Close()
		_ = vec.Close()
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}

	repo, err := repository.New(rel, vec, embedder, repository.ConfigFrom(cfg), logger)
	if err != nil {
		_ = rel.Close()
		_ = vec.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("create repository: %w", err)
	}

	// Idempotent; creates one collection per tier.
	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repo.EnsureCollections(ensureCtx); err != nil {
		_ = repo.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("ensure collections: %w", err)
	}

	return &dependencies{
		repo:     repo,
		embedder: embedder,
		logger:   logger,
	}, nil
}

// initServices wires the retrieval engine, tier manager, importance
// assessor, and the memory service facade.
func initServices(deps *dependencies, cfg *config.Config, logger *zap.Logger) (*service.Service, *tiers.Manager, error) {
	engine, err := retrieval.NewEngine(deps.repo, deps.embedder, retrieval.ConfigFrom(cfg), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create retrieval engine: %w", err)
	}

	manager, err := tiers.NewManager(deps.repo, tiers.ConfigFrom(cfg), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create tier manager: %w", err)
	}

	assessor := memory.NewAssessor(cfg.Importance.AssessorConfig())

	svc, err := service.New(deps.repo, engine, manager, deps.embedder, assessor, service.ConfigFrom(cfg), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create memory service: %w", err)
	}

	return svc, manager, nil
}
