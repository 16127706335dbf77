package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/noesis/internal/api"
	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/keeper"
	"github.com/starford/noesis/internal/mcpserver"
	"github.com/starford/noesis/internal/metaresolver"
	"github.com/starford/noesis/internal/providers"
	"github.com/starford/noesis/internal/queue"
	"github.com/starford/noesis/internal/sse"
	"github.com/starford/noesis/internal/vectorstore"
	"github.com/starford/noesis/internal/worker"
)

// Stores bundles the Keeper together with the dependency-order machinery
// that built it (MetaResolver, PendingQueue, and the three SQLite
// handles), so both Run (long-lived server) and a one-shot CLI op
// (`noesis put`/`get`/`find`/`tag`/`delete`) can share the exact same
// construction path and close everything down symmetrically.
type Stores struct {
	Keeper *keeper.Keeper
	Meta   *metaresolver.Resolver
	Queue  *queue.Queue
	Router *providers.Router

	docs    *docstore.DB
	vectors *vectorstore.Store
}

// Close releases the three SQLite handles in reverse-open order.
func (s *Stores) Close() error {
	var errs []error
	if err := s.Queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.vectors.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.docs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Open wires every component in dependency order (DocStore,
// VectorStore, PendingQueue, MetaResolver, ProviderRouter, Keeper) from
// cfg, without starting any long-running server or worker — this is the
// construction path shared by Run and by the `noesis put/get/find/tag/
// delete` one-shot CLI commands, which need a working Keeper but not an
// HTTP/MCP surface or a background pool.
func Open(cfg *Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.Store.SystemDocsDir != "" {
		if err := os.MkdirAll(cfg.Store.SystemDocsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create system docs dir: %w", err)
		}
	}

	// DocStore.
	docs, err := docstore.Open(cfg.Store.DocStorePath())
	if err != nil {
		return nil, fmt.Errorf("init docstore: %w", err)
	}

	// VectorStore.
	vectors, err := vectorstore.Open(cfg.Store.VectorStorePath())
	if err != nil {
		docs.Close()
		return nil, fmt.Errorf("init vectorstore: %w", err)
	}

	// PendingQueue.
	pq, err := queue.Open(cfg.Store.QueuePath(), 5)
	if err != nil {
		vectors.Close()
		docs.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	// MetaResolver, reading directly off the DocStore.
	meta, err := metaresolver.New(docs)
	if err != nil {
		pq.Close()
		vectors.Close()
		docs.Close()
		return nil, fmt.Errorf("init metaresolver: %w", err)
	}

	// ProviderRouter. The reembed fan-out target is wired in after
	// Keeper exists, since Keeper is the only ReembedEnqueuer.
	embedder := providers.NewDedupedEmbedder(providers.NewOllamaEmbedder(cfg.Providers.Embedder.BaseURL, cfg.Providers.Embedder.Model))
	summarizer := providers.NewOllamaSummarizer(cfg.Providers.Summarizer.BaseURL, cfg.Providers.Summarizer.Model)
	fetcher := providers.NewCompositeFetcher(map[string]providers.Fetcher{
		"http":  providers.NewHTTPFetcher(cfg.Providers.FetchTimeout),
		"https": providers.NewHTTPFetcher(cfg.Providers.FetchTimeout),
		"file":  providers.FileFetcher{},
	})
	router := providers.New(vectors, nil, embedder, summarizer, nil, nil, fetcher)

	keeperCfg := keeperConfigFromSettings(cfg.Keeper)
	k, err := keeper.New(docs, vectors, pq, meta, router, keeperCfg, logger)
	if err != nil {
		pq.Close()
		vectors.Close()
		docs.Close()
		return nil, fmt.Errorf("init keeper: %w", err)
	}
	router.SetReembedEnqueuer(k)

	stats, err := metaresolver.SeedBundled(k)
	if err != nil {
		logger.Warn("seeding bundled system docs failed", slog.String("error", err.Error()))
	} else {
		logger.Info("bundled system docs seeded", slog.Int("created", stats.Created), slog.Int("skipped", stats.Skipped))
	}
	if err := meta.Refresh(); err != nil {
		logger.Warn("metaresolver refresh after seed failed", slog.String("error", err.Error()))
	}

	return &Stores{Keeper: k, Meta: meta, Queue: pq, Router: router, docs: docs, vectors: vectors}, nil
}

// Run starts the application with the given options: it wires every
// component via Open, then runs the HTTP server, MCP stdio server, queue
// worker pool, and MetaResolver's system-doc watcher together under one
// errgroup until a shutdown signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Store.DataDir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	stores, err := Open(cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	k := stores.Keeper
	meta := stores.Meta
	pq := stores.Queue

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)

	// Build chi router.
	apiRouter := api.NewRouter(k, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Mount("/health", api.HealthRouter())
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	pool := worker.New(pq, k, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		ClaimBatch:   cfg.Worker.ClaimBatch,
		PollInterval: cfg.Worker.PollInterval,
	}, logger)

	mcp := mcpserver.New(k)

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pool.Run(gCtx)
		return nil
	})

	if cfg.Store.SystemDocsDir != "" {
		g.Go(func() error {
			if err := meta.Watch(gCtx, cfg.Store.SystemDocsDir, logger); err != nil {
				logger.Warn("metaresolver watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Starting MCP stdio server")
		if err := mcp.ServeStdio(); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		broker.Close()

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// keeperConfigFromSettings overlays YAML-supplied KeeperSettings onto
// keeper.DefaultConfig(), so an omitted field keeps the default rather
// than falling back to Go's zero value.
func keeperConfigFromSettings(s KeeperSettings) keeper.Config {
	cfg := keeper.DefaultConfig()
	if s.DefaultTags != nil {
		cfg.DefaultTags = s.DefaultTags
	}
	if s.RequiredTags != nil {
		cfg.RequiredTags = s.RequiredTags
	}
	if s.MaxSummaryLength > 0 {
		cfg.MaxSummaryLength = s.MaxSummaryLength
	}
	if s.SimilarLimit > 0 {
		cfg.SimilarLimit = s.SimilarLimit
	}
	if s.MetaLimit > 0 {
		cfg.MetaLimit = s.MetaLimit
	}
	if s.VersionNavLimit > 0 {
		cfg.VersionNavLimit = s.VersionNavLimit
	}
	if s.RecencyHalfLife > 0 {
		cfg.RecencyHalfLife = s.RecencyHalfLife
	}
	if s.FindCandidateCap > 0 {
		cfg.FindCandidateCap = s.FindCandidateCap
	}
	if s.DeepFindBudget > 0 {
		cfg.DeepFindBudget = s.DeepFindBudget
	}
	if s.DeepFindDepth > 0 {
		cfg.DeepFindDepth = s.DeepFindDepth
	}
	return cfg
}
