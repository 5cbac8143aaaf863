// Package main provides the entry point for the orchestration Temporal worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/orchestration-service/internal/agent"
	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/chunking"
	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/database"
	"github.com/helixir/orchestration-service/internal/embedding"
	"github.com/helixir/orchestration-service/internal/events"
	"github.com/helixir/orchestration-service/internal/extract"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/qdrant"
	"github.com/helixir/orchestration-service/internal/repository"
	"github.com/helixir/orchestration-service/internal/temporal"
	"github.com/helixir/orchestration-service/internal/temporal/activities"
	"github.com/helixir/orchestration-service/internal/temporal/workflows"
	"github.com/helixir/orchestration-service/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "worker").Logger()
	logger.Info().Msg("orchestration worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	sessionRepo := repository.NewPgSessionRepository(db)
	messageRepo := repository.NewPgMessageRepository(db)
	documentRepo := repository.NewPgDocumentRepository(db)
	chunkRepo := repository.NewPgChunkRepository(db)

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	redisBroker, pools := broker.NewFromConfig(cfg.Redis, cfg.Publisher, logger)
	defer func() {
		if closeErr := pools.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close broker pools")
		}
	}()
	if err := redisBroker.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis broker connected")

	publisher := events.NewPublisher(redisBroker, cfg.Publisher, metrics, logger)
	cancels := broker.NewCancelFlags(redisBroker, broker.DefaultCancelTTL)

	agents, err := buildAgentRegistry(cfg.Agent, metrics)
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}

	qdrantClient, err := qdrant.NewClient(qdrant.ConfigFromSettings(cfg.Qdrant))
	if err != nil {
		return fmt.Errorf("create qdrant client: %w", err)
	}
	defer qdrantClient.Close()

	if err := qdrantClient.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure qdrant collection: %w", err)
	}
	logger.Info().Str("address", cfg.Qdrant.Address).Str("collection", cfg.Qdrant.CollectionName).Msg("qdrant client connected")

	extractor, err := extract.New(extract.Config{
		MaxBytes:      cfg.Extraction.MaxBytes,
		PDFLicenseKey: cfg.Extraction.PDFLicenseKey,
	})
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}

	chatActivities := activities.NewChatActivities(sessionRepo, messageRepo, agents, publisher, cancels, metrics).
		WithHistoryLimit(cfg.Session.HistoryLimit)
	documentActivities := activities.NewDocumentActivities(activities.DocumentDeps{
		Documents: documentRepo,
		Chunks:    chunkRepo,
		Extractor: extractor,
		Splitter: chunking.New(chunking.Config{
			Size:      cfg.Chunking.Size,
			Overlap:   cfg.Chunking.Overlap,
			MaxChunks: cfg.Chunking.MaxChunks,
		}),
		Embedder: embedding.NewClient(cfg.Embedding, metrics),
		Vectors:  qdrantClient,
		Events:   publisher,
		Cancels:  cancels,
		Metrics:  metrics,
	})
	eventActivities := activities.NewEventActivities(publisher)

	temporalClient, err := temporal.NewClient(
		temporal.ClientConfigFromSettings(cfg.Temporal, observability.NewTemporalLogger(logger)).
			WithIdentity(processIdentity("orchestration-worker")),
	)
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer temporalClient.Close()
	logger.Info().
		Str("host_port", cfg.Temporal.HostPort).
		Str("namespace", cfg.Temporal.Namespace).
		Msg("temporal client connected")

	workerManager, err := temporal.NewWorkerManager(
		temporalClient,
		temporal.WorkerConfigFromSettings(cfg.Temporal),
		workflows.Registrations(chatActivities, documentActivities, eventActivities),
	)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("task_queue", workerManager.TaskQueue()).
			Strs("workflows", workerManager.Workflows()).
			Msg("temporal worker starting")
		return workerManager.Start(gctx)
	})

	if cfg.Metrics.Enabled {
		metricsServer := newMetricsServer(cfg)
		g.Go(func() error {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	// Drain in-flight publishes before the broker pools close.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if flushErr := publisher.Flush(flushCtx); flushErr != nil {
		logger.Warn().Err(flushErr).Msg("event publisher did not drain")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
		return err
	}
	logger.Info().Msg("orchestration worker shutdown complete")
	return nil
}

// buildAgentRegistry binds an HTTP engine to every agent kind. All engines share
// one rate-limited client to the agent execution engine.
func buildAgentRegistry(cfg config.AgentConfig, metrics *observability.Metrics) (*agent.Registry, error) {
	fallback, ok := agent.ParseKind(cfg.DefaultKind)
	if !ok {
		fallback = agent.KindConversational
	}

	client := upstream.NewClient(upstream.Config{
		Service:    "agent",
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		MaxRetries: 1,
		RetryDelay: time.Second,
		UserAgent:  "helixir-orchestrator/1.0",
		APIKey:     cfg.APIKey,
	}, metrics)

	registry := agent.NewRegistry(fallback)
	for _, kind := range agent.Kinds {
		if err := registry.Register(kind, agent.NewHTTPEngine(client, kind)); err != nil {
			return nil, err
		}
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}

func processIdentity(component string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return component
	}
	return component + "@" + host
}

func newMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	return &http.Server{
		Addr:              cfg.Server.MetricsAddress(),
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}
