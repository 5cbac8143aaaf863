// Package main provides the entry point for the orchestration HTTP API server.
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
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/database"
	"github.com/helixir/orchestration-service/internal/ingest"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/repository"
	httpserver "github.com/helixir/orchestration-service/internal/server/http"
	"github.com/helixir/orchestration-service/internal/stream"
	"github.com/helixir/orchestration-service/internal/temporal"
	"github.com/helixir/orchestration-service/migrations"
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
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("orchestration server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	if cfg.Database.MigrationAutoRun {
		if err := migrate(db, cfg, logger); err != nil {
			return err
		}
	}

	sessionRepo := repository.NewPgSessionRepository(db)
	documentRepo := repository.NewPgDocumentRepository(db)

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

	temporalClient, err := temporal.NewClient(
		temporal.ClientConfigFromSettings(cfg.Temporal, observability.NewTemporalLogger(logger)).
			WithIdentity(processIdentity("orchestration-server")),
	)
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	logger.Info().
		Str("host_port", cfg.Temporal.HostPort).
		Str("namespace", cfg.Temporal.Namespace).
		Msg("temporal client connected")

	manager := temporal.NewWorkflowManager(
		temporalClient,
		temporal.ManagerConfigFromSettings(cfg.Temporal, cfg.Session),
		sessionRepo,
		metrics,
		logger,
	)
	defer manager.Close()

	httpSrv := httpserver.NewServer(httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, httpserver.Dependencies{
		Workflows: manager,
		Sessions:  sessionRepo,
		Documents: documentRepo,
		Cancels:   broker.NewCancelFlags(redisBroker, broker.DefaultCancelTTL),
		Streams:   stream.NewBridge(redisBroker, cfg.Stream, metrics, logger),
		Checks: []httpserver.ReadinessCheck{
			{Name: "database", Check: db.Ready},
			{Name: "redis", Check: redisBroker.Ping},
			{Name: "temporal", Check: manager.Health},
		},
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = newMetricsServer(cfg)
		g.Go(func() error {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		listener := ingest.NewListener(ingest.ConfigFromSettings(cfg.Kafka), manager, metrics, logger)
		g.Go(func() error {
			defer func() {
				if closeErr := listener.Close(); closeErr != nil {
					logger.Error().Err(closeErr).Msg("failed to close upload listener")
				}
			}()
			if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("upload listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down orchestration server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
		}
		return nil
	})

	logger.Info().
		Str("http_address", cfg.Server.HTTPAddress()).
		Bool("kafka_enabled", cfg.Kafka.Enabled).
		Msg("orchestration server is ready")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("orchestration server shutdown complete")
	return nil
}

func migrate(db *database.DB, cfg *config.Config, logger zerolog.Logger) error {
	var (
		migrator *database.Migrator
		err      error
	)
	if cfg.Database.MigrationPath == "" {
		migrator, err = database.NewEmbeddedMigrator(db, migrations.FS, logger)
	} else {
		migrator, err = database.NewMigrator(db, cfg.Database.MigrationPath, logger)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// processIdentity names this process in workflow histories.
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
