//go:build integration

// Package dbtest starts a disposable PostgreSQL container with the service schema applied.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/database"
	"github.com/helixir/orchestration-service/migrations"
)

const (
	dbName     = "orchestration_test"
	dbUser     = "orchestrator"
	dbPassword = "orchestrator"
)

// Start runs a postgres container, applies the embedded migrations and returns a connected pool.
// The container and pool are released when the test finishes.
func Start(t *testing.T) *database.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := &config.DatabaseConfig{
		Host:              host,
		Port:              port.Int(),
		Name:              dbName,
		User:              dbUser,
		Password:          dbPassword,
		SSLMode:           "disable",
		MaxConns:          5,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    10 * time.Second,
	}

	logger := zerolog.Nop()
	db, err := database.New(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	migrator, err := database.NewEmbeddedMigrator(db, migrations.FS, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())

	return db
}
