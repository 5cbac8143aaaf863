// Package main applies the orchestration schema. Migrations are read from
// -path or database.migration_path, falling back to the copy compiled into the
// binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/database"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/migrations"
)

const connectTimeout = 30 * time.Second

type action int

const (
	actionNone action = iota
	actionUp
	actionDown
	actionSteps
	actionVersion
	actionForce
)

type options struct {
	action action
	steps  int
	force  int
	path   string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	up := fs.Bool("up", false, "apply all pending migrations")
	down := fs.Bool("down", false, "roll back all migrations")
	steps := fs.Int("steps", 0, "apply N migrations (negative rolls back)")
	version := fs.Bool("version", false, "print the current schema version")
	force := fs.Int("force", -1, "set the schema version without migrating (clears the dirty flag)")
	path := fs.String("path", "", "read migrations from this directory instead of the embedded set")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{steps: *steps, force: *force, path: *path}
	selected := map[action]bool{
		actionUp:      *up,
		actionDown:    *down,
		actionSteps:   *steps != 0,
		actionVersion: *version,
		actionForce:   *force >= 0,
	}
	for a, set := range selected {
		if !set {
			continue
		}
		if opts.action != actionNone {
			return options{}, errors.New("specify only one of -up, -down, -steps, -version, -force")
		}
		opts.action = a
	}
	if opts.action == actionNone {
		fs.Usage()
		return options{}, errors.New("no action specified")
	}
	return opts, nil
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}).With().Str("component", "migrate").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	dir := opts.path
	if dir == "" {
		dir = cfg.Database.MigrationPath
	}
	migrator, err := openMigrator(db, dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := apply(migrator, opts, logger); err != nil {
		return err
	}
	logVersion(migrator, logger)
	return nil
}

// openMigrator prefers a directory on disk when one exists.
func openMigrator(db *database.DB, dir string, logger zerolog.Logger) (*database.Migrator, error) {
	if dir != "" {
		if _, statErr := os.Stat(dir); statErr == nil {
			logger.Info().Str("path", dir).Msg("using migrations from disk")
			m, err := database.NewMigrator(db, dir, logger)
			if err != nil {
				return nil, fmt.Errorf("create migrator: %w", err)
			}
			return m, nil
		}
		logger.Warn().Str("path", dir).Msg("migration directory not found, using embedded migrations")
	}
	m, err := database.NewEmbeddedMigrator(db, migrations.FS, logger)
	if err != nil {
		return nil, fmt.Errorf("create embedded migrator: %w", err)
	}
	return m, nil
}

func apply(m *database.Migrator, opts options, logger zerolog.Logger) error {
	switch opts.action {
	case actionUp:
		logger.Info().Msg("applying pending migrations")
		if err := m.Up(); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case actionDown:
		logger.Warn().Msg("rolling back all migrations")
		if err := m.Down(); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case actionSteps:
		logger.Info().Int("steps", opts.steps).Msg("applying migration steps")
		if err := m.Steps(opts.steps); err != nil {
			return fmt.Errorf("migrate steps: %w", err)
		}
	case actionForce:
		logger.Warn().Int("version", opts.force).Msg("forcing schema version")
		if err := m.Force(opts.force); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	case actionVersion:
	}
	return nil
}

func logVersion(m *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := m.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine schema version")
		return
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("current schema version")
}
