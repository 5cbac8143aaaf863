//go:build tools
// +build tools

// Package tools imports dependencies that are used by this project but not directly
// imported in the main codebase. This ensures they are tracked in go.mod.
package tools

import (
	// Migrations
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	// Testing
	_ "github.com/pashagolub/pgxmock/v4"
	_ "github.com/prometheus/client_model/go"
	_ "github.com/testcontainers/testcontainers-go/modules/postgres"
)
