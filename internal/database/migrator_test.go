package database

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// TestNewMigrator_Validation tests the input validation shared by both constructors.
func TestNewMigrator_Validation(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("fails with nil database", func(t *testing.T) {
		migrator, err := NewMigrator(nil, "/some/path", logger)
		assert.Nil(t, migrator)
		assert.ErrorContains(t, err, "database is required")
	})

	t.Run("fails with nil pool", func(t *testing.T) {
		migrator, err := NewMigrator(&DB{}, "/some/path", logger)
		assert.Nil(t, migrator)
		assert.ErrorContains(t, err, "database pool not initialized")
	})

	t.Run("embedded fails with nil database", func(t *testing.T) {
		migrator, err := NewEmbeddedMigrator(nil, nil, logger)
		assert.Nil(t, migrator)
		assert.ErrorContains(t, err, "database is required")
	})

	t.Run("embedded fails with nil pool", func(t *testing.T) {
		migrator, err := NewEmbeddedMigrator(&DB{}, nil, logger)
		assert.Nil(t, migrator)
		assert.ErrorContains(t, err, "database pool not initialized")
	})
}
