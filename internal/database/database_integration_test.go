//go:build integration

package database_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/orchestration-service/internal/database/dbtest"
)

func TestDB_Postgres(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()

	t.Run("health reports a healthy pool", func(t *testing.T) {
		health := db.Health(ctx)
		assert.Equal(t, "healthy", health.Status)
		assert.Empty(t, health.Error)
		assert.NoError(t, db.Ready(ctx))
	})

	t.Run("migrations created the schema", func(t *testing.T) {
		var count int
		err := db.QueryRow(ctx,
			`SELECT count(*) FROM information_schema.tables WHERE table_name IN ('sessions', 'messages', 'documents', 'document_chunks')`,
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `INSERT INTO sessions (id, user_id, tenant_id) VALUES ('tx-sess', 'u', 't')`); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		var exists bool
		require.NoError(t, db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = 'tx-sess')`).Scan(&exists))
		assert.False(t, exists)
	})
}
