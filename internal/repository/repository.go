// Package repository provides data access interfaces and PostgreSQL implementations
// for sessions, messages, documents and document chunks.
//
// # Repository Interfaces
//
//   - SessionRepository: chat sessions and the workflow identity recorded on them
//   - MessageRepository: idempotent persistence of chat messages
//   - DocumentRepository: document lifecycle and the per-user queue completion claim
//   - ChunkRepository: chunk text and embeddings of a document
//
// # Thread Safety
//
// All repository implementations are safe for concurrent use by multiple goroutines.
// The underlying pgxpool handles connection pooling and synchronization.
//
// # Error Handling
//
// Methods return domain errors:
//
//   - domain.ErrNotFound: the owning row does not exist (or was deleted mid-flight)
//   - domain.ErrInvalidInput: invalid parameters provided
//
// Database errors are wrapped with fmt.Errorf and %w.
//
// # Transactions
//
// Repositories accept DBTX so they can run on a pool or inside a transaction.
// Methods that need several statements to be atomic open their own transaction
// through DBTX.Begin, which becomes a savepoint when DBTX is already a transaction.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/orchestration-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
//
//	err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    return repository.NewPgDocumentRepository(tx).MarkReady(ctx, id, n)
//	})
type DBTX = database.DBTX

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505" // unique_violation
	pgForeignKeyViolation = "23503" // foreign_key_violation
)

// History limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// clampHistoryLimit normalizes a history limit to [1, maxHistoryLimit].
func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isPgUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isPgUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

// isPgForeignKeyViolation checks if the error is a PostgreSQL foreign key violation.
func isPgForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == pgForeignKeyViolation
}

// nullString returns a pointer to the string if non-empty, otherwise nil.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString returns the pointed-to string or the empty string.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
