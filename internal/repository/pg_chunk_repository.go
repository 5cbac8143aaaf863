package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Compile-time interface verification.
var _ ChunkRepository = (*PgChunkRepository)(nil)

// PgChunkRepository is a PostgreSQL implementation of ChunkRepository.
type PgChunkRepository struct {
	db DBTX
}

// NewPgChunkRepository creates a new PostgreSQL chunk repository.
func NewPgChunkRepository(db DBTX) *PgChunkRepository {
	return &PgChunkRepository{db: db}
}

// ReplaceChunks deletes the document's chunks and inserts the given ones in a single transaction.
func (r *PgChunkRepository) ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	ids := make([]uuid.UUID, len(chunks))
	indexes := make([]int32, len(chunks))
	contents := make([]string, len(chunks))
	starts := make([]int32, len(chunks))
	ends := make([]int32, len(chunks))
	for i, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		ids[i] = c.ID
		indexes[i] = int32(c.Index)
		contents[i] = c.Content
		starts[i] = int32(c.StartOffset)
		ends[i] = int32(c.EndOffset)
	}

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("failed to delete previous chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}

		insertQuery := `
			INSERT INTO document_chunks (id, document_id, chunk_index, content, start_offset, end_offset)
			SELECT c.id, $1, c.chunk_index, c.content, c.start_offset, c.end_offset
			FROM unnest($2::uuid[], $3::int[], $4::text[], $5::int[], $6::int[])
				AS c(id, chunk_index, content, start_offset, end_offset)`

		if _, err := tx.Exec(ctx, insertQuery, documentID, ids, indexes, contents, starts, ends); err != nil {
			if isPgForeignKeyViolation(err) {
				return domain.NewNotFoundError("document", documentID)
			}
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
		return nil
	})
}

// ListChunks returns the document's chunks ordered by index.
func (r *PgChunkRepository) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	query := `
		SELECT id, document_id, chunk_index, content, start_offset, end_offset, embedding
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC`

	rows, err := r.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.StartOffset, &c.EndOffset, &c.Embedding,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}

	return chunks, nil
}

// SaveEmbeddings stores the embedding of each chunk.
func (r *PgChunkRepository) SaveEmbeddings(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		query := `UPDATE document_chunks SET embedding = $1 WHERE document_id = $2 AND chunk_index = $3`
		for _, c := range chunks {
			result, err := tx.Exec(ctx, query, c.Embedding, documentID, c.Index)
			if err != nil {
				return fmt.Errorf("failed to save embedding of chunk %d: %w", c.Index, err)
			}
			if result.RowsAffected() == 0 {
				return domain.NewNotFoundError("chunk", fmt.Sprintf("%s#%d", documentID, c.Index))
			}
		}
		return nil
	})
}
