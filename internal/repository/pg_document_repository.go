package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Compile-time interface verification.
var _ DocumentRepository = (*PgDocumentRepository)(nil)

const documentColumns = `id, user_id, tenant_id, filename, mime_type, status, error_message, chunk_count, created_at, updated_at`

// PgDocumentRepository is a PostgreSQL implementation of DocumentRepository.
type PgDocumentRepository struct {
	db DBTX
}

// NewPgDocumentRepository creates a new PostgreSQL document repository.
func NewPgDocumentRepository(db DBTX) *PgDocumentRepository {
	return &PgDocumentRepository{db: db}
}

// Create inserts a new queued document.
func (r *PgDocumentRepository) Create(ctx context.Context, doc *domain.Document, content []byte) error {
	if doc == nil {
		return domain.NewValidationError("document", "document cannot be nil")
	}
	if doc.ID == "" {
		return domain.NewValidationError("id", "document ID is required")
	}
	if doc.UserID == "" {
		return domain.NewValidationError("user_id", "user ID is required")
	}
	if doc.TenantID == "" {
		return domain.NewValidationError("tenant_id", "tenant ID is required")
	}
	if len(content) == 0 {
		return domain.NewValidationError("content", "document content cannot be empty")
	}

	query := `
		INSERT INTO documents (id, user_id, tenant_id, filename, mime_type, content, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued')
		RETURNING status, created_at, updated_at`

	var status string
	err := r.db.QueryRow(ctx, query,
		doc.ID, doc.UserID, doc.TenantID, doc.Filename, doc.MimeType, content,
	).Scan(&status, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("document", doc.ID)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)

	return nil
}

// Get retrieves document metadata by ID.
func (r *PgDocumentRepository) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`

	var (
		d            domain.Document
		status       string
		errorMessage *string
	)
	err := r.db.QueryRow(ctx, query, documentID).Scan(
		&d.ID, &d.UserID, &d.TenantID, &d.Filename, &d.MimeType, &status,
		&errorMessage, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("document", documentID)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	d.Status = domain.DocumentStatus(status)
	d.ErrorMessage = derefString(errorMessage)

	return &d, nil
}

// GetContent retrieves the raw bytes of a document.
func (r *PgDocumentRepository) GetContent(ctx context.Context, documentID string) (*domain.DocumentContent, error) {
	query := `SELECT id, filename, mime_type, content FROM documents WHERE id = $1`

	var c domain.DocumentContent
	err := r.db.QueryRow(ctx, query, documentID).Scan(&c.DocumentID, &c.Filename, &c.MimeType, &c.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("document", documentID)
		}
		return nil, fmt.Errorf("failed to get document content: %w", err)
	}

	return &c, nil
}

// MarkQueued resets a document to queued and re-arms the completion notification.
func (r *PgDocumentRepository) MarkQueued(ctx context.Context, documentID string) error {
	query := `
		UPDATE documents SET
			status = 'queued',
			error_message = NULL,
			completion_notified = false,
			updated_at = now()
		WHERE id = $1`

	return r.execOne(ctx, "mark document queued", documentID, query, documentID)
}

// UpdateStatus records the status of a running pipeline stage.
func (r *PgDocumentRepository) UpdateStatus(ctx context.Context, documentID string, status domain.DocumentStatus) error {
	query := `UPDATE documents SET status = $1, updated_at = now() WHERE id = $2`
	return r.execOne(ctx, "update document status", documentID, query, string(status), documentID)
}

// SaveExtractedText stores the extracted text of a document.
func (r *PgDocumentRepository) SaveExtractedText(ctx context.Context, documentID, text string) error {
	query := `UPDATE documents SET extracted_text = $1, updated_at = now() WHERE id = $2`
	return r.execOne(ctx, "save extracted text", documentID, query, text, documentID)
}

// GetExtractedText retrieves the extracted text of a document.
func (r *PgDocumentRepository) GetExtractedText(ctx context.Context, documentID string) (string, error) {
	var text *string
	err := r.db.QueryRow(ctx, `SELECT extracted_text FROM documents WHERE id = $1`, documentID).Scan(&text)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.NewNotFoundError("document", documentID)
		}
		return "", fmt.Errorf("failed to get extracted text: %w", err)
	}
	return derefString(text), nil
}

// MarkReady moves a document to ready with its final chunk count.
func (r *PgDocumentRepository) MarkReady(ctx context.Context, documentID string, chunkCount int) error {
	query := `
		UPDATE documents SET
			status = 'ready',
			chunk_count = $1,
			error_message = NULL,
			updated_at = now()
		WHERE id = $2`

	return r.execOne(ctx, "mark document ready", documentID, query, chunkCount, documentID)
}

// MarkFailed moves a document to failed with a visible error message.
func (r *PgDocumentRepository) MarkFailed(ctx context.Context, documentID, message string) error {
	query := `
		UPDATE documents SET
			status = 'failed',
			error_message = $1,
			updated_at = now()
		WHERE id = $2`

	return r.execOne(ctx, "mark document failed", documentID, query, message, documentID)
}

// ClaimQueueCompletion claims the user's queue completion notification.
//
// The check and the claim run in one transaction under a per-user advisory lock, so two
// documents finishing at the same time cannot both observe an all-terminal queue.
func (r *PgDocumentRepository) ClaimQueueCompletion(ctx context.Context, userID string) (*domain.QueueCompletion, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "user ID is required")
	}

	var completion domain.QueueCompletion
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return fmt.Errorf("failed to lock user queue: %w", err)
		}

		countQuery := `
			SELECT
				count(*) FILTER (WHERE status = 'ready'),
				count(*) FILTER (WHERE status = 'failed'),
				count(*) FILTER (WHERE status NOT IN ('ready', 'failed'))
			FROM documents
			WHERE user_id = $1 AND completion_notified = false`

		if err := tx.QueryRow(ctx, countQuery, userID).Scan(
			&completion.Ready, &completion.Failed, &completion.Pending,
		); err != nil {
			return fmt.Errorf("failed to count user documents: %w", err)
		}

		if completion.Pending > 0 || completion.Ready+completion.Failed == 0 {
			return nil
		}

		claimQuery := `
			UPDATE documents SET completion_notified = true
			WHERE user_id = $1 AND completion_notified = false`

		if _, err := tx.Exec(ctx, claimQuery, userID); err != nil {
			return fmt.Errorf("failed to claim queue completion: %w", err)
		}
		completion.Claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &completion, nil
}

// execOne runs an UPDATE expected to touch exactly one document.
func (r *PgDocumentRepository) execOne(ctx context.Context, op, documentID, query string, args ...interface{}) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("document", documentID)
	}
	return nil
}
