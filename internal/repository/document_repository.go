package repository

import (
	"context"

	"github.com/helixir/orchestration-service/internal/domain"
)

// DocumentRepository handles document persistence and lifecycle transitions.
// Every method that targets a single document returns domain.ErrNotFound when the
// document row no longer exists, which callers treat as "deleted mid-flight".
type DocumentRepository interface {
	// Create inserts a new document in the queued state together with its raw content.
	Create(ctx context.Context, doc *domain.Document, content []byte) error

	// Get retrieves document metadata by ID.
	Get(ctx context.Context, documentID string) (*domain.Document, error)

	// GetContent retrieves the raw bytes of a document.
	GetContent(ctx context.Context, documentID string) (*domain.DocumentContent, error)

	// MarkQueued resets a document to queued, clears its error and re-arms the
	// user's queue completion notification.
	MarkQueued(ctx context.Context, documentID string) error

	// UpdateStatus records the status of a running pipeline stage.
	UpdateStatus(ctx context.Context, documentID string, status domain.DocumentStatus) error

	// SaveExtractedText stores the extracted text of a document.
	SaveExtractedText(ctx context.Context, documentID, text string) error

	// GetExtractedText retrieves the extracted text of a document.
	GetExtractedText(ctx context.Context, documentID string) (string, error)

	// MarkReady moves a document to ready with its final chunk count.
	MarkReady(ctx context.Context, documentID string, chunkCount int) error

	// MarkFailed moves a document to failed with a visible error message.
	MarkFailed(ctx context.Context, documentID, message string) error

	// ClaimQueueCompletion checks whether every not-yet-notified document of the user is
	// terminal and, if so, atomically marks them notified. Exactly one caller observes
	// Claimed=true for a given batch of documents.
	ClaimQueueCompletion(ctx context.Context, userID string) (*domain.QueueCompletion, error)
}

// ChunkRepository handles the chunks of a document and their embeddings.
type ChunkRepository interface {
	// ReplaceChunks deletes the document's existing chunks and stores the new ones atomically.
	ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error

	// ListChunks returns the document's chunks ordered by index, embeddings included.
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)

	// SaveEmbeddings stores the embedding of each given chunk, matched by index.
	SaveEmbeddings(ctx context.Context, documentID string, chunks []domain.Chunk) error
}
