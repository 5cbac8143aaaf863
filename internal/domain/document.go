package domain

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents the lifecycle states of an uploaded document.
// These values must match the database enum document_status.
type DocumentStatus string

const (
	DocumentStatusQueued     DocumentStatus = "queued"
	DocumentStatusExtracting DocumentStatus = "extracting"
	DocumentStatusChunking   DocumentStatus = "chunking"
	DocumentStatusEmbedding  DocumentStatus = "embedding"
	DocumentStatusIndexing   DocumentStatus = "indexing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// IsTerminal returns true if the status will not change without a new processing request.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusReady || s == DocumentStatusFailed
}

// DocumentStage names a step of the document pipeline.
type DocumentStage string

const (
	StageQueue   DocumentStage = "queue"
	StageExtract DocumentStage = "extract"
	StageChunk   DocumentStage = "chunk"
	StageEmbed   DocumentStage = "embed"
	StageIndex   DocumentStage = "index"
	StageReady   DocumentStage = "ready"
)

// Status returns the document status recorded while the stage runs.
func (s DocumentStage) Status() DocumentStatus {
	switch s {
	case StageExtract:
		return DocumentStatusExtracting
	case StageChunk:
		return DocumentStatusChunking
	case StageEmbed:
		return DocumentStatusEmbedding
	case StageIndex:
		return DocumentStatusIndexing
	case StageReady:
		return DocumentStatusReady
	default:
		return DocumentStatusQueued
	}
}

// Document is an uploaded file tracked through the processing pipeline.
type Document struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	TenantID     string         `json:"tenant_id"`
	Filename     string         `json:"filename"`
	MimeType     string         `json:"mime_type"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ChunkCount   int            `json:"chunk_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DocumentContent holds the raw bytes of an uploaded document.
type DocumentContent struct {
	DocumentID string
	Filename   string
	MimeType   string
	Data       []byte
}

// Chunk is a contiguous slice of a document's extracted text.
type Chunk struct {
	ID          uuid.UUID `json:"id"`
	DocumentID  string    `json:"document_id"`
	Index       int       `json:"index"`
	Content     string    `json:"content"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Embedding   []float32 `json:"-"`
}

// QueueCompletion is the outcome of claiming a user's queue completion notification.
type QueueCompletion struct {
	// Claimed is true for exactly one caller once every document is terminal.
	Claimed bool
	Ready   int
	Failed  int
	Pending int
}
