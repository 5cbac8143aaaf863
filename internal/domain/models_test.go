package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   DocumentStatus
		expected bool
	}{
		{DocumentStatusQueued, false},
		{DocumentStatusExtracting, false},
		{DocumentStatusChunking, false},
		{DocumentStatusEmbedding, false},
		{DocumentStatusIndexing, false},
		{DocumentStatusReady, true},
		{DocumentStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.IsTerminal())
		})
	}
}

func TestDocumentStage_Status(t *testing.T) {
	assert.Equal(t, DocumentStatusQueued, StageQueue.Status())
	assert.Equal(t, DocumentStatusExtracting, StageExtract.Status())
	assert.Equal(t, DocumentStatusChunking, StageChunk.Status())
	assert.Equal(t, DocumentStatusEmbedding, StageEmbed.Status())
	assert.Equal(t, DocumentStatusIndexing, StageIndex.Status())
	assert.Equal(t, DocumentStatusReady, StageReady.Status())
}

func TestStreamKind_Terminates(t *testing.T) {
	tests := []struct {
		kind     StreamKind
		event    EventType
		expected bool
	}{
		{StreamKindChat, EventToken, false},
		{StreamKindChat, EventUpdate, false},
		{StreamKindChat, EventMessageSaved, false},
		{StreamKindChat, EventFinal, true},
		{StreamKindChat, EventError, true},
		{StreamKindChat, EventInterrupt, true},
		{StreamKindChat, EventQueueComplete, false},
		{StreamKindDocuments, EventStatusUpdate, false},
		{StreamKindDocuments, EventFinal, false},
		{StreamKindDocuments, EventQueueComplete, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.kind, tt.event), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.Terminates(tt.event))
		})
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "chat:tenant-1:sess-1", ChatTopic("tenant-1", "sess-1"))
	assert.Equal(t, "documents:tenant-1:user-1", DocumentsTopic("tenant-1", "user-1"))
}

func TestNewStreamEvent(t *testing.T) {
	before := time.Now().UTC()
	evt := NewStreamEvent(EventToken, map[string]interface{}{"content": "hi"})

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, EventToken, evt.Type)
	assert.Equal(t, "hi", evt.Data["content"])
	assert.False(t, evt.Timestamp.Before(before))

	other := NewStreamEvent(EventToken, nil)
	assert.NotEqual(t, evt.ID, other.ID)
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("content", "cannot be empty")
	assert.Equal(t, "validation error: content: cannot be empty", err.Error())
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("document", "doc-1")
	assert.Equal(t, "document not found: doc-1", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("mark queued: %w", err)
	var nf *NotFoundError
	require.True(t, errors.As(wrapped, &nf))
	assert.Equal(t, "doc-1", nf.ID)
}

func TestAlreadyExistsError(t *testing.T) {
	err := NewAlreadyExistsError("message", "run:r1")
	assert.Equal(t, "message already exists: run:r1", err.Error())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRateLimitError(t *testing.T) {
	err := NewRateLimitError("agent", 2*time.Second)
	assert.Equal(t, "rate limited by agent: retry after 2s", err.Error())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestExternalAPIError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewExternalAPIError("embedding", 502, "bad gateway", cause)
	assert.Equal(t, "embedding API error (status 502): bad gateway", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"rate limited", NewRateLimitError("agent", time.Second), true},
		{"service unavailable", fmt.Errorf("dial: %w", ErrServiceUnavailable), true},
		{"upstream 503", NewExternalAPIError("agent", 503, "unavailable", nil), true},
		{"transport failure", NewExternalAPIError("agent", 0, "eof", nil), true},
		{"upstream 400", NewExternalAPIError("agent", 400, "bad request", nil), false},
		{"validation", NewValidationError("content", "empty"), false},
		{"not found", NewNotFoundError("session", "s1"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}
