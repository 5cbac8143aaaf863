package repository

import (
	"context"

	"github.com/helixir/orchestration-service/internal/domain"
)

// MessageRepository handles chat message persistence.
type MessageRepository interface {
	// Save inserts the message unless a message with the same session, role and dedup key
	// already exists. It returns the stored message and whether this call created it.
	// Returns domain.ErrNotFound if the session does not exist.
	Save(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error)

	// FindByDedupKey retrieves a message by its dedup key.
	// Returns domain.ErrNotFound if no matching message exists.
	FindByDedupKey(ctx context.Context, sessionID string, role domain.MessageRole, dedupKey string) (*domain.Message, error)

	// ListRecent returns up to limit of the most recent messages of a session,
	// oldest first.
	ListRecent(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)
}
