package repository

import (
	"context"

	"github.com/helixir/orchestration-service/internal/domain"
)

// SessionRepository handles chat session persistence.
type SessionRepository interface {
	// Ensure creates the session if it does not exist and returns the stored row.
	// An existing session keeps its owner; a different user or tenant yields domain.ErrNotFound.
	Ensure(ctx context.Context, session *domain.Session) (*domain.Session, error)

	// Get retrieves a session by ID.
	// Returns domain.ErrNotFound if the session does not exist.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// RecordWorkflow stores the workflow identity serving the session,
	// both in dedicated columns and in the session metadata.
	// Returns domain.ErrNotFound if the session does not exist.
	RecordWorkflow(ctx context.Context, ref domain.SessionWorkflowRef) error

	// ListWorkflowRefs returns the recorded workflow identities of a user's sessions.
	ListWorkflowRefs(ctx context.Context, userID string) ([]domain.SessionWorkflowRef, error)

	// Delete removes a session and, by cascade, its messages.
	Delete(ctx context.Context, sessionID string) error
}
