package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Compile-time interface verification.
var _ SessionRepository = (*PgSessionRepository)(nil)

const sessionColumns = `id, user_id, tenant_id, title, workflow_id, workflow_run_id, metadata, created_at, updated_at`

// PgSessionRepository is a PostgreSQL implementation of SessionRepository.
type PgSessionRepository struct {
	db DBTX
}

// NewPgSessionRepository creates a new PostgreSQL session repository.
func NewPgSessionRepository(db DBTX) *PgSessionRepository {
	return &PgSessionRepository{db: db}
}

// Ensure creates the session if it does not exist and returns the stored row.
func (r *PgSessionRepository) Ensure(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	if session == nil {
		return nil, domain.NewValidationError("session", "session cannot be nil")
	}
	if session.ID == "" {
		return nil, domain.NewValidationError("id", "session ID is required")
	}
	if session.UserID == "" {
		return nil, domain.NewValidationError("user_id", "user ID is required")
	}
	if session.TenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "tenant ID is required")
	}

	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	if session.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO sessions (id, user_id, tenant_id, title, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.Exec(ctx, query,
		session.ID, session.UserID, session.TenantID, session.Title, metadataJSON,
	); err != nil {
		return nil, fmt.Errorf("failed to ensure session: %w", err)
	}

	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if stored.UserID != session.UserID || stored.TenantID != session.TenantID {
		return nil, domain.NewNotFoundError("session", session.ID)
	}

	return stored, nil
}

// Get retrieves a session by ID.
func (r *PgSessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("session", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// RecordWorkflow stores the workflow identity serving the session.
func (r *PgSessionRepository) RecordWorkflow(ctx context.Context, ref domain.SessionWorkflowRef) error {
	if ref.SessionID == "" || ref.WorkflowID == "" {
		return domain.NewValidationError("workflow_ref", "session ID and workflow ID are required")
	}

	query := `
		UPDATE sessions SET
			workflow_id = $1,
			workflow_run_id = $2,
			metadata = metadata || jsonb_build_object('workflow_id', $1::text, 'workflow_run_id', $2::text),
			updated_at = now()
		WHERE id = $3`

	result, err := r.db.Exec(ctx, query, ref.WorkflowID, ref.RunID, ref.SessionID)
	if err != nil {
		return fmt.Errorf("failed to record session workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("session", ref.SessionID)
	}

	return nil
}

// ListWorkflowRefs returns the recorded workflow identities of a user's sessions.
func (r *PgSessionRepository) ListWorkflowRefs(ctx context.Context, userID string) ([]domain.SessionWorkflowRef, error) {
	query := `
		SELECT id, workflow_id, workflow_run_id
		FROM sessions
		WHERE user_id = $1 AND workflow_id IS NOT NULL
		ORDER BY updated_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session workflows: %w", err)
	}
	defer rows.Close()

	var refs []domain.SessionWorkflowRef
	for rows.Next() {
		var (
			ref   domain.SessionWorkflowRef
			runID *string
		)
		if err := rows.Scan(&ref.SessionID, &ref.WorkflowID, &runID); err != nil {
			return nil, fmt.Errorf("failed to scan session workflow: %w", err)
		}
		ref.RunID = derefString(runID)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session workflows: %w", err)
	}

	return refs, nil
}

// Delete removes a session and its messages.
func (r *PgSessionRepository) Delete(ctx context.Context, sessionID string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("session", sessionID)
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s             domain.Session
		workflowID    *string
		workflowRunID *string
		metadataJSON  []byte
	)

	if err := row.Scan(
		&s.ID, &s.UserID, &s.TenantID, &s.Title, &workflowID, &workflowRunID,
		&metadataJSON, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.WorkflowID = derefString(workflowID)
	s.WorkflowRunID = derefString(workflowRunID)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
		}
	}

	return &s, nil
}
