package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Compile-time interface verification.
var _ MessageRepository = (*PgMessageRepository)(nil)

const messageColumns = `id, session_id, role, content, run_id, parent_message_id, dedup_key, tool_calls, created_at`

// PgMessageRepository is a PostgreSQL implementation of MessageRepository.
type PgMessageRepository struct {
	db DBTX
}

// NewPgMessageRepository creates a new PostgreSQL message repository.
func NewPgMessageRepository(db DBTX) *PgMessageRepository {
	return &PgMessageRepository{db: db}
}

// Save inserts the message unless it was already stored under the same dedup key.
func (r *PgMessageRepository) Save(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	if msg == nil {
		return nil, false, domain.NewValidationError("message", "message cannot be nil")
	}
	if msg.SessionID == "" {
		return nil, false, domain.NewValidationError("session_id", "session ID is required")
	}
	if msg.DedupKey == "" {
		return nil, false, domain.NewValidationError("dedup_key", "dedup key is required")
	}
	switch msg.Role {
	case domain.MessageRoleUser, domain.MessageRoleAssistant, domain.MessageRoleTool:
	default:
		return nil, false, domain.NewValidationError("role", fmt.Sprintf("unsupported role %q", msg.Role))
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	var toolCallsJSON []byte
	if len(msg.ToolCalls) > 0 {
		var err error
		toolCallsJSON, err = json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
	}

	query := `
		INSERT INTO messages (id, session_id, role, content, run_id, parent_message_id, dedup_key, tool_calls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, role, dedup_key) DO NOTHING
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content,
		nullString(msg.RunID), nullString(msg.ParentMessageID), msg.DedupKey, toolCallsJSON,
	).Scan(&msg.CreatedAt)

	switch {
	case err == nil:
		return msg, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, findErr := r.FindByDedupKey(ctx, msg.SessionID, msg.Role, msg.DedupKey)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	case isPgForeignKeyViolation(err):
		return nil, false, domain.NewNotFoundError("session", msg.SessionID)
	default:
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}
}

// FindByDedupKey retrieves a message by its dedup key.
func (r *PgMessageRepository) FindByDedupKey(ctx context.Context, sessionID string, role domain.MessageRole, dedupKey string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = $1 AND role = $2 AND dedup_key = $3`

	msg, err := scanMessage(r.db.QueryRow(ctx, query, sessionID, string(role), dedupKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("message", dedupKey)
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}

	return msg, nil
}

// ListRecent returns the most recent messages of a session, oldest first.
func (r *PgMessageRepository) ListRecent(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, sessionID, clampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		m               domain.Message
		role            string
		runID           *string
		parentMessageID *string
		toolCallsJSON   []byte
	)

	if err := row.Scan(
		&m.ID, &m.SessionID, &role, &m.Content, &runID, &parentMessageID,
		&m.DedupKey, &toolCallsJSON, &m.CreatedAt,
	); err != nil {
		return nil, err
	}

	m.Role = domain.MessageRole(role)
	m.RunID = derefString(runID)
	m.ParentMessageID = derefString(parentMessageID)
	if len(toolCallsJSON) > 0 {
		if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}

	return &m, nil
}
