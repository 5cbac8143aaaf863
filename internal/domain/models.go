// Package domain provides domain models for the orchestration service.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TurnStatus is the outcome of one chat turn.
type TurnStatus string

const (
	TurnStatusCompleted   TurnStatus = "completed"
	TurnStatusInterrupted TurnStatus = "interrupted"
	TurnStatusFailed      TurnStatus = "failed"
	TurnStatusCancelled   TurnStatus = "cancelled"
	TurnStatusSkipped     TurnStatus = "skipped"
)

// MessageRole identifies the author of a persisted chat message.
// These values must match the database check constraint on messages.role.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// Session is a chat session owned by a user within a tenant.
type Session struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Title    string `json:"title,omitempty"`

	// WorkflowID and WorkflowRunID record the most recent session workflow execution.
	WorkflowID    string `json:"workflow_id,omitempty"`
	WorkflowRunID string `json:"workflow_run_id,omitempty"`

	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SessionWorkflowRef links a session to its recorded workflow execution.
type SessionWorkflowRef struct {
	SessionID  string
	WorkflowID string
	RunID      string
}

// ToolCall is a tool invocation proposed by an agent.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Approval is a human decision on a proposed tool call.
type Approval struct {
	Approved bool                   `json:"approved"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID              uuid.UUID   `json:"id"`
	SessionID       string      `json:"session_id"`
	Role            MessageRole `json:"role"`
	Content         string      `json:"content"`
	RunID           string      `json:"run_id,omitempty"`
	ParentMessageID string      `json:"parent_message_id,omitempty"`
	// DedupKey makes repeated inserts of the same logical message a no-op.
	DedupKey  string     `json:"-"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
