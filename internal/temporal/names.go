package temporal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/helixir/orchestration-service/internal/agent"
	"github.com/helixir/orchestration-service/internal/domain"
)

// Workflow types, signals and queries. They live here rather than in the workflows
// package so the server can address workflows without importing their code.
const (
	SessionWorkflowType  = "SessionWorkflow"
	DocumentWorkflowType = "DocumentWorkflow"

	// SignalNewMessage delivers a PendingMessage to a session workflow.
	SignalNewMessage = "new_message"
	// SignalResume delivers a ResumePayload to an interrupted session workflow.
	SignalResume = "resume"
	// SignalAddDocument appends a DocumentQueueEntry to a document workflow.
	SignalAddDocument = "add_document_signal"

	// QueryLastResult returns the LastResult of a session workflow.
	QueryLastResult = "get_last_result"
)

// Session workflow defaults.
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultApprovalTimeout   = 10 * time.Minute
	// DedupWindow is the number of recent message hashes a session remembers.
	DedupWindow = 100
	// DefaultMaxTurnsPerRun bounds the turns served before a session continues as new.
	DefaultMaxTurnsPerRun = 200
)

// DefaultReprocessWait is how long a document workflow waits for another signal
// after its queue drains.
const DefaultReprocessWait = time.Minute

// SessionWorkflowID returns the deterministic workflow id of a chat session.
func SessionWorkflowID(userID, sessionID string) string {
	return fmt.Sprintf("chat-%s-%s", userID, sessionID)
}

// DocumentWorkflowID returns the deterministic workflow id of a document.
func DocumentWorkflowID(documentID string) string {
	return fmt.Sprintf("document-%s", documentID)
}

// SessionRef addresses a chat session.
type SessionRef struct {
	TenantID  string
	UserID    string
	SessionID string
}

// WorkflowHandle identifies a workflow execution found or created by the manager.
type WorkflowHandle struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	// Created is true when this call started the execution.
	Created bool `json:"created"`
}

// PendingMessage is a user message queued in a session workflow.
type PendingMessage struct {
	Content         string   `json:"content"`
	PlanSteps       []string `json:"plan_steps,omitempty"`
	Flow            string   `json:"flow,omitempty"`
	RunID           string   `json:"run_id,omitempty"`
	ParentMessageID string   `json:"parent_message_id,omitempty"`
	DedupHash       string   `json:"dedup_hash"`
}

// DedupHash derives the idempotency key of a message: the run id when present,
// else the parent message id, else a hash of the content.
func DedupHash(runID, parentMessageID, content string) string {
	switch {
	case runID != "":
		return "run:" + runID
	case parentMessageID != "":
		return "parent:" + parentMessageID
	default:
		sum := sha256.Sum256([]byte(content))
		return "content:" + hex.EncodeToString(sum[:])
	}
}

// WithDedupHash returns a copy of m with DedupHash computed if empty.
func (m PendingMessage) WithDedupHash() PendingMessage {
	if m.DedupHash == "" {
		m.DedupHash = DedupHash(m.RunID, m.ParentMessageID, m.Content)
	}
	return m
}

// ResumePayload carries approval decisions for an interrupted turn.
type ResumePayload struct {
	SessionID string                     `json:"session_id"`
	Approvals map[string]domain.Approval `json:"approvals"`
}

// LastResult is the most recent turn outcome of a session workflow.
type LastResult struct {
	Status    domain.TurnStatus `json:"status"`
	Response  string            `json:"response,omitempty"`
	Interrupt *agent.Interrupt  `json:"interrupt,omitempty"`
	Error     string            `json:"error,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionWorkflowInput starts a session workflow.
type SessionWorkflowInput struct {
	TenantID  string
	UserID    string
	SessionID string

	// Zero values select the defaults above.
	InactivityTimeout time.Duration
	ApprovalTimeout   time.Duration
	MaxTurnsPerRun    int

	// Carried is set when the workflow continues as new.
	Carried *SessionCarryOver
}

// SessionCarryOver is the state handed to the next run on continue-as-new.
type SessionCarryOver struct {
	Queue         []PendingMessage
	Seen          []string
	PendingResume *ResumePayload
	LastResult    *LastResult
	LastFlow      string
	Processed     int
}

// DocumentQueueEntry is one unit of work of a document workflow.
type DocumentQueueEntry struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

// DocumentWorkflowInput starts a document workflow.
type DocumentWorkflowInput struct {
	DocumentID string
	UserID     string
	TenantID   string

	// ReprocessWait of zero selects DefaultReprocessWait.
	ReprocessWait time.Duration
}
