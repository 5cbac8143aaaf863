// Package activities provides the Temporal activities of the session and document
// workflows.
//
// Activity inputs and outputs are serializable structs that cross the Temporal
// serialization boundary. Business outcomes (deleted owners, cancellation,
// unsupported content) are reported in result fields rather than as errors, so
// workflows branch on data and only transient failures consume retries.
package activities

import (
	"context"

	"github.com/helixir/orchestration-service/internal/agent"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/events"
	"github.com/helixir/orchestration-service/internal/temporal"
)

// EventEmitter publishes stream events. *events.Publisher implements it.
type EventEmitter interface {
	// Emit publishes asynchronously behind the backpressure gate.
	Emit(ctx context.Context, topic string, event domain.StreamEvent) error
	// Publish publishes synchronously behind the backpressure gate.
	Publish(ctx context.Context, topic string, event domain.StreamEvent) error
	// Ordered starts an in-order asynchronous writer for one topic.
	Ordered(topic string) *events.OrderedWriter
}

// CancelChecker reads cooperative cancellation requests. *broker.CancelFlags implements it.
type CancelChecker interface {
	IsRequested(ctx context.Context, scope string) (bool, error)
	Clear(ctx context.Context, scope string) error
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

// ProcessMessageInput runs one chat turn for a queued message.
type ProcessMessageInput struct {
	TenantID  string
	UserID    string
	SessionID string
	Message   temporal.PendingMessage
	// HistoryLimit caps the prior messages given to the agent. Zero uses the default.
	HistoryLimit int
}

// ResumeSessionInput continues an interrupted turn.
type ResumeSessionInput struct {
	TenantID  string
	UserID    string
	SessionID string
	// Flow is the flow of the interrupted turn, so the same agent kind resumes it.
	Flow    string
	Payload temporal.ResumePayload
}

// ChatTurnResult is the outcome of ProcessMessage or ResumeSession.
type ChatTurnResult struct {
	Status    domain.TurnStatus
	Response  string
	Interrupt *agent.Interrupt
	Error     string
	RunID     string
	// Flow is the agent kind that served the turn.
	Flow string
	// MessageID is the stored assistant message, if any.
	MessageID string
	// Duplicate is true when the user message had already been stored.
	Duplicate bool
}

// RecordWorkflowIdentityInput links a session to the workflow execution serving it.
type RecordWorkflowIdentityInput struct {
	SessionID  string
	WorkflowID string
	RunID      string
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// DocumentInput addresses a document for a pipeline stage.
type DocumentInput struct {
	DocumentID string
	UserID     string
	TenantID   string
}

// StageResult is the outcome of a document pipeline stage.
type StageResult struct {
	Success bool
	Status  domain.DocumentStatus
	// Error is a user-visible failure reason when Success is false.
	Error      string
	ChunkCount int
	// DocumentDeleted is true when the document row vanished mid-pipeline.
	DocumentDeleted bool
	// Cancelled is true when processing was cancelled cooperatively.
	Cancelled bool
}

// MarkReadyInput finalizes a document.
type MarkReadyInput struct {
	DocumentInput
	ChunkCount int
}

// MarkFailedInput records a failed stage.
type MarkFailedInput struct {
	DocumentInput
	Stage domain.DocumentStage
	Error string
}

// QueueCheckInput addresses a user's document queue.
type QueueCheckInput struct {
	UserID   string
	TenantID string
}

// CompletionResult is the outcome of CheckQueueComplete.
type CompletionResult struct {
	// Complete is true when no document of the user is still processing.
	Complete bool
	// Notified is true when this call published queue_complete.
	Notified bool
	Ready    int
	Failed   int
	Pending  int
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// PublishEventInput publishes an event on behalf of a workflow.
type PublishEventInput struct {
	Topic string
	Type  domain.EventType
	Data  map[string]interface{}
}
