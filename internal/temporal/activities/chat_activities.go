package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/helixir/orchestration-service/internal/agent"
	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/events"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/repository"
)

const (
	// DefaultHistoryLimit is the number of prior messages given to the agent.
	DefaultHistoryLimit = 20

	// FallbackReply is shown to the user when a turn cannot be completed.
	FallbackReply = "Sorry, I wasn't able to finish that response. Please try again in a moment."

	// cancelCheckInterval bounds how often a running turn polls the cancel flag.
	cancelCheckInterval = time.Second

	// writerCloseTimeout bounds the wait for a turn's queued events at the end of the activity.
	writerCloseTimeout = 5 * time.Second

	replyKeyPrefix = "reply:"
)

// errTurnCancelled aborts an agent run after a stop request.
var errTurnCancelled = fmt.Errorf("turn stopped by user: %w", domain.ErrCancelled)

// ChatActivities provides the Temporal activities of the session workflow.
// Methods on this struct are registered as Temporal activities via the worker.
type ChatActivities struct {
	sessions repository.SessionRepository
	messages repository.MessageRepository
	agents   *agent.Registry
	events   EventEmitter
	cancels  CancelChecker
	metrics  *observability.Metrics

	cancelEvery  time.Duration
	historyLimit int
}

// NewChatActivities creates a new ChatActivities instance.
// The cancels and metrics parameters may be nil.
func NewChatActivities(
	sessions repository.SessionRepository,
	messages repository.MessageRepository,
	agents *agent.Registry,
	emitter EventEmitter,
	cancels CancelChecker,
	metrics *observability.Metrics,
) *ChatActivities {
	return &ChatActivities{
		sessions: sessions,
		messages: messages,
		agents:   agents,
		events:   emitter,
		cancels:  cancels,
		metrics:  metrics,

		cancelEvery:  cancelCheckInterval,
		historyLimit: DefaultHistoryLimit,
	}
}

// WithHistoryLimit sets the history size used when a turn does not carry one.
func (a *ChatActivities) WithHistoryLimit(limit int) *ChatActivities {
	if limit > 0 {
		a.historyLimit = limit
	}
	return a
}

// chatTurn carries what ProcessMessage and ResumeSession share.
type chatTurn struct {
	tenantID  string
	userID    string
	sessionID string
	runID     string
	kind      agent.Kind
	replyKey  string
	writer    *events.OrderedWriter
	started   time.Time
}

// ProcessMessage runs one chat turn for a queued user message.
//
// The user message is stored idempotently under its dedup hash, so a retried or
// replayed activity never stores it twice. When the assistant reply of the same hash
// already exists the stored reply is re-announced instead of running the agent again.
// Token and update events are relayed to the session topic in order; the turn ends with
// exactly one final, interrupt or error event.
func (a *ChatActivities) ProcessMessage(ctx context.Context, input ProcessMessageInput) (*ChatTurnResult, error) {
	logger := activity.GetLogger(ctx)
	msg := input.Message.WithDedupHash()
	started := time.Now()

	engine, kind, err := a.agents.Resolve(msg.Flow)
	if err != nil {
		return nil, fmt.Errorf("resolve agent for flow %q: %w", msg.Flow, err)
	}

	logger.Info("processing chat message",
		"sessionID", input.SessionID,
		"runID", msg.RunID,
		"flow", kind,
		"dedupHash", msg.DedupHash,
	)

	t := chatTurn{
		tenantID:  input.TenantID,
		userID:    input.UserID,
		sessionID: input.SessionID,
		runID:     msg.RunID,
		kind:      kind,
		replyKey:  replyKeyPrefix + msg.DedupHash,
		writer:    a.events.Ordered(domain.ChatTopic(input.TenantID, input.SessionID)),
		started:   started,
	}
	defer a.closeWriter(ctx, t.writer)

	if a.cancelRequested(ctx, t) {
		a.clearCancel(ctx, t)
		return a.cancelled(ctx, t), nil
	}

	saved, created, err := a.messages.Save(ctx, &domain.Message{
		ID:              uuid.New(),
		SessionID:       input.SessionID,
		Role:            domain.MessageRoleUser,
		Content:         msg.Content,
		RunID:           msg.RunID,
		ParentMessageID: msg.ParentMessageID,
		DedupKey:        msg.DedupHash,
	})
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("session deleted, skipping message", "sessionID", input.SessionID)
		return a.skipped(t), nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("save user message: %w", err))
	}

	result := &ChatTurnResult{RunID: t.runID, Flow: string(kind)}
	if created {
		a.emit(ctx, t, domain.EventMessageSaved, map[string]interface{}{
			"message_id": saved.ID.String(),
			"role":       string(domain.MessageRoleUser),
			"run_id":     t.runID,
		})
	} else {
		result.Duplicate = true
		if a.metrics != nil {
			a.metrics.RecordMessageDeduplicated()
		}
		if replayed, ok, err := a.replayStoredReply(ctx, t, result); err != nil || ok {
			return replayed, err
		}
	}

	history, err := a.history(ctx, input.SessionID, saved.ID, input.HistoryLimit)
	if err != nil {
		return nil, classify(err)
	}

	relay := a.newRelay(ctx, t)
	outcome, runErr := engine.Run(ctx, agent.RunRequest{
		TenantID:  input.TenantID,
		UserID:    input.UserID,
		SessionID: input.SessionID,
		RunID:     msg.RunID,
		Content:   msg.Content,
		PlanSteps: msg.PlanSteps,
		History:   history,
	}, relay.handle)

	return a.finish(ctx, t, result, relay, outcome, runErr)
}

// ResumeSession continues an interrupted turn with the operator's approvals.
// Its idempotency key is derived from the workflow run and activity id, so a retried
// resume re-announces the stored reply.
func (a *ChatActivities) ResumeSession(ctx context.Context, input ResumeSessionInput) (*ChatTurnResult, error) {
	logger := activity.GetLogger(ctx)
	info := activity.GetInfo(ctx)

	engine, kind, err := a.agents.Resolve(input.Flow)
	if err != nil {
		return nil, fmt.Errorf("resolve agent for flow %q: %w", input.Flow, err)
	}

	logger.Info("resuming chat session",
		"sessionID", input.SessionID,
		"flow", kind,
		"approvals", len(input.Payload.Approvals),
	)

	t := chatTurn{
		tenantID:  input.TenantID,
		userID:    input.UserID,
		sessionID: input.SessionID,
		kind:      kind,
		replyKey:  fmt.Sprintf("%sresume:%s:%s", replyKeyPrefix, info.WorkflowExecution.RunID, info.ActivityID),
		writer:    a.events.Ordered(domain.ChatTopic(input.TenantID, input.SessionID)),
		started:   time.Now(),
	}
	defer a.closeWriter(ctx, t.writer)

	if a.cancelRequested(ctx, t) {
		a.clearCancel(ctx, t)
		return a.cancelled(ctx, t), nil
	}

	result := &ChatTurnResult{Flow: string(kind)}
	if replayed, ok, err := a.replayStoredReply(ctx, t, result); err != nil || ok {
		return replayed, err
	}

	relay := a.newRelay(ctx, t)
	outcome, runErr := engine.Resume(ctx, agent.ResumeRequest{
		TenantID:  input.TenantID,
		UserID:    input.UserID,
		SessionID: input.SessionID,
		Approvals: input.Payload.Approvals,
	}, relay.handle)

	return a.finish(ctx, t, result, relay, outcome, runErr)
}

// RecordWorkflowIdentity stores the workflow execution serving a session in its metadata.
// A deleted session is logged and ignored.
func (a *ChatActivities) RecordWorkflowIdentity(ctx context.Context, input RecordWorkflowIdentityInput) error {
	logger := activity.GetLogger(ctx)

	err := a.sessions.RecordWorkflow(ctx, domain.SessionWorkflowRef{
		SessionID:  input.SessionID,
		WorkflowID: input.WorkflowID,
		RunID:      input.RunID,
	})
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("session not found, workflow identity not recorded",
			"sessionID", input.SessionID,
			"workflowID", input.WorkflowID,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record workflow identity: %w", err)
	}

	logger.Info("workflow identity recorded",
		"sessionID", input.SessionID,
		"workflowID", input.WorkflowID,
		"runID", input.RunID,
	)
	return nil
}

// finish maps an agent outcome to a stored reply, a terminal event and a result.
func (a *ChatActivities) finish(
	ctx context.Context,
	t chatTurn,
	result *ChatTurnResult,
	relay *turnRelay,
	outcome *agent.Outcome,
	runErr error,
) (*ChatTurnResult, error) {
	logger := activity.GetLogger(ctx)

	switch {
	case relay.stopped || errors.Is(runErr, domain.ErrCancelled):
		a.clearCancel(ctx, t)
		return a.cancelled(ctx, t), nil

	case runErr != nil && ctx.Err() != nil:
		return nil, ctx.Err()

	case runErr != nil && !isPermanent(runErr):
		logger.Warn("agent run failed, will retry", "sessionID", t.sessionID, "error", runErr)
		return nil, classify(fmt.Errorf("agent run: %w", runErr))

	case runErr != nil:
		logger.Error("agent run rejected", "sessionID", t.sessionID, "error", runErr)
		outcome = &agent.Outcome{Status: domain.TurnStatusFailed, Error: runErr.Error()}

	case outcome == nil:
		outcome = &agent.Outcome{Status: domain.TurnStatusFailed, Error: "agent returned no outcome"}
	}

	result.Status = outcome.Status
	switch outcome.Status {
	case domain.TurnStatusCompleted:
		stored, err := a.saveReply(ctx, t, outcome.Response, nil)
		if errors.Is(err, domain.ErrNotFound) {
			return a.skipped(t), nil
		}
		if err != nil {
			return nil, classify(err)
		}
		result.Response = stored.Content
		result.MessageID = stored.ID.String()
		a.emit(ctx, t, domain.EventFinal, map[string]interface{}{
			"content":    stored.Content,
			"message_id": result.MessageID,
			"run_id":     t.runID,
		})

	case domain.TurnStatusInterrupted:
		interrupt := outcome.Interrupt
		if interrupt == nil {
			interrupt = &agent.Interrupt{ToolCalls: outcome.ToolCalls}
		}
		stored, err := a.saveReply(ctx, t, interrupt.Message, interrupt.ToolCalls)
		if errors.Is(err, domain.ErrNotFound) {
			return a.skipped(t), nil
		}
		if err != nil {
			return nil, classify(err)
		}
		result.Interrupt = interrupt
		result.MessageID = stored.ID.String()
		a.emit(ctx, t, domain.EventInterrupt, interruptData(interrupt, result.MessageID, t.runID))

	case domain.TurnStatusCancelled:
		return a.cancelled(ctx, t), nil

	default:
		result.Status = domain.TurnStatusFailed
		result.Response = FallbackReply
		result.Error = outcome.Error
		a.emit(ctx, t, domain.EventError, map[string]interface{}{
			"error":   outcome.Error,
			"content": FallbackReply,
			"run_id":  t.runID,
		})
	}

	a.recordTurn(t, result.Status)
	logger.Info("chat turn finished",
		"sessionID", t.sessionID,
		"status", result.Status,
		"messageID", result.MessageID,
	)
	return result, nil
}

// replayStoredReply re-announces an assistant reply stored by an earlier attempt.
func (a *ChatActivities) replayStoredReply(ctx context.Context, t chatTurn, result *ChatTurnResult) (*ChatTurnResult, bool, error) {
	stored, err := a.messages.FindByDedupKey(ctx, t.sessionID, domain.MessageRoleAssistant, t.replyKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(fmt.Errorf("find stored reply: %w", err))
	}

	activity.GetLogger(ctx).Info("reply already stored, replaying",
		"sessionID", t.sessionID,
		"messageID", stored.ID,
	)

	result.MessageID = stored.ID.String()
	if len(stored.ToolCalls) > 0 {
		result.Status = domain.TurnStatusInterrupted
		result.Interrupt = &agent.Interrupt{Message: stored.Content, ToolCalls: stored.ToolCalls}
		a.emit(ctx, t, domain.EventInterrupt, interruptData(result.Interrupt, result.MessageID, t.runID))
	} else {
		result.Status = domain.TurnStatusCompleted
		result.Response = stored.Content
		a.emit(ctx, t, domain.EventFinal, map[string]interface{}{
			"content":    stored.Content,
			"message_id": result.MessageID,
			"run_id":     t.runID,
		})
	}
	a.recordTurn(t, result.Status)
	return result, true, nil
}

func (a *ChatActivities) saveReply(ctx context.Context, t chatTurn, content string, toolCalls []domain.ToolCall) (*domain.Message, error) {
	stored, _, err := a.messages.Save(ctx, &domain.Message{
		ID:        uuid.New(),
		SessionID: t.sessionID,
		Role:      domain.MessageRoleAssistant,
		Content:   content,
		RunID:     t.runID,
		DedupKey:  t.replyKey,
		ToolCalls: toolCalls,
	})
	if err != nil {
		return nil, fmt.Errorf("save assistant reply: %w", err)
	}
	return stored, nil
}

// history loads the session's recent messages, excluding the message being answered.
func (a *ChatActivities) history(ctx context.Context, sessionID string, current uuid.UUID, limit int) ([]agent.HistoryMessage, error) {
	if limit <= 0 {
		limit = a.historyLimit
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	recent, err := a.messages.ListRecent(ctx, sessionID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}

	history := make([]agent.HistoryMessage, 0, len(recent))
	for _, m := range recent {
		if m.ID == current {
			continue
		}
		history = append(history, agent.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

func (a *ChatActivities) cancelled(ctx context.Context, t chatTurn) *ChatTurnResult {
	activity.GetLogger(ctx).Info("chat turn cancelled", "sessionID", t.sessionID, "runID", t.runID)
	a.emit(ctx, t, domain.EventFinal, map[string]interface{}{
		"cancelled": true,
		"run_id":    t.runID,
	})
	a.recordTurn(t, domain.TurnStatusCancelled)
	return &ChatTurnResult{Status: domain.TurnStatusCancelled, RunID: t.runID, Flow: string(t.kind)}
}

func (a *ChatActivities) skipped(t chatTurn) *ChatTurnResult {
	a.recordTurn(t, domain.TurnStatusSkipped)
	return &ChatTurnResult{Status: domain.TurnStatusSkipped, RunID: t.runID, Flow: string(t.kind)}
}

func (a *ChatActivities) recordTurn(t chatTurn, status domain.TurnStatus) {
	if a.metrics != nil {
		a.metrics.RecordChatTurn(string(status), time.Since(t.started).Seconds())
	}
}

// emit queues an event on the turn's ordered writer. Failures are logged only.
func (a *ChatActivities) emit(ctx context.Context, t chatTurn, eventType domain.EventType, data map[string]interface{}) {
	if err := t.writer.Emit(ctx, domain.NewStreamEvent(eventType, data)); err != nil {
		activity.GetLogger(ctx).Warn("failed to queue chat event",
			"sessionID", t.sessionID,
			"type", eventType,
			"error", err,
		)
	}
}

func (a *ChatActivities) closeWriter(ctx context.Context, w *events.OrderedWriter) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writerCloseTimeout)
	defer cancel()
	if err := w.Close(closeCtx); err != nil {
		activity.GetLogger(ctx).Warn("chat events still pending after close", "error", err)
	}
}

func (a *ChatActivities) cancelRequested(ctx context.Context, t chatTurn) bool {
	if a.cancels == nil {
		return false
	}
	requested, err := a.cancels.IsRequested(ctx, broker.SessionScope(t.userID, t.sessionID))
	if err != nil {
		activity.GetLogger(ctx).Warn("cancel flag unavailable", "sessionID", t.sessionID, "error", err)
		return false
	}
	return requested
}

func (a *ChatActivities) clearCancel(ctx context.Context, t chatTurn) {
	if a.cancels == nil {
		return
	}
	if err := a.cancels.Clear(ctx, broker.SessionScope(t.userID, t.sessionID)); err != nil {
		activity.GetLogger(ctx).Warn("failed to clear cancel flag", "sessionID", t.sessionID, "error", err)
	}
}

func interruptData(interrupt *agent.Interrupt, messageID, runID string) map[string]interface{} {
	return map[string]interface{}{
		"message":    interrupt.Message,
		"tool_calls": interrupt.ToolCalls,
		"message_id": messageID,
		"run_id":     runID,
	}
}

// turnRelay forwards streamed agent events to the session topic, heartbeats the
// activity and polls the cancel flag at most once per cancelEvery.
type turnRelay struct {
	ctx       context.Context
	a         *ChatActivities
	t         chatTurn
	lastCheck time.Time
	stopped   bool
}

func (a *ChatActivities) newRelay(ctx context.Context, t chatTurn) *turnRelay {
	return &turnRelay{ctx: ctx, a: a, t: t, lastCheck: time.Now()}
}

func (r *turnRelay) handle(evt agent.Event) error {
	activity.RecordHeartbeat(r.ctx, evt.Type)

	if time.Since(r.lastCheck) >= r.a.cancelEvery {
		r.lastCheck = time.Now()
		if r.a.cancelRequested(r.ctx, r.t) {
			r.stopped = true
			return errTurnCancelled
		}
	}

	switch evt.Type {
	case domain.EventToken, domain.EventUpdate:
		r.a.emit(r.ctx, r.t, evt.Type, evt.Data)
	}
	return nil
}
