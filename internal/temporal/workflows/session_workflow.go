// Package workflows defines the Temporal workflows of the orchestration service:
// one long-lived workflow per chat session and one per uploaded document.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/helixir/orchestration-service/internal/domain"
	orctemporal "github.com/helixir/orchestration-service/internal/temporal"
	"github.com/helixir/orchestration-service/internal/temporal/activities"
)

// Re-export signal/query names from the parent temporal package for convenience.
const (
	SignalNewMessage = orctemporal.SignalNewMessage
	SignalResume     = orctemporal.SignalResume
	QueryLastResult  = orctemporal.QueryLastResult
)

// Activity timeout constants.
const (
	chatTurnTimeout       = 10 * time.Minute
	chatHeartbeatTimeout  = time.Minute
	statusActivityTimeout = 30 * time.Second
)

// Reasons a session workflow closes.
const (
	CloseReasonInactive  = "inactive"
	CloseReasonCancelled = "cancelled"
)

type (
	SessionWorkflowInput = orctemporal.SessionWorkflowInput
	PendingMessage       = orctemporal.PendingMessage
	ResumePayload        = orctemporal.ResumePayload
	LastResult           = orctemporal.LastResult
	SessionCarryOver     = orctemporal.SessionCarryOver
)

// SessionWorkflowResult summarizes a closed session workflow run.
type SessionWorkflowResult struct {
	SessionID string
	// Processed counts the turns served across continued runs.
	Processed  int
	Reason     string
	LastResult *LastResult
}

// sessionState is the mutable state of one session workflow run.
type sessionState struct {
	input     SessionWorkflowInput
	queue     []PendingMessage
	seen      *recentSet
	resume    *ResumePayload
	last      *LastResult
	lastFlow  string
	processed int
	turns     int
	closing   bool
	idleSince time.Time
}

// SessionWorkflow serves one chat session.
//
// Messages arrive as new_message signals and are queued after deduplication
// against the most recent DedupWindow hashes. The loop serves a pending resume
// before the queue head, one turn at a time. An interrupted turn waits up to the
// approval timeout for a resume signal. The workflow closes after the inactivity
// timeout without work, or gracefully when cancelled, and continues as new with
// its queue, dedup window, pending resume and last result once its history grows.
func SessionWorkflow(ctx workflow.Context, input SessionWorkflowInput) (*SessionWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)

	if input.InactivityTimeout <= 0 {
		input.InactivityTimeout = orctemporal.DefaultInactivityTimeout
	}
	if input.ApprovalTimeout <= 0 {
		input.ApprovalTimeout = orctemporal.DefaultApprovalTimeout
	}
	if input.MaxTurnsPerRun <= 0 {
		input.MaxTurnsPerRun = orctemporal.DefaultMaxTurnsPerRun
	}

	s := newSessionState(input, workflow.Now(ctx))

	if err := workflow.SetQueryHandler(ctx, QueryLastResult, func() (*LastResult, error) {
		return s.last, nil
	}); err != nil {
		logger.Error("failed to register last result query handler", "error", err)
		return nil, err
	}

	messageCh := workflow.GetSignalChannel(ctx, SignalNewMessage)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	workflow.Go(ctx, func(gCtx workflow.Context) {
		for {
			var msg PendingMessage
			if !messageCh.Receive(gCtx, &msg) {
				return
			}
			s.onMessage(logger, workflow.Now(gCtx), msg)
		}
	})
	workflow.Go(ctx, func(gCtx workflow.Context) {
		for {
			var payload ResumePayload
			if !resumeCh.Receive(gCtx, &payload) {
				return
			}
			s.onResume(logger, payload)
		}
	})

	var chatAct *activities.ChatActivities

	chatCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: chatTurnTimeout,
		HeartbeatTimeout:    chatHeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})
	identityCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: statusActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Second,
			MaximumAttempts:    3,
		},
	})

	err := workflow.ExecuteActivity(identityCtx, chatAct.RecordWorkflowIdentity, activities.RecordWorkflowIdentityInput{
		SessionID:  input.SessionID,
		WorkflowID: info.WorkflowExecution.ID,
		RunID:      info.WorkflowExecution.RunID,
	}).Get(ctx, nil)
	if err != nil {
		if temporal.IsCanceledError(err) {
			return s.close(logger, CloseReasonCancelled), nil
		}
		logger.Warn("failed to record workflow identity", "error", err)
	}

	logger.Info("session workflow started",
		"sessionID", input.SessionID,
		"queued", len(s.queue),
		"carried", input.Carried != nil,
	)

	for {
		if s.resume == nil && len(s.queue) == 0 {
			remaining := input.InactivityTimeout - workflow.Now(ctx).Sub(s.idleSince)
			if remaining <= 0 {
				return s.close(logger, CloseReasonInactive), nil
			}

			_, err := workflow.AwaitWithTimeout(ctx, remaining, func() bool {
				return s.resume != nil || len(s.queue) > 0
			})
			if err != nil {
				if temporal.IsCanceledError(err) {
					return s.close(logger, CloseReasonCancelled), nil
				}
				return nil, err
			}
			continue
		}

		var (
			result activities.ChatTurnResult
			runID  string
		)
		if s.resume != nil {
			payload := *s.resume
			s.resume = nil
			logger.Info("resuming interrupted turn",
				"sessionID", input.SessionID,
				"approvals", SortedMapKeys(payload.Approvals),
			)
			err = workflow.ExecuteActivity(chatCtx, chatAct.ResumeSession, activities.ResumeSessionInput{
				TenantID:  input.TenantID,
				UserID:    input.UserID,
				SessionID: input.SessionID,
				Flow:      s.lastFlow,
				Payload:   payload,
			}).Get(ctx, &result)
		} else {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			runID = msg.RunID
			err = workflow.ExecuteActivity(chatCtx, chatAct.ProcessMessage, activities.ProcessMessageInput{
				TenantID:  input.TenantID,
				UserID:    input.UserID,
				SessionID: input.SessionID,
				Message:   msg,
			}).Get(ctx, &result)
		}

		if err != nil {
			if temporal.IsCanceledError(err) {
				return s.close(logger, CloseReasonCancelled), nil
			}
			s.fail(ctx, logger, runID, err)
		} else {
			s.record(ctx, result)
		}
		s.processed++
		s.turns++

		if err == nil && result.Status == domain.TurnStatusInterrupted {
			ok, waitErr := workflow.AwaitWithTimeout(ctx, input.ApprovalTimeout, func() bool {
				return s.resume != nil
			})
			if waitErr != nil {
				if temporal.IsCanceledError(waitErr) {
					return s.close(logger, CloseReasonCancelled), nil
				}
				return nil, waitErr
			}
			if !ok {
				logger.Info("approval timed out, session stays open", "sessionID", input.SessionID)
				s.idleSince = workflow.Now(ctx)
			}
		}

		if s.turns >= input.MaxTurnsPerRun || workflow.GetInfo(ctx).GetContinueAsNewSuggested() {
			s.drainSignals(logger, ctx, messageCh, resumeCh)
			s.closing = true
			logger.Info("session continuing as new",
				"sessionID", input.SessionID,
				"turns", s.turns,
				"queued", len(s.queue),
			)
			return nil, workflow.NewContinueAsNewError(ctx, SessionWorkflow, s.carryOver())
		}
	}
}

func newSessionState(input SessionWorkflowInput, now time.Time) *sessionState {
	s := &sessionState{
		input:     input,
		idleSince: now,
	}
	if c := input.Carried; c != nil {
		s.queue = append(s.queue, c.Queue...)
		s.seen = newRecentSet(orctemporal.DedupWindow, c.Seen)
		s.resume = c.PendingResume
		s.last = c.LastResult
		s.lastFlow = c.LastFlow
		s.processed = c.Processed
	} else {
		s.seen = newRecentSet(orctemporal.DedupWindow, nil)
	}
	return s
}

// onMessage queues msg unless the session is closing or the message was seen.
func (s *sessionState) onMessage(logger log.Logger, now time.Time, msg PendingMessage) {
	if s.closing {
		logger.Warn("session closing, message rejected", "sessionID", s.input.SessionID, "runID", msg.RunID)
		return
	}

	msg = msg.WithDedupHash()
	if s.seen.Contains(msg.DedupHash) || s.queued(msg.DedupHash) {
		logger.Info("duplicate message ignored", "sessionID", s.input.SessionID, "dedupHash", msg.DedupHash)
		return
	}

	s.seen.Add(msg.DedupHash)
	s.queue = append(s.queue, msg)
	s.idleSince = now
}

// onResume stores payload, replacing any resume not yet served.
func (s *sessionState) onResume(logger log.Logger, payload ResumePayload) {
	if s.closing {
		logger.Warn("session closing, resume rejected", "sessionID", s.input.SessionID)
		return
	}
	if s.resume != nil {
		logger.Info("replacing unserved resume", "sessionID", s.input.SessionID)
	}
	payload.SessionID = s.input.SessionID
	s.resume = &payload
}

func (s *sessionState) queued(hash string) bool {
	for _, m := range s.queue {
		if m.DedupHash == hash {
			return true
		}
	}
	return false
}

func (s *sessionState) record(ctx workflow.Context, result activities.ChatTurnResult) {
	if result.Flow != "" {
		s.lastFlow = result.Flow
	}
	if result.Status == domain.TurnStatusSkipped {
		return
	}

	s.last = &LastResult{
		Status:    result.Status,
		Response:  result.Response,
		Interrupt: result.Interrupt,
		Error:     result.Error,
		RunID:     result.RunID,
		Timestamp: workflow.Now(ctx),
	}
	if result.Status == domain.TurnStatusCompleted {
		s.idleSince = workflow.Now(ctx)
	}
}

// fail records a failed turn with the fallback reply and tells the client.
func (s *sessionState) fail(ctx workflow.Context, logger log.Logger, runID string, err error) {
	logger.Error("chat turn failed", "sessionID", s.input.SessionID, "runID", runID, "error", err)

	message := err.Error()
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		message = appErr.Message()
	}

	s.last = &LastResult{
		Status:    domain.TurnStatusFailed,
		Response:  activities.FallbackReply,
		Error:     message,
		RunID:     runID,
		Timestamp: workflow.Now(ctx),
	}
	s.idleSince = workflow.Now(ctx)

	publishEvent(ctx, domain.ChatTopic(s.input.TenantID, s.input.SessionID), domain.EventError, map[string]interface{}{
		"error":   message,
		"content": activities.FallbackReply,
		"run_id":  runID,
	})
}

// drainSignals moves buffered signals into the state before the run ends.
func (s *sessionState) drainSignals(logger log.Logger, ctx workflow.Context, messageCh, resumeCh workflow.ReceiveChannel) {
	for {
		var msg PendingMessage
		if !messageCh.ReceiveAsync(&msg) {
			break
		}
		s.onMessage(logger, workflow.Now(ctx), msg)
	}
	for {
		var payload ResumePayload
		if !resumeCh.ReceiveAsync(&payload) {
			break
		}
		s.onResume(logger, payload)
	}
}

func (s *sessionState) carryOver() SessionWorkflowInput {
	next := s.input
	next.Carried = &SessionCarryOver{
		Queue:         s.queue,
		Seen:          s.seen.Keys(),
		PendingResume: s.resume,
		LastResult:    s.last,
		LastFlow:      s.lastFlow,
		Processed:     s.processed,
	}
	return next
}

func (s *sessionState) close(logger log.Logger, reason string) *SessionWorkflowResult {
	s.closing = true
	logger.Info("session workflow closing",
		"sessionID", s.input.SessionID,
		"reason", reason,
		"processed", s.processed,
		"dropped", len(s.queue),
	)
	return &SessionWorkflowResult{
		SessionID:  s.input.SessionID,
		Processed:  s.processed,
		Reason:     reason,
		LastResult: s.last,
	}
}

// publishEvent publishes a workflow-originated event with a single attempt.
// Failures are logged and never fail the workflow.
func publishEvent(ctx workflow.Context, topic string, eventType domain.EventType, data map[string]interface{}) {
	var eventAct *activities.EventActivities
	eventCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: statusActivityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	err := workflow.ExecuteActivity(eventCtx, eventAct.PublishEvent, activities.PublishEventInput{
		Topic: topic,
		Type:  eventType,
		Data:  data,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("failed to publish workflow event", "topic", topic, "type", eventType, "error", err)
	}
}
