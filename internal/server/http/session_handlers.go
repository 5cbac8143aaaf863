package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/temporal"
)

// sessionRef builds the workflow address of the session in the request path.
func sessionRef(r *http.Request) temporal.SessionRef {
	tenantID, userID := identityFromRequest(r)
	return temporal.SessionRef{
		TenantID:  tenantID,
		UserID:    userID,
		SessionID: chi.URLParam(r, "sessionID"),
	}
}

// ownedSession checks that the session in the request path exists and belongs
// to the caller. Sessions of other users are reported as not found.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (temporal.SessionRef, bool) {
	ref := sessionRef(r)
	session, err := s.deps.Sessions.Get(r.Context(), ref.SessionID)
	if err != nil {
		writeDomainError(w, err)
		return ref, false
	}
	if session.UserID != ref.UserID || (session.TenantID != "" && session.TenantID != ref.TenantID) {
		writeDomainError(w, domain.NewNotFoundError("session", ref.SessionID))
		return ref, false
	}
	return ref, true
}

// postMessage handles POST /sessions/{sessionID}/messages.
// It creates the session on first use, clears a pending stop request and hands
// the message to the session workflow, starting the workflow if none runs.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := sessionRef(r)

	var req postMessageRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	logger := observability.WithSessionContext(s.requestLogger(r), ref.TenantID, ref.UserID, ref.SessionID)

	if _, err := s.deps.Sessions.Ensure(ctx, &domain.Session{
		ID:       ref.SessionID,
		UserID:   ref.UserID,
		TenantID: ref.TenantID,
	}); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.deps.Cancels.Clear(ctx, broker.SessionScope(ref.UserID, ref.SessionID)); err != nil {
		logger.Warn().Err(err).Msg("failed to clear stop request")
	}

	topic := domain.ChatTopic(ref.TenantID, ref.SessionID)
	cursor, err := s.deps.Streams.Cursor(ctx, topic)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read stream cursor")
	}

	msg := temporal.PendingMessage{
		Content:         req.Content,
		PlanSteps:       req.PlanSteps,
		Flow:            req.Flow,
		RunID:           req.RunID,
		ParentMessageID: req.ParentMessageID,
	}.WithDedupHash()

	handle, err := s.deps.Workflows.GetOrCreateSession(ctx, ref, &msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to deliver message")
		writeDomainError(w, err)
		return
	}

	logger.Info().
		Str("workflow_id", handle.WorkflowID).
		Bool("created", handle.Created).
		Str("dedup_hash", msg.DedupHash).
		Msg("message accepted")

	writeJSON(w, http.StatusAccepted, postMessageResponse{
		SessionID:  ref.SessionID,
		WorkflowID: handle.WorkflowID,
		RunID:      handle.RunID,
		Created:    handle.Created,
		Cursor:     cursor,
	})
}

// resumeSession handles POST /sessions/{sessionID}/resume.
func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	ref := sessionRef(r)

	var req resumeRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	approvals := make(map[string]domain.Approval, len(req.Approvals))
	for id, a := range req.Approvals {
		approvals[id] = domain.Approval{Approved: a.Approved, Args: a.Args}
	}

	if err := s.deps.Workflows.ResumeSession(r.Context(), ref, temporal.ResumePayload{Approvals: approvals}); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{Success: true, Message: "resume delivered"})
}

// getLastResult handles GET /sessions/{sessionID}/result.
func (s *Server) getLastResult(w http.ResponseWriter, r *http.Request) {
	last, err := s.deps.Workflows.LastResult(r.Context(), sessionRef(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if last == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// stopGeneration handles POST /sessions/{sessionID}/stop. The running turn
// polls the flag and ends with a cancelled final event.
func (s *Server) stopGeneration(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.deps.Cancels.Request(r.Context(), broker.SessionScope(ref.UserID, ref.SessionID)); err != nil {
		logger := observability.WithSessionContext(s.requestLogger(r), ref.TenantID, ref.UserID, ref.SessionID)
		logger.Error().Err(err).Msg("failed to request stop")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Success: true, Message: "stop requested"})
}

// terminateSession handles DELETE /sessions/{sessionID}.
func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	ref := sessionRef(r)
	if err := s.deps.Workflows.Terminate(r.Context(), ref.UserID, ref.SessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptedResponse{Success: true, Message: "session terminated"})
}

// terminateAllSessions handles DELETE /sessions. Sessions that could not be
// cancelled are logged; the count covers the ones that were.
func (s *Server) terminateAllSessions(w http.ResponseWriter, r *http.Request) {
	_, userID := identityFromRequest(r)
	cancelled, err := s.deps.Workflows.TerminateAllForUser(r.Context(), userID)
	if err != nil {
		logger := s.requestLogger(r)
		logger.Error().Err(err).Str("user_id", userID).Int("cancelled", cancelled).Msg("failed to terminate some sessions")
		if cancelled == 0 {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, terminateAllResponse{Cancelled: cancelled})
}
