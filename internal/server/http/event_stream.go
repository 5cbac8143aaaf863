package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/stream"
)

// streamChatEvents handles GET /sessions/{sessionID}/events (SSE).
// The stream ends after a final, error or interrupt event.
func (s *Server) streamChatEvents(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	s.serveEventStream(w, r, domain.StreamKindChat, domain.ChatTopic(ref.TenantID, ref.SessionID))
}

// streamDocumentEvents handles GET /documents/events (SSE).
// The stream ends after the user's queue completes.
func (s *Server) streamDocumentEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := identityFromRequest(r)
	s.serveEventStream(w, r, domain.StreamKindDocuments, domain.DocumentsTopic(tenantID, userID))
}

// serveEventStream relays a topic as server-sent events. A reconnecting client
// resumes after the id in Last-Event-ID, or in the after query parameter.
func (s *Server) serveEventStream(w http.ResponseWriter, r *http.Request, kind domain.StreamKind, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	afterID := r.Header.Get("Last-Event-ID")
	if afterID == "" {
		afterID = r.URL.Query().Get("after")
	}
	logger := observability.WithTopicContext(s.requestLogger(r), topic)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": stream opened\n\n")
	flusher.Flush()

	emit := func(evt domain.StreamEvent) error {
		return writeSSEEvent(w, flusher, evt)
	}

	err := s.deps.Streams.Stream(r.Context(), kind, topic, afterID, emit)
	switch {
	case err == nil:
		logger.Debug().Msg("stream completed")
	case errors.Is(err, context.Canceled):
		logger.Debug().Msg("client disconnected")
	case errors.Is(err, stream.ErrStreamExpired):
		logger.Debug().Msg("stream expired")
	default:
		logger.Error().Err(err).Msg("event stream failed")
		_ = writeSSEEvent(w, flusher, domain.NewStreamEvent(domain.EventError, map[string]interface{}{
			"error":     "stream unavailable",
			"transient": true,
		}))
	}
}

// writeSSEEvent writes a single SSE frame. Heartbeats carry no id so they do
// not move the client's reconnect position.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, evt domain.StreamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	if evt.Type != domain.EventHeartbeat && evt.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", evt.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
