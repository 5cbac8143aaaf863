package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/temporal"
)

// ownedDocument loads the document in the request path and checks that it
// belongs to the caller. Documents of other users are reported as not found.
func (s *Server) ownedDocument(w http.ResponseWriter, r *http.Request) (*domain.Document, bool) {
	tenantID, userID := identityFromRequest(r)
	documentID := chi.URLParam(r, "documentID")

	doc, err := s.deps.Documents.Get(r.Context(), documentID)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if doc.UserID != userID || (doc.TenantID != "" && doc.TenantID != tenantID) {
		writeDomainError(w, domain.NewNotFoundError("document", documentID))
		return nil, false
	}
	return doc, true
}

// processDocument handles POST /documents/{documentID}/process. It queues the
// document on its workflow; calling it for a processed document re-indexes it.
func (s *Server) processDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	tenantID, userID := identityFromRequest(r)
	logger := observability.WithDocumentContext(s.requestLogger(r), doc.ID, userID)

	if err := s.deps.Cancels.Clear(r.Context(), broker.DocumentScope(doc.ID)); err != nil {
		logger.Warn().Err(err).Msg("failed to clear cancel request")
	}

	handle, err := s.deps.Workflows.StartDocument(r.Context(), temporal.DocumentRef{
		TenantID:   tenantID,
		UserID:     userID,
		DocumentID: doc.ID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	logger.Info().
		Str("workflow_id", handle.WorkflowID).
		Bool("created", handle.Created).
		Msg("document queued")

	writeJSON(w, http.StatusAccepted, processDocumentResponse{
		DocumentID: doc.ID,
		WorkflowID: handle.WorkflowID,
		RunID:      handle.RunID,
		Created:    handle.Created,
	})
}

// cancelDocument handles POST /documents/{documentID}/cancel. The pipeline
// checks the flag between stages and marks the document failed.
func (s *Server) cancelDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	if doc.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "document is not being processed")
		return
	}
	if err := s.deps.Cancels.Request(r.Context(), broker.DocumentScope(doc.ID)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Success: true, Message: "cancellation requested"})
}
