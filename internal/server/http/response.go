package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/temporal"
)

// maxRequestBodySize is the 1 MB limit for request bodies.
const maxRequestBodySize = 1 << 20

// Request types.

type postMessageRequest struct {
	Content         string   `json:"content" validate:"required,max=32000"`
	RunID           string   `json:"run_id,omitempty" validate:"omitempty,max=128"`
	ParentMessageID string   `json:"parent_message_id,omitempty" validate:"omitempty,max=128"`
	PlanSteps       []string `json:"plan_steps,omitempty" validate:"max=50,dive,max=2000"`
	Flow            string   `json:"flow,omitempty" validate:"omitempty,max=64"`
}

type approvalRequest struct {
	Approved bool                   `json:"approved"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

type resumeRequest struct {
	Approvals map[string]approvalRequest `json:"approvals" validate:"required,min=1,dive,keys,required,max=128,endkeys"`
}

// Response types.

type errorResponse struct {
	Error string `json:"error"`
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type postMessageResponse struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`
	Created    bool   `json:"created"`
	// Cursor is the id of the last event buffered before the message was accepted.
	// Passing it as ?after= replays everything the turn publishes.
	Cursor string `json:"cursor,omitempty"`
}

type acceptedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type terminateAllResponse struct {
	Cancelled int `json:"cancelled"`
}

type processDocumentResponse struct {
	DocumentID string `json:"document_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`
	Created    bool   `json:"created"`
}

// decodeJSONBody reads, decodes and validates a request body into v.
// It writes a 400 response and returns false on failure.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage renders validator errors without echoing field values.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request body"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

// writeDomainError maps domain and temporal errors to HTTP status codes and
// writes a JSON error response. Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, temporal.ErrResourceExhausted):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrServiceUnavailable),
		errors.Is(err, temporal.ErrConnectionFailed),
		errors.Is(err, temporal.ErrClientClosed):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "operation cancelled")
	case errors.Is(err, temporal.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, temporal.ErrWorkflowAlreadyStarted):
		writeError(w, http.StatusConflict, "workflow already started")
	case errors.Is(err, temporal.ErrDeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "deadline exceeded")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
