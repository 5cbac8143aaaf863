package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/helixir/orchestration-service/internal/observability"
)

// defaultCommandTimeout bounds non-streaming handlers when no write timeout is configured.
const defaultCommandTimeout = 30 * time.Second

// identityMiddleware extracts tenantID and userID from URL path params
// and stores them in the request context.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		userID := chi.URLParam(r, "userID")

		if tenantID == "" || userID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id and user_id are required")
			return
		}

		ctx := observability.WithIdentity(r.Context(), tenantID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestIDMiddleware ensures every request carries a request ID, echoed in
// the X-Request-ID response header.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = middleware.GetReqID(r.Context())
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := observability.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// commandTimeout bounds the request context of non-streaming handlers.
func (s *Server) commandTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFromRequest returns the tenant and user of the request.
func identityFromRequest(r *http.Request) (tenantID, userID string) {
	return observability.IdentityFromContext(r.Context())
}
