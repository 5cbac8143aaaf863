// Package observability provides logging, metrics, and context support for
// the orchestration service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - A zerolog adapter for the Temporal SDK logger
//   - Prometheus metrics for sessions, workflows, events, streams and documents
//   - Context helpers for propagating observability data
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("session_id", sessionID).Msg("message accepted")
//
// Add session context to a logger:
//
//	logger = observability.WithSessionContext(logger, tenantID, userID, sessionID)
//
// # Metrics
//
//	metrics := observability.NewMetrics("orchestrator")
//	metrics.RecordWorkflowStarted("SessionWorkflow")
//	metrics.PublishInFlight.Inc()
//
// # Context Helpers
//
//	ctx = observability.WithRequestID(ctx, requestID)
//	ctx = observability.WithIdentity(ctx, tenantID, userID)
//
//	ctx = observability.WithWorkflow(ctx, workflowID, runID)
//
//	reqID := observability.RequestIDFromContext(ctx)
//	tenantID, userID := observability.IdentityFromContext(ctx)
//
// LoggerFromContext copies the request ID and workflow execution onto a logger:
//
//	observability.LoggerFromContext(ctx, logger).Info().Msg("workflow started")
//
// # Standard Fields
//
//   - request_id: HTTP request identifier
//   - tenant_id: Tenant identifier
//   - user_id: User identifier
//   - session_id: Chat session identifier
//   - document_id: Document identifier
//   - topic: Broker topic
//   - workflow_id, workflow_run_id: Temporal execution identity
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
