// Package temporal provides the Temporal integration of the orchestration
// service: client setup, the WorkflowManager, and worker lifecycle.
//
// # Overview
//
//   - NewClient dials the Temporal server.
//   - WorkflowManager finds or creates session and document workflows, signals
//     and queries them, and cancels them.
//   - WorkerManager polls the task queue and serves the workflows and activities
//     assembled by workflows.Registrations.
//
// Workflow ids are deterministic (SessionWorkflowID, DocumentWorkflowID), so at
// most one execution runs per chat session and per document. Signal, query and
// workflow type names live in this package so the HTTP server and the upload
// listener can address workflows without importing workflow code.
//
// # Sessions
//
//	handle, err := manager.GetOrCreateSession(ctx, temporal.SessionRef{
//	    TenantID:  tenantID,
//	    UserID:    userID,
//	    SessionID: sessionID,
//	}, &temporal.PendingMessage{Content: "hello", RunID: runID})
//
// A running workflow receives the message as a new_message signal. Otherwise the
// workflow is started with SignalWithStartWorkflow so the first message cannot be
// lost between start and signal.
//
// # Error Handling
//
// Temporal service errors are wrapped in TemporalError and mapped to sentinels:
//
//	if temporal.IsWorkflowNotFound(err) {
//	    // no running workflow for the session
//	}
package temporal
