package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
)

// SessionDirectory lists the workflow identities recorded on a user's sessions.
// *repository.PgSessionRepository implements it.
type SessionDirectory interface {
	ListWorkflowRefs(ctx context.Context, userID string) ([]domain.SessionWorkflowRef, error)
}

// ManagerConfig configures a WorkflowManager.
type ManagerConfig struct {
	// TaskQueue is the queue session and document workflows are started on.
	TaskQueue string
	// HealthCheckTimeout bounds Health. Zero uses DefaultHealthCheckTimeout.
	HealthCheckTimeout time.Duration

	// Passed to new session workflows. Zero values select the workflow defaults.
	InactivityTimeout time.Duration
	ApprovalTimeout   time.Duration

	// ReprocessWait is passed to new document workflows.
	ReprocessWait time.Duration
}

// ManagerConfigFromSettings maps the service configuration sections.
func ManagerConfigFromSettings(t config.TemporalConfig, s config.SessionConfig) ManagerConfig {
	return ManagerConfig{
		TaskQueue:         t.TaskQueue,
		InactivityTimeout: s.InactivityTimeout,
		ApprovalTimeout:   s.ApprovalTimeout,
	}
}

// DocumentRef addresses a document to process.
type DocumentRef struct {
	TenantID   string
	UserID     string
	DocumentID string
}

// WorkflowDescription contains information about a workflow execution.
type WorkflowDescription struct {
	WorkflowID string
	RunID      string
	Status     enumspb.WorkflowExecutionStatus
	StartTime  time.Time
	// CloseTime is nil while the workflow runs.
	CloseTime *time.Time
}

// Running reports whether the execution is still open.
func (d *WorkflowDescription) Running() bool {
	return d.Status == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING
}

// WorkflowManager finds, creates, signals, queries and cancels session and
// document workflows. Workflow ids are deterministic, so at most one execution
// runs per session and per document.
type WorkflowManager struct {
	mu       sync.RWMutex
	client   client.Client
	cfg      ManagerConfig
	sessions SessionDirectory
	metrics  *observability.Metrics
	logger   zerolog.Logger
	closed   bool
}

// NewWorkflowManager creates a WorkflowManager. sessions and metrics may be nil.
func NewWorkflowManager(c client.Client, cfg ManagerConfig, sessions SessionDirectory, metrics *observability.Metrics, logger zerolog.Logger) *WorkflowManager {
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	return &WorkflowManager{
		client:   c,
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.With().Str("component", "workflow_manager").Logger(),
	}
}

// GetOrCreateSession returns the running workflow of a session, starting one if
// none runs. A non-nil msg with content is delivered as a new_message signal:
// to the running workflow, or atomically with the start.
func (m *WorkflowManager) GetOrCreateSession(ctx context.Context, ref SessionRef, msg *PendingMessage) (*WorkflowHandle, error) {
	if err := m.checkOpen("GetOrCreateSession"); err != nil {
		return nil, err
	}
	if ref.UserID == "" || ref.SessionID == "" {
		return nil, domain.NewValidationError("session", "user id and session id are required")
	}
	var signalArg interface{}
	if msg != nil && msg.Content != "" {
		signalArg = *msg
	}

	workflowID := SessionWorkflowID(ref.UserID, ref.SessionID)
	if handle, ok, err := m.signalIfRunning(ctx, workflowID, SessionWorkflowType, SignalNewMessage, signalArg); err != nil || ok {
		return handle, err
	}

	input := SessionWorkflowInput{
		TenantID:          ref.TenantID,
		UserID:            ref.UserID,
		SessionID:         ref.SessionID,
		InactivityTimeout: m.cfg.InactivityTimeout,
		ApprovalTimeout:   m.cfg.ApprovalTimeout,
	}
	if signalArg != nil {
		return m.signalWithStart(ctx, workflowID, SessionWorkflowType, SignalNewMessage, signalArg, input)
	}
	return m.start(ctx, workflowID, SessionWorkflowType, input, "", nil)
}

// ResumeSession delivers approval decisions to the running workflow of a session.
func (m *WorkflowManager) ResumeSession(ctx context.Context, ref SessionRef, payload ResumePayload) error {
	if err := m.checkOpen("ResumeSession"); err != nil {
		return err
	}
	workflowID := SessionWorkflowID(ref.UserID, ref.SessionID)
	payload.SessionID = ref.SessionID

	if err := m.client.SignalWorkflow(ctx, workflowID, "", SignalResume, payload); err != nil {
		return wrapTemporalError("ResumeSession", err, workflowID, "")
	}
	m.recordSignal(SessionWorkflowType, SignalResume)
	return nil
}

// LastResult queries the most recent turn outcome of a session. It returns nil
// when the session has not finished a turn yet.
func (m *WorkflowManager) LastResult(ctx context.Context, ref SessionRef) (*LastResult, error) {
	if err := m.checkOpen("LastResult"); err != nil {
		return nil, err
	}
	workflowID := SessionWorkflowID(ref.UserID, ref.SessionID)

	resp, err := m.client.QueryWorkflow(ctx, workflowID, "", QueryLastResult)
	if err != nil {
		return nil, wrapTemporalError("LastResult", err, workflowID, "")
	}

	var last *LastResult
	if resp != nil && resp.HasValue() {
		if err := resp.Get(&last); err != nil {
			return nil, &TemporalError{
				Op:         "LastResult",
				Kind:       ErrQueryFailed,
				WorkflowID: workflowID,
				Err:        fmt.Errorf("decode query result: %w", err),
			}
		}
	}
	return last, nil
}

// StartDocument queues a document on its workflow, starting the workflow if none runs.
func (m *WorkflowManager) StartDocument(ctx context.Context, ref DocumentRef) (*WorkflowHandle, error) {
	if err := m.checkOpen("StartDocument"); err != nil {
		return nil, err
	}
	if ref.DocumentID == "" || ref.UserID == "" {
		return nil, domain.NewValidationError("document", "document id and user id are required")
	}

	workflowID := DocumentWorkflowID(ref.DocumentID)
	entry := DocumentQueueEntry{DocumentID: ref.DocumentID, UserID: ref.UserID}
	if handle, ok, err := m.signalIfRunning(ctx, workflowID, DocumentWorkflowType, SignalAddDocument, entry); err != nil || ok {
		return handle, err
	}

	input := DocumentWorkflowInput{
		DocumentID:    ref.DocumentID,
		UserID:        ref.UserID,
		TenantID:      ref.TenantID,
		ReprocessWait: m.cfg.ReprocessWait,
	}
	return m.start(ctx, workflowID, DocumentWorkflowType, input, SignalAddDocument, entry)
}

// Terminate cancels the workflow of a session. A workflow that is not running
// is not an error.
func (m *WorkflowManager) Terminate(ctx context.Context, userID, sessionID string) error {
	if err := m.checkOpen("Terminate"); err != nil {
		return err
	}
	_, err := m.cancel(ctx, SessionWorkflowID(userID, sessionID))
	return err
}

// TerminateAllForUser cancels every session workflow recorded for a user and
// returns how many were cancelled. Failures on individual workflows are joined;
// the remaining workflows are still cancelled.
func (m *WorkflowManager) TerminateAllForUser(ctx context.Context, userID string) (int, error) {
	if err := m.checkOpen("TerminateAllForUser"); err != nil {
		return 0, err
	}
	if m.sessions == nil {
		return 0, fmt.Errorf("terminate all for user %s: no session directory configured", userID)
	}

	refs, err := m.sessions.ListWorkflowRefs(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list workflows of user %s: %w", userID, err)
	}

	var (
		cancelled int
		errs      []error
		seen      = make(map[string]struct{}, len(refs))
	)
	for _, ref := range refs {
		workflowID := ref.WorkflowID
		if workflowID == "" {
			workflowID = SessionWorkflowID(userID, ref.SessionID)
		}
		if _, dup := seen[workflowID]; dup {
			continue
		}
		seen[workflowID] = struct{}{}

		ok, err := m.cancel(ctx, workflowID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			cancelled++
		}
	}

	m.log(ctx).Info().
		Str("user_id", userID).
		Int("sessions", len(refs)).
		Int("cancelled", cancelled).
		Int("failed", len(errs)).
		Msg("terminated user sessions")
	return cancelled, errors.Join(errs...)
}

// Health checks the connection to the Temporal server.
func (m *WorkflowManager) Health(ctx context.Context) error {
	if err := m.checkOpen("Health"); err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	if _, err := m.client.CheckHealth(checkCtx, &client.CheckHealthRequest{}); err != nil {
		return wrapTemporalError("Health", err, "", "")
	}
	return nil
}

// DescribeWorkflow returns information about the latest run of a workflow.
func (m *WorkflowManager) DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowDescription, error) {
	resp, err := m.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, wrapTemporalError("DescribeWorkflow", err, workflowID, "")
	}

	info := resp.GetWorkflowExecutionInfo()
	desc := &WorkflowDescription{
		WorkflowID: workflowID,
		RunID:      info.GetExecution().GetRunId(),
		Status:     info.GetStatus(),
	}
	if info.GetStartTime() != nil {
		desc.StartTime = info.GetStartTime().AsTime()
	}
	if info.GetCloseTime() != nil {
		closeTime := info.GetCloseTime().AsTime()
		desc.CloseTime = &closeTime
	}
	return desc, nil
}

// Close closes the underlying Temporal client connection.
func (m *WorkflowManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && !m.closed {
		m.client.Close()
		m.closed = true
	}
}

// log returns the manager logger tagged with the request and workflow carried by ctx.
func (m *WorkflowManager) log(ctx context.Context) *zerolog.Logger {
	logger := observability.LoggerFromContext(ctx, m.logger)
	return &logger
}

func (m *WorkflowManager) checkOpen(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &TemporalError{Op: op, Kind: ErrClientClosed}
	}
	return nil
}

// signalIfRunning signals the running execution of workflowID. ok is false when
// no execution runs, or when the signal found the run already closed, so the
// caller should start one. A nil arg skips the signal.
func (m *WorkflowManager) signalIfRunning(ctx context.Context, workflowID, workflowType, signal string, arg interface{}) (*WorkflowHandle, bool, error) {
	desc, err := m.DescribeWorkflow(ctx, workflowID)
	if err != nil {
		if IsWorkflowNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !desc.Running() {
		return nil, false, nil
	}

	handle := &WorkflowHandle{WorkflowID: workflowID, RunID: desc.RunID}
	if arg == nil {
		return handle, true, nil
	}

	if err := m.client.SignalWorkflow(ctx, workflowID, desc.RunID, signal, arg); err != nil {
		wrapped := wrapTemporalError("Signal", err, workflowID, desc.RunID)
		if IsWorkflowNotFound(wrapped) {
			m.log(observability.WithWorkflow(ctx, workflowID, desc.RunID)).Info().Msg("run closed before signal, starting a new one")
			return nil, false, nil
		}
		return nil, false, wrapped
	}
	m.recordSignal(workflowType, signal)
	return handle, true, nil
}

// signalWithStart signals the running execution or starts a new one carrying the signal.
func (m *WorkflowManager) signalWithStart(ctx context.Context, workflowID, workflowType, signal string, arg, input interface{}) (*WorkflowHandle, error) {
	run, err := m.client.SignalWithStartWorkflow(ctx, workflowID, signal, arg, m.startOptions(workflowID), workflowType, input)
	if err != nil {
		return nil, wrapTemporalError("SignalWithStart", err, workflowID, "")
	}

	m.recordStart(workflowType)
	m.recordSignal(workflowType, signal)
	m.log(observability.WithWorkflow(ctx, workflowID, run.GetRunID())).Info().
		Str("workflow_type", workflowType).
		Msg("workflow started with signal")
	return &WorkflowHandle{WorkflowID: workflowID, RunID: run.GetRunID(), Created: true}, nil
}

// start starts a new execution. If another caller won the race, the winner is
// signalled with raceArg instead (when raceSignal is set) and returned.
func (m *WorkflowManager) start(ctx context.Context, workflowID, workflowType string, input interface{}, raceSignal string, raceArg interface{}) (*WorkflowHandle, error) {
	opts := m.startOptions(workflowID)
	opts.WorkflowIDConflictPolicy = enumspb.WORKFLOW_ID_CONFLICT_POLICY_FAIL
	opts.WorkflowExecutionErrorWhenAlreadyStarted = true

	run, err := m.client.ExecuteWorkflow(ctx, opts, workflowType, input)
	if err == nil {
		m.recordStart(workflowType)
		m.log(observability.WithWorkflow(ctx, workflowID, run.GetRunID())).Info().
			Str("workflow_type", workflowType).
			Msg("workflow started")
		return &WorkflowHandle{WorkflowID: workflowID, RunID: run.GetRunID(), Created: true}, nil
	}

	wrapped := wrapTemporalError("Start", err, workflowID, "")
	if !IsWorkflowAlreadyStarted(wrapped) {
		return nil, wrapped
	}

	if m.metrics != nil {
		m.metrics.RecordWorkflowStartRace(workflowType)
	}
	m.log(observability.WithWorkflow(ctx, workflowID, "")).Debug().Msg("workflow start raced, using the running execution")

	var arg interface{}
	if raceSignal != "" {
		arg = raceArg
	}
	handle, ok, err := m.signalIfRunning(ctx, workflowID, workflowType, raceSignal, arg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wrapped
	}
	return handle, nil
}

func (m *WorkflowManager) startOptions(workflowID string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             m.cfg.TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
}

// cancel requests cancellation of the running execution of workflowID. ok is
// false when nothing was running.
func (m *WorkflowManager) cancel(ctx context.Context, workflowID string) (bool, error) {
	err := m.client.CancelWorkflow(ctx, workflowID, "")
	if err != nil {
		wrapped := wrapTemporalError("CancelWorkflow", err, workflowID, "")
		if IsWorkflowNotFound(wrapped) {
			return false, nil
		}
		m.log(observability.WithWorkflow(ctx, workflowID, "")).Warn().Err(err).Msg("failed to cancel workflow")
		return false, wrapped
	}

	if m.metrics != nil {
		m.metrics.RecordWorkflowTerminated(SessionWorkflowType)
	}
	m.log(observability.WithWorkflow(ctx, workflowID, "")).Info().Msg("workflow cancellation requested")
	return true, nil
}

func (m *WorkflowManager) recordStart(workflowType string) {
	if m.metrics != nil {
		m.metrics.RecordWorkflowStarted(workflowType)
	}
}

func (m *WorkflowManager) recordSignal(workflowType, signal string) {
	if m.metrics != nil {
		m.metrics.RecordWorkflowSignaled(workflowType, signal)
	}
}
