package temporal

import (
	"context"
	"errors"
	"strings"

	"go.temporal.io/api/serviceerror"
)

// Sentinel kinds carried by TemporalError. Callers match them with errors.Is.
var (
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")
	ErrQueryFailed            = errors.New("query failed")
	ErrClientClosed           = errors.New("client closed")
	ErrConnectionFailed       = errors.New("connection failed")
	ErrNamespaceNotFound      = errors.New("namespace not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrResourceExhausted      = errors.New("resource exhausted")
	ErrDeadlineExceeded       = errors.New("deadline exceeded")
)

// TemporalError annotates a substrate failure with the manager operation and
// the workflow it targeted.
type TemporalError struct {
	Op         string
	Kind       error
	WorkflowID string
	RunID      string
	Err        error
}

func (e *TemporalError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.WorkflowID != "" {
		b.WriteString(" [workflowID=")
		b.WriteString(e.WorkflowID)
		if e.RunID != "" {
			b.WriteString(", runID=")
			b.WriteString(e.RunID)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TemporalError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error's Kind.
func (e *TemporalError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// serviceErrorKinds maps service error types to kinds, first match wins.
var serviceErrorKinds = []struct {
	match func(error) bool
	kind  error
}{
	{isServiceError[*serviceerror.NotFound], ErrWorkflowNotFound},
	{isServiceError[*serviceerror.WorkflowExecutionAlreadyStarted], ErrWorkflowAlreadyStarted},
	{isServiceError[*serviceerror.QueryFailed], ErrQueryFailed},
	{isServiceError[*serviceerror.NamespaceNotFound], ErrNamespaceNotFound},
	{isServiceError[*serviceerror.PermissionDenied], ErrPermissionDenied},
	{isServiceError[*serviceerror.InvalidArgument], ErrInvalidArgument},
	{isServiceError[*serviceerror.ResourceExhausted], ErrResourceExhausted},
	{isServiceError[*serviceerror.DeadlineExceeded], ErrDeadlineExceeded},
	{isServiceError[*serviceerror.Unavailable], ErrConnectionFailed},
	{func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }, ErrDeadlineExceeded},
	{func(err error) bool { return errors.Is(err, context.Canceled) }, ErrClientClosed},
}

func isServiceError[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// classify returns the kind of err. Unrecognised failures count as
// connection failures so callers treat them as retryable.
func classify(err error) error {
	for _, k := range serviceErrorKinds {
		if k.match(err) {
			return k.kind
		}
	}
	return ErrConnectionFailed
}

// wrapTemporalError returns nil for a nil err.
func wrapTemporalError(op string, err error, workflowID, runID string) error {
	if err == nil {
		return nil
	}
	return &TemporalError{
		Op:         op,
		Kind:       classify(err),
		WorkflowID: workflowID,
		RunID:      runID,
		Err:        err,
	}
}

// IsWorkflowNotFound reports whether err means no execution with that id exists
// or the targeted run has already closed.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsWorkflowAlreadyStarted reports a lost start race.
func IsWorkflowAlreadyStarted(err error) bool {
	return errors.Is(err, ErrWorkflowAlreadyStarted)
}

func IsQueryFailed(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

func IsConnectionFailed(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
