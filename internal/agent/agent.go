// Package agent resolves and invokes the agent execution engine for chat turns.
//
// Engines stream typed events (token, update, interrupt, final, error) while a run
// progresses. The caller relays them to the session's topic and persists the outcome.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Kind names an agent implementation. The set is closed.
type Kind string

const (
	KindConversational Kind = "conversational"
	KindPlanner        Kind = "planner"
	KindRetrieval      Kind = "retrieval"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindConversational, KindPlanner, KindRetrieval}

// ParseKind returns the kind named by s, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// HistoryMessage is a prior message of the session given to the agent as context.
type HistoryMessage struct {
	Role    domain.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// RunRequest starts an agent run for one user message.
type RunRequest struct {
	TenantID  string           `json:"tenant_id"`
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id"`
	RunID     string           `json:"run_id,omitempty"`
	Content   string           `json:"content"`
	PlanSteps []string         `json:"plan_steps,omitempty"`
	History   []HistoryMessage `json:"history,omitempty"`
}

// ResumeRequest continues an interrupted run with the operator's decisions.
type ResumeRequest struct {
	TenantID  string                     `json:"tenant_id"`
	UserID    string                     `json:"user_id"`
	SessionID string                     `json:"session_id"`
	Approvals map[string]domain.Approval `json:"approvals"`
}

// Event is one streamed event of a run.
type Event struct {
	Type domain.EventType       `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventHandler receives streamed events in order. Returning an error aborts the run.
type EventHandler func(Event) error

// Interrupt describes tool calls awaiting human approval.
type Interrupt struct {
	Message   string            `json:"message,omitempty"`
	ToolCalls []domain.ToolCall `json:"tool_calls"`
}

// Outcome is the result of a run or resume.
type Outcome struct {
	Status    domain.TurnStatus `json:"status"`
	Response  string            `json:"response,omitempty"`
	ToolCalls []domain.ToolCall `json:"tool_calls,omitempty"`
	Interrupt *Interrupt        `json:"interrupt,omitempty"`
	// Error is the agent-reported failure for a failed turn.
	Error string `json:"error,omitempty"`
}

// Engine executes agent runs.
type Engine interface {
	Run(ctx context.Context, req RunRequest, onEvent EventHandler) (*Outcome, error)
	Resume(ctx context.Context, req ResumeRequest, onEvent EventHandler) (*Outcome, error)
}

// Registry maps kinds to engines with an explicit fallback. It is built once at
// startup and read-only afterwards.
type Registry struct {
	engines  map[Kind]Engine
	fallback Kind
}

// NewRegistry creates a registry whose unresolved lookups use fallback.
func NewRegistry(fallback Kind) *Registry {
	return &Registry{engines: make(map[Kind]Engine), fallback: fallback}
}

// Register binds an engine to kind.
func (r *Registry) Register(kind Kind, engine Engine) error {
	if _, ok := ParseKind(string(kind)); !ok {
		return fmt.Errorf("unknown agent kind %q", kind)
	}
	if engine == nil {
		return fmt.Errorf("nil engine for agent kind %q", kind)
	}
	r.engines[kind] = engine
	return nil
}

// Validate checks that the fallback kind has an engine.
func (r *Registry) Validate() error {
	if _, ok := r.engines[r.fallback]; !ok {
		return fmt.Errorf("fallback agent kind %q has no engine", r.fallback)
	}
	return nil
}

// Resolve returns the engine for flow. An empty, unknown or unregistered flow
// resolves to the fallback; the returned kind is the one actually used.
func (r *Registry) Resolve(flow string) (Engine, Kind, error) {
	if kind, ok := ParseKind(flow); ok {
		if engine, ok := r.engines[kind]; ok {
			return engine, kind, nil
		}
	}
	engine, ok := r.engines[r.fallback]
	if !ok {
		return nil, "", fmt.Errorf("fallback agent kind %q has no engine", r.fallback)
	}
	return engine, r.fallback, nil
}
