package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/upstream"
)

// maxLineBytes bounds one NDJSON event line.
const maxLineBytes = 1 << 20

// HTTPEngine runs agents behind an HTTP service that streams NDJSON events.
type HTTPEngine struct {
	client *upstream.Client
	kind   Kind
}

var _ Engine = (*HTTPEngine)(nil)

// NewHTTPEngine creates an engine for kind sharing client.
func NewHTTPEngine(client *upstream.Client, kind Kind) *HTTPEngine {
	return &HTTPEngine{client: client, kind: kind}
}

// Run posts to /v1/agents/{kind}/runs.
func (e *HTTPEngine) Run(ctx context.Context, req RunRequest, onEvent EventHandler) (*Outcome, error) {
	return e.stream(ctx, "runs", fmt.Sprintf("/v1/agents/%s/runs", e.kind), req, onEvent)
}

// Resume posts to /v1/agents/{kind}/runs/resume.
func (e *HTTPEngine) Resume(ctx context.Context, req ResumeRequest, onEvent EventHandler) (*Outcome, error) {
	return e.stream(ctx, "resume", fmt.Sprintf("/v1/agents/%s/runs/resume", e.kind), req, onEvent)
}

func (e *HTTPEngine) stream(ctx context.Context, endpoint, path string, body interface{}, onEvent EventHandler) (*Outcome, error) {
	resp, err := e.client.PostJSON(ctx, endpoint, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var acc accumulator
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, domain.NewExternalAPIError(e.client.Service(), resp.StatusCode, "malformed event line", err)
		}
		if onEvent != nil {
			if err := onEvent(evt); err != nil {
				return nil, err
			}
		}
		if outcome := acc.add(evt); outcome != nil {
			return outcome, nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewExternalAPIError(e.client.Service(), 0, "event stream interrupted", err)
	}

	// Status 0 marks the truncated stream as transient.
	return nil, domain.NewExternalAPIError(e.client.Service(), 0, "event stream ended without a terminal event", nil)
}

// accumulator folds streamed events into an Outcome.
type accumulator struct {
	tokens strings.Builder
}

// add returns a non-nil Outcome once a terminal event arrives.
func (a *accumulator) add(evt Event) *Outcome {
	switch evt.Type {
	case domain.EventToken:
		if s, ok := evt.Data["content"].(string); ok {
			a.tokens.WriteString(s)
		}
	case domain.EventFinal:
		response, _ := evt.Data["content"].(string)
		if response == "" {
			response = a.tokens.String()
		}
		return &Outcome{
			Status:    domain.TurnStatusCompleted,
			Response:  response,
			ToolCalls: decodeToolCalls(evt.Data["tool_calls"]),
		}
	case domain.EventInterrupt:
		message, _ := evt.Data["message"].(string)
		return &Outcome{
			Status:   domain.TurnStatusInterrupted,
			Response: a.tokens.String(),
			Interrupt: &Interrupt{
				Message:   message,
				ToolCalls: decodeToolCalls(evt.Data["tool_calls"]),
			},
		}
	case domain.EventError:
		message, _ := evt.Data["message"].(string)
		if message == "" {
			message = "agent run failed"
		}
		return &Outcome{Status: domain.TurnStatusFailed, Response: a.tokens.String(), Error: message}
	}
	return nil
}

func decodeToolCalls(raw interface{}) []domain.ToolCall {
	if raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var calls []domain.ToolCall
	if err := json.Unmarshal(b, &calls); err != nil {
		return nil
	}
	return calls
}
