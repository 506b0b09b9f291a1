package agentloop

import (
	"context"
	"time"
)

// ModelRequest is one call to the model: the system prompt, the history and
// the tools the model may request.
type ModelRequest struct {
	Model        string
	SystemPrompt string
	History      []Message
	Tools        []ToolDefinition
}

// ModelResponse is either final content or a list of tool calls.
type ModelResponse struct {
	Content   string
	ToolCalls []ToolCallRequest
}

// Model sends synchronous requests to a language model. Retrying failed
// requests is the implementation's concern.
type Model interface {
	Send(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// SessionRecord is the durable summary of a session.
type SessionRecord struct {
	ID          string
	Task        string
	Model       string
	State       SessionState
	Steps       int
	MaxSteps    int
	TokenBudget int
	Outcome     Outcome
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionStore persists compacted histories and finished sessions.
type SessionStore interface {
	SaveHistory(ctx context.Context, sessionID string, history []Message) error
	SaveSession(ctx context.Context, record SessionRecord, history []Message) error
}
