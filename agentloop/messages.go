package agentloop

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// summaryPrefix marks the synthetic system message written by the pruner.
const summaryPrefix = "Earlier conversation summarized: "

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Arguments *Arguments `json:"arguments"`
}

// Message is one entry in the conversation history. Content is empty on
// assistant messages that only carry tool calls. ToolCallID is set only on
// tool messages and refers to a prior assistant ToolCalls entry.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Summary    bool              `json:"summary,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`

	tokens    int
	hasTokens bool
}

// SystemMessage creates a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantMessage creates an assistant message carrying optional tool calls.
func AssistantMessage(content string, calls ...ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now()}
}

// ToolMessage creates the tool message reporting result back to the model.
func ToolMessage(result ToolCallResult) Message {
	content := result.Output
	if !result.Success {
		content = result.Error
		if result.Output != "" {
			content = result.Error + "\n" + result.Output
		}
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: result.ToolCallID,
		ToolName:   result.ToolName,
		IsError:    !result.Success,
		Timestamp:  time.Now(),
	}
}

// SummaryMessage creates the synthetic system message that stands in for
// compacted history.
func SummaryMessage(synopsis string) Message {
	m := SystemMessage(summaryPrefix + synopsis)
	m.Summary = true
	return m
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// withoutTokenCache returns a copy whose cached estimate must be recomputed.
func (m Message) withoutTokenCache() Message {
	m.tokens = 0
	m.hasTokens = false
	return m
}

// normalizeToolCallIDs assigns ids to calls that lack one or repeat an id
// already used in the same turn.
func normalizeToolCallIDs(calls []ToolCallRequest) []ToolCallRequest {
	seen := make(map[string]bool, len(calls))
	out := make([]ToolCallRequest, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = "call_" + uuid.New().String()[:8]
		}
		if c.Arguments == nil {
			c.Arguments = NewArguments()
		}
		seen[c.ID] = true
		out[i] = c
	}
	return out
}

// cloneHistory returns a shallow copy of history.
func cloneHistory(history []Message) []Message {
	out := make([]Message, len(history))
	copy(out, history)
	return out
}
