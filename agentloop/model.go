package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/agentcore/unifiedllm"
)

// UnifiedModel is the Model backed by a unifiedllm.Client.
type UnifiedModel struct {
	client          *unifiedllm.Client
	provider        string
	reasoningEffort string
}

// NewUnifiedModel creates a Model that sends requests through client to
// provider; an empty provider uses the client's routing.
func NewUnifiedModel(client *unifiedllm.Client, provider string) *UnifiedModel {
	return &UnifiedModel{client: client, provider: provider}
}

// SetReasoningEffort sets "low", "medium" or "high" for subsequent calls.
func (m *UnifiedModel) SetReasoningEffort(effort string) {
	m.reasoningEffort = effort
}

// Send converts the request, completes it and converts the response. A
// tool call whose arguments are not a JSON object fails the whole response.
func (m *UnifiedModel) Send(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	defs := make([]unifiedllm.ToolDefinition, len(req.Tools))
	for i, t := range req.Tools {
		defs[i] = unifiedllm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}

	llmReq := unifiedllm.Request{
		Model:           req.Model,
		Provider:        m.provider,
		Messages:        ConvertHistoryToMessages(req.SystemPrompt, req.History),
		Tools:           defs,
		ReasoningEffort: m.reasoningEffort,
	}
	if len(defs) > 0 {
		llmReq.ToolChoice = unifiedllm.ToolChoiceAuto
	}

	resp, err := m.client.Complete(ctx, llmReq)
	if err != nil {
		return ModelResponse{}, err
	}

	out := ModelResponse{Content: resp.Text()}
	for _, tc := range resp.ToolCalls() {
		args, err := ParseArguments(tc.Arguments)
		if err != nil {
			return ModelResponse{}, fmt.Errorf("malformed arguments for tool call %s (%s): %w", tc.ID, tc.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCallRequest{ID: tc.ID, Name: tc.Name, Arguments: args})
	}
	return out, nil
}

// ConvertHistoryToMessages renders the system prompt and history as
// unifiedllm messages.
func ConvertHistoryToMessages(systemPrompt string, history []Message) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, unifiedllm.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, unifiedllm.SystemMessage(m.Content))
		case RoleUser:
			messages = append(messages, unifiedllm.UserMessage(m.Content))
		case RoleAssistant:
			msg := unifiedllm.AssistantMessage(m.Content)
			for _, tc := range m.ToolCalls {
				args, _ := tc.Arguments.MarshalJSON()
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, json.RawMessage(args)))
			}
			messages = append(messages, msg)
		case RoleTool:
			messages = append(messages, unifiedllm.ToolResultMessage(m.ToolCallID, m.Content, m.IsError))
		}
	}
	return messages
}

const summarizerPrompt = `You compress agent conversations. Summarize the conversation below in a few sentences: the task, what has been done, important findings such as file names and decisions, and what remains. Reply with the summary only.`

// ModelSummarizer is the Summarizer that asks a Model for a synopsis.
type ModelSummarizer struct {
	model   Model
	modelID string
}

// NewModelSummarizer creates a summarizer that calls model with modelID.
func NewModelSummarizer(model Model, modelID string) *ModelSummarizer {
	return &ModelSummarizer{model: model, modelID: modelID}
}

// Summarize sends the messages as a plain transcript so that tool results
// never reach the model without the calls that produced them.
func (s *ModelSummarizer) Summarize(ctx context.Context, recent []Message) (string, error) {
	resp, err := s.model.Send(ctx, ModelRequest{
		Model:        s.modelID,
		SystemPrompt: summarizerPrompt,
		History:      []Message{UserMessage(Transcript(recent))},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Transcript renders messages as plain text, one block per message.
func Transcript(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch {
		case m.Role == RoleTool:
			status := "result"
			if m.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "[tool %s %s]\n%s\n\n", m.ToolName, status, m.Content)
		case m.HasToolCalls():
			fmt.Fprintf(&sb, "[%s]\n", m.Role)
			if m.Content != "" {
				sb.WriteString(m.Content + "\n")
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "-> %s %s\n", tc.Name, tc.Arguments.String())
			}
			sb.WriteString("\n")
		default:
			fmt.Fprintf(&sb, "[%s]\n%s\n\n", m.Role, m.Content)
		}
	}
	return strings.TrimSpace(sb.String())
}
