package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter is a ProviderAdapter on top of gollm. gollm produces text,
// so the conversation is rendered as a transcript and tool calls are
// recovered from the JSON the model writes.
type GollmAdapter struct {
	provider string
	model    string

	mu  sync.Mutex // guards per-request options on llm
	llm gollm.LLM
}

// NewGollmAdapter creates an adapter for provider. The default model is the
// provider's catalog default; extra gollm options are applied last.
func NewGollmAdapter(provider, apiKey string, extra ...gollm.ConfigOption) (*GollmAdapter, error) {
	model := "gpt-4o-mini"
	if m, ok := DefaultModel(provider); ok {
		model = m.ID
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(4096),
		gollm.SetTemperature(0.2),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}
	opts = append(opts, extra...)

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	return &GollmAdapter{provider: provider, model: model, llm: llm}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, model: model, llm: llm}
}

func (a *GollmAdapter) Name() string { return a.provider }

func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := gollm.NewPrompt(renderTranscript(req.Messages), a.promptOptions(req)...)

	a.mu.Lock()
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens > 0 {
		a.llm.SetOption("max_tokens", req.MaxTokens)
	}
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyError(a.provider, err)
	}
	return a.response(req, text), nil
}

func (a *GollmAdapter) promptOptions(req Request) []gollm.PromptOption {
	var opts []gollm.PromptOption

	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.TextContent())
		}
	}
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = gollm.Tool{
				Type:     "function",
				Function: gollm.Function{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
			}
		}
		opts = append(opts, gollm.WithTools(tools))
		if req.ToolChoice != "" {
			opts = append(opts, gollm.WithToolChoice(req.ToolChoice))
		}
	}
	return opts
}

// renderTranscript writes the non-system messages as one prompt. Tool
// results carry the id of the call they answer.
func renderTranscript(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			sb.WriteString(m.TextContent())
			sb.WriteString("\n")
		case RoleAssistant:
			if text := m.TextContent(); text != "" {
				sb.WriteString("Assistant: " + text + "\n")
			}
			for _, tc := range m.ToolCalls() {
				fmt.Fprintf(&sb, "Assistant called %s (id %s) with %s\n", tc.Name, tc.ID, tc.Arguments)
			}
		case RoleTool:
			res, ok := m.ToolResult()
			if !ok {
				continue
			}
			label := "Result"
			if res.IsError {
				label = "Error"
			}
			fmt.Fprintf(&sb, "%s for %s:\n%s\n", label, res.ToolCallID, res.Content)
		}
	}
	if sb.Len() == 0 {
		return "Continue."
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (a *GollmAdapter) response(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, rest := extractToolCalls(text)
	msg := AssistantMessage(rest)
	finish := FinishStop
	for _, c := range calls {
		msg.Content = append(msg.Content, ToolCallPart(c.ID, c.Name, c.Arguments))
		finish = FinishToolCalls
	}

	// gollm does not report usage; estimate at four characters a token.
	in := 0
	for _, m := range req.Messages {
		in += len(m.TextContent())
	}
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      msg,
		FinishReason: finish,
		Usage:        Usage{InputTokens: in / 4, OutputTokens: len(text) / 4},
	}
}

// extractToolCalls finds tool calls written as {"tool_calls": [...]} or as
// a bare [{"name": ...}] array. It returns the calls and the prose before
// the JSON.
func extractToolCalls(text string) ([]ToolCallData, string) {
	type call struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var found []call
	start := strings.Index(text, `{"tool_calls"`)
	if start >= 0 {
		var wrapped struct {
			ToolCalls []call `json:"tool_calls"`
		}
		if json.NewDecoder(strings.NewReader(text[start:])).Decode(&wrapped) == nil {
			found = wrapped.ToolCalls
		}
	} else if start = strings.Index(text, `[{"name"`); start >= 0 {
		if json.NewDecoder(strings.NewReader(text[start:])).Decode(&found) != nil {
			found = nil
		}
	}
	if len(found) == 0 {
		return nil, strings.TrimSpace(text)
	}

	calls := make([]ToolCallData, 0, len(found))
	for _, c := range found {
		if c.Name == "" {
			continue
		}
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()[:8]
		}
		if len(c.Arguments) == 0 {
			c.Arguments = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCallData(c))
	}
	return calls, strings.TrimSpace(text[:start])
}

// errorPatterns maps substrings of gollm error messages to error kinds,
// first match wins.
var errorPatterns = []struct {
	kind    ErrorKind
	status  int
	needles []string
}{
	{KindAuthentication, 401, []string{"401", "unauthorized", "invalid api key", "invalid key"}},
	{KindAccessDenied, 403, []string{"403", "forbidden"}},
	{KindNotFound, 404, []string{"404", "not found"}},
	{KindRateLimit, 429, []string{"429", "rate limit"}},
	{KindContextLength, 413, []string{"context length", "too many tokens", "maximum context"}},
	{KindServer, 500, []string{"500", "502", "503", "internal server", "overloaded"}},
	{KindTimeout, 0, []string{"timeout", "deadline exceeded"}},
	{KindNetwork, 0, []string{"connection refused", "no such host", "connection reset"}},
	{KindContentFilter, 0, []string{"content filter", "safety"}},
}

func classifyError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Kind: KindTimeout, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return &ProviderError{Provider: provider, Kind: p.kind, StatusCode: p.status, Err: err}
			}
		}
	}
	return &ProviderError{Provider: provider, Kind: KindUnknown, Err: err}
}
