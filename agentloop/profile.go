package agentloop

import (
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/agentcore/unifiedllm"
)

// DefaultContextWindow is the token budget used for models missing from the
// catalog.
const DefaultContextWindow = 128000

// Profile is the provider-aligned configuration of a session: which model to
// call, its token budget and how the system prompt is assembled.
type Profile struct {
	Provider         string
	Model            string
	ContextWindow    int
	BasePrompt       string
	InstructionFiles []string
}

const basePrompt = `You are a coding agent working in a local repository. Use the provided tools to read, search and change files and to run commands. Prefer small, verifiable steps. Read files before editing them. When the task is complete, reply with a short summary of what you did and no tool calls.`

// ProfileFor returns the profile for provider. An empty model selects the
// newest tool-capable catalog model for the provider.
func ProfileFor(provider, model string) (Profile, error) {
	if model == "" {
		info, ok := unifiedllm.DefaultModel(provider)
		if !ok {
			return Profile{}, fmt.Errorf("no known model for provider %q", provider)
		}
		model = info.ID
	}

	p := Profile{
		Provider:         provider,
		Model:            model,
		ContextWindow:    unifiedllm.ContextWindowFor(model, DefaultContextWindow),
		BasePrompt:       basePrompt,
		InstructionFiles: []string{"AGENTS.md"},
	}
	switch provider {
	case "anthropic":
		p.InstructionFiles = append(p.InstructionFiles, "CLAUDE.md")
		p.BasePrompt += "\nWhen several tool calls are independent, issue them together in one response."
	case "openai":
		p.InstructionFiles = append(p.InstructionFiles, ".codex/instructions.md")
	case "gemini":
		p.InstructionFiles = append(p.InstructionFiles, "GEMINI.md")
	default:
		return Profile{}, fmt.Errorf("unsupported provider %q", provider)
	}
	return p, nil
}

// SystemPrompt assembles the base prompt, environment and git context, the
// tool list and any project instructions found under env's working
// directory.
func (p Profile) SystemPrompt(env ExecutionEnvironment, tools []ToolDefinition) string {
	repo := probeRepo(env.WorkingDirectory())
	sections := []string{p.BasePrompt, environmentBlock(env, p.Model, time.Now(), repo)}
	if gitCtx := gitBlock(repo); gitCtx != "" {
		sections = append(sections, gitCtx)
	}
	if len(tools) > 0 {
		var sb strings.Builder
		sb.WriteString("Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}
	if docs := instructionsFrom(repo, env.WorkingDirectory(), p.InstructionFiles); docs != "" {
		sections = append(sections, docs)
	}
	return strings.Join(sections, "\n\n")
}
