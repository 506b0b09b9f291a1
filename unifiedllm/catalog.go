package unifiedllm

// Capability is a feature flag of a catalog model.
type Capability uint8

const (
	CapTools Capability = 1 << iota
	CapVision
	CapReasoning
)

// ModelInfo is a catalog entry.
type ModelInfo struct {
	ID            string
	Provider      string
	DisplayName   string
	ContextWindow int
	MaxOutput     int
	Caps          Capability
	Aliases       []string
}

func (m ModelInfo) Supports(c Capability) bool { return m.Caps&c == c }

const capsAll = CapTools | CapVision | CapReasoning

// Models lists the known models, newest first within each provider.
var Models = []ModelInfo{
	{"claude-opus-4-6", "anthropic", "Claude Opus 4.6", 200000, 32768, capsAll, []string{"opus"}},
	{"claude-sonnet-4-5", "anthropic", "Claude Sonnet 4.5", 200000, 16384, capsAll, []string{"sonnet"}},
	{"claude-haiku-4-5", "anthropic", "Claude Haiku 4.5", 200000, 8192, CapTools | CapVision, []string{"haiku"}},

	{"gpt-5.2", "openai", "GPT-5.2", 1047576, 32768, capsAll, []string{"gpt5"}},
	{"gpt-5.2-mini", "openai", "GPT-5.2 Mini", 1047576, 16384, capsAll, []string{"gpt5-mini"}},
	{"gpt-5.2-codex", "openai", "GPT-5.2 Codex", 1047576, 32768, capsAll, []string{"codex"}},

	{"gemini-3-pro-preview", "gemini", "Gemini 3 Pro (Preview)", 1048576, 65536, capsAll, []string{"gemini-pro"}},
	{"gemini-3-flash-preview", "gemini", "Gemini 3 Flash (Preview)", 1048576, 65536, capsAll, []string{"gemini-flash"}},
}

// Lookup finds a model by ID or alias.
func Lookup(id string) (ModelInfo, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
		for _, alias := range m.Aliases {
			if alias == id {
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

// ListModels returns the models of provider, or all models for "".
func ListModels(provider string) []ModelInfo {
	var out []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// DefaultModel is the newest tool-capable model of provider.
func DefaultModel(provider string) (ModelInfo, bool) {
	for _, m := range Models {
		if m.Provider == provider && m.Supports(CapTools) {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// ContextWindowFor returns the context window of id, or fallback for models
// outside the catalog.
func ContextWindowFor(id string, fallback int) int {
	if m, ok := Lookup(id); ok && m.ContextWindow > 0 {
		return m.ContextWindow
	}
	return fallback
}
