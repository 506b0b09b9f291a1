package agentloop

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Summarizer produces a short synopsis of recent conversation.
type Summarizer interface {
	Summarize(ctx context.Context, recent []Message) (string, error)
}

// PruneResult reports the outcome of a compaction.
type PruneResult struct {
	History      []Message
	Removed      int
	Summary      string
	TokensBefore int
	TokensAfter  int
}

// HistoryPruner reduces a history to a token target while keeping the
// messages the model needs most.
type HistoryPruner struct {
	logger        zerolog.Logger
	keepTools     int
	summaryWindow int
}

// NewHistoryPruner creates a pruner that keeps the 5 most recent tool
// messages and summarizes at most the last 10 messages.
func NewHistoryPruner(logger zerolog.Logger) *HistoryPruner {
	return &HistoryPruner{
		logger:        logger,
		keepTools:     5,
		summaryWindow: 10,
	}
}

// Prune returns a history whose estimate is at most target, unless the
// mandatory messages alone exceed it. Mandatory messages are every system
// message, the latest user and assistant messages, and the latest tool
// results together with the assistant messages that requested them. Other
// user and assistant messages are admitted greedily from the end while
// they fit an even share of the leftover budget. When summarizer is not nil
// its synopsis is prepended as a system message if it fits. Kept messages
// retain their original relative order.
func (p *HistoryPruner) Prune(ctx context.Context, history []Message, target int, summarizer Summarizer) PruneResult {
	work := cloneHistory(history)
	before := EstimateHistory(work)
	if before <= target {
		return PruneResult{History: work, TokensBefore: before, TokensAfter: before}
	}

	keep := p.mandatory(work)

	var summary *Message
	var synopsis string
	if summarizer != nil {
		text, err := summarizer.Summarize(ctx, p.summaryInput(work))
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Msg("summarization failed, pruning without summary")
		case strings.TrimSpace(text) != "":
			synopsis = strings.TrimSpace(text)
			msg := SummaryMessage(synopsis)
			summary = &msg
		}
	}
	if summary == nil {
		// Carry the latest earlier summary forward in place.
		for i := len(work) - 1; i >= 0; i-- {
			if work[i].Summary {
				keep[i] = true
				break
			}
		}
	}

	used := 0
	for i := range work {
		if keep[i] {
			used += EstimateMessage(&work[i])
		}
	}
	if summary != nil {
		cost := EstimateMessage(summary)
		if used+cost > target {
			p.logger.Debug().Int("summary_tokens", cost).Int("kept_tokens", used).Int("target", target).
				Msg("summary does not fit target, dropped")
			summary = nil
			synopsis = ""
		} else {
			used += cost
		}
	}

	p.fillMiddle(work, keep, target-used)
	out := p.assemble(work, keep, summary)

	kept := len(out)
	if summary != nil {
		kept--
	}
	after := EstimateHistory(out)
	p.logger.Debug().
		Int("tokens_before", before).
		Int("tokens_after", after).
		Int("target", target).
		Int("removed", len(history)-kept).
		Bool("summarized", summary != nil).
		Msg("history pruned")

	return PruneResult{
		History:      out,
		Removed:      len(history) - kept,
		Summary:      synopsis,
		TokensBefore: before,
		TokensAfter:  after,
	}
}

// mandatory marks the messages that survive any compaction.
func (p *HistoryPruner) mandatory(history []Message) []bool {
	keep := make([]bool, len(history))
	lastUser, lastAssistant := -1, -1
	tools := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		switch m.Role {
		case RoleSystem:
			if !m.Summary {
				keep[i] = true
			}
		case RoleUser:
			if lastUser < 0 {
				lastUser = i
				keep[i] = true
			}
		case RoleAssistant:
			if lastAssistant < 0 {
				lastAssistant = i
				keep[i] = true
			}
		case RoleTool:
			if tools < p.keepTools {
				tools++
				keep[i] = true
				if issuer := findIssuer(history, i); issuer >= 0 {
					keep[issuer] = true
				}
			}
		}
	}
	return keep
}

// findIssuer returns the index of the assistant message that requested the
// tool result at index i, or -1.
func findIssuer(history []Message, i int) int {
	id := history[i].ToolCallID
	for j := i - 1; j >= 0; j-- {
		if history[j].Role != RoleAssistant {
			continue
		}
		for _, tc := range history[j].ToolCalls {
			if tc.ID == id {
				return j
			}
		}
	}
	return -1
}

// summaryInput is every earlier summary followed by the most recent
// messages, so a new synopsis subsumes the ones it replaces.
func (p *HistoryPruner) summaryInput(history []Message) []Message {
	start := len(history) - p.summaryWindow
	if start < 0 {
		start = 0
	}
	var input []Message
	for i := 0; i < start; i++ {
		if history[i].Summary {
			input = append(input, history[i])
		}
	}
	return append(input, history[start:]...)
}

// fillMiddle admits non-mandatory user and assistant messages, newest first,
// when each is smaller than an even share of the leftover budget.
func (p *HistoryPruner) fillMiddle(history []Message, keep []bool, leftover int) {
	var middle []int
	for i, m := range history {
		if keep[i] || m.Summary {
			continue
		}
		if m.Role == RoleUser || m.Role == RoleAssistant {
			middle = append(middle, i)
		}
	}
	if leftover <= 0 || len(middle) == 0 {
		return
	}
	share := leftover / len(middle)
	for j := len(middle) - 1; j >= 0; j-- {
		i := middle[j]
		if EstimateMessage(&history[i]) < share {
			keep[i] = true
		}
	}
}

// assemble applies tool-call hygiene and returns the kept messages in
// original order, with summary first.
func (p *HistoryPruner) assemble(history []Message, keep []bool, summary *Message) []Message {
	results := make(map[string]bool)
	for i, m := range history {
		if keep[i] && m.Role == RoleTool {
			results[m.ToolCallID] = true
		}
	}

	out := make([]Message, 0, len(history)+1)
	if summary != nil {
		out = append(out, *summary)
	}
	for i, m := range history {
		if !keep[i] {
			continue
		}
		if m.Role == RoleAssistant && m.HasToolCalls() {
			calls := make([]ToolCallRequest, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if results[tc.ID] {
					calls = append(calls, tc)
				}
			}
			if len(calls) != len(m.ToolCalls) {
				m.ToolCalls = calls
				m = m.withoutTokenCache()
			}
			if len(m.ToolCalls) == 0 && m.Content == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
