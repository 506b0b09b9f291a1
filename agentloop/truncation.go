package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies which part of an oversized output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// outputPolicy is how much of one tool's output reaches the model. A zero
// lines value leaves line counts alone.
type outputPolicy struct {
	chars int
	lines int
	mode  TruncationMode
}

var fallbackPolicy = outputPolicy{chars: 30000, mode: TruncateHeadTail}

var builtinPolicies = map[string]outputPolicy{
	"read_file":      {chars: 50000, mode: TruncateHeadTail},
	"shell":          {chars: 30000, lines: 256, mode: TruncateHeadTail},
	"grep":           {chars: 20000, lines: 200, mode: TruncateTail},
	"glob":           {chars: 20000, lines: 500, mode: TruncateTail},
	"list_directory": {chars: 20000, mode: TruncateTail},
	"edit_file":      {chars: 10000, mode: TruncateTail},
	"write_file":     {chars: 1000, mode: TruncateTail},
}

// OutputLimits overrides the character and line caps of individual tools.
type OutputLimits struct {
	Chars map[string]int `json:"chars,omitempty"`
	Lines map[string]int `json:"lines,omitempty"`
}

func (l OutputLimits) policy(tool string) outputPolicy {
	p, ok := builtinPolicies[tool]
	if !ok {
		p = fallbackPolicy
	}
	if n, ok := l.Chars[tool]; ok {
		p.chars = n
	}
	if n, ok := l.Lines[tool]; ok {
		p.lines = n
	}
	return p
}

// Apply truncates a tool's output by characters, then by lines.
func (l OutputLimits) Apply(tool, output string) string {
	p := l.policy(tool)
	output = TruncateOutput(output, p.chars, p.mode)
	if p.lines > 0 {
		output = TruncateLines(output, p.lines)
	}
	return output
}

// TruncateOutput keeps at most maxChars bytes of output, never splitting a
// UTF-8 sequence. A non-positive maxChars disables truncation.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		tail := output[runeStart(output, len(output)-maxChars):]
		return fmt.Sprintf("[Output truncated: the first %d characters were removed.]\n\n%s", removed, tail)
	}
	head := output[:runeStart(output, maxChars/2)]
	tail := output[runeStart(output, len(output)-maxChars/2):]
	return fmt.Sprintf("%s\n\n[Output truncated: %d characters were removed from the middle. "+
		"Re-run the tool with narrower parameters to see them.]\n\n%s", head, removed, tail)
}

// runeStart moves i back to the start of the rune containing it.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// TruncateLines keeps the first and last lines of output, at most maxLines
// in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := lines[:maxLines/2]
	tail := lines[len(lines)-(maxLines-len(head)):]
	omitted := len(lines) - len(head) - len(tail)
	return fmt.Sprintf("%s\n[... %d lines omitted ...]\n%s",
		strings.Join(head, "\n"), omitted, strings.Join(tail, "\n"))
}
