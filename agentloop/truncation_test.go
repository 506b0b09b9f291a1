package agentloop

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateOutputHeadTail(t *testing.T) {
	out := TruncateOutput(strings.Repeat("a", 50)+strings.Repeat("b", 50), 20, TruncateHeadTail)

	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 10)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("b", 10)))
	assert.Contains(t, out, "80 characters were removed from the middle")
}

func TestTruncateOutputTail(t *testing.T) {
	out := TruncateOutput("0123456789", 4, TruncateTail)
	assert.Equal(t, "[Output truncated: the first 6 characters were removed.]\n\n6789", out)
}

func TestTruncateOutputWithinLimit(t *testing.T) {
	assert.Equal(t, "short", TruncateOutput("short", 10, TruncateHeadTail))
	assert.Equal(t, "no limit", TruncateOutput("no limit", 0, TruncateTail))
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	out := TruncateLines(strings.Join(lines, "\n"), 4)
	assert.Equal(t, "a\nb\n[... 6 lines omitted ...]\ni\nj", out)
	assert.Equal(t, "a\nb", TruncateLines("a\nb", 4))
}

func TestOutputLimitsApply(t *testing.T) {
	long := strings.Repeat("line\n", 400)

	out := OutputLimits{}.Apply("shell", long)
	assert.Contains(t, out, "lines omitted", "default shell line limit")

	out = OutputLimits{Lines: map[string]int{"shell": 1000}}.Apply("shell", long)
	assert.Equal(t, long, out, "override raises the limit")

	out = OutputLimits{Chars: map[string]int{"custom_tool": 10}}.Apply("custom_tool", strings.Repeat("z", 30))
	assert.Contains(t, out, "20 characters were removed")

	assert.Equal(t, long, OutputLimits{}.Apply("unknown_tool", long), "unknown tools only get the default char cap")
}

func TestTruncateOutputKeepsRunesWhole(t *testing.T) {
	out := TruncateOutput(strings.Repeat("é", 10), 5, TruncateTail)
	assert.True(t, utf8.ValidString(out))

	out = TruncateOutput(strings.Repeat("日本", 10), 7, TruncateHeadTail)
	assert.True(t, utf8.ValidString(out))
}
