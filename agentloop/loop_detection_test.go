package agentloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func guardWithClock(cfg LoopGuardConfig) (*LoopGuard, *fakeClock) {
	clock := newFakeClock()
	g := NewLoopGuard(cfg)
	g.SetClock(clock.Now)
	return g, clock
}

func TestLoopGuardThresholds(t *testing.T) {
	g, _ := guardWithClock(DefaultLoopGuardConfig())
	args := NewArguments().Set("file_path", String("main.go"))

	want := []LoopStatus{LoopNone, LoopNone, LoopSuspicious, LoopLikely, LoopLikely, LoopConfirmed, LoopConfirmed}
	for i, status := range want {
		check := g.Check("read_file", args)
		assert.Equal(t, status, check.Status, "call %d", i+1)
		assert.Equal(t, i+1, check.Occurrences)
	}
}

func TestLoopGuardFingerprintIgnoresKeyOrder(t *testing.T) {
	g, _ := guardWithClock(DefaultLoopGuardConfig())
	a := NewArguments().Set("pattern", String("x")).Set("path", String("."))
	b := NewArguments().Set("path", String(".")).Set("pattern", String("x"))

	g.Check("grep", a)
	g.Check("grep", b)
	check := g.Check("grep", a)
	assert.Equal(t, LoopSuspicious, check.Status)
	assert.Equal(t, Fingerprint("grep", a), Fingerprint("grep", b))
}

func TestLoopGuardDistinctCallsDoNotCount(t *testing.T) {
	g, _ := guardWithClock(DefaultLoopGuardConfig())
	for i := 0; i < 5; i++ {
		check := g.Check("read_file", NewArguments().Set("n", Number(float64(i))))
		assert.Equal(t, LoopNone, check.Status)
	}
	check := g.Check("write_file", NewArguments().Set("n", Number(0)))
	assert.Equal(t, 1, check.Occurrences, "different tool name")
}

func TestLoopGuardWindowEvictsOldest(t *testing.T) {
	g, _ := guardWithClock(LoopGuardConfig{Threshold: 3, WindowSize: 4, Cooldown: time.Minute})
	same := NewArguments().Set("q", String("same"))

	g.Check("grep", same)
	g.Check("grep", same)
	for i := 0; i < 3; i++ {
		g.Check("glob", NewArguments().Set("i", Number(float64(i))))
	}
	assert.Len(t, g.Records(), 4)

	check := g.Check("grep", same)
	assert.Equal(t, 1, check.Occurrences, "earlier calls left the window")
}

func TestLoopGuardExpiresByAge(t *testing.T) {
	g, clock := guardWithClock(DefaultLoopGuardConfig())
	args := NewArguments()

	g.Check("shell", args)
	g.Check("shell", args)
	clock.Advance(11 * time.Second)

	check := g.Check("shell", args)
	assert.Equal(t, 1, check.Occurrences)
	assert.Equal(t, LoopNone, check.Status)
}

func TestLoopGuardRecordsStep(t *testing.T) {
	g, _ := guardWithClock(DefaultLoopGuardConfig())
	g.SetStep(7)
	g.Check("glob", NewArguments())

	records := g.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 7, records[0].Step)
}

func TestLoopGuardPromptCooldown(t *testing.T) {
	g, clock := guardWithClock(DefaultLoopGuardConfig())
	args := NewArguments()

	var check LoopCheck
	for i := 0; i < 3; i++ {
		check = g.Check("shell", args)
	}
	assert.False(t, g.ShouldPrompt(check), "suspicious does not prompt")

	check = g.Check("shell", args)
	require.Equal(t, LoopLikely, check.Status)
	assert.True(t, g.ShouldPrompt(check))
	g.MarkPrompted()

	check = g.Check("shell", args)
	assert.False(t, g.ShouldPrompt(check), "within cooldown")

	clock.Advance(5 * time.Second)
	check = g.Check("shell", args)
	assert.Equal(t, LoopConfirmed, check.Status)
	assert.True(t, g.ShouldPrompt(check), "cooldown elapsed")
}

func TestLoopStatusString(t *testing.T) {
	assert.Equal(t, "none", LoopNone.String())
	assert.Equal(t, "suspicious", LoopSuspicious.String())
	assert.Equal(t, "likely_loop", LoopLikely.String())
	assert.Equal(t, "confirmed_loop", LoopConfirmed.String())
}
