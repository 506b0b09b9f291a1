package agentloop

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// LoopStatus classifies how often an identical tool call has repeated.
type LoopStatus int

const (
	LoopNone LoopStatus = iota
	LoopSuspicious
	LoopLikely
	LoopConfirmed
)

func (s LoopStatus) String() string {
	switch s {
	case LoopSuspicious:
		return "suspicious"
	case LoopLikely:
		return "likely_loop"
	case LoopConfirmed:
		return "confirmed_loop"
	default:
		return "none"
	}
}

// LoopRecord is one observed tool call in the guard's window.
type LoopRecord struct {
	Fingerprint string
	Timestamp   time.Time
	Step        int
}

// LoopCheck is the classification of a single call. Occurrences includes
// the call itself.
type LoopCheck struct {
	Status      LoopStatus
	Occurrences int
	Fingerprint string
}

// LoopGuardConfig tunes repetition detection.
type LoopGuardConfig struct {
	Threshold  int           `json:"threshold"`
	WindowSize int           `json:"window_size"`
	Cooldown   time.Duration `json:"cooldown"`
}

// DefaultLoopGuardConfig returns threshold 3, a window of 10 calls and a 5s
// prompt cooldown.
func DefaultLoopGuardConfig() LoopGuardConfig {
	return LoopGuardConfig{
		Threshold:  3,
		WindowSize: 10,
		Cooldown:   5 * time.Second,
	}
}

// Fingerprint derives the repetition key of a tool call from its name and
// canonicalized arguments.
func Fingerprint(name string, args *Arguments) string {
	h := sha256.Sum256([]byte(args.Canonical()))
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// LoopGuard detects identical tool calls repeating within a sliding window.
// It belongs to a single session and is not safe for concurrent use.
type LoopGuard struct {
	cfg        LoopGuardConfig
	records    []LoopRecord
	step       int
	lastPrompt time.Time
	prompted   bool
	now        func() time.Time
}

// NewLoopGuard creates a guard, filling zero fields from the defaults.
func NewLoopGuard(cfg LoopGuardConfig) *LoopGuard {
	def := DefaultLoopGuardConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &LoopGuard{cfg: cfg, now: time.Now}
}

// SetClock replaces the time source.
func (g *LoopGuard) SetClock(now func() time.Time) {
	g.now = now
}

// SetStep records the control loop step attached to subsequent records.
func (g *LoopGuard) SetStep(step int) {
	g.step = step
}

// Check records the call and classifies it against the calls still in the
// window.
func (g *LoopGuard) Check(name string, args *Arguments) LoopCheck {
	now := g.now()
	g.expire(now)

	fp := Fingerprint(name, args)
	g.records = append(g.records, LoopRecord{Fingerprint: fp, Timestamp: now, Step: g.step})
	if over := len(g.records) - g.cfg.WindowSize; over > 0 {
		g.records = append(g.records[:0:0], g.records[over:]...)
	}

	count := 0
	for _, r := range g.records {
		if r.Fingerprint == fp {
			count++
		}
	}
	return LoopCheck{Status: g.classify(count), Occurrences: count, Fingerprint: fp}
}

func (g *LoopGuard) classify(count int) LoopStatus {
	t := g.cfg.Threshold
	switch {
	case count >= 2*t:
		return LoopConfirmed
	case count > t:
		return LoopLikely
	case count == t:
		return LoopSuspicious
	default:
		return LoopNone
	}
}

// expire drops records older than twice the cooldown.
func (g *LoopGuard) expire(now time.Time) {
	cutoff := now.Add(-2 * g.cfg.Cooldown)
	i := 0
	for i < len(g.records) && g.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.records = append(g.records[:0:0], g.records[i:]...)
	}
}

// ShouldPrompt reports whether check warrants asking the user. Likely and
// confirmed loops prompt unless a prompt was issued within the cooldown.
func (g *LoopGuard) ShouldPrompt(check LoopCheck) bool {
	if check.Status < LoopLikely {
		return false
	}
	if g.prompted && g.now().Sub(g.lastPrompt) < g.cfg.Cooldown {
		return false
	}
	return true
}

// MarkPrompted starts the prompt cooldown.
func (g *LoopGuard) MarkPrompted() {
	g.lastPrompt = g.now()
	g.prompted = true
}

// Records returns a copy of the window, oldest first.
func (g *LoopGuard) Records() []LoopRecord {
	out := make([]LoopRecord, len(g.records))
	copy(out, g.records)
	return out
}
