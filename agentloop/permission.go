package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PermissionAction is the verdict for a tool call.
type PermissionAction int

const (
	ActionAllow PermissionAction = iota
	ActionDeny
	ActionAsk
)

func (a PermissionAction) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	default:
		return "ask"
	}
}

// ParsePermissionAction parses "allow", "deny" or "ask".
func ParsePermissionAction(s string) (PermissionAction, error) {
	switch s {
	case "allow":
		return ActionAllow, nil
	case "deny":
		return ActionDeny, nil
	case "ask":
		return ActionAsk, nil
	default:
		return ActionAsk, fmt.Errorf("unknown permission action %q", s)
	}
}

// PermissionDecision is a verdict plus whether it should be reused for
// later calls of the same tool. A zero RememberFor on a remembered decision
// lasts for the rest of the session.
type PermissionDecision struct {
	Action      PermissionAction
	Remembered  bool
	RememberFor time.Duration
	Reason      string
}

func Allow() PermissionDecision { return PermissionDecision{Action: ActionAllow} }

func Deny(reason string) PermissionDecision {
	return PermissionDecision{Action: ActionDeny, Reason: reason}
}

// PromptRequest is what the prompter shows the user.
type PromptRequest struct {
	Message   string
	ToolName  string
	Arguments *Arguments
	Loop      LoopCheck
}

// PromptReply is either a decision or a request to stop the session.
type PromptReply struct {
	Decision PermissionDecision
	Stop     bool
}

// StopReply is the reply that ends the session.
func StopReply() PromptReply { return PromptReply{Stop: true} }

// Prompter asks the user to decide on a tool call. It may block.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (PromptReply, error)
}

// PermissionPolicy maps tool names to their default action.
type PermissionPolicy map[string]PermissionAction

// DefaultPermissionPolicy allows read-only tools and asks for tools with
// side effects.
func DefaultPermissionPolicy() PermissionPolicy {
	return PermissionPolicy{
		"read_file":      ActionAllow,
		"list_directory": ActionAllow,
		"grep":           ActionAllow,
		"glob":           ActionAllow,
		"write_file":     ActionAsk,
		"edit_file":      ActionAsk,
		"shell":          ActionAsk,
		"web_fetch":      ActionAsk,
		"web_search":     ActionAsk,
	}
}

// Lookup returns the action for tool, asking for unknown tools.
func (p PermissionPolicy) Lookup(tool string) PermissionAction {
	if a, ok := p[tool]; ok {
		return a
	}
	return ActionAsk
}

// DecisionSource says which rule produced a gate result.
type DecisionSource string

const (
	SourceRemembered DecisionSource = "remembered"
	SourceLoopPrompt DecisionSource = "loop_prompt"
	SourcePolicy     DecisionSource = "policy"
	SourcePrompt     DecisionSource = "prompt"
)

// GateResult is the gate's answer for one call. When Stop is set the
// session must end and Decision is meaningless.
type GateResult struct {
	Decision PermissionDecision
	Source   DecisionSource
	Loop     LoopCheck
	Stop     bool
}

type rememberedDecision struct {
	decision PermissionDecision
	expires  time.Time // zero: never
}

// PermissionGate decides whether tool calls may run. Like the LoopGuard it
// consults, it belongs to one session.
type PermissionGate struct {
	guard      *LoopGuard
	prompter   Prompter
	policy     PermissionPolicy
	remembered map[string]rememberedDecision
	loopAnswer map[string]PermissionDecision // by call fingerprint
	now        func() time.Time
	logger     zerolog.Logger
}

// NewPermissionGate creates a gate. A nil prompter turns every question
// into a denial; a nil policy uses DefaultPermissionPolicy.
func NewPermissionGate(guard *LoopGuard, prompter Prompter, policy PermissionPolicy, logger zerolog.Logger) *PermissionGate {
	if policy == nil {
		policy = DefaultPermissionPolicy()
	}
	return &PermissionGate{
		guard:      guard,
		prompter:   prompter,
		policy:     policy,
		remembered: make(map[string]rememberedDecision),
		loopAnswer: make(map[string]PermissionDecision),
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock replaces the time source used for remembered decision expiry.
func (g *PermissionGate) SetClock(now func() time.Time) {
	g.now = now
}

// Remember stores decision for later calls of tool.
func (g *PermissionGate) Remember(tool string, decision PermissionDecision) {
	decision.Remembered = true
	var expires time.Time
	if decision.RememberFor > 0 {
		expires = g.now().Add(decision.RememberFor)
	}
	g.remembered[tool] = rememberedDecision{decision: decision, expires: expires}
}

func (g *PermissionGate) recall(tool string) (PermissionDecision, bool) {
	r, ok := g.remembered[tool]
	if !ok {
		return PermissionDecision{}, false
	}
	if !r.expires.IsZero() && !g.now().Before(r.expires) {
		delete(g.remembered, tool)
		return PermissionDecision{}, false
	}
	return r.decision, true
}

// Decide resolves a call from the remembered decisions, then the loop
// guard, then the policy table. Every call is recorded by the loop guard,
// including calls settled by a remembered decision, so a remembered allow
// cannot hide a loop from later checks. A repeated call that the cooldown
// keeps from prompting again gets the last loop answer for its fingerprint.
// The result may still be ActionAsk; see Resolve.
func (g *PermissionGate) Decide(ctx context.Context, call ToolCallRequest) GateResult {
	check := g.guard.Check(call.Name, call.Arguments)

	if d, ok := g.recall(call.Name); ok {
		return GateResult{Decision: d, Source: SourceRemembered, Loop: check}
	}

	if g.guard.ShouldPrompt(check) {
		g.guard.MarkPrompted()
		msg := fmt.Sprintf("%s has been called %d times with identical arguments (%s). Continue?",
			call.Name, check.Occurrences, check.Status)
		res := g.ask(ctx, call, check, msg)
		res.Source = SourceLoopPrompt
		if !res.Stop {
			g.loopAnswer[check.Fingerprint] = res.Decision
		}
		return res
	}
	if check.Status >= LoopLikely {
		if d, ok := g.loopAnswer[check.Fingerprint]; ok {
			return GateResult{Decision: d, Source: SourceLoopPrompt, Loop: check}
		}
	}

	return GateResult{
		Decision: PermissionDecision{Action: g.policy.Lookup(call.Name)},
		Source:   SourcePolicy,
		Loop:     check,
	}
}

// Resolve is Decide followed by a prompt when the answer is ActionAsk, so
// the result is always allow, deny or stop.
func (g *PermissionGate) Resolve(ctx context.Context, call ToolCallRequest) GateResult {
	res := g.Decide(ctx, call)
	if res.Stop || res.Decision.Action != ActionAsk {
		return res
	}
	msg := fmt.Sprintf("Allow %s %s?", call.Name, call.Arguments.String())
	prompted := g.ask(ctx, call, res.Loop, msg)
	prompted.Source = SourcePrompt
	return prompted
}

func (g *PermissionGate) ask(ctx context.Context, call ToolCallRequest, check LoopCheck, msg string) GateResult {
	res := GateResult{Loop: check}
	if g.prompter == nil {
		res.Decision = Deny("no prompter available to approve " + call.Name)
		return res
	}

	reply, err := g.prompter.Prompt(ctx, PromptRequest{
		Message:   msg,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		Loop:      check,
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("tool", call.Name).Msg("permission prompt failed, denying")
		res.Decision = Deny(fmt.Sprintf("permission prompt failed: %v", err))
		return res
	}
	if reply.Stop {
		res.Stop = true
		return res
	}

	d := reply.Decision
	if d.Action == ActionAsk {
		d = Deny("prompt returned no decision")
	}
	if d.Remembered {
		g.Remember(call.Name, d)
	}
	res.Decision = d
	return res
}
