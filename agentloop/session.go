package agentloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionState is the control loop's position in its state machine.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateAwaitingModel  SessionState = "awaiting_model"
	StateCompacting     SessionState = "compacting"
	StateExecutingTools SessionState = "executing_tools"
	StateDone           SessionState = "done"
	StateStopped        SessionState = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateDone || s == StateStopped
}

// SessionConfig holds the per-session settings of the control loop.
type SessionConfig struct {
	MaxSteps     int              `json:"max_steps"`
	Model        string           `json:"model"`
	SystemPrompt string           `json:"system_prompt"`
	TokenBudget  int              `json:"token_budget"`
	Loop         LoopGuardConfig  `json:"loop"`
	Dispatcher   DispatcherConfig `json:"dispatcher"`
	Policy       PermissionPolicy `json:"-"`
}

// DefaultSessionConfig returns 50 steps, a 128k token budget and the
// default guard, dispatcher and permission settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxSteps:    50,
		TokenBudget: DefaultContextWindow,
		Loop:        DefaultLoopGuardConfig(),
		Dispatcher:  DefaultDispatcherConfig(),
		Policy:      DefaultPermissionPolicy(),
	}
}

// SessionOption configures optional collaborators of a Session.
type SessionOption func(*Session)

// WithPrompter sets the collaborator asked about ASK decisions and loops.
func WithPrompter(p Prompter) SessionOption {
	return func(s *Session) { s.prompter = p }
}

// WithSummarizer enables summaries during compaction.
func WithSummarizer(sum Summarizer) SessionOption {
	return func(s *Session) { s.summarizer = sum }
}

// WithStore persists compacted histories and the final session record.
func WithStore(store SessionStore) SessionOption {
	return func(s *Session) { s.store = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithClock replaces the time source of the loop guard and permission gate.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// Session runs one task through the model/tool loop. It owns its history,
// loop guard, permission gate and dispatcher; nothing is shared between
// sessions.
type Session struct {
	id      string
	cfg     SessionConfig
	model   Model
	tools   Tools
	events  *eventStream
	logger  zerolog.Logger
	now     func() time.Time

	prompter   Prompter
	summarizer Summarizer
	store      SessionStore

	guard      *LoopGuard
	gate       *PermissionGate
	pruner     *HistoryPruner
	dispatcher *Dispatcher

	mu        sync.Mutex
	history   []Message
	state     SessionState
	step      int
	running   bool
	task      string
	createdAt time.Time
}

// NewSession creates an idle session. Zero config fields take their
// defaults.
func NewSession(model Model, tools Tools, cfg SessionConfig, opts ...SessionOption) *Session {
	def := DefaultSessionConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.Policy == nil {
		cfg.Policy = def.Policy
	}

	s := &Session{
		id:     uuid.New().String(),
		cfg:    cfg,
		model:  model,
		tools:  tools,
		logger: zerolog.Nop(),
		now:    time.Now,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session_id", s.id).Logger()
	s.createdAt = s.now()

	s.events = newEventStream(s.id, defaultEventBuffer)
	s.guard = NewLoopGuard(cfg.Loop)
	s.guard.SetClock(s.now)
	s.gate = NewPermissionGate(s.guard, s.prompter, cfg.Policy, s.logger)
	s.gate.SetClock(s.now)
	s.pruner = NewHistoryPruner(s.logger)
	s.dispatcher = NewDispatcher(tools, cfg.Dispatcher, s.logger)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the effective configuration.
func (s *Session) Config() SessionConfig { return s.cfg }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Steps returns the number of steps taken so far.
func (s *Session) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// History returns a copy of the conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneHistory(s.history)
}

// Events returns the event stream. It is closed when Run returns.
func (s *Session) Events() <-chan SessionEvent {
	return s.events.out
}

// Remember pre-seeds a remembered permission decision for tool.
func (s *Session) Remember(tool string, decision PermissionDecision) {
	s.gate.Remember(tool, decision)
}

// Run executes task until the model answers without tool calls or the
// session stops. Stops caused by step exhaustion, the user, the model or
// ctx are reported in the Outcome, not the error; the error is reserved for
// calling Run on a session that is already running or finished.
func (s *Session) Run(ctx context.Context, task string) (Outcome, error) {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		s.mu.Unlock()
		return Outcome{}, ErrSessionTerminal
	case s.running:
		s.mu.Unlock()
		return Outcome{}, ErrSessionRunning
	}
	s.running = true
	s.task = task
	s.history = append(s.history, UserMessage(task))
	s.mu.Unlock()

	s.events.publish(EventSessionStart, map[string]any{"task": task, "max_steps": s.cfg.MaxSteps})
	s.logger.Info().Int("max_steps", s.cfg.MaxSteps).Int("token_budget", s.cfg.TokenBudget).Msg("session started")

	outcome := s.loop(ctx)
	s.finish(outcome)
	return outcome, nil
}

func (s *Session) loop(ctx context.Context) Outcome {
	defs := s.tools.Definitions()
	for {
		if err := ctx.Err(); err != nil {
			return s.stopped(StopCancelled, err)
		}

		s.mu.Lock()
		s.step++
		step := s.step
		if step > s.cfg.MaxSteps {
			s.step = s.cfg.MaxSteps
			s.mu.Unlock()
			return s.stopped(StopMaxSteps, nil)
		}
		s.mu.Unlock()
		s.guard.SetStep(step)
		s.setState(StateAwaitingModel)

		s.compactIfNeeded(ctx, step)

		resp, err := s.model.Send(ctx, ModelRequest{
			Model:        s.cfg.Model,
			SystemPrompt: s.cfg.SystemPrompt,
			History:      s.History(),
			Tools:        defs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return s.stopped(StopCancelled, ctx.Err())
			}
			terr := &ModelTransportError{Model: s.cfg.Model, Err: err}
			s.logger.Error().Err(err).Int("step", step).Msg("model call failed")
			s.events.publish(EventError, map[string]any{"error": terr.Error(), "step": step})
			return s.stopped(StopModelError, terr)
		}

		if len(resp.ToolCalls) == 0 {
			s.appendHistory(AssistantMessage(resp.Content))
			s.events.publish(EventModelResponse, map[string]any{"step": step, "tool_calls": 0})
			return s.done(resp.Content)
		}

		calls := normalizeToolCallIDs(resp.ToolCalls)
		s.appendHistory(AssistantMessage(resp.Content, calls...))
		s.events.publish(EventModelResponse, map[string]any{"step": step, "tool_calls": len(calls)})
		s.logger.Debug().Int("step", step).Int("tool_calls", len(calls)).Msg("model requested tools")

		s.setState(StateExecutingTools)
		results, stop := s.executeTools(ctx, step, calls)
		if stop {
			return s.stopped(StopUserStopped, nil)
		}
		if err := ctx.Err(); err != nil {
			return s.stopped(StopCancelled, err)
		}

		msgs := make([]Message, len(results))
		for i, r := range results {
			msgs[i] = ToolMessage(r)
		}
		s.appendHistory(msgs...)
	}
}

// compactIfNeeded prunes the history when the budget check asks for it and
// hands the new history to the store. A prune that changes nothing is not
// a compaction: nothing is stored or announced.
func (s *Session) compactIfNeeded(ctx context.Context, step int) {
	// Estimating on s.history itself keeps the per-message token cache.
	s.mu.Lock()
	current := EstimateTotalContext(s.history, s.cfg.SystemPrompt)
	history := cloneHistory(s.history)
	s.mu.Unlock()

	level := CheckLevel(current, s.cfg.TokenBudget)
	if !level.ShouldCompact() {
		return
	}

	s.setState(StateCompacting)
	defer s.setState(StateAwaitingModel)
	target := level.TargetTokens(s.cfg.TokenBudget)
	res := s.pruner.Prune(ctx, history, target, s.summarizer)
	if res.Removed == 0 && res.Summary == "" {
		s.logger.Debug().Int("step", step).Str("level", level.String()).
			Int("tokens", res.TokensBefore).Int("target", target).Msg("history already within target")
		return
	}

	s.mu.Lock()
	s.history = res.History
	s.mu.Unlock()

	s.logger.Info().
		Int("step", step).
		Str("level", level.String()).
		Int("tokens_before", res.TokensBefore).
		Int("tokens_after", res.TokensAfter).
		Int("removed", res.Removed).
		Msg("history compacted")
	s.events.publish(EventCompaction, map[string]any{
		"step":          step,
		"level":         level.String(),
		"target":        target,
		"tokens_before": res.TokensBefore,
		"tokens_after":  res.TokensAfter,
		"removed":       res.Removed,
		"summarized":    res.Summary != "",
	})

	if s.store != nil {
		if err := s.store.SaveHistory(ctx, s.id, res.History); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist compacted history")
		}
	}
}

// executeTools resolves permissions for every call, runs the allowed ones
// as one batch and returns a result per call in request order. stop is set
// when the user asked to end the session.
func (s *Session) executeTools(ctx context.Context, step int, calls []ToolCallRequest) ([]ToolCallResult, bool) {
	results := make([]ToolCallResult, len(calls))
	var allowed []ToolCallRequest
	var slots []int

	for i, call := range calls {
		res := s.gate.Resolve(ctx, call)
		if res.Loop.Status != LoopNone {
			s.logger.Warn().Str("tool", call.Name).Int("occurrences", res.Loop.Occurrences).
				Str("status", res.Loop.Status.String()).Msg("repeated tool call")
			s.events.publish(EventLoopDetection, map[string]any{
				"tool":        call.Name,
				"status":      res.Loop.Status.String(),
				"occurrences": res.Loop.Occurrences,
				"fingerprint": res.Loop.Fingerprint,
			})
		}
		if res.Stop {
			s.events.publish(EventPermission, map[string]any{"tool": call.Name, "call_id": call.ID, "stop": true})
			return nil, true
		}
		s.events.publish(EventPermission, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"action":  res.Decision.Action.String(),
			"source":  string(res.Source),
		})

		if res.Decision.Action == ActionAllow {
			allowed = append(allowed, call)
			slots = append(slots, i)
			continue
		}
		reason := res.Decision.Reason
		if reason == "" {
			reason = "not permitted"
		}
		results[i] = ToolCallResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Error:      "permission denied: " + reason,
		}
	}

	if len(allowed) == 0 {
		return results, false
	}

	for _, call := range allowed {
		s.events.publish(EventToolCallStart, map[string]any{"tool": call.Name, "call_id": call.ID, "step": step})
	}
	batch, err := s.dispatcher.ExecuteBatch(ctx, allowed)
	var sizeErr *BatchSizeError
	switch {
	case errors.As(err, &sizeErr), errors.Is(err, ErrDispatcherClosed):
		s.logger.Warn().Err(err).Int("step", step).Msg("tool batch rejected")
		batch = make([]ToolCallResult, len(allowed))
		for i, call := range allowed {
			batch[i] = failedResult(call, err)
		}
	case err != nil:
		// Cancelled; the caller discards everything.
		return nil, false
	}

	for i, r := range batch {
		results[slots[i]] = r
		s.events.publish(EventToolCallEnd, map[string]any{
			"tool":        r.ToolName,
			"call_id":     r.ToolCallID,
			"success":     r.Success,
			"duration_ms": r.Duration.Milliseconds(),
			"timed_out":   r.TimedOut,
		})
	}
	return results, false
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.events.publish(EventStateChange, map[string]any{"from": string(prev), "to": string(state)})
	}
}

func (s *Session) appendHistory(msgs ...Message) {
	s.mu.Lock()
	s.history = append(s.history, msgs...)
	s.mu.Unlock()
}

func (s *Session) done(content string) Outcome {
	s.setState(StateDone)
	return Outcome{Status: OutcomeDone, Content: content, Steps: s.Steps()}
}

func (s *Session) stopped(reason StopReason, err error) Outcome {
	s.setState(StateStopped)
	return Outcome{Status: OutcomeStopped, Steps: s.Steps(), Reason: reason, Err: err}
}

// finish persists the session record, shuts the dispatcher down and closes
// the event stream.
func (s *Session) finish(outcome Outcome) {
	if err := s.dispatcher.Shutdown(); err != nil {
		s.logger.Warn().Err(err).Msg("dispatcher shutdown incomplete")
	}

	if s.store != nil {
		s.mu.Lock()
		record := SessionRecord{
			ID:          s.id,
			Task:        s.task,
			Model:       s.cfg.Model,
			State:       s.state,
			Steps:       s.step,
			MaxSteps:    s.cfg.MaxSteps,
			TokenBudget: s.cfg.TokenBudget,
			Outcome:     outcome,
			CreatedAt:   s.createdAt,
			UpdatedAt:   s.now(),
		}
		history := cloneHistory(s.history)
		s.mu.Unlock()
		// The run context may already be cancelled; the record is still written.
		if err := s.store.SaveSession(context.Background(), record, history); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist session")
		}
	}

	ev := s.logger.Info().Str("status", string(outcome.Status)).Int("steps", outcome.Steps)
	if n := s.events.droppedCount(); n > 0 {
		ev = ev.Int("dropped_events", n)
	}
	if outcome.Reason != "" {
		ev = ev.Str("reason", string(outcome.Reason))
	}
	if outcome.Err != nil {
		ev = ev.Err(outcome.Err)
	}
	ev.Msg("session finished")

	s.events.publish(EventSessionEnd, map[string]any{
		"status": string(outcome.Status),
		"reason": string(outcome.Reason),
		"steps":  outcome.Steps,
	})
	s.events.close()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
