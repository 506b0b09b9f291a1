package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel returns one response per call; after the script runs out it
// keeps returning the last entry.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []func(req ModelRequest) (ModelResponse, error)
	requests []ModelRequest
}

func (m *scriptedModel) then(fn func(req ModelRequest) (ModelResponse, error)) *scriptedModel {
	m.steps = append(m.steps, fn)
	return m
}

func (m *scriptedModel) text(content string) *scriptedModel {
	return m.then(func(ModelRequest) (ModelResponse, error) { return ModelResponse{Content: content}, nil })
}

func (m *scriptedModel) tools(calls ...ToolCallRequest) *scriptedModel {
	return m.then(func(ModelRequest) (ModelResponse, error) { return ModelResponse{ToolCalls: calls}, nil })
}

func (m *scriptedModel) Send(_ context.Context, req ModelRequest) (ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.History = cloneHistory(req.History)
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i >= len(m.steps) {
		i = len(m.steps) - 1
	}
	return m.steps[i](req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type memoryStore struct {
	mu        sync.Mutex
	histories [][]Message
	records   []SessionRecord
}

func (s *memoryStore) SaveHistory(_ context.Context, _ string, history []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = append(s.histories, history)
	return nil
}

func (s *memoryStore) SaveSession(_ context.Context, record SessionRecord, _ []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func echoTools() *funcTools {
	return newFuncTools().
		add("read_file", func(_ context.Context, args *Arguments) (string, error) {
			p, _ := args.GetString("file_path")
			return "contents of " + p, nil
		}).
		add("shell", func(context.Context, *Arguments) (string, error) { return "ran", nil })
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.MaxSteps = 5
	cfg.Model = "test-model"
	cfg.SystemPrompt = "You are a test agent."
	return cfg
}

func readCall(id, path string) ToolCallRequest {
	return call(id, "read_file", NewArguments().Set("file_path", String(path)))
}

func drain(s *Session) []SessionEvent {
	var events []SessionEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func TestRunDoneOnFirstTextResponse(t *testing.T) {
	model := (&scriptedModel{}).text("All done.")
	s := NewSession(model, echoTools(), testConfig())

	outcome, err := s.Run(context.Background(), "say hi")
	require.NoError(t, err)

	assert.True(t, outcome.Done())
	assert.Equal(t, "All done.", outcome.Content)
	assert.Equal(t, 1, outcome.Steps)
	assert.Equal(t, StateDone, s.State())

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "say hi", history[0].Content)
	assert.Equal(t, RoleAssistant, history[1].Role)

	req := model.requests[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "You are a test agent.", req.SystemPrompt)
	assert.Len(t, req.Tools, 2)
}

func TestRunExecutesParallelToolCalls(t *testing.T) {
	var inflight, peak int32
	tools := newFuncTools().add("read_file", func(_ context.Context, args *Arguments) (string, error) {
		n := atomic.AddInt32(&inflight, 1)
		defer atomic.AddInt32(&inflight, -1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(40 * time.Millisecond)
		p, _ := args.GetString("file_path")
		return "contents of " + p, nil
	})
	model := (&scriptedModel{}).
		tools(readCall("c1", "a.go"), readCall("c2", "b.go")).
		text("Both files read.")
	s := NewSession(model, tools, testConfig())

	outcome, err := s.Run(context.Background(), "read two files")
	require.NoError(t, err)

	assert.True(t, outcome.Done())
	assert.Equal(t, 2, outcome.Steps)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak), "both tools ran at once")

	history := s.History()
	require.Len(t, history, 5)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Empty(t, history[1].Content)
	assert.Len(t, history[1].ToolCalls, 2)
	assert.Equal(t, "c1", history[2].ToolCallID)
	assert.Equal(t, "contents of a.go", history[2].Content)
	assert.Equal(t, "c2", history[3].ToolCallID)
	assert.Equal(t, "contents of b.go", history[3].Content)
	assert.Equal(t, "Both files read.", history[4].Content)

	second := model.requests[1]
	assert.Len(t, second.History, 4, "tool results were sent back")
}

func TestRunLoopPromptDenialContinues(t *testing.T) {
	model := (&scriptedModel{}).
		tools(readCall("c1", "same.go")).
		tools(readCall("c2", "same.go")).
		tools(readCall("c3", "same.go")).
		tools(readCall("c4", "same.go")).
		text("Giving up on that file.")
	prompter := &scriptedPrompter{replies: []PromptReply{{Decision: Deny("you are repeating yourself")}}}
	cfg := testConfig()
	cfg.MaxSteps = 10
	s := NewSession(model, echoTools(), cfg, WithPrompter(prompter))

	outcome, err := s.Run(context.Background(), "read same.go")
	require.NoError(t, err)

	assert.True(t, outcome.Done(), "denial does not abort the loop")
	assert.Equal(t, 5, outcome.Steps)
	require.Equal(t, 1, prompter.count())
	assert.Equal(t, LoopLikely, prompter.requests[0].Loop.Status)

	var toolMsgs []Message
	for _, m := range s.History() {
		if m.Role == RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 4)
	for _, m := range toolMsgs[:3] {
		assert.False(t, m.IsError)
	}
	assert.True(t, toolMsgs[3].IsError)
	assert.Contains(t, toolMsgs[3].Content, "permission denied")
	assert.Contains(t, toolMsgs[3].Content, "you are repeating yourself")
}

func TestRunPolicyDenialWithoutPrompter(t *testing.T) {
	tools := echoTools()
	model := (&scriptedModel{}).
		tools(call("c1", "shell", NewArguments().Set("command", String("rm -rf /")))).
		text("ok")
	s := NewSession(model, tools, testConfig())

	outcome, err := s.Run(context.Background(), "clean up")
	require.NoError(t, err)
	assert.True(t, outcome.Done())
	assert.Zero(t, tools.callCount(), "denied call never dispatched")

	history := s.History()
	require.Len(t, history, 4)
	assert.True(t, history[2].IsError)
	assert.Contains(t, history[2].Content, "permission denied")
}

func TestRunMixedAllowAndDenyKeepsOrder(t *testing.T) {
	model := (&scriptedModel{}).
		tools(call("s1", "shell", nil), readCall("r1", "x.go"), call("s2", "shell", nil)).
		text("done")
	prompter := &scriptedPrompter{replies: []PromptReply{{Decision: Deny("no")}, {Decision: Allow()}}}
	s := NewSession(model, echoTools(), testConfig(), WithPrompter(prompter))

	_, err := s.Run(context.Background(), "mixed")
	require.NoError(t, err)

	history := s.History()
	require.Len(t, history, 6)
	assert.Equal(t, "s1", history[2].ToolCallID)
	assert.True(t, history[2].IsError)
	assert.Equal(t, "r1", history[3].ToolCallID)
	assert.Equal(t, "contents of x.go", history[3].Content)
	assert.Equal(t, "s2", history[4].ToolCallID)
	assert.Equal(t, "ran", history[4].Content)
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	n := 0
	model := (&scriptedModel{}).then(func(ModelRequest) (ModelResponse, error) {
		n++
		return ModelResponse{ToolCalls: []ToolCallRequest{readCall("", fmt.Sprintf("f%d.go", n))}}, nil
	})
	cfg := testConfig()
	cfg.MaxSteps = 3
	s := NewSession(model, echoTools(), cfg)

	outcome, err := s.Run(context.Background(), "never ends")
	require.NoError(t, err)

	assert.False(t, outcome.Done())
	assert.Equal(t, StopMaxSteps, outcome.Reason)
	assert.Equal(t, 3, outcome.Steps)
	assert.Equal(t, 3, model.calls())
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, "stopped: ran out of steps", outcome.Message())
}

func TestRunModelErrorStops(t *testing.T) {
	model := (&scriptedModel{}).then(func(ModelRequest) (ModelResponse, error) {
		return ModelResponse{}, errors.New("503 upstream")
	})
	s := NewSession(model, echoTools(), testConfig())

	outcome, err := s.Run(context.Background(), "task")
	require.NoError(t, err)

	assert.Equal(t, OutcomeStopped, outcome.Status)
	assert.Equal(t, StopModelError, outcome.Reason)
	var terr *ModelTransportError
	require.ErrorAs(t, outcome.Err, &terr)
	assert.Equal(t, "test-model", terr.Model)
	assert.Equal(t, 1, model.calls(), "no retry in the loop")
}

func TestRunUserStop(t *testing.T) {
	tools := echoTools()
	model := (&scriptedModel{}).tools(call("c1", "shell", nil))
	prompter := &scriptedPrompter{replies: []PromptReply{StopReply()}}
	s := NewSession(model, tools, testConfig(), WithPrompter(prompter))

	outcome, err := s.Run(context.Background(), "task")
	require.NoError(t, err)

	assert.Equal(t, StopUserStopped, outcome.Reason)
	assert.Equal(t, 1, outcome.Steps)
	assert.Zero(t, tools.callCount())
}

func TestRunCancellationDiscardsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tools := newFuncTools().add("read_file", func(ctx context.Context, _ *Arguments) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
	model := (&scriptedModel{}).tools(readCall("c1", "a.go"), readCall("c2", "b.go"))
	s := NewSession(model, tools, testConfig())

	outcome, err := s.Run(ctx, "task")
	require.NoError(t, err)

	assert.Equal(t, StopCancelled, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
	for _, m := range s.History() {
		assert.NotEqual(t, RoleTool, m.Role, "no partial batch appended")
	}
}

func TestRunTwiceFails(t *testing.T) {
	s := NewSession((&scriptedModel{}).text("ok"), echoTools(), testConfig())
	_, err := s.Run(context.Background(), "first")
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "second")
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestRunSynthesizesMissingCallIDs(t *testing.T) {
	model := (&scriptedModel{}).
		tools(readCall("", "a.go"), readCall("dup", "b.go"), readCall("dup", "c.go")).
		text("ok")
	s := NewSession(model, echoTools(), testConfig())

	_, err := s.Run(context.Background(), "task")
	require.NoError(t, err)

	history := s.History()
	calls := history[1].ToolCalls
	require.Len(t, calls, 3)
	ids := map[string]bool{}
	for i, c := range calls {
		assert.NotEmpty(t, c.ID)
		ids[c.ID] = true
		assert.Equal(t, c.ID, history[2+i].ToolCallID)
	}
	assert.Len(t, ids, 3)
}

func TestRunCompactsAndPersists(t *testing.T) {
	cfg := testConfig()
	cfg.TokenBudget = 1000
	cfg.SystemPrompt = ""
	cfg.MaxSteps = 3

	model := (&scriptedModel{}).text("done")
	store := &memoryStore{}
	sum := &fakeSummarizer{text: "prior work"}
	s := NewSession(model, echoTools(), cfg, WithStore(store), WithSummarizer(sum))
	for i := 0; i < 14; i++ {
		s.history = append(s.history,
			UserMessage(fmt.Sprintf("u%d %s", i, words(40))),
			AssistantMessage(fmt.Sprintf("a%d %s", i, words(40))),
		)
	}

	outcome, err := s.Run(context.Background(), "continue")
	require.NoError(t, err)
	assert.True(t, outcome.Done())

	sent := model.requests[0].History
	assert.LessOrEqual(t, EstimateHistory(sent), 600)
	assert.True(t, sent[0].Summary)
	assert.Equal(t, 1, sum.calls)

	require.Len(t, store.histories, 1)
	assert.Equal(t, len(sent), len(store.histories[0]))
	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, s.ID(), rec.ID)
	assert.Equal(t, StateDone, rec.State)
	assert.Equal(t, "continue", rec.Task)
	assert.Equal(t, 1, rec.Steps)
}

func TestRunSkipsCompactionThatRemovesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.TokenBudget = 1000
	cfg.SystemPrompt = ""
	cfg.MaxSteps = 5

	model := (&scriptedModel{}).
		tools(readCall("c1", "a.go")).
		text("done")
	store := &memoryStore{}
	sum := &fakeSummarizer{text: "should not be asked"}
	s := NewSession(model, echoTools(), cfg, WithStore(store), WithSummarizer(sum))
	for i := 0; i < 16; i++ {
		s.history = append(s.history, UserMessage(words(60)))
	}
	// Above the warning threshold, below the warning target.
	level := CheckLevel(EstimateTotalContext(append(cloneHistory(s.history), UserMessage("continue")), ""), cfg.TokenBudget)
	require.Equal(t, BudgetWarning, level)

	outcome, err := s.Run(context.Background(), "continue")
	require.NoError(t, err)
	assert.True(t, outcome.Done())

	assert.Empty(t, store.histories)
	assert.Len(t, store.records, 1)
	assert.Zero(t, sum.calls)
	for _, ev := range drain(s) {
		assert.NotEqual(t, EventCompaction, ev.Kind)
	}
	assert.Len(t, s.History(), 16+1+2+1)
}

func TestCompactionCheckCachesEstimates(t *testing.T) {
	cfg := testConfig()
	cfg.TokenBudget = 100000
	s := NewSession((&scriptedModel{}).text("done"), echoTools(), cfg)
	s.history = []Message{UserMessage(words(10)), AssistantMessage(words(5))}

	s.compactIfNeeded(context.Background(), 1)

	for i, m := range s.history {
		assert.True(t, m.hasTokens, "message %d", i)
	}
}

func TestRunEmitsEvents(t *testing.T) {
	model := (&scriptedModel{}).tools(readCall("c1", "a.go")).text("done")
	s := NewSession(model, echoTools(), testConfig())

	_, err := s.Run(context.Background(), "task")
	require.NoError(t, err)

	var kinds []EventKind
	for _, ev := range drain(s) {
		assert.Equal(t, s.ID(), ev.SessionID)
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventSessionStart, kinds[0])
	assert.Equal(t, EventSessionEnd, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventToolCallStart)
	assert.Contains(t, kinds, EventToolCallEnd)
	assert.Contains(t, kinds, EventPermission)
	assert.Contains(t, kinds, EventModelResponse)
}

func TestRunWithClockOption(t *testing.T) {
	clock := newFakeClock()
	store := &memoryStore{}
	s := NewSession((&scriptedModel{}).text("ok"), echoTools(), testConfig(),
		WithClock(clock.Now), WithStore(store), WithSessionID("fixed-id"))

	_, err := s.Run(context.Background(), "task")
	require.NoError(t, err)

	require.Len(t, store.records, 1)
	assert.Equal(t, "fixed-id", store.records[0].ID)
	assert.Equal(t, clock.Now(), store.records[0].CreatedAt)
}
