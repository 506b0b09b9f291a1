package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcTools is a Tools backed by plain functions.
type funcTools struct {
	mu    sync.Mutex
	fns   map[string]func(ctx context.Context, args *Arguments) (string, error)
	calls []string
}

func newFuncTools() *funcTools {
	return &funcTools{fns: make(map[string]func(context.Context, *Arguments) (string, error))}
}

func (f *funcTools) add(name string, fn func(ctx context.Context, args *Arguments) (string, error)) *funcTools {
	f.fns[name] = fn
	return f
}

func (f *funcTools) Execute(ctx context.Context, name string, args *Arguments) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	fn, ok := f.fns[name]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return fn(ctx, args)
}

func (f *funcTools) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(f.fns))
	for name := range f.fns {
		defs = append(defs, ToolDefinition{Name: name, Parameters: map[string]any{"type": "object"}})
	}
	return defs
}

func (f *funcTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sleepThen(d time.Duration, out string) func(context.Context, *Arguments) (string, error) {
	return func(ctx context.Context, _ *Arguments) (string, error) {
		select {
		case <-time.After(d):
			return out, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	tools := newFuncTools().
		add("slow", sleepThen(60*time.Millisecond, "A")).
		add("medium", sleepThen(30*time.Millisecond, "B")).
		add("fast", sleepThen(0, "C"))
	d := NewDispatcher(tools, DispatcherConfig{}, zerolog.Nop())

	results, err := d.ExecuteBatch(context.Background(), []ToolCallRequest{
		call("a", "slow", nil), call("b", "medium", nil), call("c", "fast", nil),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, want := range []struct{ id, out string }{{"a", "A"}, {"b", "B"}, {"c", "C"}} {
		assert.Equal(t, want.id, results[i].ToolCallID)
		assert.Equal(t, want.out, results[i].Output)
		assert.True(t, results[i].Success)
	}
}

func TestExecuteBatchRunsConcurrently(t *testing.T) {
	var running, peak int32
	tools := newFuncTools().add("wait", func(ctx context.Context, _ *Arguments) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return "ok", nil
	})
	d := NewDispatcher(tools, DispatcherConfig{PoolSize: 3}, zerolog.Nop())

	reqs := make([]ToolCallRequest, 6)
	for i := range reqs {
		reqs[i] = call(fmt.Sprint(i), "wait", nil)
	}
	start := time.Now()
	_, err := d.ExecuteBatch(context.Background(), reqs)
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&peak), "bounded by pool size")
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestExecuteBatchIsolatesFailures(t *testing.T) {
	tools := newFuncTools().
		add("ok", sleepThen(0, "fine")).
		add("fail", func(context.Context, *Arguments) (string, error) { return "", errors.New("disk full") }).
		add("boom", func(context.Context, *Arguments) (string, error) { panic("nil map") })
	d := NewDispatcher(tools, DispatcherConfig{}, zerolog.Nop())

	results, err := d.ExecuteBatch(context.Background(), []ToolCallRequest{
		call("1", "ok", nil), call("2", "fail", nil), call("3", "boom", nil), call("4", "missing", nil), call("5", "ok", nil),
	})
	require.NoError(t, err)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "disk full")
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Error, "panic: nil map")
	assert.False(t, results[3].Success)
	assert.Contains(t, results[3].Error, "unknown tool: missing")
	assert.True(t, results[4].Success)
}

func TestExecuteBatchTimeout(t *testing.T) {
	tools := newFuncTools().
		add("hang", func(context.Context, *Arguments) (string, error) {
			time.Sleep(time.Second)
			return "late", nil
		}).
		add("quick", sleepThen(0, "done"))
	d := NewDispatcher(tools, DispatcherConfig{CallTimeout: 30 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	results, err := d.ExecuteBatch(context.Background(), []ToolCallRequest{call("1", "hang", nil), call("2", "quick", nil)})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond, "hung tool is abandoned")
	assert.False(t, results[0].Success)
	assert.True(t, results[0].TimedOut)
	assert.Contains(t, results[0].Error, "timed out")
	assert.True(t, results[1].Success)
}

func TestExecuteBatchRejectsOversizedBatch(t *testing.T) {
	tools := newFuncTools().add("ok", sleepThen(0, "x"))
	d := NewDispatcher(tools, DispatcherConfig{}, zerolog.Nop())

	reqs := make([]ToolCallRequest, 11)
	for i := range reqs {
		reqs[i] = call(fmt.Sprint(i), "ok", nil)
	}
	results, err := d.ExecuteBatch(context.Background(), reqs)

	var sizeErr *BatchSizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, 11, sizeErr.Size)
	assert.Equal(t, 10, sizeErr.Max)
	assert.Nil(t, results)
	assert.Zero(t, tools.callCount(), "nothing executed")
}

func TestExecuteBatchTruncatesOutput(t *testing.T) {
	tools := newFuncTools().add("shell", sleepThen(0, strings.Repeat("x", 100)))
	d := NewDispatcher(tools, DispatcherConfig{Limits: OutputLimits{Chars: map[string]int{"shell": 20}}}, zerolog.Nop())

	results, err := d.ExecuteBatch(context.Background(), []ToolCallRequest{call("1", "shell", nil)})
	require.NoError(t, err)
	assert.Contains(t, results[0].Output, "80 characters were removed")
}

func TestExecuteBatchCancelled(t *testing.T) {
	tools := newFuncTools().add("slow", sleepThen(time.Second, "x"))
	d := NewDispatcher(tools, DispatcherConfig{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	results, err := d.ExecuteBatch(ctx, []ToolCallRequest{call("1", "slow", nil)})

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.False(t, results[0].TimedOut, "cancellation is not a timeout")
}

func TestDispatcherShutdown(t *testing.T) {
	tools := newFuncTools().add("slow", sleepThen(50*time.Millisecond, "x"))
	d := NewDispatcher(tools, DispatcherConfig{ShutdownGrace: time.Second}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		results, err := d.ExecuteBatch(context.Background(), []ToolCallRequest{call("1", "slow", nil)})
		assert.NoError(t, err)
		assert.True(t, results[0].Success, "in-flight batch completes")
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, d.Shutdown())
	<-done

	_, err := d.ExecuteBatch(context.Background(), []ToolCallRequest{call("2", "slow", nil)})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcherShutdownGraceElapses(t *testing.T) {
	tools := newFuncTools().add("slow", sleepThen(300*time.Millisecond, "x"))
	d := NewDispatcher(tools, DispatcherConfig{ShutdownGrace: 20 * time.Millisecond}, zerolog.Nop())

	go func() { _, _ = d.ExecuteBatch(context.Background(), []ToolCallRequest{call("1", "slow", nil)}) }()
	time.Sleep(10 * time.Millisecond)

	assert.Error(t, d.Shutdown())
}
