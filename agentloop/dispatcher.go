package agentloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// ToolCallResult is the outcome of one tool call.
type ToolCallResult struct {
	ToolCallID string        `json:"tool_call_id"`
	ToolName   string        `json:"tool_name"`
	Success    bool          `json:"success"`
	Output     string        `json:"output"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
}

// failedResult builds the result of a call that never produced output.
func failedResult(call ToolCallRequest, err error) ToolCallResult {
	return ToolCallResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Error:      err.Error(),
	}
}

// DispatcherConfig bounds tool execution.
type DispatcherConfig struct {
	PoolSize      int           `json:"pool_size"`
	MaxBatch      int           `json:"max_batch"`
	CallTimeout   time.Duration `json:"call_timeout"`
	ShutdownGrace time.Duration `json:"shutdown_grace"`
	Limits        OutputLimits  `json:"limits"`
}

// DefaultDispatcherConfig returns a pool of 10, batches of at most 10, a
// 120s per-call timeout and a 30s shutdown grace period.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PoolSize:      10,
		MaxBatch:      10,
		CallTimeout:   120 * time.Second,
		ShutdownGrace: 30 * time.Second,
	}
}

// Dispatcher runs batches of independent tool calls concurrently.
type Dispatcher struct {
	tools    Tools
	cfg      DispatcherConfig
	logger   zerolog.Logger
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher, filling zero config fields from the
// defaults.
func NewDispatcher(tools Tools, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Dispatcher{tools: tools, cfg: cfg, logger: logger}
}

// ExecuteBatch runs reqs and returns one result per request, in request
// order. Failures, panics and timeouts become unsuccessful results without
// affecting siblings. A batch larger than MaxBatch is rejected with a
// *BatchSizeError before anything runs. If ctx is cancelled the results
// gathered so far are returned along with ctx.Err().
func (d *Dispatcher) ExecuteBatch(ctx context.Context, reqs []ToolCallRequest) ([]ToolCallResult, error) {
	if len(reqs) > d.cfg.MaxBatch {
		return nil, &BatchSizeError{Size: len(reqs), Max: d.cfg.MaxBatch}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	results := make([]ToolCallResult, len(reqs))
	p := pool.New().WithMaxGoroutines(d.cfg.PoolSize)
	for i, req := range reqs {
		p.Go(func() {
			results[i] = d.execute(ctx, req)
		})
	}
	p.Wait()

	return results, ctx.Err()
}

type toolOutput struct {
	output string
	err    error
}

// execute runs a single call under the per-call timeout. A tool that ignores
// cancellation is abandoned when the timeout fires.
func (d *Dispatcher) execute(ctx context.Context, req ToolCallRequest) ToolCallResult {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	done := make(chan toolOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Str("tool", req.Name).Interface("panic", r).Bytes("stack", debug.Stack()).
					Msg("tool panicked")
				done <- toolOutput{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := d.tools.Execute(callCtx, req.Name, req.Arguments)
		done <- toolOutput{output: out, err: err}
	}()

	result := ToolCallResult{ToolCallID: req.ID, ToolName: req.Name}
	var execErr *ToolExecutionError
	select {
	case out := <-done:
		if out.err != nil {
			execErr = &ToolExecutionError{ToolName: req.Name, CallID: req.ID, Err: out.err}
		} else {
			result.Success = true
			result.Output = d.cfg.Limits.Apply(req.Name, out.output)
		}
	case <-callCtx.Done():
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		execErr = &ToolExecutionError{ToolName: req.Name, CallID: req.ID, TimedOut: timedOut, Err: callCtx.Err()}
		result.TimedOut = timedOut
	}
	result.Duration = time.Since(start)

	if execErr != nil {
		result.Error = execErr.Error()
		d.logger.Debug().Err(execErr).Str("tool", req.Name).Str("call_id", req.ID).
			Dur("duration", result.Duration).Msg("tool call failed")
	}
	return result
}

// Shutdown rejects new batches and waits up to the configured grace period
// for in-flight batches. It returns an error if the grace period elapses.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(d.cfg.ShutdownGrace):
		return fmt.Errorf("dispatcher shutdown: in-flight tool calls still running after %s", d.cfg.ShutdownGrace)
	}
}
