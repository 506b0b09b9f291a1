package agentloop

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionTerminal is returned by Run on a session that already
	// finished.
	ErrSessionTerminal = errors.New("session has already reached a terminal state")
	// ErrSessionRunning is returned by Run while another Run is in progress.
	ErrSessionRunning = errors.New("session is already running")
	// ErrDispatcherClosed is returned by ExecuteBatch after Shutdown.
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

// BatchSizeError rejects a batch larger than the dispatcher accepts.
type BatchSizeError struct {
	Size int
	Max  int
}

func (e *BatchSizeError) Error() string {
	return fmt.Sprintf("batch of %d tool calls exceeds the limit of %d", e.Size, e.Max)
}

// ModelTransportError wraps a failed model call.
type ModelTransportError struct {
	Model string
	Err   error
}

func (e *ModelTransportError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelTransportError) Unwrap() error {
	return e.Err
}

// ToolExecutionError describes a tool call that failed, panicked or timed out.
type ToolExecutionError struct {
	ToolName string
	CallID   string
	TimedOut bool
	Err      error
}

func (e *ToolExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("tool %s timed out: %v", e.ToolName, e.Err)
	}
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
