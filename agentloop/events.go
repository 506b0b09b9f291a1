package agentloop

import (
	"sync"
	"time"
)

// EventKind names something observable that happened in a session.
type EventKind string

const (
	EventSessionStart  EventKind = "session_start"
	EventSessionEnd    EventKind = "session_end"
	EventStateChange   EventKind = "state_change"
	EventModelResponse EventKind = "model_response"
	EventCompaction    EventKind = "compaction"
	EventPermission    EventKind = "permission"
	EventLoopDetection EventKind = "loop_detection"
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallEnd   EventKind = "tool_call_end"
	EventError         EventKind = "error"
)

// SessionEvent is delivered on Session.Events. Seq numbers every event
// published by the session, so gaps show where events were dropped.
type SessionEvent struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

const defaultEventBuffer = 256

// eventStream fans session events out to a single buffered channel. The
// loop never blocks on a slow reader: a full buffer drops the event.
type eventStream struct {
	mu        sync.Mutex
	sessionID string
	out       chan SessionEvent
	seq       uint64
	dropped   int
	done      bool
}

func newEventStream(sessionID string, buffer int) *eventStream {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &eventStream{sessionID: sessionID, out: make(chan SessionEvent, buffer)}
}

func (s *eventStream) publish(kind EventKind, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.seq++
	ev := SessionEvent{Seq: s.seq, Kind: kind, Timestamp: time.Now(), SessionID: s.sessionID, Data: data}
	select {
	case s.out <- ev:
	default:
		s.dropped++
	}
}

// close ends the stream; later publishes are ignored.
func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.out)
}

func (s *eventStream) droppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
