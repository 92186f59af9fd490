// Package events carries run lifecycle events from the agent loop and
// the services built on it to any interested subscriber (the MQTT
// bridge, tests, a future metrics collector). A nil *Bus is valid and
// discards everything, so publishers never need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceAgent    = "agent"
	SourceAnalysis = "analysis"
	SourceChat     = "chat"
)

// Kinds.
const (
	// KindRunStart opens a loop run.
	// Data: model, max_iterations, turns.
	KindRunStart = "run_start"
	// KindLLMCall precedes a model request.
	// Data: iter, model, turns, tools, forced.
	KindLLMCall = "llm_call"
	// KindLLMResponse follows a successful model request.
	// Data: iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall precedes one tool execution.
	// Data: iter, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone follows one tool execution.
	// Data: iter, tool, call_id, ok, kind, duration_ms.
	KindToolDone = "tool_done"
	// KindForcedFinal marks the final no-tools model call at the
	// iteration cap. Data: iter, max_iterations.
	KindForcedFinal = "forced_final"
	// KindRunComplete closes a loop run, successful or not.
	// Data: iterations, tokens_in, tokens_out, forced, elapsed_ms, error.
	KindRunComplete = "run_complete"
	// KindSessionSummarized reports chat history being condensed.
	// Data: session_id, before, after.
	KindSessionSummarized = "session_summarized"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Each subscriber has a buffered
// channel; when it is full the event is dropped for that subscriber
// and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped atomic.Int64
	now     func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]chan Event),
		now:  time.Now,
	}
}

// Publish delivers e to every subscriber without blocking. A zero
// Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind, runID string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Source: source, Kind: kind, RunID: runID, Data: data})
}

// Subscribe returns a channel receiving future events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if bufSize < 0 {
		bufSize = 0
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
