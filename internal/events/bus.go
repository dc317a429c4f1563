// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (run loop,
// router, checkpoint store) to subscribers (WebSocket handler, MQTT
// publisher). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRun identifies events from the agent run loop.
	SourceRun = "run"
	// SourceRouter identifies events from the provider router.
	SourceRouter = "router"
	// SourceCheckpoint identifies events from the checkpoint store.
	SourceCheckpoint = "checkpoint"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals a run has been created.
	// Data: run_id, task_len, backend.
	KindRunStart = "run_start"
	// KindTurnStart signals the beginning of a turn.
	// Data: run_id, turn.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a model call.
	// Data: run_id, turn, backend, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: run_id, turn, backend, model, tokens_in, tokens_out,
	// cost_usd.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool invocation.
	// Data: run_id, turn, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: run_id, turn, tool, kind, duration_ms.
	KindToolDone = "tool_done"
	// KindGuardrail signals a non-OK guardrail verdict.
	// Data: run_id, turn, verdict, reason.
	KindGuardrail = "guardrail"
	// KindCheckpoint signals a checkpoint was written.
	// Data: run_id, seq, trigger, byte_size.
	KindCheckpoint = "checkpoint"
	// KindProviderState signals a backend health transition.
	// Data: backend, status, error_kind.
	KindProviderState = "provider_state"
	// KindRunComplete signals a run reached a terminal status.
	// Data: run_id, status, stop_reason, turns, total_tokens_in,
	// total_tokens_out, total_cost_usd, elapsed_ms.
	KindRunComplete = "run_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). The timestamp is
// filled in if the caller left it zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Emit is shorthand for Publish with a fresh timestamp.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
