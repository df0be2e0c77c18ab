// Package events is a publish/subscribe bus for operational events.
// The chat engine publishes what it is doing; the websocket endpoint and
// the MQTT forwarder listen. Publishing on a nil *Bus is a no-op, so
// callers never need to guard.
package events

import (
	"sync"
	"time"
)

// Source values name the publishing component.
const (
	SourceEngine = "engine"
	SourceAPI    = "api"
)

// DataUserID is the Data key naming the user an event belongs to.
// Every engine event carries it.
const DataUserID = "user_id"

// Kind values describe what happened.
const (
	// KindRequestStart: session_id, user_id, new_session.
	KindRequestStart = "request_start"
	// KindSessionCreated: session_id, user_id.
	KindSessionCreated = "session_created"
	// KindLLMCall: session_id, user_id, depth, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse: session_id, user_id, depth, model, tokens_in, tokens_out,
	// cost_usd, tool_calls, stop_reason.
	KindLLMResponse = "llm_response"
	// KindToolCall: session_id, user_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: session_id, user_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete: session_id, user_id, outcome, depth,
	// elapsed_ms.
	KindRequestComplete = "request_complete"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// UserID returns the user the event belongs to, or "" for events that
// belong to no user.
func (e Event) UserID() string {
	id, _ := e.Data[DataUserID].(string)
	return id
}

// Bus broadcasts events to buffered subscriber channels. A subscriber
// that falls behind loses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it. A zero
// Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event from source.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new listener with a buffer of bufSize events.
// Pair every Subscribe with an Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the listener and closes its channel. Unknown
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

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
