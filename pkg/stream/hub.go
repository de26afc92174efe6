// Package stream fans decision activity out to websocket watchers.
// Delivery is best-effort: a slow consumer loses events rather than
// slowing down the handlers publishing them.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the gateway.
const (
	TypeDecision   = "decision"
	TypeEvidence   = "evidence"
	TypeViolation  = "violation"
	TypeEscalation = "escalation"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps the payload with the current time. Marshal failures
// degrade to an event without data; watchers are informational only.
func NewEvent(eventType string, data interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			evt.Data = b
		}
	}
	return evt
}

const defaultBuffer = 32

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call twice; the
// websocket handler unsubscribes from both its defer and its read pump.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, active := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if active {
		close(ch)
	}
}

// Publish offers the event to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded on full buffers since
// the hub was created. Surfaced as a gauge.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
