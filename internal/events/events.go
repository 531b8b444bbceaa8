// Package events carries rate limiter lifecycle and decision signals to
// in-process subscribers such as the log, metrics and pub/sub relays.
package events

import (
	"sync"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// Type identifies an event
type Type string

const (
	ConnectionEstablished Type = "connection_established"
	ConnectionLost        Type = "connection_lost"
	FallbackEntered       Type = "fallback_entered"
	FallbackExited        Type = "fallback_exited"
	Decision              Type = "decision"
)

// Event is one observability signal. Fields not relevant to Type are empty.
type Event struct {
	Type       Type      `json:"type"`
	Time       time.Time `json:"time"`
	Scope      string    `json:"scope,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Cost       float64   `json:"cost,omitempty"`
	Allowed    bool      `json:"allowed,omitempty"`
	Source     string    `json:"source,omitempty"`
	Remaining  float64   `json:"remaining,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event; drops are counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers e to every subscriber that has room. A nil bus is a no-op.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.RecordEventDropped(string(e.Type))
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The
// returned cancel func unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
