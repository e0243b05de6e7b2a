// Package stream is the in-process event bus between the engine and its
// output ports: the websocket feed, the log tail, and tests. Publishing
// never blocks; slow subscribers lose events rather than stalling Decide.
package stream

import (
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeDecision     = "decision"
	TypeRegimeChange = "regime_change"
	TypeBreaker      = "breaker"
	TypeTrain        = "train"
)

// Event is one published engine event.
type Event struct {
	Type    string      `json:"type"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Bus fans events out to subscribers over bounded channels.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped int64
}

// New returns a bus whose subscriber channels hold buffer events each.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber. The cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has room.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped++
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports events lost to full subscriber channels.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
