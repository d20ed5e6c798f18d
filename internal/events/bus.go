// Package events fans the ordered progress stream out to decoupled
// subscribers. Publishing never blocks: a subscriber that cannot keep up
// loses events rather than stalling generation.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/storyloom/storyloom/pkg/models"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 100

// Bus is a non-blocking fan-out of progress events.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan models.Event
	nextID  int
	bufSize int
	dropped int
	logger  *slog.Logger
	closed  bool
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:    make(map[int]chan models.Event),
		bufSize: DefaultBufferSize,
		logger:  logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking. Events
// to a full subscriber buffer are dropped and counted.
func (b *Bus) Publish(ev models.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			if b.dropped%100 == 1 {
				b.logger.Warn("Dropping events for slow subscriber", "dropped_total", b.dropped)
			}
		}
	}
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
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
