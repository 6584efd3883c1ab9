// Package bus is the in-process notification fabric between the task
// store's notifier and the consumers that watch it (dashboard feed,
// watchdog alerts). Delivery is fan-out by topic prefix and strictly
// non-blocking: a slow consumer loses events, it never slows a publisher.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the per-subscription channel depth used by
// Subscribe. Consumers with burstier intake (a catch-all feed) pick their
// own depth via SubscribeBuffered.
const DefaultSubscriberBuffer = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to every subscription whose prefix matches.
type Bus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	logger  *slog.Logger
	dropped atomic.Int64
}

// New creates a Bus with no drop logging.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a Bus that warns (at decade intervals, so a
// wedged consumer cannot flood the log) when events are dropped.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a consumer for every topic matching prefix, with the
// default buffer depth. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, DefaultSubscriberBuffer)
}

// SubscribeBuffered is Subscribe with an explicit channel depth, for
// consumers that drain in bursts.
func (b *Bus) SubscribeBuffered(topicPrefix string, depth int) *Subscription {
	if depth < 1 {
		depth = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, depth),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Unsubscribing
// twice, or a subscription from another bus, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish sends an event to all matching subscribers. A subscriber whose
// buffer is full misses the event; the drop is counted, never blocked on.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.recordDrop(topic)
		}
	}
}

// recordDrop counts a lost event and warns on the exact decade counts
// (1, 10, 100, ...). Each count value is returned by exactly one Add call,
// so concurrent publishers never double-log a decade.
func (b *Bus) recordDrop(topic string) {
	count := b.dropped.Add(1)
	if b.logger != nil && isDecade(count) {
		b.logger.Warn("bus dropped events",
			slog.Int64("count", count),
			slog.String("topic", topic),
		)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full
// buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.dropped.Load()
}

// isDecade reports whether n is exactly 1, 10, 100, 1000, ...
func isDecade(n int64) bool {
	if n < 1 {
		return false
	}
	for n%10 == 0 {
		n /= 10
	}
	return n == 1
}
