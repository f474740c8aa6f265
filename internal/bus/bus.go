// Package bus is the in-process event fabric: lane manager, scheduler, and
// queue publish lifecycle events (`run.*`, `job.*`, `queue.*`, `system.*`)
// and the gateway/notifier consume them. Delivery is buffered and
// non-blocking; a slow subscriber loses events rather than stalling a
// publisher.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Well-known topic prefixes.
const (
	TopicRun    = "run."
	TopicJob    = "job."
	TopicQueue  = "queue."
	TopicSystem = "system."
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic matches its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	closed  bool // guarded by the owning bus's mu
	dropped atomic.Int64
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// deliver hands the event over if the buffer has room, else counts the drop.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Bus is an in-process pub/sub fabric with topic prefix matching.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription

	published atomic.Int64
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a subscription for events matching the given topic
// prefix. An empty prefix matches everything. The channel is buffered; when
// it is full the event is dropped and counted on the subscription.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// again for the same subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	sub.closed = true
	close(sub.ch)
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload any) {
	b.published.Add(1)
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.matches(topic) {
			sub.deliver(ev)
		}
	}
}

// Published reports the total number of events published.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
