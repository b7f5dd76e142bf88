package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrSubscriberExists is returned when a subscriber name is reused.
	ErrSubscriberExists = errors.New("stream: subscriber already exists")
	// ErrBusClosed is returned by Subscribe after Close.
	ErrBusClosed = errors.New("stream: bus closed")
)

// Bus fans events out to named subscribers without ever blocking the
// publisher.
//
// Each subscriber owns a bounded queue. When it is full the oldest queued
// event is discarded to make room for the new one, so a slow consumer sees
// a gap but always the latest state, and the capture loop never waits.
// Events from one publisher keep their order in every queue.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	// OnDrop, when set before the bus is used, is called with the
	// subscriber name every time an event is discarded.
	OnDrop func(subscriber string)
}

type subscriber struct {
	name  string
	ch    chan Event
	kinds map[Kind]bool

	mu      sync.Mutex
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// SubscriberStats reports delivery counters for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
	Queued  int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers name with a queue of buffer events. When kinds is
// empty the subscriber receives every kind.
func (b *Bus) Subscribe(name string, buffer int, kinds ...Kind) (<-chan Event, error) {
	if buffer < 1 {
		return nil, fmt.Errorf("stream: subscriber %q buffer must be positive, got %d", name, buffer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSubscriberExists, name)
	}

	s := &subscriber{name: name, ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.subs[name] = s
	return s.ch, nil
}

// Unsubscribe removes name and closes its channel. Unknown names are ignored.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[name]; ok {
		delete(b.subs, name)
		close(s.ch)
	}
}

// Publish delivers e to every interested subscriber. It never blocks.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		if s.offer(e) {
			if b.OnDrop != nil {
				b.OnDrop(s.name)
			}
		}
	}
}

// offer enqueues e, evicting the oldest event if needed. It reports whether
// an event was dropped.
func (s *subscriber) offer(e Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case s.ch <- e:
			s.sent.Add(1)
			return dropped
		default:
		}

		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
			// the consumer drained the queue in between; retry the send
		}
	}
}

// Stats returns a copy of every subscriber's counters.
func (b *Bus) Stats() map[string]SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]SubscriberStats, len(b.subs))
	for name, s := range b.subs {
		out[name] = SubscriberStats{
			Sent:    s.sent.Load(),
			Dropped: s.dropped.Load(),
			Queued:  len(s.ch),
		}
	}
	return out
}

// Close unsubscribes everybody. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for name, s := range b.subs {
		delete(b.subs, name)
		close(s.ch)
	}
}
