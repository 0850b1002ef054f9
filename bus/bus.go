// Package bus implements the in-process publish/subscribe message bus
// attached to a node instance. It decouples node internals from observers:
// publishing is fire-and-forget for the producer, each subscriber receives
// events in publish order, and there is no replay buffer.
package bus

import (
	"sync"

	"github.com/hupe1980/nodemesh/core"
)

// DefaultBufferSize is the per-subscriber channel buffer. A subscriber that
// falls more than this many events behind starts losing events rather than
// blocking the publisher.
const DefaultBufferSize = 64

// Options configures a Bus instance.
type Options struct {
	// BufferSize sets the per-subscriber channel buffer.
	BufferSize int
}

type subscriber struct {
	ch chan core.Event
}

// Bus is a per-node MessageBus implementation. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	opts   Options
}

var _ core.MessageBus = (*Bus)(nil)

// New constructs an empty bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{BufferSize: DefaultBufferSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Bus{subs: make(map[int]*subscriber), opts: opts}
}

// Publish delivers ev to all current subscribers. Delivery is best effort:
// a subscriber whose buffer is full loses the event instead of stalling the
// publisher. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber; drop rather than block the producer.
		}
	}
}

// Subscribe registers a new observer. Events published before the call are
// not replayed. The returned cancel function is idempotent.
func (b *Bus) Subscribe() (<-chan core.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan core.Event, b.opts.BufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return ch, cancel
}

// Close detaches all subscribers and closes their channels. Subsequent
// Publish and Subscribe calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

// SubscriberCount returns the number of attached subscribers. Intended for
// tests and introspection.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
