package quote

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the per-subscriber queue length used when the
// caller does not pick one
const DefaultSubscriberBuffer = 256

// Broadcaster fans every published Event out to all live subscriptions.
// Publish never blocks: a subscriber whose buffer is full is dropped.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	bufSize int
	log     *zap.SugaredLogger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to
// bufSize events each
func NewBroadcaster(bufSize int, logger *zap.SugaredLogger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		log:     logger,
	}
}

// Subscription is one consumer's view of the event stream. Events arrive on
// C() until the subscription is closed by the consumer, shed by the
// broadcaster, or the broadcaster shuts down; it cannot be restarted.
type Subscription struct {
	id   uint64
	b    *Broadcaster
	ch   chan Event
	done chan struct{}
	once sync.Once
	shed atomic.Bool
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription ends for any reason
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Shed reports whether the broadcaster dropped this subscriber for falling behind
func (s *Subscription) Shed() bool { return s.shed.Load() }

// Close detaches the subscription and frees its fan-out slot. Safe to call
// more than once and concurrently with Publish.
func (s *Subscription) Close() {
	s.b.remove(s.id)
}

// end closes the channels exactly once; callers hold b.mu for writing
func (s *Subscription) end() {
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}

// Subscribe registers a new subscriber. Subscribing to a closed broadcaster
// returns an already-ended subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		b:    b,
		ch:   make(chan Event, b.bufSize),
		done: make(chan struct{}),
	}
	if b.closed {
		sub.end()
		return sub
	}
	b.subs[sub.id] = sub
	b.log.Debugw("subscriber_added", "id", sub.id, "total", len(b.subs))
	return sub
}

// Publish delivers ev to every subscriber without waiting on any of them.
// Subscribers with a full buffer are removed and their channel closed.
func (b *Broadcaster) Publish(ev Event) {
	b.published.Add(1)

	// Write lock: shedding mutates the map and must not race a concurrent
	// send on the same channel.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.shed.Store(true)
			delete(b.subs, id)
			sub.end()
			b.dropped.Add(1)
			b.log.Warnw("subscriber_dropped",
				"id", id,
				"reason", "buffer_full",
				"buffer", b.bufSize,
				"instrument", ev.InstrumentID)
		}
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	sub.end()
	b.log.Debugw("subscriber_removed", "id", id, "total", len(b.subs))
}

// Close ends every subscription; later Publish calls are no-ops
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.end()
	}
}

// Count returns the number of live subscriptions
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// BroadcasterStats is a point-in-time counter snapshot
type BroadcasterStats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

// Stats returns broadcaster counters
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		Subscribers: b.Count(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

var _ Publisher = (*Broadcaster)(nil)
