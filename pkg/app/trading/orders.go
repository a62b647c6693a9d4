package trading

import (
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockledger/pkg/app/core/history"
)

// OrderFeed delivers a user's fills to live listeners (websocket clients
// subscribed to orders:{userID}). Delivery is best effort: a listener that
// falls behind misses fills, it is never waited on.
type OrderFeed struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[string]map[uint64]chan history.Order // userID -> listeners
	bufSize int
	closed  bool
	log     *zap.SugaredLogger
}

func NewOrderFeed(bufSize int, logger *zap.SugaredLogger) *OrderFeed {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OrderFeed{
		subs:    make(map[string]map[uint64]chan history.Order),
		bufSize: bufSize,
		log:     logger,
	}
}

// Subscribe returns a channel of the user's fills and a function that
// stops delivery and closes the channel
func (f *OrderFeed) Subscribe(userID string) (<-chan history.Order, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan history.Order, f.bufSize)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.nextID++
	id := f.nextID
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[uint64]chan history.Order)
	}
	f.subs[userID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { f.remove(userID, id) })
	}
}

func (f *OrderFeed) remove(userID string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subs[userID][id]
	if !ok {
		return
	}
	delete(f.subs[userID], id)
	if len(f.subs[userID]) == 0 {
		delete(f.subs, userID)
	}
	close(ch)
}

// Publish hands o to every listener of o.UserID without blocking
func (f *OrderFeed) Publish(o history.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[o.UserID] {
		select {
		case ch <- o:
		default:
			f.log.Warnw("order_update_dropped", "user_id", o.UserID, "order_id", o.ID)
		}
	}
}

// Close ends every subscription
func (f *OrderFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for user, listeners := range f.subs {
		for _, ch := range listeners {
			close(ch)
		}
		delete(f.subs, user)
	}
}
