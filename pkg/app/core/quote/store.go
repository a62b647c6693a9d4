package quote

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Publisher receives every applied quote change
type Publisher interface {
	Publish(ev Event)
}

// entry guards a single instrument so updates to different instruments
// never contend with each other
type entry struct {
	mu sync.RWMutex
	q  Quote
}

// Store is the authoritative instrument -> quote mapping.
// The map itself is guarded by mu; each quote by its entry lock.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // insertion order

	pub Publisher
	log *zap.SugaredLogger
}

// NewStore creates an empty store. pub may be nil (no notifications).
func NewStore(pub Publisher, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		entries: make(map[string]*entry),
		pub:     pub,
		log:     logger,
	}
}

// Get returns a copy of the current quote
func (s *Store) Get(instrumentID string) (Quote, error) {
	s.mu.RLock()
	e, ok := s.entries[instrumentID]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, instrumentID)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.q.UpdateCount == 0 {
		// registered by an update that has not applied yet
		return Quote{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, instrumentID)
	}
	return e.q, nil
}

// Exists reports whether the instrument has a quote
func (s *Store) Exists(instrumentID string) bool {
	_, err := s.Get(instrumentID)
	return err == nil
}

// Update applies a new last trade price.
// Returns (false, ErrStaleQuote) when the stored quote is at least as new as ts.
// The change is published before Update returns, while the instrument is
// still locked, so subscribers see one instrument's events in timestamp order.
func (s *Store) Update(instrumentID string, price decimal.Decimal, ts time.Time) (bool, error) {
	if instrumentID == "" {
		return false, ErrInvalidInstrument
	}
	if !price.IsPositive() {
		return false, fmt.Errorf("%w: %s=%s", ErrInvalidPrice, instrumentID, price)
	}

	e := s.getOrCreate(instrumentID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.q.UpdateCount > 0 && !ts.After(e.q.UpdatedAt) {
		s.log.Debugw("quote_stale",
			"instrument", instrumentID,
			"current_ts", e.q.UpdatedAt,
			"incoming_ts", ts)
		return false, fmt.Errorf("%w: %s at %s (have %s)", ErrStaleQuote, instrumentID,
			ts.Format(time.RFC3339Nano), e.q.UpdatedAt.Format(time.RFC3339Nano))
	}

	q := e.q
	if q.UpdateCount == 0 {
		q.InstrumentID = instrumentID
		q.Open = price
		q.High = price
		q.Low = price
		q.PrevPrice = price
	} else {
		q.PrevPrice = q.LastTradePrice
		if price.GreaterThan(q.High) {
			q.High = price
		}
		if price.LessThan(q.Low) {
			q.Low = price
		}
	}
	q.LastTradePrice = price
	q.UpdatedAt = ts
	q.UpdateCount++
	e.q = q

	if s.pub != nil {
		s.pub.Publish(Event{InstrumentID: instrumentID, Price: price, Timestamp: ts})
	}
	return true, nil
}

// getOrCreate returns the entry for id, registering it (in insertion order)
// on first observation
func (s *Store) getOrCreate(instrumentID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[instrumentID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[instrumentID]; ok {
		return e
	}
	e = &entry{}
	s.entries[instrumentID] = e
	s.order = append(s.order, instrumentID)
	return e
}

// InstrumentIDs returns every known instrument id in insertion order.
// An id whose first update is still in flight is skipped.
func (s *Store) InstrumentIDs() []string {
	quotes := s.List()
	ids := make([]string, len(quotes))
	for i, q := range quotes {
		ids[i] = q.InstrumentID
	}
	return ids
}

// List returns a snapshot of all quotes in insertion order
func (s *Store) List() []Quote {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.entries[id])
	}
	s.mu.RUnlock()

	out := make([]Quote, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		q := e.q
		e.mu.RUnlock()
		if q.UpdateCount == 0 {
			continue
		}
		out = append(out, q)
	}
	return out
}

// Count returns the number of known instruments
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Seed is an initial price loaded at boot
type Seed struct {
	InstrumentID string
	Price        decimal.Decimal
}

// Seed registers initial prices, all stamped with ts. A failing seed is
// logged and does not stop the remaining ones from applying.
func (s *Store) Seed(seeds []Seed, ts time.Time) error {
	var firstErr error
	for _, sd := range seeds {
		if _, err := s.Update(sd.InstrumentID, sd.Price, ts); err != nil {
			s.log.Warnw("quote_seed_failed", "instrument", sd.InstrumentID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
