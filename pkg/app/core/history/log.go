package history

import (
	"fmt"
	"sync"
)

// Repository is the read side of durable history. Orders are written by the
// ledger's atomic commit. QueryHistory returns orders in chronological (Seq)
// order; a zero side means all.
type Repository interface {
	QueryHistory(userID string, side Side) ([]Order, error)
}

// Log serves per-user history from memory, loading a user's orders from the
// repository on first access.
//
// Writes reach the repository before Append is called (the ledger commits
// account and order in one batch), so a cold load may already contain the
// order being appended. Append is only ever called with the user's newest
// order while the user's lock is held, which makes a last-ID check enough
// to keep the cache free of duplicates.
type Log struct {
	mu    sync.RWMutex
	users map[string][]Order // loaded users only

	repo Repository
}

// NewLog creates a log backed by repo
func NewLog(repo Repository) *Log {
	return &Log{
		users: make(map[string][]Order),
		repo:  repo,
	}
}

// Append adds an already-persisted order to the in-memory log
func (l *Log) Append(o Order) error {
	if o.Status != StatusFilled {
		return fmt.Errorf("refusing to log %s order %s", o.Status, o.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	orders, loaded := l.users[o.UserID]
	if !loaded {
		// next ListForUser loads it from the repository
		return nil
	}
	if n := len(orders); n > 0 && orders[n-1].ID == o.ID {
		return nil
	}
	l.users[o.UserID] = append(orders, o)
	return nil
}

// ListForUser returns the user's orders, oldest first. A zero side returns
// both buys and sells.
func (l *Log) ListForUser(userID string, side Side) ([]Order, error) {
	if side != 0 && !side.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}

	orders, err := l.load(userID)
	if err != nil {
		return nil, err
	}

	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if side == 0 || o.Side == side {
			out = append(out, o)
		}
	}
	return out, nil
}

func (l *Log) load(userID string) ([]Order, error) {
	l.mu.RLock()
	orders, ok := l.users[userID]
	l.mu.RUnlock()
	if ok {
		return orders, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if orders, ok := l.users[userID]; ok {
		return orders, nil
	}
	orders, err := l.repo.QueryHistory(userID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", userID, err)
	}
	if orders == nil {
		orders = []Order{}
	}
	l.users[userID] = orders
	return orders, nil
}
