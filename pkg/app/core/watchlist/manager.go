// Package watchlist tracks the set of instruments each user follows.
package watchlist

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
)

var ErrNotInWatchlist = errors.New("instrument not in watchlist")

// Repository persists watchlists. LoadWatchlist returns an empty slice for
// users who never saved one.
type Repository interface {
	LoadWatchlist(userID string) ([]string, error)
	SaveWatchlist(userID string, instrumentIDs []string) error
}

// Users answers whether a user exists
type Users interface {
	Exists(userID string) bool
}

// Quotes is the read-only view of the quote store the manager needs
type Quotes interface {
	Exists(instrumentID string) bool
	Get(instrumentID string) (quote.Quote, error)
}

// Manager owns per-user watchlists. Watchlists are independent of the
// ledger, so one mutex for all of them is enough.
type Manager struct {
	mu    sync.Mutex
	lists map[string]map[string]struct{} // loaded users only

	users  Users
	quotes Quotes
	repo   Repository
}

// NewManager creates a watchlist manager
func NewManager(users Users, quotes Quotes, repo Repository) *Manager {
	return &Manager{
		lists:  make(map[string]map[string]struct{}),
		users:  users,
		quotes: quotes,
		repo:   repo,
	}
}

// Add puts instrumentIDs on the user's watchlist. Ids already present are
// ignored. Unknown instruments fail the whole call and nothing is added.
func (m *Manager) Add(userID string, instrumentIDs []string) ([]string, error) {
	for _, id := range instrumentIDs {
		if !m.quotes.Exists(id) {
			return nil, fmt.Errorf("%w: %s", quote.ErrInstrumentNotFound, id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, err := m.loadLocked(userID)
	if err != nil {
		return nil, err
	}

	next := cloneSet(set)
	for _, id := range instrumentIDs {
		next[id] = struct{}{}
	}
	if len(next) != len(set) {
		if err := m.repo.SaveWatchlist(userID, sorted(next)); err != nil {
			return nil, fmt.Errorf("failed to save watchlist: %w", err)
		}
		m.lists[userID] = next
	}
	return sorted(next), nil
}

// Remove takes one instrument off the user's watchlist
func (m *Manager) Remove(userID, instrumentID string) ([]string, error) {
	return m.RemoveMany(userID, []string{instrumentID})
}

// RemoveMany takes several instruments off the user's watchlist. If any of
// them is not on it, nothing is removed.
func (m *Manager) RemoveMany(userID string, instrumentIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, err := m.loadLocked(userID)
	if err != nil {
		return nil, err
	}
	for _, id := range instrumentIDs {
		if _, ok := set[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotInWatchlist, id)
		}
	}

	next := cloneSet(set)
	for _, id := range instrumentIDs {
		delete(next, id)
	}
	if err := m.repo.SaveWatchlist(userID, sorted(next)); err != nil {
		return nil, fmt.Errorf("failed to save watchlist: %w", err)
	}
	m.lists[userID] = next
	return sorted(next), nil
}

// List returns the user's watchlist. Order carries no meaning; ids are
// sorted for stable output.
func (m *Manager) List(userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, err := m.loadLocked(userID)
	if err != nil {
		return nil, err
	}
	return sorted(set), nil
}

// Quotes returns the current quote of every watched instrument
func (m *Manager) Quotes(userID string) ([]quote.Quote, error) {
	ids, err := m.List(userID)
	if err != nil {
		return nil, err
	}
	out := make([]quote.Quote, 0, len(ids))
	for _, id := range ids {
		q, err := m.quotes.Get(id)
		if err != nil {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

func (m *Manager) loadLocked(userID string) (map[string]struct{}, error) {
	if !m.users.Exists(userID) {
		return nil, fmt.Errorf("%w: %s", account.ErrUserNotFound, userID)
	}
	if set, ok := m.lists[userID]; ok {
		return set, nil
	}

	ids, err := m.repo.LoadWatchlist(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load watchlist: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	m.lists[userID] = set
	return set, nil
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	c := make(map[string]struct{}, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

func sorted(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
