package storage

import (
	"sort"
	"sync"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
)

// MemoryStore is a volatile repository with the same semantics as
// PebbleStore. Used when no DB_PATH is configured, and in tests.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[string]*account.Account
	usernames  map[string]string
	history    map[string][]history.Order
	watchlists map[string][]string

	// FailCommit, when set, makes CommitOrder return it without writing
	FailCommit error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*account.Account),
		usernames:  make(map[string]string),
		history:    make(map[string][]history.Order),
		watchlists: make(map[string][]string),
	}
}

func (s *MemoryStore) SaveAccount(acc *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAccountLocked(acc)
	return nil
}

func (s *MemoryStore) putAccountLocked(acc *account.Account) {
	s.accounts[acc.ID] = acc.Clone()
	s.usernames[acc.Username] = acc.ID
}

func (s *MemoryStore) LoadAccount(id string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (s *MemoryStore) LoadAccountByUsername(username string) (*account.Account, error) {
	s.mu.Lock()
	id, ok := s.usernames[username]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.LoadAccount(id)
}

func (s *MemoryStore) CommitOrder(acc *account.Account, o history.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommit != nil {
		return s.FailCommit
	}
	s.putAccountLocked(acc)
	s.appendLocked(o)
	return nil
}

func (s *MemoryStore) AppendHistory(o history.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(o)
	return nil
}

func (s *MemoryStore) appendLocked(o history.Order) {
	orders := append(s.history[o.UserID], o)
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	s.history[o.UserID] = orders
}

func (s *MemoryStore) QueryHistory(userID string, side history.Side) ([]history.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []history.Order{}
	for _, o := range s.history[userID] {
		if side == 0 || o.Side == side {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadWatchlist(userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.watchlists[userID]...), nil
}

func (s *MemoryStore) SaveWatchlist(userID string, instrumentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchlists[userID] = append([]string{}, instrumentIDs...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
