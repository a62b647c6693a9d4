package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
)

// PebbleStore is the durable repository for accounts, history and watchlists.
// Callers serialize writes per user (the ledger's per-user lock); Pebble
// itself is safe for concurrent use.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// get reads key into v. Returns false if the key does not exist.
func (s *PebbleStore) get(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()

	if err := decode(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// Accounts
// ============================================================================

// SaveAccount persists an account and its username index entry
func (s *PebbleStore) SaveAccount(acc *account.Account) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := putAccount(b, acc); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func putAccount(b *pebble.Batch, acc *account.Account) error {
	data, err := encode(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := b.Set(accountKey(acc.ID), data, nil); err != nil {
		return err
	}
	return b.Set(usernameKey(acc.Username), []byte(acc.ID), nil)
}

// LoadAccount loads an account. Returns nil if it doesn't exist.
func (s *PebbleStore) LoadAccount(id string) (*account.Account, error) {
	var acc account.Account
	ok, err := s.get(accountKey(id), &acc)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if acc.Holdings == nil {
		acc.Holdings = make(map[string]int64)
	}
	return &acc, nil
}

// LoadAccountByUsername resolves the username index. Returns nil if unknown.
func (s *PebbleStore) LoadAccountByUsername(username string) (*account.Account, error) {
	data, closer, err := s.db.Get(usernameKey(username))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get username index: %w", err)
	}
	id := string(data)
	closer.Close()

	return s.LoadAccount(id)
}

// ============================================================================
// History
// ============================================================================

// CommitOrder writes the post-fill account and the order in one batch
func (s *PebbleStore) CommitOrder(acc *account.Account, o history.Order) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := putAccount(b, acc); err != nil {
		return err
	}
	if err := putOrder(b, o); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit order %s: %w", o.ID, err)
	}
	return nil
}

// AppendHistory writes a single order row
func (s *PebbleStore) AppendHistory(o history.Order) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := putOrder(b, o); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func putOrder(b *pebble.Batch, o history.Order) error {
	data, err := encode(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return b.Set(historyKey(o.UserID, o.Seq), data, nil)
}

// QueryHistory returns a user's orders oldest first, filtered by side
// (zero side = all)
func (s *PebbleStore) QueryHistory(userID string, side history.Side) ([]history.Order, error) {
	prefix := historyPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history iterator: %w", err)
	}
	defer iter.Close()

	orders := []history.Order{}
	for iter.First(); iter.Valid(); iter.Next() {
		var o history.Order
		if err := decode(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("corrupt history row %q: %w", iter.Key(), err)
		}
		if side == 0 || o.Side == side {
			orders = append(orders, o)
		}
	}
	return orders, iter.Error()
}

// ============================================================================
// Watchlists
// ============================================================================

// LoadWatchlist returns the saved watchlist, empty if none
func (s *PebbleStore) LoadWatchlist(userID string) ([]string, error) {
	var ids []string
	if _, err := s.get(watchlistKey(userID), &ids); err != nil {
		return nil, fmt.Errorf("failed to get watchlist: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// SaveWatchlist replaces the user's watchlist
func (s *PebbleStore) SaveWatchlist(userID string, instrumentIDs []string) error {
	data, err := encode(instrumentIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal watchlist: %w", err)
	}
	if err := s.db.Set(watchlistKey(userID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save watchlist: %w", err)
	}
	return nil
}
