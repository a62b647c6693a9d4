package storage

import (
	"io"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
	"github.com/uhyunpark/stockledger/pkg/app/core/ledger"
	"github.com/uhyunpark/stockledger/pkg/app/core/watchlist"
)

// Repository is everything the core persists, as one collaborator
type Repository interface {
	account.Repository
	ledger.Repository
	history.Repository
	watchlist.Repository
	AppendHistory(o history.Order) error
	io.Closer
}

// Open returns a Pebble-backed repository at path, or an in-memory one when
// path is empty
func Open(path string) (Repository, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return NewPebbleStore(path)
}

var (
	_ Repository = (*PebbleStore)(nil)
	_ Repository = (*MemoryStore)(nil)
)
