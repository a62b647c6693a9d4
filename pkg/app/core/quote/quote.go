// Package quote holds the authoritative last-trade-price cache and the
// fan-out of price changes to live subscribers.
package quote

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrStaleQuote         = errors.New("stale quote")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidInstrument  = errors.New("instrument id is empty")
)

// Quote is the current state of one instrument.
// Open/High/Low/PrevPrice are derived from the update stream, not supplied by the feed.
type Quote struct {
	InstrumentID   string          `json:"instrumentId"`
	LastTradePrice decimal.Decimal `json:"lastTradePrice"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	PrevPrice   decimal.Decimal `json:"prevPrice"`
	UpdateCount int64           `json:"updateCount"`
}

// Change returns LTP minus the previous LTP (zero on the first observation)
func (q Quote) Change() decimal.Decimal {
	if q.UpdateCount < 2 {
		return decimal.Zero
	}
	return q.LastTradePrice.Sub(q.PrevPrice)
}

// Event is published on every applied update
type Event struct {
	InstrumentID string          `json:"instrumentId"`
	Price        decimal.Decimal `json:"lastTradePrice"`
	Timestamp    time.Time       `json:"timestamp"`
}
