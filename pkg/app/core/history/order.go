// Package history is the append-only record of executed trades per user.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidSide = errors.New("side must be buy or sell")

// Side of an order
type Side int8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Status of an executed order. Only filled orders reach the log.
type Status int8

const (
	StatusFilled Status = iota + 1
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusFilled:
		return "filled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "filled":
		*s = StatusFilled
	case "rejected":
		*s = StatusRejected
	default:
		return fmt.Errorf("unknown order status %q", string(b))
	}
	return nil
}

// Order is an executed trade. Immutable once created.
type Order struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	InstrumentID string          `json:"instrumentId"`
	Side         Side            `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"` // LTP observed at execution
	Total        decimal.Decimal `json:"total"` // Quantity × Price
	Status       Status          `json:"status"`
	Seq          uint64          `json:"seq"` // account nonce after this fill
	Timestamp    time.Time       `json:"timestamp"`
}
