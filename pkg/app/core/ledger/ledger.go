// Package ledger applies buy and sell orders to user accounts at the
// current quote.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
	"github.com/uhyunpark/stockledger/pkg/util"
)

var (
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
)

// Repository persists a fill. CommitOrder must write the account and append
// the order atomically: either both are durable or neither is.
type Repository interface {
	CommitOrder(acc *account.Account, o history.Order) error
}

// QuoteSource prices orders
type QuoteSource interface {
	Get(instrumentID string) (quote.Quote, error)
}

// Ledger executes orders. Each order runs entirely under its user's lock
// (see account.Manager.Update); orders for different users run in parallel.
type Ledger struct {
	accounts *account.Manager
	quotes   QuoteSource
	history  *history.Log
	repo     Repository
	clock    util.Clock
	log      *zap.SugaredLogger

	// OnFill is called after a fill is durable and visible, outside the
	// user's lock. Set it before the ledger serves orders.
	OnFill func(o history.Order)
}

// New wires a ledger
func New(accounts *account.Manager, quotes QuoteSource, hist *history.Log, repo Repository, clock util.Clock, logger *zap.SugaredLogger) *Ledger {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Ledger{
		accounts: accounts,
		quotes:   quotes,
		history:  hist,
		repo:     repo,
		clock:    clock,
		log:      logger,
	}
}

// ExecuteOrder buys or sells quantity units of instrumentID for userID at the
// quote observed while the user's lock is held. The caller never supplies a
// price.
//
// On any failure nothing is mutated, persisted, or logged. ctx is honoured
// only until the user's lock is acquired; after that the order runs to
// completion so balance and holdings never diverge.
func (l *Ledger) ExecuteOrder(ctx context.Context, userID, instrumentID string, side history.Side, quantity int64) (history.Order, error) {
	if quantity <= 0 {
		return history.Order{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if !side.Valid() {
		return history.Order{}, fmt.Errorf("%w: %d", history.ErrInvalidSide, side)
	}
	if err := ctx.Err(); err != nil {
		return history.Order{}, err
	}

	var filled history.Order
	err := l.accounts.Update(userID, func(acc *account.Account) error {
		if acc.IsSuspended() {
			return fmt.Errorf("%w: %s is %s", account.ErrUserSuspended, userID, acc.Status)
		}

		q, err := l.quotes.Get(instrumentID)
		if err != nil {
			return err
		}
		price := q.LastTradePrice
		total := price.Mul(decimal.NewFromInt(quantity))

		switch side {
		case history.Buy:
			if acc.Balance.LessThan(total) {
				return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, total, acc.Balance)
			}
			acc.Balance = acc.Balance.Sub(total)
			if err := acc.AddHolding(instrumentID, quantity); err != nil {
				return err
			}
		case history.Sell:
			if held := acc.Holding(instrumentID); held < quantity {
				return fmt.Errorf("%w: need %d %s, have %d", ErrInsufficientHoldings, quantity, instrumentID, held)
			}
			acc.Balance = acc.Balance.Add(total)
			if err := acc.AddHolding(instrumentID, -quantity); err != nil {
				return err
			}
		}
		acc.Nonce++
		if err := acc.Validate(); err != nil {
			return err
		}

		o := history.Order{
			ID:           uuid.NewString(),
			UserID:       userID,
			InstrumentID: instrumentID,
			Side:         side,
			Quantity:     quantity,
			Price:        price,
			Total:        total,
			Status:       history.StatusFilled,
			Seq:          acc.Nonce,
			Timestamp:    l.clock.Now().UTC(),
		}
		if err := l.repo.CommitOrder(acc, o); err != nil {
			return fmt.Errorf("failed to commit order: %w", err)
		}
		if err := l.history.Append(o); err != nil {
			// already durable; the cache reloads from the repository
			l.log.Errorw("history_append_failed", "order_id", o.ID, "err", err)
		}
		filled = o
		return nil
	})
	if err != nil {
		l.log.Debugw("order_rejected",
			"user_id", userID,
			"instrument", instrumentID,
			"side", side.String(),
			"qty", quantity,
			"reason", err.Error())
		return history.Order{}, err
	}

	l.log.Infow("order_filled",
		"order_id", filled.ID,
		"user_id", userID,
		"instrument", instrumentID,
		"side", side.String(),
		"qty", quantity,
		"price", filled.Price.String(),
		"seq", filled.Seq)

	if l.OnFill != nil {
		l.OnFill(filled)
	}
	return filled, nil
}

// Position is one holding valued at the current quote
type Position struct {
	InstrumentID   string          `json:"instrumentId"`
	Quantity       int64           `json:"quantity"`
	LastTradePrice decimal.Decimal `json:"lastTradePrice"`
	MarketValue    decimal.Decimal `json:"marketValue"`
}

// Portfolio is a consistent snapshot of an account valued at current quotes
type Portfolio struct {
	UserID      string          `json:"userId"`
	Balance     decimal.Decimal `json:"balance"`
	Positions   []Position      `json:"positions"`
	HoldingsVal decimal.Decimal `json:"holdingsValue"`
	TotalValue  decimal.Decimal `json:"totalValue"`
}

// Portfolio values the user's holdings. Instruments without a quote are
// listed with a zero value.
func (l *Ledger) Portfolio(userID string) (Portfolio, error) {
	acc, err := l.accounts.Get(userID)
	if err != nil {
		return Portfolio{}, err
	}

	ids := make([]string, 0, len(acc.Holdings))
	for id := range acc.Holdings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p := Portfolio{
		UserID:      userID,
		Balance:     acc.Balance,
		Positions:   make([]Position, 0, len(ids)),
		HoldingsVal: decimal.Zero,
	}
	for _, id := range ids {
		pos := Position{InstrumentID: id, Quantity: acc.Holdings[id], MarketValue: decimal.Zero}
		if q, err := l.quotes.Get(id); err == nil {
			pos.LastTradePrice = q.LastTradePrice
			pos.MarketValue = q.LastTradePrice.Mul(decimal.NewFromInt(pos.Quantity))
		}
		p.HoldingsVal = p.HoldingsVal.Add(pos.MarketValue)
		p.Positions = append(p.Positions, pos)
	}
	p.TotalValue = p.Balance.Add(p.HoldingsVal)
	return p, nil
}
