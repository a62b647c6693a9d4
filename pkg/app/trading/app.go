// Package trading wires the core components into one application and is
// the only entry point the transport layer talks to.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
	"github.com/uhyunpark/stockledger/pkg/app/core/ledger"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
	"github.com/uhyunpark/stockledger/pkg/app/core/watchlist"
	"github.com/uhyunpark/stockledger/pkg/storage"
	"github.com/uhyunpark/stockledger/pkg/util"
)

// TopicOrderFilled carries every filled history.Order on the event bus
const TopicOrderFilled = "order:filled"

type Config struct {
	DefaultBalance   decimal.Decimal
	SubscriberBuffer int // per-subscriber LTP queue
	HashCost         int // bcrypt cost, 0 = default
}

type App struct {
	Quotes      *quote.Store
	Broadcaster *quote.Broadcaster
	Accounts    *account.Manager
	Ledger      *ledger.Ledger
	History     *history.Log
	Watchlists  *watchlist.Manager
	Orders      *OrderFeed

	bus     EventBus.Bus
	repo    storage.Repository
	journal storage.Journal
	clock   util.Clock
	log     *zap.SugaredLogger
}

// New builds the application on top of repo. journal may be nil.
func New(repo storage.Repository, journal storage.Journal, cfg Config, clock util.Clock, logger *zap.SugaredLogger) (*App, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if journal == nil {
		journal = storage.NewNopJournal()
	}

	bc := quote.NewBroadcaster(cfg.SubscriberBuffer, logger.Named("broadcaster"))
	quotes := quote.NewStore(bc, logger.Named("quotes"))
	accounts := account.NewManager(repo, account.Config{
		DefaultBalance: cfg.DefaultBalance,
		HashCost:       cfg.HashCost,
	}, clock, logger.Named("accounts"))
	hist := history.NewLog(repo)
	led := ledger.New(accounts, quotes, hist, repo, clock, logger.Named("ledger"))

	a := &App{
		Quotes:      quotes,
		Broadcaster: bc,
		Accounts:    accounts,
		Ledger:      led,
		History:     hist,
		Watchlists:  watchlist.NewManager(accounts, quotes, repo),
		Orders:      NewOrderFeed(cfg.SubscriberBuffer, logger.Named("orders")),
		bus:         EventBus.New(),
		repo:        repo,
		journal:     journal,
		clock:       clock,
		log:         logger,
	}

	// transactional: the journal sees fills one at a time, in publish order
	if err := a.bus.SubscribeAsync(TopicOrderFilled, a.journal.Append, true); err != nil {
		return nil, fmt.Errorf("failed to subscribe journal: %w", err)
	}
	if err := a.bus.Subscribe(TopicOrderFilled, a.Orders.Publish); err != nil {
		return nil, fmt.Errorf("failed to subscribe order feed: %w", err)
	}
	led.OnFill = func(o history.Order) {
		a.bus.Publish(TopicOrderFilled, o)
	}
	return a, nil
}

// SeedQuotes loads the boot-time price list
func (a *App) SeedQuotes(seeds []quote.Seed) error {
	return a.Quotes.Seed(seeds, a.clock.Now())
}

// Close drains the event bus and releases storage
func (a *App) Close() error {
	a.bus.WaitAsync()
	a.Broadcaster.Close()
	a.Orders.Close()
	if err := a.journal.Close(); err != nil {
		a.log.Warnw("journal_close_failed", "err", err)
	}
	return a.repo.Close()
}

// ============================================================================
// Quotes
// ============================================================================

// LTP returns the last trade price of an instrument
func (a *App) LTP(instrumentID string) (decimal.Decimal, error) {
	q, err := a.Quotes.Get(instrumentID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return q.LastTradePrice, nil
}

// PushQuote applies an external price update. A zero ts means now.
func (a *App) PushQuote(instrumentID string, price decimal.Decimal, ts time.Time) (quote.Quote, error) {
	if ts.IsZero() {
		ts = a.clock.Now()
	}
	if _, err := a.Quotes.Update(instrumentID, price, ts); err != nil {
		return quote.Quote{}, err
	}
	return a.Quotes.Get(instrumentID)
}

// ============================================================================
// Users
// ============================================================================

func (a *App) Register(username, password, email string) (*account.Account, error) {
	return a.Accounts.Register(username, password, email, account.RoleUser)
}

func (a *App) Login(username, password string) (*account.Account, error) {
	acc, err := a.Accounts.Authenticate(username, password)
	if err != nil {
		return nil, err
	}
	a.log.Infow("user_login", "user_id", acc.ID)
	return acc, nil
}

// CreateAdmin registers an admin account. It is the bootstrap path and
// needs no existing admin.
func (a *App) CreateAdmin(username, password, email string) (*account.Account, error) {
	return a.Accounts.Register(username, password, email, account.RoleAdmin)
}

// CreateUser lets an admin register an account with an explicit role
func (a *App) CreateUser(adminID, username, password, email string, role account.Role) (*account.Account, error) {
	if err := a.Accounts.RequireAdmin(adminID); err != nil {
		return nil, err
	}
	return a.Accounts.Register(username, password, email, role)
}

// SetUserStatus pauses, bans or re-activates a user
func (a *App) SetUserStatus(adminID, userID string, status account.Status) (*account.Account, error) {
	if err := a.Accounts.RequireAdmin(adminID); err != nil {
		return nil, err
	}
	acc, err := a.Accounts.SetStatus(userID, status)
	if err != nil {
		return nil, err
	}
	a.log.Infow("user_status_set", "admin_id", adminID, "user_id", userID, "status", status.String())
	return acc, nil
}

// ============================================================================
// Trading
// ============================================================================

func (a *App) Buy(ctx context.Context, userID, instrumentID string, quantity int64) (history.Order, error) {
	return a.Ledger.ExecuteOrder(ctx, userID, instrumentID, history.Buy, quantity)
}

func (a *App) Sell(ctx context.Context, userID, instrumentID string, quantity int64) (history.Order, error) {
	return a.Ledger.ExecuteOrder(ctx, userID, instrumentID, history.Sell, quantity)
}

// OrderHistory returns a user's orders for one side, or all when side is zero
func (a *App) OrderHistory(userID string, side history.Side) ([]history.Order, error) {
	if !a.Accounts.Exists(userID) {
		return nil, fmt.Errorf("%w: %s", account.ErrUserNotFound, userID)
	}
	return a.History.ListForUser(userID, side)
}

// UserHistory is the admin view of a user's full history
func (a *App) UserHistory(adminID, userID string) ([]history.Order, error) {
	if err := a.Accounts.RequireAdmin(adminID); err != nil {
		return nil, err
	}
	return a.OrderHistory(userID, 0)
}
