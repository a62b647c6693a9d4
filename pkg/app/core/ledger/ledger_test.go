package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
	"github.com/uhyunpark/stockledger/pkg/app/core/ledger"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
	"github.com/uhyunpark/stockledger/pkg/storage"
	"github.com/uhyunpark/stockledger/pkg/util"
)

// tb is satisfied by both *testing.T and *rapid.T
type tb interface {
	require.TestingT
	Helper()
}

type fixture struct {
	ledger   *ledger.Ledger
	accounts *account.Manager
	quotes   *quote.Store
	history  *history.Log
	repo     *storage.MemoryStore
	clock    *util.ManualClock
}

func newFixture(t tb, balance string) *fixture {
	t.Helper()
	clock := util.NewManualClock(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	repo := storage.NewMemoryStore()
	accounts := account.NewManager(repo, account.Config{
		DefaultBalance: decimal.RequireFromString(balance),
		HashCost:       bcrypt.MinCost,
	}, clock, nil)
	quotes := quote.NewStore(nil, nil)
	hist := history.NewLog(repo)
	return &fixture{
		ledger:   ledger.New(accounts, quotes, hist, repo, clock, nil),
		accounts: accounts,
		quotes:   quotes,
		history:  hist,
		repo:     repo,
		clock:    clock,
	}
}

func (f *fixture) user(t tb, name string) string {
	t.Helper()
	acc, err := f.accounts.Register(name, "pw", "", account.RoleUser)
	require.NoError(t, err)
	return acc.ID
}

func (f *fixture) price(t tb, id, px string) {
	t.Helper()
	f.clock.Advance(time.Second)
	_, err := f.quotes.Update(id, decimal.RequireFromString(px), f.clock.Now())
	require.NoError(t, err)
}

func (f *fixture) balance(t tb, userID string) decimal.Decimal {
	t.Helper()
	acc, err := f.accounts.Get(userID)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) holding(t tb, userID, id string) int64 {
	t.Helper()
	acc, err := f.accounts.Get(userID)
	require.NoError(t, err)
	return acc.Holding(id)
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestBuyThenSellScenario(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	u := f.user(t, "alice")

	f.price(t, "ACME", "50")
	buy, err := f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 10)
	require.NoError(t, err)
	assertDec(t, "50", buy.Price)
	assertDec(t, "500", buy.Total)
	assertDec(t, "500", f.balance(t, u))
	assert.Equal(t, int64(10), f.holding(t, u, "ACME"))

	hist, err := f.history.ListForUser(u, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, history.Buy, hist[0].Side)
	assert.Equal(t, int64(10), hist[0].Quantity)

	f.price(t, "ACME", "60")
	sell, err := f.ledger.ExecuteOrder(ctx, u, "ACME", history.Sell, 5)
	require.NoError(t, err)
	assertDec(t, "60", sell.Price)
	assertDec(t, "800", f.balance(t, u))
	assert.Equal(t, int64(5), f.holding(t, u, "ACME"))

	hist, err = f.history.ListForUser(u, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, history.Sell, hist[1].Side)
	assert.Equal(t, int64(5), hist[1].Quantity)
	assertDec(t, "60", hist[1].Price)
	assert.Less(t, hist[0].Seq, hist[1].Seq)

	// persisted through the same commit
	stored, err := f.repo.QueryHistory(u, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestUnknownInstrumentChangesNothing(t *testing.T) {
	f := newFixture(t, "1000")
	u := f.user(t, "bob")

	_, err := f.ledger.ExecuteOrder(context.Background(), u, "XYZ", history.Buy, 1)
	require.ErrorIs(t, err, quote.ErrInstrumentNotFound)

	assertDec(t, "1000", f.balance(t, u))
	assert.Equal(t, int64(0), f.holding(t, u, "XYZ"))
	hist, _ := f.history.ListForUser(u, 0)
	assert.Empty(t, hist)
	stored, _ := f.repo.QueryHistory(u, 0)
	assert.Empty(t, stored)
}

func TestRoundTripRestoresBalance(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	u := f.user(t, "carol")
	f.price(t, "ACME", "33.33")

	_, err := f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 7)
	require.NoError(t, err)
	_, err = f.ledger.ExecuteOrder(ctx, u, "ACME", history.Sell, 7)
	require.NoError(t, err)

	assertDec(t, "1000", f.balance(t, u))
	assert.Equal(t, int64(0), f.holding(t, u, "ACME"))
}

func TestRejections(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	u := f.user(t, "dave")
	f.price(t, "ACME", "50")

	_, err := f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	_, err = f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, -3)
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	_, err = f.ledger.ExecuteOrder(ctx, u, "ACME", history.Side(7), 1)
	assert.ErrorIs(t, err, history.ErrInvalidSide)
	_, err = f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 3)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	_, err = f.ledger.ExecuteOrder(ctx, u, "ACME", history.Sell, 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientHoldings)
	_, err = f.ledger.ExecuteOrder(ctx, "ghost", "ACME", history.Buy, 1)
	assert.ErrorIs(t, err, account.ErrUserNotFound)

	assertDec(t, "100", f.balance(t, u))
	hist, _ := f.history.ListForUser(u, 0)
	assert.Empty(t, hist)
}

func TestExactBalanceBuySucceeds(t *testing.T) {
	f := newFixture(t, "100")
	u := f.user(t, "erin")
	f.price(t, "ACME", "50")

	_, err := f.ledger.ExecuteOrder(context.Background(), u, "ACME", history.Buy, 2)
	require.NoError(t, err)
	assert.True(t, f.balance(t, u).IsZero())
}

func TestSuspendedUserCannotTrade(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	u := f.user(t, "frank")
	f.price(t, "ACME", "10")

	for _, st := range []account.Status{account.StatusPaused, account.StatusBanned} {
		_, err := f.accounts.SetStatus(u, st)
		require.NoError(t, err)
		_, err = f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 1)
		assert.ErrorIs(t, err, account.ErrUserSuspended, st.String())
	}

	_, err := f.accounts.SetStatus(u, account.StatusActive)
	require.NoError(t, err)
	_, err = f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 1)
	assert.NoError(t, err)
}

func TestCancelledContextBeforeLock(t *testing.T) {
	f := newFixture(t, "1000")
	u := f.user(t, "gina")
	f.price(t, "ACME", "10")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assertDec(t, "1000", f.balance(t, u))
}

func TestCommitFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t, "1000")
	u := f.user(t, "hank")
	f.price(t, "ACME", "10")

	f.repo.FailCommit = errors.New("disk full")
	var fills int
	f.ledger.OnFill = func(history.Order) { fills++ }

	_, err := f.ledger.ExecuteOrder(context.Background(), u, "ACME", history.Buy, 1)
	require.Error(t, err)
	assertDec(t, "1000", f.balance(t, u))
	assert.Equal(t, int64(0), f.holding(t, u, "ACME"))
	hist, _ := f.history.ListForUser(u, 0)
	assert.Empty(t, hist)
	assert.Zero(t, fills)

	f.repo.FailCommit = nil
	_, err = f.ledger.ExecuteOrder(context.Background(), u, "ACME", history.Buy, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, fills)
}

func TestConcurrentOverspendExactlyOneWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, "1000")
		u := f.user(t, "ivy")
		f.price(t, "ACME", "60")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := range errs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				// 10 × 60 = 600 each; together 1200 > 1000
				_, errs[j] = f.ledger.ExecuteOrder(context.Background(), u, "ACME", history.Buy, 10)
			}(j)
		}
		wg.Wait()

		var ok, insufficient int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				insufficient++
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, insufficient)
		assertDec(t, "400", f.balance(t, u))
	}
}

func TestDifferentUsersTradeInParallel(t *testing.T) {
	f := newFixture(t, "1000")
	f.price(t, "ACME", "1")

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = f.user(t, "user"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for k := 0; k < 25; k++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.ledger.ExecuteOrder(context.Background(), id, "ACME", history.Buy, 1)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		assertDec(t, "975", f.balance(t, id))
		assert.Equal(t, int64(25), f.holding(t, id, "ACME"))
		hist, err := f.history.ListForUser(id, history.Buy)
		require.NoError(t, err)
		assert.Len(t, hist, 25)
	}
}

func TestPortfolio(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	u := f.user(t, "jack")
	f.price(t, "ACME", "10")
	f.price(t, "GLOBEX", "5")

	_, err := f.ledger.ExecuteOrder(ctx, u, "ACME", history.Buy, 10)
	require.NoError(t, err)
	_, err = f.ledger.ExecuteOrder(ctx, u, "GLOBEX", history.Buy, 4)
	require.NoError(t, err)
	f.price(t, "ACME", "12")

	p, err := f.ledger.Portfolio(u)
	require.NoError(t, err)
	assertDec(t, "880", p.Balance)
	require.Len(t, p.Positions, 2)
	assert.Equal(t, "ACME", p.Positions[0].InstrumentID)
	assertDec(t, "120", p.Positions[0].MarketValue)
	assertDec(t, "140", p.HoldingsVal)
	assertDec(t, "1020", p.TotalValue)
}

// Balance and every holding stay non-negative under any order sequence,
// and history records exactly the accepted orders.
func TestInvariantsHoldForAnyOrderSequence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt, "500")
		ctx := context.Background()
		u := f.user(rt, "prop")
		instruments := []string{"ACME", "GLOBEX"}
		for _, id := range instruments {
			f.price(rt, id, "10")
		}

		filled := 0
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(instruments).Draw(rt, "instrument")
			if rapid.Bool().Draw(rt, "reprice") {
				cents := rapid.Int64Range(1, 10000).Draw(rt, "cents")
				f.clock.Advance(time.Second)
				_, err := f.quotes.Update(id, decimal.New(cents, -2), f.clock.Now())
				if err != nil {
					rt.Fatalf("reprice: %v", err)
				}
			}
			side := rapid.SampledFrom([]history.Side{history.Buy, history.Sell}).Draw(rt, "side")
			qty := rapid.Int64Range(-1, 60).Draw(rt, "qty")

			if _, err := f.ledger.ExecuteOrder(ctx, u, id, side, qty); err == nil {
				filled++
			}

			acc, err := f.accounts.Get(u)
			if err != nil {
				rt.Fatalf("get: %v", err)
			}
			if acc.Balance.IsNegative() {
				rt.Fatalf("negative balance %s", acc.Balance)
			}
			for sym, q := range acc.Holdings {
				if q <= 0 {
					rt.Fatalf("holding %s = %d", sym, q)
				}
			}
		}

		hist, err := f.history.ListForUser(u, 0)
		if err != nil {
			rt.Fatalf("history: %v", err)
		}
		if len(hist) != filled {
			rt.Fatalf("history has %d orders, %d filled", len(hist), filled)
		}
	})
}
