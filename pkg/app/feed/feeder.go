// Package feed drives the quote store with a simulated market so the push
// path runs without an upstream price source.
package feed

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
	"github.com/uhyunpark/stockledger/pkg/util"
)

// Config controls the simulated tick rate
type Config struct {
	Interval   time.Duration // how often every instrument ticks
	MaxMoveBps int64         // largest per-tick move in basis points
	Seed       uint64        // random seed, 0 = time-based
	StatsEvery int           // log stats every N ticks, 0 = never
}

// DefaultConfig returns reasonable defaults for a local demo
func DefaultConfig() Config {
	return Config{
		Interval:   500 * time.Millisecond,
		MaxMoveBps: 50,
		StatsEvery: 120,
	}
}

// Updater is the write side of the quote store
type Updater interface {
	Update(instrumentID string, price decimal.Decimal, ts time.Time) (bool, error)
	List() []quote.Quote
}

// Stats counts feeder activity
type Stats struct {
	Ticks    int
	Applied  int
	Rejected int
}

// Feeder moves every known instrument by a bounded random step each tick
type Feeder struct {
	cfg   Config
	store Updater
	clock util.Clock
	rng   *rand.Rand
	log   *zap.SugaredLogger

	stats Stats
}

var tick = decimal.New(1, -2) // prices stay on a cent grid

func NewFeeder(store Updater, cfg Config, clock util.Clock, logger *zap.SugaredLogger) *Feeder {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxMoveBps <= 0 {
		cfg.MaxMoveBps = DefaultConfig().MaxMoveBps
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Feeder{
		cfg:   cfg,
		store: store,
		clock: clock,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		log:   logger,
	}
}

// Run ticks until ctx is cancelled. It always returns ctx.Err().
func (f *Feeder) Run(ctx context.Context) error {
	ticker := f.clock.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	f.log.Infow("quote_feed_started", "interval", f.cfg.Interval.String(), "max_move_bps", f.cfg.MaxMoveBps)
	for {
		select {
		case <-ctx.Done():
			f.log.Infow("quote_feed_stopped",
				"ticks", f.stats.Ticks,
				"applied", f.stats.Applied,
				"rejected", f.stats.Rejected)
			return ctx.Err()
		case <-ticker.C():
			f.Step()
			if f.cfg.StatsEvery > 0 && f.stats.Ticks%f.cfg.StatsEvery == 0 {
				f.log.Infow("quote_feed_stats", "ticks", f.stats.Ticks, "applied", f.stats.Applied)
			}
		}
	}
}

// Step applies one tick to every instrument. Not safe for concurrent use.
func (f *Feeder) Step() {
	f.stats.Ticks++
	now := f.clock.Now()
	for _, q := range f.store.List() {
		next := f.nextPrice(q.LastTradePrice)
		if _, err := f.store.Update(q.InstrumentID, next, now); err != nil {
			// an external update with a newer timestamp wins
			if !errors.Is(err, quote.ErrStaleQuote) {
				f.log.Warnw("quote_feed_update_failed", "instrument", q.InstrumentID, "err", err)
			}
			f.stats.Rejected++
			continue
		}
		f.stats.Applied++
	}
}

// Stats returns counters. Not safe to call concurrently with Run.
func (f *Feeder) Stats() Stats { return f.stats }

// nextPrice moves p by up to MaxMoveBps either way, never below one tick
func (f *Feeder) nextPrice(p decimal.Decimal) decimal.Decimal {
	bps := f.rng.Int64N(2*f.cfg.MaxMoveBps+1) - f.cfg.MaxMoveBps
	move := p.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000))
	next := p.Add(move).Round(2)
	if next.LessThan(tick) {
		return tick
	}
	return next
}
