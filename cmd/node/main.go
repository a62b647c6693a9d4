package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/stockledger/params"
	"github.com/uhyunpark/stockledger/pkg/api"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
	"github.com/uhyunpark/stockledger/pkg/app/feed"
	"github.com/uhyunpark/stockledger/pkg/app/trading"
	"github.com/uhyunpark/stockledger/pkg/storage"
	"github.com/uhyunpark/stockledger/pkg/util"
)

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the trading ledger and quote distribution server",
	RunE: func(cmd *cobra.Command, args []string) error {
		envPath, err := cmd.Flags().GetString("env")
		if err != nil {
			return err
		}
		addr, err := cmd.Flags().GetString("addr")
		if err != nil {
			return err
		}

		// Load config from .env file and environment variables
		cfg, err := params.LoadFromEnv(envPath)
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.API.Addr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().String("env", "", "path to .env file (default: ./.env)")
	rootCmd.Flags().String("addr", "", "listen address, overrides API_ADDR")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg params.Config) error {
	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Storage.LogFile, cfg.Verbose)
	if err != nil {
		log.Printf("logger: %v", err)
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Storage.LogFile, "verbose", cfg.Verbose)

	// ---- Storage ----
	if cfg.Storage.DBPath != "" {
		if err := os.MkdirAll(cfg.Storage.DBPath, 0755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	repo, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Storage.JournalPath != "" {
		fj, err := storage.NewFileJournal(cfg.Storage.JournalPath)
		if err != nil {
			sugar.Warnw("journal_disabled", "path", cfg.Storage.JournalPath, "err", err)
		} else {
			journal = fj
		}
	}
	sugar.Infow("storage_opened", "db_path", cfg.Storage.DBPath, "in_memory", cfg.Storage.DBPath == "")

	// ---- App ----
	app, err := trading.New(repo, journal, trading.Config{
		DefaultBalance:   cfg.Ledger.DefaultBalance,
		SubscriberBuffer: cfg.API.SubscriberBuffer,
	}, util.RealClock{}, sugar)
	if err != nil {
		repo.Close()
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			sugar.Warnw("app_close_failed", "err", err)
		}
	}()

	instruments, err := params.LoadInstruments(cfg.Feed.Instruments)
	if err != nil {
		return err
	}
	seeds := make([]quote.Seed, len(instruments))
	for i, in := range instruments {
		seeds[i] = quote.Seed{InstrumentID: in.ID, Price: in.Price}
	}
	if err := app.SeedQuotes(seeds); err != nil {
		sugar.Warnw("quote_seed_incomplete", "err", err)
	}
	sugar.Infow("quotes_seeded", "instruments", app.Quotes.Count())

	// ---- Services ----
	g, gctx := errgroup.WithContext(ctx)

	server := api.NewServer(app, api.Options{CORSOrigins: cfg.API.CORSOrigins}, sugar.Named("api"))
	g.Go(func() error {
		return server.Run(gctx, cfg.API.Addr)
	})

	// Enable with: ENABLE_QUOTE_FEED=true
	if cfg.Feed.Enabled {
		feeder := feed.NewFeeder(app.Quotes, feed.Config{
			Interval:   cfg.Feed.Interval,
			MaxMoveBps: cfg.Feed.MaxMoveBps,
			StatsEvery: feed.DefaultConfig().StatsEvery,
		}, util.RealClock{}, sugar.Named("feed"))
		g.Go(func() error {
			if err := feeder.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		sugar.Info("quote_feed_disabled - prices change only through POST /quotes")
	}

	sugar.Infow("node_started", "addr", cfg.API.Addr)
	if err := g.Wait(); err != nil {
		sugar.Errorw("node_stopped", "err", err)
		return err
	}
	sugar.Info("node_stopped")
	return nil
}
