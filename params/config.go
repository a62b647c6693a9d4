package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type API struct {
	Addr        string
	CORSOrigins []string
	// SubscriberBuffer is the per-connection LTP queue. A client that falls
	// this far behind is disconnected.
	SubscriberBuffer int
}

type Storage struct {
	DBPath      string // empty = in-memory
	JournalPath string // fill journal, empty = disabled
	LogFile     string
}

type Ledger struct {
	DefaultBalance decimal.Decimal
}

type Feed struct {
	Enabled     bool
	Interval    time.Duration
	MaxMoveBps  int64  // largest per-tick move, in basis points
	Instruments string // YAML seed file
}

type Config struct {
	API     API
	Storage Storage
	Ledger  Ledger
	Feed    Feed
	Verbose bool
}

func Default() Config {
	return Config{
		API: API{
			Addr:             ":8080",
			CORSOrigins:      []string{"*"},
			SubscriberBuffer: 256,
		},
		Storage: Storage{
			DBPath:      "data/ledger.db",
			JournalPath: "data/fills.jsonl",
			LogFile:     "data/node.log",
		},
		Ledger: Ledger{
			DefaultBalance: decimal.NewFromInt(10000),
		},
		Feed: Feed{
			Enabled:    false,
			Interval:   500 * time.Millisecond,
			MaxMoveBps: 50,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v, ok := os.LookupEnv("DB_PATH"); ok {
		cfg.Storage.DBPath = v
	}
	if v, ok := os.LookupEnv("JOURNAL_FILE"); ok {
		cfg.Storage.JournalPath = v
	}
	cfg.Storage.LogFile = getEnv("LOG_FILE", cfg.Storage.LogFile)
	cfg.Feed.Instruments = getEnv("INSTRUMENTS_FILE", cfg.Feed.Instruments)

	if v := os.Getenv("DEFAULT_BALANCE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			return cfg, fmt.Errorf("DEFAULT_BALANCE: invalid amount %q", v)
		}
		cfg.Ledger.DefaultBalance = d
	}

	if v := os.Getenv("ENABLE_QUOTE_FEED"); v != "" {
		cfg.Feed.Enabled = v == "true"
	}
	if v := os.Getenv("QUOTE_FEED_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return cfg, fmt.Errorf("QUOTE_FEED_INTERVAL_MS: invalid value %q", v)
		}
		cfg.Feed.Interval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("QUOTE_FEED_MAX_MOVE_BPS"); v != "" {
		bps, err := strconv.ParseInt(v, 10, 64)
		if err != nil || bps <= 0 || bps >= 10000 {
			return cfg, fmt.Errorf("QUOTE_FEED_MAX_MOVE_BPS: invalid value %q", v)
		}
		cfg.Feed.MaxMoveBps = bps
	}
	if v := os.Getenv("SUBSCRIBER_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("SUBSCRIBER_BUFFER: invalid value %q", v)
		}
		cfg.API.SubscriberBuffer = n
	}

	// Example: "http://localhost:3000,https://app.example.com"
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.API.CORSOrigins = origins
	}

	if v := os.Getenv("VERBOSE"); v != "" {
		cfg.Verbose = v == "true"
	}

	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Instrument is one entry of the seed file
type Instrument struct {
	ID    string
	Price decimal.Decimal
}

type instrumentsFile struct {
	Instruments []struct {
		ID    string `yaml:"id"`
		Price string `yaml:"price"`
	} `yaml:"instruments"`
}

// DefaultInstruments is used when no seed file is configured
func DefaultInstruments() []Instrument {
	return []Instrument{
		{ID: "ACME", Price: decimal.NewFromInt(100)},
		{ID: "GLOBEX", Price: decimal.RequireFromString("42.50")},
		{ID: "INITECH", Price: decimal.RequireFromString("17.25")},
		{ID: "UMBRELLA", Price: decimal.RequireFromString("230.10")},
	}
}

// LoadInstruments reads the seed file. Example:
//
//	instruments:
//	  - id: ACME
//	    price: "100.00"
func LoadInstruments(path string) ([]Instrument, error) {
	if path == "" {
		return DefaultInstruments(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file: %w", err)
	}
	return ParseInstruments(data)
}

// ParseInstruments decodes the YAML seed format
func ParseInstruments(data []byte) ([]Instrument, error) {
	var f instrumentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse instruments: %w", err)
	}

	seen := make(map[string]bool, len(f.Instruments))
	out := make([]Instrument, 0, len(f.Instruments))
	for i, in := range f.Instruments {
		id := strings.TrimSpace(in.ID)
		if id == "" {
			return nil, fmt.Errorf("instrument %d: missing id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("instrument %s: duplicate id", id)
		}
		seen[id] = true
		price, err := decimal.NewFromString(in.Price)
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("instrument %s: invalid price %q", id, in.Price)
		}
		out = append(out, Instrument{ID: id, Price: price})
	}
	return out, nil
}
