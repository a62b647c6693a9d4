package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("DB_PATH", "")
	t.Setenv("DEFAULT_BALANCE", "2500.50")
	t.Setenv("ENABLE_QUOTE_FEED", "true")
	t.Setenv("QUOTE_FEED_INTERVAL_MS", "100")
	t.Setenv("SUBSCRIBER_BUFFER", "8")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, "", cfg.Storage.DBPath)
	assert.True(t, cfg.Ledger.DefaultBalance.Equal(decimal.RequireFromString("2500.50")))
	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, 100*time.Millisecond, cfg.Feed.Interval)
	assert.Equal(t, 8, cfg.API.SubscriberBuffer)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.API.CORSOrigins)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("QUOTE_FEED_MAX_MOVE_BPS=25\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("QUOTE_FEED_MAX_MOVE_BPS") })

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.Feed.MaxMoveBps)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("DEFAULT_BALANCE", "-5")
	_, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestParseInstruments(t *testing.T) {
	got, err := ParseInstruments([]byte(`
instruments:
  - id: ACME
    price: "100.00"
  - id: GLOBEX
    price: 42.5
`))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ACME", got[0].ID)
	assert.True(t, got[1].Price.Equal(decimal.RequireFromString("42.5")))

	_, err = ParseInstruments([]byte("instruments:\n  - id: X\n    price: \"0\"\n"))
	assert.Error(t, err)

	_, err = ParseInstruments([]byte("instruments:\n  - id: X\n    price: 1\n  - id: X\n    price: 2\n"))
	assert.Error(t, err)
}

func TestLoadInstrumentsDefault(t *testing.T) {
	got, err := LoadInstruments("")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}
