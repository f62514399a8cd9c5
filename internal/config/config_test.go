package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	_, cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 2.0, cfg.Arbitrage.MinProfitPercent)
	assert.Equal(t, 10*time.Minute, cfg.Arbitrage.AlertCooldown)
	assert.Equal(t, 5*time.Minute, cfg.Arbitrage.FreshnessWindow)
	assert.Equal(t, 3, cfg.Parser.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Parser.RetryDelay)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 20, cfg.Jobs.SampleChunkSize)
	assert.Equal(t, 50, cfg.Jobs.AnalyzeChunkSize)
}

func TestLoadConfig_FileAndExchangeCommission(t *testing.T) {
	path := writeConfig(t, `
arbitrage:
  min_profit_percent: 1.5
  alert_cooldown: 15m
  volume_fallback: fail_open
exchanges:
  MEXC:
    commission: 0.002
  bybit: {}
`)
	_, cfg, err := LoadConfig(path)
	require.NoError(t, err)

	s := SettingsFromConfig(cfg)
	assert.Equal(t, 1.5, s.MinProfitPercent)
	assert.Equal(t, 15*time.Minute, s.AlertCooldown)
	assert.Equal(t, FailOpen, s.VolumeFallback)
	assert.Equal(t, map[string]float64{"mexc": 0.002}, s.ExchangeCommission)
	assert.True(t, s.IntervalAllowed("1h"))
	assert.False(t, s.IntervalAllowed("2h"))
}

func TestLoadConfig_ZeroDefaultCommission(t *testing.T) {
	_, cfg, err := LoadConfig(writeConfig(t, `
arbitrage:
  default_commission: 0
`))
	require.NoError(t, err)
	assert.Zero(t, SettingsFromConfig(cfg).DefaultCommission)

	_, cfg, err = LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0.001, SettingsFromConfig(cfg).DefaultCommission)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `
queue:
  driver: rabbit
`)
	_, _, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("ARBWATCH_ARBITRAGE_MIN_PROFIT_PERCENT", "4.25")
	t.Setenv("ARBWATCH_TELEGRAM_CHAT_ID", "12345")

	_, cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 4.25, cfg.Arbitrage.MinProfitPercent)
	assert.Equal(t, "12345", cfg.Telegram.ChatID)
}

func TestLoadConfigWithFlags(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
jobs:
  workers: 2
`)
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.String("addr", ":8080", "")
	fs.Int("workers", 4, "")
	require.NoError(t, fs.Parse([]string{"--workers", "8"}))

	_, cfg, err := LoadConfigWithFlags(path, fs, map[string]string{"addr": "server.addr", "workers": "jobs.workers"})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Jobs.Workers)

	_, _, err = LoadConfigWithFlags(path, fs, map[string]string{"missing": "server.addr"})
	assert.Error(t, err)
}

func TestWatchedProvider_SnapshotIsACopy(t *testing.T) {
	v, cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	cfg.Exchanges = map[string]ExchangeConfig{"mexc": {Commission: ptr(0.002)}}

	p := NewWatchedProvider(v, cfg, discardLogger())
	s1, err := p.Snapshot(t.Context())
	require.NoError(t, err)
	s1.ExchangeCommission["mexc"] = 0.5

	s2, err := p.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0.002, s2.ExchangeCommission["mexc"])
}

func ptr(f float64) *float64 { return &f }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
