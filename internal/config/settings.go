package config

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// VolumeFallback decides what happens when a venue's 24h volume is unknown.
type VolumeFallback string

const (
	// FailClosed discards the candidate.
	FailClosed VolumeFallback = "fail_closed"
	// FailOpen substitutes the minimum volume threshold.
	FailOpen VolumeFallback = "fail_open"
)

// Settings is the immutable snapshot read once at the start of a run and
// passed to every component taking part in it.
type Settings struct {
	MinProfitPercent   float64
	MinVolumeQuote     float64
	AlertCooldown      time.Duration
	FreshnessWindow    time.Duration
	ReferenceNotional  float64
	DefaultCommission  float64
	VolumeFallback     VolumeFallback
	ExchangeCommission map[string]float64

	Timeout          time.Duration
	ConnectTimeout   time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	KlineLimit       int
	AllowedIntervals []string

	NotificationsEnabled bool
}

// SettingsFromConfig builds a snapshot from a decoded Config.
func SettingsFromConfig(cfg Config) Settings {
	commissions := make(map[string]float64, len(cfg.Exchanges))
	for name, ex := range cfg.Exchanges {
		if ex.Commission != nil {
			commissions[strings.ToLower(name)] = *ex.Commission
		}
	}

	intervals := make([]string, len(cfg.Parser.AllowedIntervals))
	copy(intervals, cfg.Parser.AllowedIntervals)

	return Settings{
		MinProfitPercent:     cfg.Arbitrage.MinProfitPercent,
		MinVolumeQuote:       cfg.Arbitrage.MinVolumeQuote,
		AlertCooldown:        cfg.Arbitrage.AlertCooldown,
		FreshnessWindow:      cfg.Arbitrage.FreshnessWindow,
		ReferenceNotional:    cfg.Arbitrage.ReferenceNotional,
		DefaultCommission:    cfg.Arbitrage.DefaultCommission,
		VolumeFallback:       VolumeFallback(cfg.Arbitrage.VolumeFallback),
		ExchangeCommission:   commissions,
		Timeout:              cfg.Parser.Timeout,
		ConnectTimeout:       cfg.Parser.ConnectTimeout,
		RetryAttempts:        cfg.Parser.RetryAttempts,
		RetryDelay:           cfg.Parser.RetryDelay,
		KlineLimit:           cfg.Parser.KlineLimit,
		AllowedIntervals:     intervals,
		NotificationsEnabled: cfg.Notifications.Enabled,
	}
}

// IntervalAllowed reports whether interval is in the allow-list.
func (s Settings) IntervalAllowed(interval string) bool {
	for _, allowed := range s.AllowedIntervals {
		if allowed == interval {
			return true
		}
	}
	return false
}

// SettingsProvider hands out settings snapshots.
type SettingsProvider interface {
	Snapshot(ctx context.Context) (Settings, error)
}

// StaticProvider always returns the same snapshot.
type StaticProvider struct {
	Settings Settings
}

func (p StaticProvider) Snapshot(context.Context) (Settings, error) {
	return p.Settings, nil
}

// WatchedProvider serves the latest valid snapshot from a viper instance and
// reloads it whenever the config file changes. A change that fails validation
// is logged and ignored.
type WatchedProvider struct {
	current atomic.Pointer[Settings]
	logger  *slog.Logger
}

// NewWatchedProvider starts watching the config file behind v.
func NewWatchedProvider(v *viper.Viper, initial Config, logger *slog.Logger) *WatchedProvider {
	p := &WatchedProvider{logger: logger.With("component", "settings")}
	s := SettingsFromConfig(initial)
	p.current.Store(&s)

	if v.ConfigFileUsed() == "" {
		return p
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			p.logger.Error("Ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		next := SettingsFromConfig(cfg)
		p.current.Store(&next)
		p.logger.Info("Settings reloaded", "file", e.Name)
	})
	v.WatchConfig()
	return p
}

// Snapshot returns a copy of the current settings.
func (p *WatchedProvider) Snapshot(context.Context) (Settings, error) {
	s := *p.current.Load()
	commissions := make(map[string]float64, len(s.ExchangeCommission))
	for k, c := range s.ExchangeCommission {
		commissions[k] = c
	}
	s.ExchangeCommission = commissions
	s.AllowedIntervals = append([]string(nil), s.AllowedIntervals...)
	return s, nil
}
