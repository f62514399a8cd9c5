package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"arbwatch/internal/arbitrage"
	"arbwatch/internal/config"
	"arbwatch/internal/database"
	"arbwatch/internal/exchange"
	"arbwatch/internal/jobs"
	"arbwatch/internal/logging"
	"arbwatch/internal/notify"
	"arbwatch/internal/queue"
	"arbwatch/internal/sampler"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	v        *viper.Viper
	cfg      config.Config
	logger   *slog.Logger
	repo     *database.PostgresRepository
	rdb      *redis.Client
	settings *config.WatchedProvider
}

func newApp(ctx context.Context, configPath string, fs *pflag.FlagSet, keys map[string]string) (*app, error) {
	v, cfg, err := config.LoadConfigWithFlags(configPath, fs, keys)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	repo, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{
		v:        v,
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		settings: config.NewWatchedProvider(v, cfg, logger),
	}

	if cfg.Redis.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.repo.Close()
}

func (a *app) exchangeOptions() exchange.OptionsSource {
	return exchange.SettingsOptions(a.settings, exchange.OptionsFromSettings(config.SettingsFromConfig(a.cfg)))
}

// notifier returns the alert notifier; its sender is nil when Telegram is not
// configured.
func (a *app) notifier() *notify.AlertNotifier {
	var sender notify.Sender
	tg, err := notify.NewTelegramSender(a.cfg.Telegram)
	switch {
	case err == nil:
		sender = tg
	case errors.Is(err, notify.ErrNotConfigured):
		a.logger.Warn("Telegram not configured, alerts will not be sent")
	default:
		a.logger.Error("Invalid telegram configuration", "error", err)
	}
	return notify.NewAlertNotifier(sender, a.repo, a.logger)
}

func (a *app) queue() (queue.Queue, error) {
	return queue.New(a.cfg, a.rdb, a.logger)
}

// orchestrator wires the sampling and analysis pipeline. publisher may be
// nil.
func (a *app) orchestrator(ctx context.Context, q queue.Queue, publisher arbitrage.Publisher) *jobs.Orchestrator {
	opts := a.exchangeOptions()
	engine := arbitrage.NewEngine(a.logger, a.repo, arbitrage.NewExchangeVolumeSource(opts, a.logger))
	if publisher != nil {
		engine.WithPublisher(publisher)
	}

	return jobs.NewOrchestrator(a.logger, jobs.Deps{
		Store:    a.repo,
		Queue:    q,
		Settings: a.settings,
		Sampler:  sampler.New(a.logger, a.repo, sampler.RegistryFactory(opts, a.logger)),
		Analyzer: engine,
		Notifier: a.notifier(),
	}, a.cfg.Jobs)
}
