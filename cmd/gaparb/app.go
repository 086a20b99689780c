package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/gaparb/internal/config"
	"github.com/gregtusar/gaparb/pkg/exchange"
	"github.com/gregtusar/gaparb/pkg/notify"
	"github.com/gregtusar/gaparb/pkg/store"
)

// app holds the configuration and logger shared by every command, plus the
// resources to release on exit.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	closers []io.Closer
}

func newApp(configPath string) (*app, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.configureLogger(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) configureLogger() error {
	logging := a.cfg.Logging
	if logging.Format == "text" {
		a.logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(logging.Level)
	if err != nil {
		a.logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	a.logger.SetLevel(level)

	if logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(logging.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logger.SetOutput(io.MultiWriter(os.Stderr, f))
		a.closers = append(a.closers, f)
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// fetcher builds the providers of the active exchanges.
func (a *app) fetcher() (*exchange.Fetcher, []string, error) {
	ex := a.cfg.Exchanges
	names := ex.ActiveExchanges(exchange.Supported())
	registry, err := exchange.NewRegistryFor(names, exchange.Options{
		Settings: exchange.Settings{
			DefaultTaker:    ex.TakerFee(),
			DefaultMaker:    ex.MakerFee(),
			RateLimitPerSec: ex.RateLimitPerSecond,
		},
		CoinbaseURL:           ex.Coinbase.BaseURL,
		CoinbaseAPIKeyName:    ex.Coinbase.APIKeyName,
		CoinbasePrivateKeyPEM: ex.Coinbase.PrivateKeyPEM,
		BinanceURL:            ex.Binance.BaseURL,
	}, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build exchanges: %w", err)
	}
	return exchange.NewFetcher(registry, a.cfg.Trading.Retries), names, nil
}

func (a *app) store(ctx context.Context) (*store.Store, error) {
	cfg := a.cfg.Store
	switch cfg.Backend {
	case "redis":
		backend, err := store.NewRedisBackend(ctx, store.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Key:        cfg.Redis.Key,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, backend)
		return store.New(backend, a.logger), nil
	default:
		return store.New(store.NewFileBackend(cfg.Path), a.logger), nil
	}
}

// notifier registers a sender for every configured channel, plus extra.
func (a *app) notifier(extra ...notify.Sender) *notify.Notifier {
	cfg := a.cfg.Notify
	var senders []notify.Sender
	if cfg.SlackWebhook != "" {
		senders = append(senders, notify.NewSlackSender(cfg.SlackWebhook))
	}
	if cfg.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhook))
	}
	if cfg.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	senders = append(senders, extra...)
	return notify.NewNotifier(cfg.Events, a.logger, senders...)
}
