package exchange

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Options configures every supported provider. Settings are shared; the
// per-exchange fields override the base URL and credentials.
type Options struct {
	Settings
	CoinbaseURL           string
	CoinbaseAPIKeyName    string
	CoinbasePrivateKeyPEM string
	BinanceURL            string
}

// Supported lists the exchanges NewProvider can build.
func Supported() []string {
	return []string{"binance", "coinbase"}
}

func NewProvider(name string, opts Options, logger *logrus.Logger) (Provider, error) {
	switch name {
	case "coinbase":
		settings := opts.Settings
		settings.BaseURL = opts.CoinbaseURL
		return NewCoinbase(CoinbaseConfig{
			Settings:      settings,
			APIKeyName:    opts.CoinbaseAPIKeyName,
			PrivateKeyPEM: opts.CoinbasePrivateKeyPEM,
		}, logger)
	case "binance":
		settings := opts.Settings
		settings.BaseURL = opts.BinanceURL
		return NewBinance(settings, logger), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
}

// NewRegistryFor builds a registry holding a provider for each name.
// Unsupported names are skipped with a warning; ticket preparation decides
// whether enough exchanges remain.
func NewRegistryFor(names []string, opts Options, logger *logrus.Logger) (*Registry, error) {
	registry := NewRegistry()
	for _, name := range names {
		p, err := NewProvider(name, opts, logger)
		if errors.Is(err, ErrUnknownExchange) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"type":     "exchange",
					"exchange": name,
				}).Warn("Skipping unsupported exchange")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	return registry, nil
}
