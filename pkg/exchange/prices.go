package exchange

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/gaparb/internal/retry"
	"github.com/gregtusar/gaparb/pkg/models"
)

// Fetcher wraps a Registry with the retry policy applied to every provider call.
type Fetcher struct {
	registry *Registry
	retries  int
}

func NewFetcher(registry *Registry, retries int) *Fetcher {
	return &Fetcher{registry: registry, retries: retries}
}

func (f *Fetcher) Registry() *Registry {
	return f.registry
}

// FetchPrices fetches the current quote for ticket from each of its exchanges
// in parallel. Any exchange failing after retries fails the whole fetch.
func (f *Fetcher) FetchPrices(ctx context.Context, ticket models.Ticket) ([]models.PriceQuote, error) {
	quotes := make([]models.PriceQuote, len(ticket.Exchanges))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range ticket.Exchanges {
		i, name := i, name
		g.Go(func() error {
			p, err := f.registry.Get(name)
			if err != nil {
				return err
			}
			ticker, err := retry.Do(ctx, f.retries, func(ctx context.Context) (*models.Ticker, error) {
				return p.FetchTicker(ctx, ticket.Symbol)
			})
			if err != nil {
				return fmt.Errorf("fetch ticker %s on %s: %w", ticket.Symbol, name, err)
			}
			quotes[i] = models.PriceQuote{
				ExchangeName: name,
				Bid:          ticker.Bid,
				Ask:          ticker.Ask,
				Volume:       ticker.QuoteVolume,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

// FetchCandles fetches candlestick history for symbol on one exchange.
func (f *Fetcher) FetchCandles(ctx context.Context, exchangeName, symbol string, interval time.Duration, since time.Time) ([]models.Candle, error) {
	p, err := f.registry.Get(exchangeName)
	if err != nil {
		return nil, err
	}
	candles, err := retry.Do(ctx, f.retries, func(ctx context.Context) ([]models.Candle, error) {
		return p.FetchOHLCV(ctx, symbol, interval, since)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s on %s: %w", symbol, exchangeName, err)
	}
	return candles, nil
}

// LoadMarkets loads market metadata for one exchange.
func (f *Fetcher) LoadMarkets(ctx context.Context, exchangeName string) error {
	p, err := f.registry.Get(exchangeName)
	if err != nil {
		return err
	}
	return retry.Run(ctx, f.retries, p.LoadMarkets)
}
