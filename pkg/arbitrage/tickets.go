package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/gaparb/pkg/exchange"
	"github.com/gregtusar/gaparb/pkg/models"
)

// ErrNotEnoughExchanges is returned when fewer than two exchanges could load
// their markets.
var ErrNotEnoughExchanges = errors.New("not enough exchanges")

// MarketLoader loads market metadata for the exchanges in a registry.
type MarketLoader interface {
	Registry() *exchange.Registry
	LoadMarkets(ctx context.Context, exchangeName string) error
}

// PrepareTickets loads the markets of every exchange and returns, in symbol
// order, the instruments listed on at least two of them. Exchanges that fail
// to load are dropped from the registry. When quotes is non-empty only
// symbols whose quote currency is in it are kept.
func PrepareTickets(ctx context.Context, loader MarketLoader, exchanges, quotes []string, logger *logrus.Logger) ([]models.Ticket, error) {
	registry := loader.Registry()

	var (
		mu        sync.Mutex
		surviving []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range exchanges {
		name := name
		g.Go(func() error {
			if err := loader.LoadMarkets(gctx, name); err != nil {
				logger.WithError(err).WithField("exchange", name).Error("Failed to load markets, dropping exchange")
				registry.Remove(name)
				return nil
			}
			mu.Lock()
			surviving = append(surviving, name)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Strings(surviving)
	if len(surviving) < 2 {
		return nil, fmt.Errorf("%w: %v", ErrNotEnoughExchanges, surviving)
	}

	allowed := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		allowed[q] = true
	}

	listedOn := make(map[string][]string)
	for _, name := range surviving {
		p, err := registry.Get(name)
		if err != nil {
			return nil, err
		}
		for symbol, market := range p.Markets() {
			if len(allowed) > 0 && !allowed[market.Quote] {
				continue
			}
			listedOn[symbol] = append(listedOn[symbol], name)
		}
	}

	symbols := make([]string, 0, len(listedOn))
	for symbol, names := range listedOn {
		if len(names) >= 2 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	tickets := make([]models.Ticket, 0, len(symbols))
	for _, symbol := range symbols {
		names := listedOn[symbol]
		sort.Strings(names)
		tickets = append(tickets, models.Ticket{Symbol: symbol, Exchanges: names})
	}

	logger.WithFields(logrus.Fields{
		"type":        "start",
		"exchanges":   surviving,
		"tickets":     symbols,
		"ticketCount": len(tickets),
	}).Info("Prepared tickets")

	return tickets, nil
}
