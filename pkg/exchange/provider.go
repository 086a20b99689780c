// Package exchange connects the engine to exchange market data.
//
// A Provider exposes the subset of an exchange's public API the engine needs:
// market metadata (symbols and fee rates), the current best bid/ask and
// candlestick history. Symbols are always in the unified BASE/QUOTE form.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/gaparb/pkg/models"
)

var (
	ErrUnknownExchange  = errors.New("unknown exchange")
	ErrMarketsNotLoaded = errors.New("markets not loaded")
	ErrUnknownSymbol    = errors.New("unknown symbol")
)

// Provider is the market data collaborator for a single exchange.
type Provider interface {
	Name() string
	LoadMarkets(ctx context.Context) error
	Markets() map[string]models.Market
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol string, interval time.Duration, since time.Time) ([]models.Candle, error)
}

// Registry holds the providers available to the engine, keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Remove drops an exchange from the active set.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	return p, nil
}

// Names returns the registered exchange names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Market looks up the metadata of symbol on the named exchange.
func (r *Registry) Market(exchangeName, symbol string) (models.Market, error) {
	p, err := r.Get(exchangeName)
	if err != nil {
		return models.Market{}, err
	}
	markets := p.Markets()
	if markets == nil {
		return models.Market{}, fmt.Errorf("%w: %s", ErrMarketsNotLoaded, exchangeName)
	}
	m, ok := markets[symbol]
	if !ok {
		return models.Market{}, fmt.Errorf("%w: %s on %s", ErrUnknownSymbol, symbol, exchangeName)
	}
	return m, nil
}
