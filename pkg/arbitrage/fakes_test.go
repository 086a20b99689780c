package arbitrage

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/gaparb/pkg/exchange"
	"github.com/gregtusar/gaparb/pkg/models"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// createQuote builds a liquid quote for exchange name
func createQuote(name string, bid, ask float64) models.PriceQuote {
	return models.PriceQuote{
		ExchangeName: name,
		Bid:          decimal.NewFromFloat(bid),
		Ask:          decimal.NewFromFloat(ask),
		Volume:       decimal.NewFromInt(1000),
	}
}

// feeTable is a MarketLookup with one fee rate per exchange
type feeTable map[string]decimal.Decimal

func (f feeTable) Market(exchangeName, symbol string) (models.Market, error) {
	fee, ok := f[exchangeName]
	if !ok {
		return models.Market{}, exchange.ErrUnknownExchange
	}
	return models.Market{Symbol: symbol, Exchange: exchangeName, Taker: fee, Maker: fee}, nil
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedPrices returns queued quote sets in order, repeating the last one
// once the queue is drained
type scriptedPrices struct {
	mu     sync.Mutex
	script [][]models.PriceQuote
	last   []models.PriceQuote
	err    error
	calls  int
}

func (s *scriptedPrices) FetchPrices(ctx context.Context, ticket models.Ticket) ([]models.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.script) > 0 {
		s.last = s.script[0]
		s.script = s.script[1:]
	}
	if s.last == nil {
		return nil, errors.New("no prices scripted")
	}
	return s.last, nil
}

func (s *scriptedPrices) push(quotes ...models.PriceQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, quotes)
}

// staticValidator accepts or rejects every opportunity
type staticValidator struct {
	accept bool
	err    error
	calls  int
}

func (v *staticValidator) Validate(context.Context, models.Opportunity) (bool, error) {
	v.calls++
	return v.accept, v.err
}

type notification struct {
	event       string
	opportunity models.Opportunity
}

// recordingNotifier keeps every notification it receives
type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) Notify(_ context.Context, event string, o models.Opportunity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{event: event, opportunity: o})
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.events...)
}

// stubProvider is an exchange.Provider with a fixed symbol list
type stubProvider struct {
	name    string
	symbols []string
	loadErr error
	markets map[string]models.Market
	candles []models.Candle
	mu      sync.Mutex
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) LoadMarkets(context.Context) error {
	if s.loadErr != nil {
		return s.loadErr
	}
	markets := make(map[string]models.Market, len(s.symbols))
	for _, symbol := range s.symbols {
		base, quote := splitSymbol(symbol)
		markets[symbol] = models.Market{Symbol: symbol, Base: base, Quote: quote, Exchange: s.name}
	}
	s.mu.Lock()
	s.markets = markets
	s.mu.Unlock()
	return nil
}

func (s *stubProvider) Markets() map[string]models.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets
}

func (s *stubProvider) FetchTicker(context.Context, string) (*models.Ticker, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) FetchOHLCV(context.Context, string, time.Duration, time.Time) ([]models.Candle, error) {
	return s.candles, nil
}

func splitSymbol(symbol string) (string, string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, ""
}
