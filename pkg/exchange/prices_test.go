package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/gaparb/pkg/models"
)

// stubProvider is an in-memory Provider that fails a configurable number of calls
type stubProvider struct {
	name     string
	markets  map[string]models.Market
	ticker   models.Ticker
	candles  []models.Candle
	failures int

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Name() string                       { return s.name }
func (s *stubProvider) Markets() map[string]models.Market { return s.markets }

func (s *stubProvider) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("rate limited")
	}
	return nil
}

func (s *stubProvider) LoadMarkets(context.Context) error { return s.fail() }

func (s *stubProvider) FetchTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	t := s.ticker
	t.Symbol = symbol
	return &t, nil
}

func (s *stubProvider) FetchOHLCV(context.Context, string, time.Duration, time.Time) ([]models.Candle, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.candles, nil
}

func Test_Registry(t *testing.T) {
	a := &stubProvider{name: "a", markets: map[string]models.Market{"BTC/USDT": {Symbol: "BTC/USDT"}}}
	b := &stubProvider{name: "b"}
	r := NewRegistry(b, a)

	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err := r.Get("c")
	assert.ErrorIs(t, err, ErrUnknownExchange)

	m, err := r.Market("a", "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", m.Symbol)

	_, err = r.Market("a", "ETH/USDT")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	_, err = r.Market("b", "BTC/USDT")
	assert.ErrorIs(t, err, ErrMarketsNotLoaded)

	r.Remove("b")
	assert.Equal(t, []string{"a"}, r.Names())
}

func Test_Fetcher_FetchPrices(t *testing.T) {
	a := &stubProvider{name: "a", failures: 2, ticker: models.Ticker{
		Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101), QuoteVolume: decimal.NewFromInt(50),
	}}
	b := &stubProvider{name: "b", ticker: models.Ticker{
		Bid: decimal.NewFromInt(105), Ask: decimal.NewFromInt(106), QuoteVolume: decimal.NewFromInt(60),
	}}
	f := NewFetcher(NewRegistry(a, b), 3)

	quotes, err := f.FetchPrices(context.Background(), models.Ticket{Symbol: "BTC/USDT", Exchanges: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "a", quotes[0].ExchangeName, "Quotes keep the ticket's exchange order")
	assert.True(t, quotes[0].Bid.Equal(decimal.NewFromInt(100)))
	assert.True(t, quotes[1].Volume.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, 3, a.calls, "Should retry transient failures")
}

func Test_Fetcher_FetchPrices_Exhausted(t *testing.T) {
	a := &stubProvider{name: "a", failures: 100}
	b := &stubProvider{name: "b"}
	f := NewFetcher(NewRegistry(a, b), 3)

	_, err := f.FetchPrices(context.Background(), models.Ticket{Symbol: "BTC/USDT", Exchanges: []string{"a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, 4, a.calls)
}

func Test_Fetcher_FetchCandles(t *testing.T) {
	a := &stubProvider{name: "a", failures: 1, candles: []models.Candle{{Close: decimal.NewFromInt(1)}}}
	f := NewFetcher(NewRegistry(a), 3)

	candles, err := f.FetchCandles(context.Background(), "a", "BTC/USDT", 5*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Len(t, candles, 1)

	_, err = f.FetchCandles(context.Background(), "missing", "BTC/USDT", 5*time.Minute, time.Now())
	assert.ErrorIs(t, err, ErrUnknownExchange)
}

func Test_NewProvider(t *testing.T) {
	for _, name := range Supported() {
		p, err := NewProvider(name, Options{}, nil)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := NewProvider("kraken", Options{}, nil)
	assert.ErrorIs(t, err, ErrUnknownExchange)
}

func Test_NewRegistryFor_SkipsUnsupported(t *testing.T) {
	tests := []struct {
		name     string
		names    []string
		expected []string
	}{
		{
			name:     "Unsupported name dropped",
			names:    []string{"binance", "coinbase", "poloniex"},
			expected: []string{"binance", "coinbase"},
		},
		{
			name:     "Only unsupported names",
			names:    []string{"poloniex", "kraken"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegistryFor(tt.names, Options{}, logrus.New())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, r.Names())
		})
	}
}
