package arbitrage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/gaparb/pkg/exchange"
	"github.com/gregtusar/gaparb/pkg/models"
)

func Test_PrepareTickets(t *testing.T) {
	tests := []struct {
		name              string
		providers         []*stubProvider
		exchanges         []string
		quotes            []string
		expected          []models.Ticket
		expectedErr       error
		expectedDropped   []string
		expectedRemaining []string
	}{
		{
			name: "Only symbols on two exchanges",
			providers: []*stubProvider{
				{name: "X", symbols: []string{"BTC/USDT"}},
				{name: "Y", symbols: []string{"BTC/USDT", "ETH/USDT"}},
			},
			exchanges: []string{"X", "Y"},
			expected:  []models.Ticket{{Symbol: "BTC/USDT", Exchanges: []string{"X", "Y"}}},
		},
		{
			name: "Sorted symbols and exchanges",
			providers: []*stubProvider{
				{name: "c", symbols: []string{"ETH/BTC", "LTC/BTC"}},
				{name: "a", symbols: []string{"LTC/BTC", "ETH/BTC"}},
				{name: "b", symbols: []string{"ETH/BTC"}},
			},
			exchanges: []string{"c", "b", "a"},
			expected: []models.Ticket{
				{Symbol: "ETH/BTC", Exchanges: []string{"a", "b", "c"}},
				{Symbol: "LTC/BTC", Exchanges: []string{"a", "c"}},
			},
		},
		{
			name: "Failing exchange is dropped",
			providers: []*stubProvider{
				{name: "X", symbols: []string{"BTC/USDT"}},
				{name: "Y", symbols: []string{"BTC/USDT"}},
				{name: "Z", symbols: []string{"BTC/USDT"}, loadErr: errors.New("maintenance")},
			},
			exchanges:         []string{"X", "Y", "Z"},
			expected:          []models.Ticket{{Symbol: "BTC/USDT", Exchanges: []string{"X", "Y"}}},
			expectedDropped:   []string{"Z"},
			expectedRemaining: []string{"X", "Y"},
		},
		{
			name: "Unregistered exchange is dropped",
			providers: []*stubProvider{
				{name: "X", symbols: []string{"BTC/USDT"}},
				{name: "Y", symbols: []string{"BTC/USDT"}},
			},
			exchanges:         []string{"X", "Y", "kraken"},
			expected:          []models.Ticket{{Symbol: "BTC/USDT", Exchanges: []string{"X", "Y"}}},
			expectedRemaining: []string{"X", "Y"},
		},
		{
			name: "Quote filter matches exactly",
			providers: []*stubProvider{
				{name: "X", symbols: []string{"BTC/USDT", "ETH/BTC", "ETH/BTCB"}},
				{name: "Y", symbols: []string{"BTC/USDT", "ETH/BTC", "ETH/BTCB"}},
			},
			exchanges: []string{"X", "Y"},
			quotes:    []string{"BTC"},
			expected:  []models.Ticket{{Symbol: "ETH/BTC", Exchanges: []string{"X", "Y"}}},
		},
		{
			name: "Quote filter with no matches",
			providers: []*stubProvider{
				{name: "X", symbols: []string{"BTC/USDT"}},
				{name: "Y", symbols: []string{"BTC/USDT"}},
			},
			exchanges: []string{"X", "Y"},
			quotes:    []string{"USD"},
			expected:  []models.Ticket{},
		},
		{
			name: "Fewer than two exchanges",
			providers: []*stubProvider{
				{name: "X", symbols: []string{"BTC/USDT"}},
				{name: "Y", symbols: []string{"BTC/USDT"}, loadErr: errors.New("down")},
			},
			exchanges:   []string{"X", "Y"},
			expectedErr: ErrNotEnoughExchanges,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := exchange.NewRegistry()
			for _, p := range tt.providers {
				registry.Register(p)
			}
			loader := exchange.NewFetcher(registry, 0)

			tickets, err := PrepareTickets(context.Background(), loader, tt.exchanges, tt.quotes, newTestLogger())
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tickets)

			for _, name := range tt.expectedDropped {
				_, err := registry.Get(name)
				assert.ErrorIs(t, err, exchange.ErrUnknownExchange)
			}
			if tt.expectedRemaining != nil {
				assert.Equal(t, tt.expectedRemaining, registry.Names())
			}
		})
	}
}

func Test_PrepareTickets_Cancelled(t *testing.T) {
	registry := exchange.NewRegistry(
		&stubProvider{name: "X", symbols: []string{"BTC/USDT"}},
		&stubProvider{name: "Y", symbols: []string{"BTC/USDT"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PrepareTickets(ctx, exchange.NewFetcher(registry, 0), []string{"X", "Y"}, nil, newTestLogger())
	assert.ErrorIs(t, err, context.Canceled)
}
