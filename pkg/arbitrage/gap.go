package arbitrage

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/gaparb/pkg/models"
)

// ErrMissingQuote is returned when a price set lacks one of an opportunity's legs.
var ErrMissingQuote = errors.New("missing quote")

// DefaultMinVolume is the quote volume a price must exceed to be considered.
var DefaultMinVolume = decimal.NewFromInt(10)

// MarketLookup resolves the metadata, and so the fees, of a symbol on an exchange.
type MarketLookup interface {
	Market(exchangeName, symbol string) (models.Market, error)
}

// Evaluator finds the best cross-exchange spread in a set of quotes.
type Evaluator struct {
	markets   MarketLookup
	minVolume decimal.Decimal
}

func NewEvaluator(markets MarketLookup, minVolume decimal.Decimal) *Evaluator {
	return &Evaluator{markets: markets, minVolume: minVolume}
}

// Evaluate returns the opportunity formed by selling at the highest bid and
// buying at the lowest ask on another exchange, or nil when no such pair
// exists. The result may have a negative gain; the caller decides whether it
// is worth opening. prices is not modified.
func (e *Evaluator) Evaluate(prices []models.PriceQuote, ticket models.Ticket, investment decimal.Decimal) (*models.Opportunity, error) {
	liquid := make([]models.PriceQuote, 0, len(prices))
	for _, p := range prices {
		if p.Volume.GreaterThan(e.minVolume) {
			liquid = append(liquid, p)
		}
	}

	bestBid, ok := maxBid(liquid)
	if !ok {
		return nil, nil
	}

	others := make([]models.PriceQuote, 0, len(liquid))
	for _, p := range liquid {
		if p.ExchangeName != bestBid.ExchangeName {
			others = append(others, p)
		}
	}
	bestAsk, ok := minAsk(others)
	if !ok {
		return nil, nil
	}
	if bestAsk.Ask.IsZero() {
		return nil, nil
	}

	buyCost, err := e.legCost(bestAsk.ExchangeName, ticket.Symbol, investment)
	if err != nil {
		return nil, err
	}
	sellCost, err := e.legCost(bestBid.ExchangeName, ticket.Symbol, investment)
	if err != nil {
		return nil, err
	}
	cost := buyCost.Add(sellCost)
	gap := Gap(bestBid, bestAsk, investment)

	return &models.Opportunity{
		ID:         models.OpportunityID(ticket.Symbol, bestAsk.ExchangeName, bestBid.ExchangeName),
		Investment: investment,
		Ticket: models.Ticket{
			Symbol:    ticket.Symbol,
			Exchanges: append([]string(nil), ticket.Exchanges...),
		},
		BestAsk: bestAsk,
		BestBid: bestBid,
		Gap:     gap,
		Cost:    cost,
		Gain:    gap.Sub(cost),
	}, nil
}

func (e *Evaluator) legCost(exchangeName, symbol string, investment decimal.Decimal) (decimal.Decimal, error) {
	market, err := e.markets.Market(exchangeName, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fees for %s on %s: %w", symbol, exchangeName, err)
	}
	return market.Fee().Mul(investment), nil
}

// Gap is the value of selling investment at bid.Bid less buying it at ask.Ask.
func Gap(bid, ask models.PriceQuote, investment decimal.Decimal) decimal.Decimal {
	return bid.Bid.Mul(investment).Sub(ask.Ask.Mul(investment))
}

// Reprice recomputes an opportunity against fresh quotes from the two
// exchanges it was opened on, never re-selecting the pair.
func Reprice(prices []models.PriceQuote, o models.Opportunity) (models.Opportunity, error) {
	ask, ok := findQuote(prices, o.BestAsk.ExchangeName)
	if !ok {
		return o, fmt.Errorf("%w: %s on %s", ErrMissingQuote, o.Ticket.Symbol, o.BestAsk.ExchangeName)
	}
	bid, ok := findQuote(prices, o.BestBid.ExchangeName)
	if !ok {
		return o, fmt.Errorf("%w: %s on %s", ErrMissingQuote, o.Ticket.Symbol, o.BestBid.ExchangeName)
	}

	next := o.Clone()
	next.BestAsk = ask
	next.BestBid = bid
	next.Gap = Gap(bid, ask, o.Investment)
	next.Gain = next.Gap.Sub(o.Cost)
	return next, nil
}

func maxBid(prices []models.PriceQuote) (models.PriceQuote, bool) {
	if len(prices) == 0 {
		return models.PriceQuote{}, false
	}
	best := prices[0]
	for _, p := range prices[1:] {
		if p.Bid.GreaterThan(best.Bid) {
			best = p
		}
	}
	return best, true
}

func minAsk(prices []models.PriceQuote) (models.PriceQuote, bool) {
	if len(prices) == 0 {
		return models.PriceQuote{}, false
	}
	best := prices[0]
	for _, p := range prices[1:] {
		if p.Ask.LessThan(best.Ask) {
			best = p
		}
	}
	return best, true
}

func findQuote(prices []models.PriceQuote, exchangeName string) (models.PriceQuote, bool) {
	for _, p := range prices {
		if p.ExchangeName == exchangeName {
			return p, true
		}
	}
	return models.PriceQuote{}, false
}
