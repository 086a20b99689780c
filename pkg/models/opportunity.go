package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticket is a symbol together with the exchanges known to list it.
type Ticket struct {
	Symbol    string   `json:"symbol"`
	Exchanges []string `json:"exchanges"`
}

// PriceQuote is one exchange's market for a ticket at the time of a poll.
type PriceQuote struct {
	ExchangeName string          `json:"exchangeName"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Volume       decimal.Decimal `json:"volume"`
}

// Opportunity is a paired position: short at BestBid's exchange, long at BestAsk's.
type Opportunity struct {
	ID         string              `json:"id"`
	Investment decimal.Decimal     `json:"investment"`
	Ticket     Ticket              `json:"ticket"`
	BestAsk    PriceQuote          `json:"bestAsk"`
	BestBid    PriceQuote          `json:"bestBid"`
	Gap        decimal.Decimal     `json:"gap"`
	Cost       decimal.Decimal     `json:"cost"`
	Gain       decimal.Decimal     `json:"gain"`
	OpenedAt   *time.Time          `json:"openedAt"`
	ClosedAt   *time.Time          `json:"closedAt"`
	CloseGap   decimal.NullDecimal `json:"closeGap"`
}

// OpportunityID derives the identity of a position from its symbol, the
// exchange it buys at (best ask) and the exchange it sells at (best bid).
func OpportunityID(symbol, askExchange, bidExchange string) string {
	return symbol + "-" + askExchange + "-" + bidExchange
}

// Age is the time elapsed since the position was opened, zero if it never was.
func (o *Opportunity) Age(now time.Time) time.Duration {
	if o.OpenedAt == nil {
		return 0
	}
	return now.Sub(*o.OpenedAt)
}

// Clone returns a copy that shares no mutable state with o.
func (o Opportunity) Clone() Opportunity {
	c := o
	c.Ticket.Exchanges = append([]string(nil), o.Ticket.Exchanges...)
	if o.OpenedAt != nil {
		t := *o.OpenedAt
		c.OpenedAt = &t
	}
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		c.ClosedAt = &t
	}
	return c
}
