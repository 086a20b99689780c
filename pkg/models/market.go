package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is the metadata an exchange publishes for one tradable symbol.
// Symbol uses the unified BASE/QUOTE form regardless of the exchange's native id.
type Market struct {
	Symbol   string
	ID       string
	Base     string
	Quote    string
	Taker    decimal.Decimal
	Maker    decimal.Decimal
	Active   bool
	Exchange string
}

// Fee is the worst case rate paid on one leg.
func (m Market) Fee() decimal.Decimal {
	return decimal.Max(m.Taker, m.Maker)
}

type Ticker struct {
	Symbol      string
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	QuoteVolume decimal.Decimal
	Timestamp   time.Time
}

type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}
