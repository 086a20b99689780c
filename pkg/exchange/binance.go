package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/gaparb/pkg/models"
)

const binanceBaseURL = "https://api.binance.com"

// Binance reads market data from the Binance spot REST API. Fee rates are
// account specific there, so the configured defaults are used.
type Binance struct {
	*baseClient
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

type binanceTicker struct {
	Symbol      string `json:"symbol" validate:"required"`
	BidPrice    string `json:"bidPrice" validate:"required,numeric"`
	AskPrice    string `json:"askPrice" validate:"required,numeric"`
	QuoteVolume string `json:"quoteVolume" validate:"required,numeric"`
	CloseTime   int64  `json:"closeTime"`
}

func NewBinance(settings Settings, logger *logrus.Logger) *Binance {
	return &Binance{baseClient: newBaseClient("binance", binanceBaseURL, settings, logger)}
}

func (b *Binance) LoadMarkets(ctx context.Context) error {
	var info binanceExchangeInfo
	if err := b.getJSON(ctx, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return err
	}

	markets := make([]models.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.BaseAsset == "" || s.QuoteAsset == "" {
			continue
		}
		markets = append(markets, models.Market{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			ID:     s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Taker:  b.settings.DefaultTaker,
			Maker:  b.settings.DefaultMaker,
			Active: true,
		})
	}
	b.setMarkets(markets)
	return nil
}

func (b *Binance) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	id, err := b.nativeID(symbol)
	if err != nil {
		return nil, err
	}

	var t binanceTicker
	if err := b.getJSON(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {id}}, &t); err != nil {
		return nil, err
	}
	if err := b.validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("binance: invalid ticker for %s: %w", symbol, err)
	}

	bid, err := parseDecimal(t.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("binance: bid: %w", err)
	}
	ask, err := parseDecimal(t.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("binance: ask: %w", err)
	}
	volume, err := parseDecimal(t.QuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("binance: quote volume: %w", err)
	}

	ts := time.Now()
	if t.CloseTime > 0 {
		ts = time.UnixMilli(t.CloseTime)
	}
	return &models.Ticker{
		Symbol:      symbol,
		Bid:         bid,
		Ask:         ask,
		QuoteVolume: volume,
		Timestamp:   ts,
	}, nil
}

func (b *Binance) FetchOHLCV(ctx context.Context, symbol string, interval time.Duration, since time.Time) ([]models.Candle, error) {
	id, err := b.nativeID(symbol)
	if err != nil {
		return nil, err
	}
	code, err := binanceInterval(interval)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"symbol":    {id},
		"interval":  {code},
		"startTime": {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	var rows [][]interface{}
	if err := b.getJSON(ctx, "/api/v3/klines", query, &rows); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseBinanceKline(row)
		if err != nil {
			return nil, fmt.Errorf("binance: kline for %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseBinanceKline decodes [openTime, open, high, low, close, volume, ...].
func parseBinanceKline(row []interface{}) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("short kline row of %d fields", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return models.Candle{}, fmt.Errorf("open time is %T", row[0])
	}

	var values [5]decimal.Decimal
	for i := range values {
		s, ok := row[i+1].(string)
		if !ok {
			return models.Candle{}, fmt.Errorf("field %d is %T", i+1, row[i+1])
		}
		v, err := parseDecimal(s)
		if err != nil {
			return models.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		values[i] = v
	}

	return models.Candle{
		Timestamp: time.UnixMilli(int64(openTime)).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

func binanceInterval(interval time.Duration) (string, error) {
	switch interval {
	case time.Minute:
		return "1m", nil
	case 3 * time.Minute:
		return "3m", nil
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1h", nil
	case 4 * time.Hour:
		return "4h", nil
	case 24 * time.Hour:
		return "1d", nil
	}
	return "", fmt.Errorf("binance: unsupported kline interval %s", interval)
}
