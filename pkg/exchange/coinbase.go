package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/gaparb/pkg/models"
)

const coinbaseBaseURL = "https://api.coinbase.com"

// CoinbaseConfig configures the Coinbase Advanced Trade provider. The API key
// is optional: without it the configured default fees are used.
type CoinbaseConfig struct {
	Settings
	APIKeyName    string
	PrivateKeyPEM string
}

// Coinbase reads market data from the Coinbase Advanced Trade public endpoints.
type Coinbase struct {
	*baseClient
}

type coinbaseProduct struct {
	ProductID       string `json:"product_id" validate:"required"`
	Price           string `json:"price"`
	Volume24h       string `json:"volume_24h"`
	BaseCurrencyID  string `json:"base_currency_id"`
	QuoteCurrencyID string `json:"quote_currency_id"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
	ProductType     string `json:"product_type"`
}

type coinbaseProducts struct {
	Products []coinbaseProduct `json:"products"`
}

type coinbaseTicker struct {
	BestBid string `json:"best_bid" validate:"required,numeric"`
	BestAsk string `json:"best_ask" validate:"required,numeric"`
}

type coinbaseCandle struct {
	Start  string `json:"start" validate:"required,numeric"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close" validate:"required,numeric"`
	Volume string `json:"volume"`
}

type coinbaseCandles struct {
	Candles []coinbaseCandle `json:"candles"`
}

type coinbaseTransactionSummary struct {
	FeeTier struct {
		TakerFeeRate string `json:"taker_fee_rate"`
		MakerFeeRate string `json:"maker_fee_rate"`
	} `json:"fee_tier"`
}

func NewCoinbase(cfg CoinbaseConfig, logger *logrus.Logger) (*Coinbase, error) {
	c := &Coinbase{baseClient: newBaseClient("coinbase", coinbaseBaseURL, cfg.Settings, logger)}

	if cfg.APIKeyName != "" && cfg.PrivateKeyPEM != "" {
		signer, err := NewCoinbaseSigner(cfg.APIKeyName, cfg.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		c.auth = signer
	}
	return c, nil
}

func (c *Coinbase) LoadMarkets(ctx context.Context) error {
	var resp coinbaseProducts
	query := url.Values{"product_type": {"SPOT"}}
	if err := c.getJSON(ctx, "/api/v3/brokerage/market/products", query, &resp); err != nil {
		return err
	}

	taker, maker := c.settings.DefaultTaker, c.settings.DefaultMaker
	if c.auth != nil {
		var summary coinbaseTransactionSummary
		if err := c.getJSON(ctx, "/api/v3/brokerage/transaction_summary", nil, &summary); err != nil {
			c.logger.WithError(err).WithField("exchange", c.name).Warn("Failed to load fee tier, using default fees")
		} else {
			if v, err := parseDecimal(summary.FeeTier.TakerFeeRate); err == nil && v.IsPositive() {
				taker = v
			}
			if v, err := parseDecimal(summary.FeeTier.MakerFeeRate); err == nil && v.IsPositive() {
				maker = v
			}
		}
	}

	markets := make([]models.Market, 0, len(resp.Products))
	for _, p := range resp.Products {
		if p.BaseCurrencyID == "" || p.QuoteCurrencyID == "" {
			continue
		}
		if p.TradingDisabled || !strings.EqualFold(p.Status, "online") {
			continue
		}
		markets = append(markets, models.Market{
			Symbol: p.BaseCurrencyID + "/" + p.QuoteCurrencyID,
			ID:     p.ProductID,
			Base:   p.BaseCurrencyID,
			Quote:  p.QuoteCurrencyID,
			Taker:  taker,
			Maker:  maker,
			Active: true,
		})
	}
	c.setMarkets(markets)
	return nil
}

func (c *Coinbase) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	id, err := c.nativeID(symbol)
	if err != nil {
		return nil, err
	}

	var book coinbaseTicker
	if err := c.getJSON(ctx, "/api/v3/brokerage/market/products/"+id+"/ticker", url.Values{"limit": {"1"}}, &book); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(&book); err != nil {
		return nil, fmt.Errorf("coinbase: invalid ticker for %s: %w", symbol, err)
	}

	var product coinbaseProduct
	if err := c.getJSON(ctx, "/api/v3/brokerage/market/products/"+id, nil, &product); err != nil {
		return nil, err
	}

	bid, err := parseDecimal(book.BestBid)
	if err != nil {
		return nil, fmt.Errorf("coinbase: bid: %w", err)
	}
	ask, err := parseDecimal(book.BestAsk)
	if err != nil {
		return nil, fmt.Errorf("coinbase: ask: %w", err)
	}
	price, err := parseDecimal(product.Price)
	if err != nil {
		return nil, fmt.Errorf("coinbase: price: %w", err)
	}
	baseVolume, err := parseDecimal(product.Volume24h)
	if err != nil {
		return nil, fmt.Errorf("coinbase: volume: %w", err)
	}

	return &models.Ticker{
		Symbol:      symbol,
		Bid:         bid,
		Ask:         ask,
		QuoteVolume: baseVolume.Mul(price),
		Timestamp:   time.Now(),
	}, nil
}

func (c *Coinbase) FetchOHLCV(ctx context.Context, symbol string, interval time.Duration, since time.Time) ([]models.Candle, error) {
	id, err := c.nativeID(symbol)
	if err != nil {
		return nil, err
	}
	granularity, err := coinbaseGranularity(interval)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"start":       {strconv.FormatInt(since.Unix(), 10)},
		"end":         {strconv.FormatInt(time.Now().Unix(), 10)},
		"granularity": {granularity},
	}
	var resp coinbaseCandles
	if err := c.getJSON(ctx, "/api/v3/brokerage/market/products/"+id+"/candles", query, &resp); err != nil {
		return nil, err
	}

	// Coinbase returns the newest candle first.
	candles := make([]models.Candle, 0, len(resp.Candles))
	for i := len(resp.Candles) - 1; i >= 0; i-- {
		raw := resp.Candles[i]
		if err := c.validate.Struct(&raw); err != nil {
			return nil, fmt.Errorf("coinbase: invalid candle for %s: %w", symbol, err)
		}
		candle, err := parseCoinbaseCandle(raw)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseCoinbaseCandle(raw coinbaseCandle) (models.Candle, error) {
	start, err := strconv.ParseInt(raw.Start, 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("coinbase: candle start: %w", err)
	}
	var candle models.Candle
	candle.Timestamp = time.Unix(start, 0).UTC()
	if candle.Open, err = parseDecimal(raw.Open); err != nil {
		return models.Candle{}, fmt.Errorf("coinbase: candle open: %w", err)
	}
	if candle.High, err = parseDecimal(raw.High); err != nil {
		return models.Candle{}, fmt.Errorf("coinbase: candle high: %w", err)
	}
	if candle.Low, err = parseDecimal(raw.Low); err != nil {
		return models.Candle{}, fmt.Errorf("coinbase: candle low: %w", err)
	}
	if candle.Close, err = parseDecimal(raw.Close); err != nil {
		return models.Candle{}, fmt.Errorf("coinbase: candle close: %w", err)
	}
	if candle.Volume, err = parseDecimal(raw.Volume); err != nil {
		return models.Candle{}, fmt.Errorf("coinbase: candle volume: %w", err)
	}
	return candle, nil
}

func coinbaseGranularity(interval time.Duration) (string, error) {
	switch interval {
	case time.Minute:
		return "ONE_MINUTE", nil
	case 5 * time.Minute:
		return "FIVE_MINUTE", nil
	case 15 * time.Minute:
		return "FIFTEEN_MINUTE", nil
	case 30 * time.Minute:
		return "THIRTY_MINUTE", nil
	case time.Hour:
		return "ONE_HOUR", nil
	case 2 * time.Hour:
		return "TWO_HOUR", nil
	case 6 * time.Hour:
		return "SIX_HOUR", nil
	case 24 * time.Hour:
		return "ONE_DAY", nil
	}
	return "", fmt.Errorf("coinbase: unsupported candle interval %s", interval)
}
