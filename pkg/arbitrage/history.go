package arbitrage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/gaparb/pkg/models"
)

// CandleFetcher returns candlestick history for a symbol on one exchange.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, exchangeName, symbol string, interval time.Duration, since time.Time) ([]models.Candle, error)
}

// HistoryValidator accepts an opportunity only if the spread between its two
// exchanges has recently closed below the close threshold.
type HistoryValidator struct {
	candles        CandleFetcher
	closeThreshold decimal.Decimal
	window         time.Duration
	interval       time.Duration
	logger         *logrus.Logger
	now            func() time.Time
}

func NewHistoryValidator(candles CandleFetcher, closeThreshold decimal.Decimal, window, interval time.Duration, logger *logrus.Logger) *HistoryValidator {
	return &HistoryValidator{
		candles:        candles,
		closeThreshold: closeThreshold,
		window:         window,
		interval:       interval,
		logger:         logger,
		now:            time.Now,
	}
}

func (h *HistoryValidator) Validate(ctx context.Context, o models.Opportunity) (bool, error) {
	since := h.now().Add(-h.window)
	symbol := o.Ticket.Symbol

	var short, long []models.Candle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		short, err = h.candles.FetchCandles(gctx, o.BestAsk.ExchangeName, symbol, h.interval, since)
		return err
	})
	g.Go(func() error {
		var err error
		long, err = h.candles.FetchCandles(gctx, o.BestBid.ExchangeName, symbol, h.interval, since)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}

	// Exchanges return different history depths; align on the most recent candles.
	if len(short) > len(long) {
		short = short[len(short)-len(long):]
	}
	if len(long) > len(short) {
		long = long[len(long)-len(short):]
	}

	for i := range short {
		gap := short[i].Close.Sub(long[i].Close).Abs().Mul(o.Investment)
		if gap.LessThan(h.closeThreshold) {
			return true, nil
		}
	}

	h.logger.WithFields(logrus.Fields{
		"type":           "gap-never-closes",
		"opportunity":    o.ID,
		"candles":        len(short),
		"closeThreshold": h.closeThreshold.String(),
	}).Info("Gap has not been closing below the close threshold")
	return false, nil
}
