// Package arbitrage detects cross-exchange spreads, opens paired positions on
// them and decides when to unwind each one.
package arbitrage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/gaparb/pkg/models"
	"github.com/gregtusar/gaparb/pkg/store"
)

const (
	EventOpen  = "open"
	EventClose = "close"
)

// PriceSource fetches the current quotes of a ticket on all its exchanges.
type PriceSource interface {
	FetchPrices(ctx context.Context, ticket models.Ticket) ([]models.PriceQuote, error)
}

// Validator decides whether a detected opportunity may be opened.
type Validator interface {
	Validate(ctx context.Context, o models.Opportunity) (bool, error)
}

// Notifier receives open and close events. Delivery problems are its own concern.
type Notifier interface {
	Notify(ctx context.Context, event string, o models.Opportunity)
}

type Config struct {
	Investment        decimal.Decimal
	OpenThreshold     decimal.Decimal
	CloseThreshold    decimal.Decimal
	CheckInterval     time.Duration
	OpenBackoffFactor int
	MinCloseInterval  time.Duration
	WaitForWidening   bool
	WideningTimeout   time.Duration
	MaxOpen           int
	EmergencyClose    time.Duration
	SpinLimit         time.Duration
}

func (c Config) strategyParams() StrategyParams {
	return StrategyParams{
		EmergencyClose: c.EmergencyClose,
		SpinLimit:      c.SpinLimit,
		CloseThreshold: c.CloseThreshold,
	}
}

// Engine runs the open loop, which finds and opens opportunities, and the
// close loop, which tracks open ones until their close strategy terminates.
// The store is the only state the two loops share.
type Engine struct {
	cfg       Config
	prices    PriceSource
	evaluator *Evaluator
	validator Validator
	store     *store.Store
	notifier  Notifier
	logger    *logrus.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// strategies is owned by the close loop.
	strategies map[string]CloseStrategy

	mu      sync.RWMutex
	tickets []models.Ticket
}

func NewEngine(cfg Config, prices PriceSource, evaluator *Evaluator, validator Validator, st *store.Store, notifier Notifier, logger *logrus.Logger) *Engine {
	if cfg.OpenBackoffFactor < 1 {
		cfg.OpenBackoffFactor = 1
	}
	if cfg.EmergencyClose <= 0 {
		cfg.EmergencyClose = DefaultEmergencyClose
	}
	if cfg.SpinLimit <= 0 {
		cfg.SpinLimit = DefaultSpinLimit
	}
	return &Engine{
		cfg:        cfg,
		prices:     prices,
		evaluator:  evaluator,
		validator:  validator,
		store:      st,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
		strategies: make(map[string]CloseStrategy),
	}
}

// Run starts both loops and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, tickets []models.Ticket) error {
	e.logger.WithFields(logrus.Fields{
		"tickets":       len(tickets),
		"opportunities": e.store.Len(),
	}).Info("Starting arbitrage engine")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.OpenLoop(ctx, tickets) })
	g.Go(func() error { return e.CloseLoop(ctx) })
	return g.Wait()
}

// Tickets returns the tickets the open loop is scanning.
func (e *Engine) Tickets() []models.Ticket {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Ticket(nil), e.tickets...)
}

// OpenLoop scans tickets for new opportunities until ctx is cancelled.
func (e *Engine) OpenLoop(ctx context.Context, tickets []models.Ticket) error {
	e.mu.Lock()
	e.tickets = append([]models.Ticket(nil), tickets...)
	e.mu.Unlock()

	for {
		if len(tickets) == 0 {
			if err := e.sleep(ctx, e.cfg.CheckInterval); err != nil {
				return err
			}
			continue
		}
		for _, ticket := range tickets {
			if e.cfg.MaxOpen <= 0 || e.store.Len() < e.cfg.MaxOpen {
				if err := e.tryOpen(ctx, ticket); err != nil && ctx.Err() == nil {
					e.logger.WithError(err).WithField("symbol", ticket.Symbol).Error("Open check failed")
				}
			}
			if err := e.sleep(ctx, e.openDelay()); err != nil {
				return err
			}
		}
	}
}

// openDelay lengthens the pause between tickets while positions are open so
// the close loop keeps its share of the provider budget.
func (e *Engine) openDelay() time.Duration {
	if e.store.Len() > 0 {
		return e.cfg.CheckInterval * time.Duration(e.cfg.OpenBackoffFactor)
	}
	return e.cfg.CheckInterval
}

func (e *Engine) tryOpen(ctx context.Context, ticket models.Ticket) error {
	prices, err := e.prices.FetchPrices(ctx, ticket)
	if err != nil {
		return err
	}
	candidate, err := e.evaluator.Evaluate(prices, ticket, e.cfg.Investment)
	if err != nil {
		return err
	}
	if candidate == nil {
		return nil
	}
	if candidate.Gain.LessThan(e.cfg.OpenThreshold) {
		return nil
	}
	if e.store.Has(candidate.ID) {
		return nil
	}

	ok, err := e.validator.Validate(ctx, *candidate)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	opportunity := *candidate
	if e.cfg.WaitForWidening {
		opportunity, err = e.waitForGapToWiden(ctx, opportunity)
		if err != nil {
			return err
		}
	}
	if opportunity.Gain.LessThan(e.cfg.OpenThreshold) {
		e.logger.WithFields(logrus.Fields{
			"opportunity": opportunity.ID,
			"gain":        opportunity.Gain.String(),
		}).Debug("Gain fell below open threshold while waiting")
		return nil
	}

	openedAt := e.now()
	opportunity.OpenedAt = &openedAt
	if err := e.store.Insert(ctx, opportunity); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		e.logger.WithError(err).WithField("opportunity", opportunity.ID).Error("Failed to persist opened opportunity")
	}
	e.notifier.Notify(ctx, EventOpen, opportunity)
	return nil
}

// waitForGapToWiden polls the opportunity's pair until the gap stops
// increasing and returns it repriced at the last sample.
func (e *Engine) waitForGapToWiden(ctx context.Context, o models.Opportunity) (models.Opportunity, error) {
	initial := o.Gap
	current := o
	started := e.now()

	for {
		if e.cfg.WideningTimeout > 0 && e.now().Sub(started) >= e.cfg.WideningTimeout {
			break
		}
		if err := e.sleep(ctx, e.cfg.CheckInterval); err != nil {
			return o, err
		}
		prices, err := e.prices.FetchPrices(ctx, o.Ticket)
		if err != nil {
			return o, err
		}
		next, err := Reprice(prices, current)
		if err != nil {
			return o, err
		}
		previous := current.Gap
		current = next
		if next.Gap.LessThan(previous) {
			break
		}
	}

	widening := current.Gap.Sub(initial)
	entry := e.logger.WithFields(logrus.Fields{
		"opportunity": o.ID,
		"widening":    widening.String(),
	})
	if widening.IsPositive() {
		entry.WithField("type", "gap-widened-before-open").Info("Gap widened before open")
	} else {
		entry.WithField("type", "gap-shrunk-before-open").Info("Gap shrunk before open")
	}
	return current, nil
}

// CloseLoop re-evaluates every open opportunity until ctx is cancelled.
func (e *Engine) CloseLoop(ctx context.Context) error {
	for {
		open := e.store.Snapshot()
		e.pruneStrategies(open)

		if len(open) == 0 {
			if err := e.sleep(ctx, e.cfg.CheckInterval); err != nil {
				return err
			}
			continue
		}

		delay := e.closeDelay(len(open))
		for _, o := range open {
			if err := e.checkClose(ctx, o); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).WithField("opportunity", o.ID).Error("Close check failed")
			}
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// closeDelay shortens the per-position pause as more positions are open.
func (e *Engine) closeDelay(open int) time.Duration {
	delay := e.cfg.CheckInterval / time.Duration(open)
	if delay < e.cfg.MinCloseInterval {
		return e.cfg.MinCloseInterval
	}
	return delay
}

func (e *Engine) checkClose(ctx context.Context, o models.Opportunity) error {
	strategy, ok := e.strategies[o.ID]
	if !ok {
		strategy = NewCloseStrategy(o, e.now())
	}

	prices, err := e.prices.FetchPrices(ctx, o.Ticket)
	if err != nil {
		return err
	}
	current, err := Reprice(prices, o)
	if err != nil {
		return err
	}

	now := e.now()
	next, ev := Step(strategy, current.Gap, now, e.cfg.strategyParams())
	if ev != nil {
		e.logStep(o, ev)
	}
	if next.State != StateTerminated {
		e.strategies[o.ID] = next
		return nil
	}
	delete(e.strategies, o.ID)

	closed, err := e.store.Remove(ctx, o.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.logger.WithError(err).WithField("opportunity", o.ID).Error("Failed to persist closed opportunity")
	}
	closed.ClosedAt = &now
	closed.CloseGap = decimal.NewNullDecimal(current.Gap)
	e.notifier.Notify(ctx, EventClose, closed)
	return nil
}

// pruneStrategies drops strategies of opportunities no longer in the store.
func (e *Engine) pruneStrategies(open []models.Opportunity) {
	if len(e.strategies) == 0 {
		return
	}
	ids := make(map[string]bool, len(open))
	for _, o := range open {
		ids[o.ID] = true
	}
	for id := range e.strategies {
		if !ids[id] {
			delete(e.strategies, id)
		}
	}
}

func (e *Engine) logStep(o models.Opportunity, ev *StepEvent) {
	fields := logrus.Fields{
		"type":        ev.Type,
		"opportunity": o.ID,
		"from":        ev.From.String(),
		"to":          ev.To.String(),
		"age":         ev.Age.String(),
		"gap":         ev.Gap.String(),
	}
	if ev.Proportion.Valid {
		fields["proportion"] = ev.Proportion.Decimal.StringFixed(4)
	}
	if ev.To == StateTerminated {
		fields["gapDiff"] = ev.GapDiff.String()
	}
	entry := e.logger.WithFields(fields)

	switch ev.Type {
	case "spin-lost-money":
		entry.Warn("Lost money while spinning for a better exit")
	case "spin-won-money":
		entry.Info("Gained while spinning for a better exit")
	case string(ReasonDecay):
		entry.Info("Gap has not been closing but can still turn a profit")
	case string(ReasonEmergency):
		entry.Warn("Position reached emergency close age")
	default:
		entry.Info("Gap closed below threshold")
	}

	if ev.EmergencyGapDiff.Valid {
		emergency := e.logger.WithFields(logrus.Fields{
			"type":        "emergency-close",
			"opportunity": o.ID,
			"gapDiff":     ev.EmergencyGapDiff.Decimal.String(),
		})
		if ev.EmergencyGapDiff.Decimal.IsNegative() {
			emergency.Warn("Lost money in emergency close")
		} else {
			emergency.Info("Emergency close")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
