package arbitrage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/gaparb/pkg/models"
)

// CloseState is the phase of an open position's exit decision.
type CloseState int

const (
	StateActive CloseState = iota
	StateSpinning
	StateTerminated
)

func (s CloseState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSpinning:
		return "spinning"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ExitReason records why a position left the active state.
type ExitReason string

const (
	ReasonNone      ExitReason = ""
	ReasonThreshold ExitReason = "gap-closed"
	ReasonDecay     ExitReason = "gap-not-closing"
	ReasonEmergency ExitReason = "emergency-close"
)

const (
	DefaultEmergencyClose = 4 * time.Hour
	DefaultSpinLimit      = 15 * time.Minute
)

// decayRules hold the minimum gap proportion still acceptable once a
// position has used up a share of its emergency deadline.
var decayRules = []struct {
	ageFraction   float64
	minProportion decimal.Decimal
}{
	{0.75, decimal.RequireFromString("0.85")},
	{0.50, decimal.RequireFromString("0.70")},
	{0.25, decimal.RequireFromString("0.50")},
}

type StrategyParams struct {
	EmergencyClose time.Duration
	SpinLimit      time.Duration
	CloseThreshold decimal.Decimal
}

// CloseStrategy is the per-position exit state, advanced one gap sample at a time by Step.
type CloseStrategy struct {
	State          CloseState
	Reason         ExitReason
	OpenedAt       time.Time
	OriginalGap    decimal.Decimal
	SpinStartedAt  time.Time
	SpinInitialGap decimal.Decimal
	PrevGap        decimal.Decimal
}

// StepEvent describes a transition worth logging.
type StepEvent struct {
	Type       string
	From       CloseState
	To         CloseState
	Reason     ExitReason
	Age        time.Duration
	Gap        decimal.Decimal
	Proportion decimal.NullDecimal
	// GapDiff is the spin's initial gap less the exit gap; positive is favorable.
	GapDiff decimal.Decimal
	// EmergencyGapDiff is the gap at open less the exit gap, set on emergency exits.
	EmergencyGapDiff decimal.NullDecimal
}

func NewCloseStrategy(o models.Opportunity, now time.Time) CloseStrategy {
	openedAt := now
	if o.OpenedAt != nil {
		openedAt = *o.OpenedAt
	}
	return CloseStrategy{
		State:       StateActive,
		OpenedAt:    openedAt,
		OriginalGap: o.Gap,
	}
}

// Step advances s with a new gap sample observed at now. It returns the next
// state and, when the state changed, an event describing the transition.
func Step(s CloseStrategy, gap decimal.Decimal, now time.Time, p StrategyParams) (CloseStrategy, *StepEvent) {
	age := now.Sub(s.OpenedAt)

	switch s.State {
	case StateActive:
		if age > p.EmergencyClose {
			return s.spin(ReasonEmergency, gap, now, age, decimal.NullDecimal{})
		}

		proportion := decimal.NullDecimal{}
		if s.OriginalGap.IsPositive() {
			proportion = decimal.NewNullDecimal(gap.Div(s.OriginalGap))
			for _, rule := range decayRules {
				limit := time.Duration(float64(p.EmergencyClose) * rule.ageFraction)
				if age > limit && proportion.Decimal.LessThan(rule.minProportion) {
					return s.spin(ReasonDecay, gap, now, age, proportion)
				}
			}
		}

		if gap.LessThanOrEqual(p.CloseThreshold) {
			return s.spin(ReasonThreshold, gap, now, age, proportion)
		}
		return s, nil

	case StateSpinning:
		spun := now.Sub(s.SpinStartedAt)
		if gap.LessThanOrEqual(s.PrevGap) && spun < p.SpinLimit && age < p.EmergencyClose {
			s.PrevGap = gap
			return s, nil
		}

		ev := &StepEvent{
			From:    StateSpinning,
			To:      StateTerminated,
			Reason:  s.Reason,
			Age:     age,
			Gap:     gap,
			GapDiff: s.SpinInitialGap.Sub(gap),
		}
		if ev.GapDiff.IsNegative() {
			ev.Type = "spin-lost-money"
		} else {
			ev.Type = "spin-won-money"
		}
		if s.Reason == ReasonEmergency {
			ev.EmergencyGapDiff = decimal.NewNullDecimal(s.OriginalGap.Sub(gap))
		}
		s.State = StateTerminated
		s.PrevGap = gap
		return s, ev
	}

	return s, nil
}

func (s CloseStrategy) spin(reason ExitReason, gap decimal.Decimal, now time.Time, age time.Duration, proportion decimal.NullDecimal) (CloseStrategy, *StepEvent) {
	s.State = StateSpinning
	s.Reason = reason
	s.SpinStartedAt = now
	s.SpinInitialGap = gap
	s.PrevGap = gap
	return s, &StepEvent{
		Type:       string(reason),
		From:       StateActive,
		To:         StateSpinning,
		Reason:     reason,
		Age:        age,
		Gap:        gap,
		Proportion: proportion,
	}
}
