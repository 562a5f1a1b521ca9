// Package risk derives bracket price levels from percentage risk
// parameters. Pure computation: no broker interaction, no side effects.
package risk

import (
	"github.com/shopspring/decimal"

	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/models"
)

var (
	hundred   = decimal.NewFromInt(100)
	one       = decimal.NewFromInt(1)
	tickSmall = decimal.NewFromFloat(0.05) // options priced under $3.00
	tickLarge = decimal.NewFromFloat(0.10) // options priced at or above $3.00
	tickBound = decimal.NewFromInt(3)
)

// Levels holds the derived bracket prices. A nil price means the
// corresponding leg is disabled and must never be submitted.
type Levels struct {
	StopLoss   *float64
	TakeProfit *float64
}

// TickSize returns the minimum price increment for a US equity option at
// the given price.
func TickSize(price decimal.Decimal) decimal.Decimal {
	if price.Cmp(tickBound) < 0 {
		return tickSmall
	}
	return tickLarge
}

// ComputeLevels derives stop-loss and take-profit prices from the actual
// fill price. The stop is floored to the tick grid (never rounds up toward
// the fill); the take-profit is ceiling-rounded (never rounds down below
// it). Decimal arithmetic keeps repeated calls bit-identical.
func ComputeLevels(fillPrice float64, profile models.RiskProfile) (Levels, error) {
	if fillPrice <= 0 {
		return Levels{}, errors.Wrapf(errors.ErrInvalidRiskParameter, "fill price %v", fillPrice)
	}
	fill := decimal.NewFromFloat(fillPrice)

	var levels Levels

	if profile.HasStopLoss() {
		pct, err := checkPercent(*profile.StopLossPct, "stop-loss")
		if err != nil {
			return Levels{}, err
		}
		raw := fill.Mul(one.Sub(pct.Div(hundred)))
		stop := floorToTick(raw)
		if stop.Sign() <= 0 {
			return Levels{}, errors.Wrapf(errors.ErrInvalidRiskParameter,
				"stop-loss %v%% of %v yields non-positive price", *profile.StopLossPct, fillPrice)
		}
		v, _ := stop.Float64()
		levels.StopLoss = &v
	}

	if profile.HasTakeProfit() {
		pct, err := checkPercent(*profile.TakeProfitPct, "take-profit")
		if err != nil {
			return Levels{}, err
		}
		raw := fill.Mul(one.Add(pct.Div(hundred)))
		take := ceilToTick(raw)
		if take.Sign() <= 0 {
			return Levels{}, errors.Wrapf(errors.ErrInvalidRiskParameter,
				"take-profit %v%% of %v yields non-positive price", *profile.TakeProfitPct, fillPrice)
		}
		v, _ := take.Float64()
		levels.TakeProfit = &v
	}

	return levels, nil
}

func checkPercent(pct float64, name string) (decimal.Decimal, error) {
	if pct <= 0 {
		return decimal.Zero, errors.Wrapf(errors.ErrInvalidRiskParameter, "%s percent %v", name, pct)
	}
	return decimal.NewFromFloat(pct), nil
}

func floorToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickSize(price)
	return price.Div(tick).Floor().Mul(tick)
}

func ceilToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickSize(price)
	return price.Div(tick).Ceil().Mul(tick)
}

// ValidateProfile checks percentage parameters before any broker call.
// A stop-loss at or above 100% would floor to a non-positive price, so it
// is rejected here rather than after the entry fills.
func ValidateProfile(p models.RiskProfile) error {
	if p.HasStopLoss() {
		if _, err := checkPercent(*p.StopLossPct, "stop-loss"); err != nil {
			return err
		}
		if *p.StopLossPct >= 100 {
			return errors.Wrapf(errors.ErrInvalidRiskParameter, "stop-loss percent %v", *p.StopLossPct)
		}
	}
	if p.HasTakeProfit() {
		if _, err := checkPercent(*p.TakeProfitPct, "take-profit"); err != nil {
			return err
		}
	}
	return nil
}
