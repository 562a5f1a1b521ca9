package risk

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/models"
)

func pct(v float64) *float64 { return &v }

func TestComputeLevels_BracketPrices(t *testing.T) {
	// A $3.00 fill sits exactly on the tick boundary: the stop computes in
	// the fine grid, the take-profit in the coarse grid.
	levels, err := ComputeLevels(3.00, models.RiskProfile{
		StopLossPct:   pct(20),
		TakeProfitPct: pct(30),
	})
	require.NoError(t, err)
	require.NotNil(t, levels.StopLoss)
	require.NotNil(t, levels.TakeProfit)
	assert.InDelta(t, 2.40, *levels.StopLoss, 1e-9)
	assert.InDelta(t, 3.90, *levels.TakeProfit, 1e-9)
}

func TestComputeLevels_RoundingDirection(t *testing.T) {
	// 2.47 * 0.8 = 1.976 floors to 1.95; 2.47 * 1.3 = 3.211 ceils to 3.30.
	levels, err := ComputeLevels(2.47, models.RiskProfile{
		StopLossPct:   pct(20),
		TakeProfitPct: pct(30),
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.95, *levels.StopLoss, 1e-9)
	assert.InDelta(t, 3.30, *levels.TakeProfit, 1e-9)
}

func TestComputeLevels_DisabledLegs(t *testing.T) {
	levels, err := ComputeLevels(5.00, models.RiskProfile{})
	require.NoError(t, err)
	assert.Nil(t, levels.StopLoss)
	assert.Nil(t, levels.TakeProfit)

	levels, err = ComputeLevels(5.00, models.RiskProfile{StopLossPct: pct(20)})
	require.NoError(t, err)
	require.NotNil(t, levels.StopLoss)
	assert.Nil(t, levels.TakeProfit)
}

func TestComputeLevels_InvalidInputs(t *testing.T) {
	_, err := ComputeLevels(0, models.RiskProfile{StopLossPct: pct(20)})
	assert.ErrorIs(t, err, errors.ErrInvalidRiskParameter)

	_, err = ComputeLevels(-1.50, models.RiskProfile{StopLossPct: pct(20)})
	assert.ErrorIs(t, err, errors.ErrInvalidRiskParameter)

	_, err = ComputeLevels(5.00, models.RiskProfile{StopLossPct: pct(0)})
	assert.ErrorIs(t, err, errors.ErrInvalidRiskParameter)

	_, err = ComputeLevels(5.00, models.RiskProfile{TakeProfitPct: pct(-10)})
	assert.ErrorIs(t, err, errors.ErrInvalidRiskParameter)

	// 100% stop-loss floors to zero.
	_, err = ComputeLevels(5.00, models.RiskProfile{StopLossPct: pct(100)})
	assert.ErrorIs(t, err, errors.ErrInvalidRiskParameter)
}

func TestValidateProfile(t *testing.T) {
	assert.NoError(t, ValidateProfile(models.RiskProfile{}))
	assert.NoError(t, ValidateProfile(models.RiskProfile{StopLossPct: pct(20), TakeProfitPct: pct(30)}))
	assert.ErrorIs(t, ValidateProfile(models.RiskProfile{StopLossPct: pct(-5)}), errors.ErrInvalidRiskParameter)
	assert.ErrorIs(t, ValidateProfile(models.RiskProfile{StopLossPct: pct(100)}), errors.ErrInvalidRiskParameter)
	assert.ErrorIs(t, ValidateProfile(models.RiskProfile{TakeProfitPct: pct(0)}), errors.ErrInvalidRiskParameter)
}

func TestTickSize(t *testing.T) {
	assert.True(t, TickSize(decimal.NewFromFloat(0.50)).Equal(decimal.NewFromFloat(0.05)))
	assert.True(t, TickSize(decimal.NewFromFloat(2.99)).Equal(decimal.NewFromFloat(0.05)))
	assert.True(t, TickSize(decimal.NewFromFloat(3.00)).Equal(decimal.NewFromFloat(0.10)))
	assert.True(t, TickSize(decimal.NewFromFloat(12.40)).Equal(decimal.NewFromFloat(0.10)))
}

// Property: for any valid fill price and percentages, the stop-loss never
// rounds up toward the fill, the take-profit never rounds down below its
// target, and both land exactly on the tick grid.
func TestProperty_LevelsRespectTickGrid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stop floors and take ceils onto the grid", prop.ForAll(
		func(fill, stopPct, takePct float64) bool {
			levels, err := ComputeLevels(fill, models.RiskProfile{
				StopLossPct:   &stopPct,
				TakeProfitPct: &takePct,
			})
			if err != nil {
				// Tiny fills with large stops legitimately floor to zero.
				return errors.Is(err, errors.ErrInvalidRiskParameter)
			}

			stop := *levels.StopLoss
			take := *levels.TakeProfit
			rawStop := fill * (1 - stopPct/100)
			rawTake := fill * (1 + takePct/100)

			const eps = 1e-9
			if stop > rawStop+eps {
				return false
			}
			if take < rawTake-eps {
				return false
			}
			return onGrid(stop) && onGrid(take)
		},
		gen.Float64Range(0.05, 500).WithLabel("fill"),
		gen.Float64Range(1, 95).WithLabel("stopPct"),
		gen.Float64Range(1, 200).WithLabel("takePct"),
	))

	properties.Property("recomputation is deterministic", prop.ForAll(
		func(fill, stopPct float64) bool {
			profile := models.RiskProfile{StopLossPct: &stopPct}
			a, errA := ComputeLevels(fill, profile)
			b, errB := ComputeLevels(fill, profile)
			if (errA == nil) != (errB == nil) {
				return false
			}
			if errA != nil {
				return true
			}
			return *a.StopLoss == *b.StopLoss
		},
		gen.Float64Range(0.05, 500).WithLabel("fill"),
		gen.Float64Range(1, 95).WithLabel("stopPct"),
	))

	properties.TestingRun(t)
}

// onGrid checks that a price is an integer multiple of its own tick size.
func onGrid(price float64) bool {
	d := decimal.NewFromFloat(price)
	tick := TickSize(d)
	q := d.Div(tick)
	return q.Sub(q.Round(0)).Abs().LessThan(decimal.NewFromFloat(1e-6))
}

func TestComputeLevels_DeepValues(t *testing.T) {
	// Larger premiums stay in the coarse grid on both sides.
	levels, err := ComputeLevels(12.35, models.RiskProfile{
		StopLossPct:   pct(25),
		TakeProfitPct: pct(50),
	})
	require.NoError(t, err)
	// 12.35 * 0.75 = 9.2625 -> 9.20; 12.35 * 1.5 = 18.525 -> 18.60
	assert.InDelta(t, 9.20, *levels.StopLoss, 1e-9)
	assert.InDelta(t, 18.60, *levels.TakeProfit, 1e-9)
	assert.False(t, math.Signbit(*levels.StopLoss))
}
