package risk

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

var testNow = time.Date(2024, 3, 13, 11, 0, 0, 0, utils.IndiaLocation) // Wednesday

func baseLimits() models.RiskLimits {
	return models.RiskLimits{
		Version:               1,
		MaxPositions:          5,
		MaxPositionsPerSymbol: 1,
		MaxPositionSize:       100000,
		MaxSingleExposure:     0.5,
		MaxDrawdownPct:        0.05,
		DailyLossLimit:        5000,
		TradingStart:          "09:15",
		TradingEnd:            "15:20",
		Strategies: map[string]models.StrategyLimits{
			"default": {MinQualityScore: 7, CooldownMinutes: 5},
		},
	}
}

func baseRequest() Request {
	return Request{
		Signal: models.Signal{
			ID:           "s1",
			UserID:       "U1",
			Strategy:     "momentum",
			Symbol:       "INFY",
			Action:       models.OrderSideBuy,
			Quantity:     10,
			QualityScore: 8,
			Confidence:   0.7,
		},
		Limits: baseLimits(),
		Capital: models.CapitalSnapshot{
			UserID:           "U1",
			OpeningCapital:   100000,
			AvailableCapital: 100000,
		},
		ReferencePrice: 100,
		Now:            testNow,
	}
}

func TestEvaluateAcceptsWithinLimits(t *testing.T) {
	d := Evaluate(baseRequest())

	require.True(t, d.Accepted)
	assert.False(t, d.Closing)
	assert.Equal(t, 10, d.Quantity)
	assert.InDelta(t, 1000, d.Notional, 1e-9)
	assert.InDelta(t, 1000, d.BlockAmount, 1e-9)
	assert.Len(t, d.ChecksPassed, len(openingChecks))
	assert.Empty(t, d.ChecksFailed)
}

func TestEvaluateQualityBelowThreshold(t *testing.T) {
	req := baseRequest()
	req.Signal.QualityScore = 5

	d := Evaluate(req)
	assert.False(t, d.Accepted)
	assert.Equal(t, models.RejectQuality, d.Reason)
	assert.Zero(t, d.BlockAmount)
}

func TestEvaluateQualityNaNIsRejected(t *testing.T) {
	req := baseRequest()
	req.Signal.QualityScore = math.NaN()

	d := Evaluate(req)
	assert.False(t, d.Accepted)
	assert.Equal(t, models.RejectQuality, d.Reason)
}

// Each step fixes the previously failing check; the reported reason must
// always be the first failing check in order.
func TestEvaluateCheckOrder(t *testing.T) {
	req := baseRequest()
	req.Capital.HardStopTriggered = true
	req.Now = time.Date(2024, 3, 13, 16, 0, 0, 0, utils.IndiaLocation)
	req.OpenSymbols = 5
	req.ReferencePrice = 0
	req.Signal.Quantity = 100000
	req.Signal.QualityScore = 1
	req.LastAccepted = testNow.Add(-time.Minute)

	steps := []struct {
		want models.RejectReason
		fix  func(*Request)
	}{
		{models.RejectHardStop, func(r *Request) { r.Capital.HardStopTriggered = false }},
		{models.RejectOutsideWindow, func(r *Request) { r.Now = testNow }},
		{models.RejectPositionLimit, func(r *Request) { r.OpenSymbols = 0; r.SymbolEntries = 1 }},
		{models.RejectSymbolLimit, func(r *Request) { r.SymbolEntries = 0 }},
		{models.RejectNoReferencePrice, func(r *Request) { r.ReferencePrice = 100 }},
		{models.RejectSizeLimit, func(r *Request) { r.Signal.Quantity = 10 }},
		{models.RejectQuality, func(r *Request) { r.Signal.QualityScore = 9 }},
		{models.RejectCooldown, func(r *Request) { r.LastAccepted = testNow.Add(-6 * time.Minute) }},
	}

	for _, step := range steps {
		d := Evaluate(req)
		require.False(t, d.Accepted, "expected %s", step.want)
		assert.Equal(t, step.want, d.Reason)
		step.fix(&req)
	}
	assert.True(t, Evaluate(req).Accepted)
}

func TestEvaluatePositionLimitIgnoresExistingSymbol(t *testing.T) {
	req := baseRequest()
	req.OpenSymbols = 5
	req.SymbolEntries = 1
	req.Limits.MaxPositionsPerSymbol = 2

	d := Evaluate(req)
	assert.True(t, d.Accepted, d.Message)
}

func TestEvaluateSizeLimitUsesExposure(t *testing.T) {
	req := baseRequest()
	req.Capital.AvailableCapital = 10000
	req.Signal.Quantity = 60 // 6000 > 10000 × 0.5

	d := Evaluate(req)
	assert.Equal(t, models.RejectSizeLimit, d.Reason)
}

func TestEvaluateAutoSize(t *testing.T) {
	req := baseRequest()
	req.Limits.AutoSize = true
	req.Capital.AvailableCapital = 10000
	req.Signal.Quantity = 60
	req.ReferencePrice = 120

	d := Evaluate(req)
	require.True(t, d.Accepted)
	assert.True(t, d.Resized)
	assert.Equal(t, 41, d.Quantity) // floor(5000/120)
	assert.InDelta(t, 4920, d.BlockAmount, 1e-9)

	req.Capital.AvailableCapital = 100
	d = Evaluate(req)
	assert.False(t, d.Accepted)
	assert.Equal(t, models.RejectSizeLimit, d.Reason)
}

func TestEvaluateOverrideRequiresPermission(t *testing.T) {
	req := baseRequest()
	req.Signal.Quantity = 2000 // 200000 notional
	req.Signal.Override = true
	req.Signal.OverrideBy = "risk-desk"

	d := Evaluate(req)
	assert.Equal(t, models.RejectSizeLimit, d.Reason)

	req.Limits.OverrideAllowed = true
	d = Evaluate(req)
	require.True(t, d.Accepted)
	assert.True(t, d.Overridden)
	assert.Equal(t, 2000, d.Quantity)
}

func TestEvaluateClosingSignal(t *testing.T) {
	req := baseRequest()
	req.Signal.Action = models.OrderSideSell
	req.Signal.Quantity = 15
	req.Capital.HardStopTriggered = true
	req.Now = time.Date(2024, 3, 13, 16, 0, 0, 0, utils.IndiaLocation)
	req.Position = &models.Position{Symbol: "INFY", Quantity: 10, Status: models.PositionOpen}
	req.PendingClose = 4

	d := Evaluate(req)
	require.True(t, d.Accepted, d.Message)
	assert.True(t, d.Closing)
	assert.Equal(t, 6, d.Quantity)
	assert.Zero(t, d.BlockAmount)

	req.PendingClose = 10
	d = Evaluate(req)
	assert.False(t, d.Accepted)
	assert.Equal(t, models.RejectNothingToClose, d.Reason)
}

func TestEvaluateExitSignalWithoutPosition(t *testing.T) {
	req := baseRequest()
	req.Signal.Action = models.OrderSideSell
	req.Signal.ExitReason = models.ExitReasonStopLoss

	d := Evaluate(req)
	assert.True(t, d.Closing)
	assert.Equal(t, models.RejectNothingToClose, d.Reason)
}

func TestRejectionLog(t *testing.T) {
	log := NewRejectionLog(3)
	for i, user := range []string{"A", "B", "A", "A"} {
		log.Add(models.Rejection{SignalID: string(rune('1' + i)), UserID: user, Reason: models.RejectCooldown})
	}

	all := log.List("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "4", all[0].SignalID)
	assert.Equal(t, "2", all[2].SignalID)

	a := log.List("A", 1)
	require.Len(t, a, 1)
	assert.Equal(t, "4", a[0].SignalID)

	assert.Equal(t, 4, log.Counts()[models.RejectCooldown])
}

// Feature: zerodha-oms, Property 2: Risk gate is deterministic and hard stop blocks all opening risk
//
// Property: for any request, evaluating it twice yields the same decision,
// an accepted opening decision never blocks more than the size cap unless
// overridden, and a triggered hard stop never accepts an opening signal.
func TestProperty_GateDeterministicAndHardStop(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("deterministic, bounded, hard stop respected", prop.ForAll(
		func(qty int, quality, price, available float64, hardStop, autoSize bool) bool {
			req := baseRequest()
			req.Signal.Quantity = qty
			req.Signal.QualityScore = quality
			req.ReferencePrice = price
			req.Capital.AvailableCapital = available
			req.Capital.HardStopTriggered = hardStop
			req.Limits.AutoSize = autoSize

			first := Evaluate(req)
			second := Evaluate(req)
			if first.Accepted != second.Accepted || first.Reason != second.Reason || first.Quantity != second.Quantity {
				return false
			}
			if hardStop && first.Accepted {
				return false
			}
			if first.Accepted && first.BlockAmount > sizeCap(&req)+1e-9 {
				return false
			}
			return first.Accepted || first.Reason != ""
		},
		gen.IntRange(1, 5000),
		gen.Float64Range(0, 10),
		gen.Float64Range(1, 5000),
		gen.Float64Range(0, 500000),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
