package outcome

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/utils"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// sessionTime returns the given Warsaw wall-clock time on 2025-06-02 in UTC.
func sessionTime(hour, minute int) time.Time {
	return time.Date(2025, time.June, 2, hour, minute, 0, 0, utils.WarsawLocation()).UTC()
}

func oversoldBuySignal() *entity.TradingSignal {
	return &entity.TradingSignal{
		ID:            42,
		Type:          entity.SignalBuy,
		StockSymbol:   "CDR",
		PriceAtSignal: d("265.20"),
		TargetPrice:   d("273.1560"),
		StopLossPrice: d("259.8960"),
		CreatedAt:     sessionTime(9, 30),
	}
}

func bar(ts time.Time, open, high, low, close string) entity.OHLCVBar {
	return entity.OHLCVBar{
		StockSymbol: "CDR",
		Interval:    entity.BarIntervalMinute,
		Timestamp:   ts,
		Open:        d(open),
		High:        d(high),
		Low:         d(low),
		Close:       d(close),
		Volume:      1000,
	}
}

func TestEvaluateBarsTargetHit(t *testing.T) {
	signal := oversoldBuySignal()
	bars := []entity.OHLCVBar{
		bar(sessionTime(10, 0), "265.20", "267.00", "264.90", "266.50"),
		bar(sessionTime(12, 5), "272.80", "273.40", "272.50", "273.10"),
	}

	outcome := evaluateBars(signal, bars, false)
	require.NotNil(t, outcome)

	assert.Equal(t, entity.ResolutionTargetHit, outcome.Resolution)
	assert.True(t, outcome.ExitPrice.Equal(d("273.1560")), outcome.ExitPrice.String())
	assert.Equal(t, sessionTime(12, 5), outcome.ExitAt)
	assert.Equal(t, 155, outcome.HoldingMinutes)
	// (273.1560 - 265.20) / 265.20 * 100 = 3.00
	assert.True(t, outcome.RealisedReturnPct.Equal(d("3.00")), outcome.RealisedReturnPct.String())
}

func TestEvaluateBarsStopHit(t *testing.T) {
	signal := oversoldBuySignal()
	bars := []entity.OHLCVBar{
		bar(sessionTime(10, 0), "265.20", "266.00", "263.00", "264.00"),
		bar(sessionTime(10, 15), "263.50", "263.80", "259.50", "260.20"),
		bar(sessionTime(12, 5), "272.80", "273.40", "272.50", "273.10"), // too late
	}

	outcome := evaluateBars(signal, bars, false)
	require.NotNil(t, outcome)

	assert.Equal(t, entity.ResolutionStopHit, outcome.Resolution)
	assert.True(t, outcome.ExitPrice.Equal(d("259.8960")), outcome.ExitPrice.String())
	assert.Equal(t, sessionTime(10, 15), outcome.ExitAt)
	assert.Equal(t, 45, outcome.HoldingMinutes)
	assert.True(t, outcome.RealisedReturnPct.Equal(d("-2.00")), outcome.RealisedReturnPct.String())
}

func TestEvaluateBarsSellClosedAtSessionEnd(t *testing.T) {
	signal := &entity.TradingSignal{
		ID:            7,
		Type:          entity.SignalSell,
		StockSymbol:   "PKN",
		PriceAtSignal: d("86.91"),
		TargetPrice:   d("84.30"),
		StopLossPrice: d("88.65"),
		CreatedAt:     sessionTime(11, 0),
	}
	bars := []entity.OHLCVBar{
		bar(sessionTime(14, 0), "86.80", "87.10", "86.40", "86.70"),
		bar(sessionTime(17, 0), "86.60", "86.80", "86.45", "86.50"),
	}

	outcome := evaluateBars(signal, bars, true)
	require.NotNil(t, outcome)

	assert.Equal(t, entity.ResolutionClosedAtSessionEnd, outcome.Resolution)
	assert.True(t, outcome.ExitPrice.Equal(d("86.50")))
	// Sell closed lower than entry: (86.91 - 86.50) / 86.91 * 100 = 0.4718
	assert.True(t, outcome.RealisedReturnPct.Equal(d("0.4718")), outcome.RealisedReturnPct.String())
}

func TestEvaluateBarsSellMirroredTriggers(t *testing.T) {
	signal := &entity.TradingSignal{
		Type:          entity.SignalSell,
		PriceAtSignal: d("100.00"),
		TargetPrice:   d("97.00"),
		StopLossPrice: d("102.00"),
		CreatedAt:     sessionTime(10, 0),
	}

	// Target: low touches 97.00.
	outcome := evaluateBars(signal, []entity.OHLCVBar{
		bar(sessionTime(10, 5), "99.00", "99.50", "96.90", "97.20"),
	}, false)
	require.NotNil(t, outcome)
	assert.Equal(t, entity.ResolutionTargetHit, outcome.Resolution)
	assert.True(t, outcome.RealisedReturnPct.Equal(d("3.00")))

	// Stop: high touches 102.00.
	outcome = evaluateBars(signal, []entity.OHLCVBar{
		bar(sessionTime(10, 5), "101.00", "102.30", "100.80", "102.00"),
	}, false)
	require.NotNil(t, outcome)
	assert.Equal(t, entity.ResolutionStopHit, outcome.Resolution)
	assert.True(t, outcome.RealisedReturnPct.Equal(d("-2.00")))
}

func TestEvaluateBarsStopWinsInsideOneBar(t *testing.T) {
	signal := oversoldBuySignal()
	// One wide bar spans both levels; the pessimistic reading applies.
	bars := []entity.OHLCVBar{
		bar(sessionTime(10, 0), "265.20", "274.00", "259.00", "266.00"),
	}
	outcome := evaluateBars(signal, bars, false)
	require.NotNil(t, outcome)
	assert.Equal(t, entity.ResolutionStopHit, outcome.Resolution)
}

func TestEvaluateBarsStaysOpenDuringSession(t *testing.T) {
	signal := oversoldBuySignal()
	bars := []entity.OHLCVBar{
		bar(sessionTime(10, 0), "265.20", "266.00", "264.90", "265.50"),
	}
	assert.Nil(t, evaluateBars(signal, bars, false))
}

func TestEvaluateBarsNoBarsNoOutcome(t *testing.T) {
	assert.Nil(t, evaluateBars(oversoldBuySignal(), nil, true))
}

func TestEvaluateBarsLateSignalClosesOnFinalBar(t *testing.T) {
	signal := oversoldBuySignal()
	signal.CreatedAt = sessionTime(16, 59)
	bars := []entity.OHLCVBar{
		bar(sessionTime(17, 0), "265.30", "265.60", "265.10", "265.40"),
	}

	outcome := evaluateBars(signal, bars, true)
	require.NotNil(t, outcome)
	assert.Equal(t, entity.ResolutionClosedAtSessionEnd, outcome.Resolution)
	assert.True(t, outcome.ExitPrice.Equal(d("265.40")))
	assert.Equal(t, 1, outcome.HoldingMinutes)
}
