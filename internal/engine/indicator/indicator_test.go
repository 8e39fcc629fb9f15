package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/entity"
)

const refTolerance = 1e-6

// synthetic deterministic series, length 64 (period + 50 for the longest
// default period of 14).
func syntheticCloses(n int) []decimal.Decimal {
	closes := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		// A drifting sine keeps both gains and losses in the series.
		v := 100.0 + 0.05*float64(i) + 3.0*math.Sin(float64(i)/4.0)
		closes[i] = decimal.NewFromFloat(v).RoundBank(4)
	}
	return closes
}

func toFloats(closes []decimal.Decimal) []float64 {
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[i] = c.InexactFloat64()
	}
	return out
}

func refSMA(vals []float64, n int) float64 {
	sum := 0.0
	for _, v := range vals[len(vals)-n:] {
		sum += v
	}
	return sum / float64(n)
}

func refEMASeries(vals []float64, n int) []float64 {
	seed := 0.0
	for _, v := range vals[:n] {
		seed += v
	}
	seed /= float64(n)
	alpha := 2.0 / float64(n+1)
	series := []float64{seed}
	prev := seed
	for _, v := range vals[n:] {
		prev = (v-prev)*alpha + prev
		series = append(series, prev)
	}
	return series
}

func refRSI(vals []float64, n int) float64 {
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= n; i++ {
		change := vals[i] - vals[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)
	for i := n + 1; i < len(vals); i++ {
		change := vals[i] - vals[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
	}
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

func TestSMAAgainstReference(t *testing.T) {
	closes := syntheticCloses(64)
	got, ok := SMA(closes, 20)
	require.True(t, ok)
	assert.InDelta(t, refSMA(toFloats(closes), 20), got.InexactFloat64(), refTolerance)
}

func TestSMAInsufficientData(t *testing.T) {
	_, ok := SMA(syntheticCloses(19), 20)
	assert.False(t, ok)
}

func TestEMAAgainstReference(t *testing.T) {
	closes := syntheticCloses(64)
	got, ok := EMA(closes, 12)
	require.True(t, ok)
	ref := refEMASeries(toFloats(closes), 12)
	assert.InDelta(t, ref[len(ref)-1], got.InexactFloat64(), refTolerance)
}

func TestRSIAgainstReference(t *testing.T) {
	closes := syntheticCloses(64)
	got, ok := RSI(closes, DefaultRSIPeriod)
	require.True(t, ok)
	assert.InDelta(t, refRSI(toFloats(closes), DefaultRSIPeriod), got.InexactFloat64(), refTolerance)
}

func TestRSIBounds(t *testing.T) {
	closes := syntheticCloses(64)
	got, ok := RSI(closes, DefaultRSIPeriod)
	require.True(t, ok)
	assert.True(t, got.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, got.LessThanOrEqual(decimal.NewFromInt(100)))
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	closes := make([]decimal.Decimal, 20)
	for i := range closes {
		closes[i] = decimal.NewFromInt(int64(100 + i))
	}
	got, ok := RSI(closes, DefaultRSIPeriod)
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromInt(100)))
}

func TestRSIRequiresNPlusOneBars(t *testing.T) {
	_, ok := RSI(syntheticCloses(DefaultRSIPeriod), DefaultRSIPeriod)
	assert.False(t, ok)

	_, ok = RSI(syntheticCloses(DefaultRSIPeriod+1), DefaultRSIPeriod)
	assert.True(t, ok)
}

func TestMACDAgainstReference(t *testing.T) {
	closes := syntheticCloses(84) // 34 + 50
	got, ok := MACD(closes)
	require.True(t, ok)

	vals := toFloats(closes)
	fast := refEMASeries(vals, MACDFastPeriod)
	slow := refEMASeries(vals, MACDSlowPeriod)
	offset := MACDSlowPeriod - MACDFastPeriod
	macdSeries := make([]float64, len(slow))
	for i := range slow {
		macdSeries[i] = fast[i+offset] - slow[i]
	}
	signal := refEMASeries(macdSeries, MACDSignalPeriod)

	refMACD := macdSeries[len(macdSeries)-1]
	refSignal := signal[len(signal)-1]

	assert.InDelta(t, refMACD, got.MACD.InexactFloat64(), refTolerance)
	assert.InDelta(t, refSignal, got.Signal.InexactFloat64(), refTolerance)
	assert.InDelta(t, refMACD-refSignal, got.Histogram.InexactFloat64(), refTolerance)
	assert.True(t, got.HasPrev)
}

func TestMACDInsufficientData(t *testing.T) {
	_, ok := MACD(syntheticCloses(MACDSlowPeriod + MACDSignalPeriod - 2))
	assert.False(t, ok)
}

func TestBollingerAgainstReference(t *testing.T) {
	closes := syntheticCloses(70)
	got, ok := Bollinger(closes, DefaultBollingerPeriod, 2.0)
	require.True(t, ok)

	vals := toFloats(closes)
	mid := refSMA(vals, DefaultBollingerPeriod)
	variance := 0.0
	for _, v := range vals[len(vals)-DefaultBollingerPeriod:] {
		variance += (v - mid) * (v - mid)
	}
	stdev := math.Sqrt(variance / float64(DefaultBollingerPeriod))

	assert.InDelta(t, mid, got.Mid.InexactFloat64(), refTolerance)
	assert.InDelta(t, mid+2*stdev, got.Upper.InexactFloat64(), 1e-5)
	assert.InDelta(t, mid-2*stdev, got.Lower.InexactFloat64(), 1e-5)
}

func TestEvaluateSnapshot(t *testing.T) {
	closes := syntheticCloses(84)
	bars := make([]entity.OHLCVBar, len(closes))
	base := time.Date(2025, time.June, 2, 7, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = entity.OHLCVBar{
			StockSymbol: "CDR",
			Interval:    entity.BarIntervalMinute,
			Timestamp:   base.Add(time.Duration(i) * 5 * time.Minute),
			Open:        c, High: c, Low: c, Close: c,
			Volume: 1000,
		}
	}

	snap := Evaluate(bars)
	assert.True(t, snap.Sufficient())
	assert.True(t, snap.HasRSI)
	assert.True(t, snap.HasSMACross)
	assert.True(t, snap.HasMACD)
	assert.True(t, snap.HasBollinger)
	assert.True(t, snap.LastClose.Equal(closes[len(closes)-1]))
}

func TestEvaluateInsufficientBars(t *testing.T) {
	bars := make([]entity.OHLCVBar, 10)
	for i := range bars {
		bars[i] = entity.OHLCVBar{Close: decimal.NewFromInt(100)}
	}
	snap := Evaluate(bars)
	assert.False(t, snap.Sufficient())
	assert.False(t, snap.HasRSI)
}
