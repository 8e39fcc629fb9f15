// Package indicator computes technical indicators over OHLCV closes.
// All arithmetic runs on fixed-point decimals; divisions round
// half-to-even. Every indicator is computed on demand from the bars it is
// given and returns an unavailable marker instead of an imputed value
// when the series is too short.
package indicator

import (
	"math"

	"github.com/shopspring/decimal"

	"gpw-signal-engine/internal/entity"
)

// Default indicator periods.
const (
	DefaultRSIPeriod       = 14
	DefaultShortSMAPeriod  = 5
	DefaultLongSMAPeriod   = 20
	DefaultBollingerPeriod = 20
	MACDFastPeriod         = 12
	MACDSlowPeriod         = 26
	MACDSignalPeriod       = 9
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// divPrecision keeps intermediate quotients well inside the 1e-6 reference
// tolerance before the final rounding.
const divPrecision = 12

func div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, divPrecision+1).RoundBank(divPrecision)
}

// Closes extracts the close series from bars in the order given.
func Closes(bars []entity.OHLCVBar) []decimal.Decimal {
	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// SMA returns the arithmetic mean of the last n closes. Unavailable with
// fewer than n values.
func SMA(closes []decimal.Decimal, n int) (decimal.Decimal, bool) {
	if n <= 0 || len(closes) < n {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, c := range closes[len(closes)-n:] {
		sum = sum.Add(c)
	}
	return div(sum, decimal.NewFromInt(int64(n))), true
}

// emaSeries computes the EMA(n) series seeded by SMA(n) over the first n
// values. The result has len(closes)-n+1 entries, one per close from
// index n-1 on.
func emaSeries(closes []decimal.Decimal, n int) ([]decimal.Decimal, bool) {
	if n <= 0 || len(closes) < n {
		return nil, false
	}
	seed, _ := SMA(closes[:n], n)
	alpha := div(two, decimal.NewFromInt(int64(n+1)))
	series := make([]decimal.Decimal, 0, len(closes)-n+1)
	series = append(series, seed)
	prev := seed
	for _, c := range closes[n:] {
		prev = c.Sub(prev).Mul(alpha).Add(prev).RoundBank(divPrecision)
		series = append(series, prev)
	}
	return series, true
}

// EMA returns the exponential moving average with alpha = 2/(n+1), seeded
// by SMA(n) over the first n closes.
func EMA(closes []decimal.Decimal, n int) (decimal.Decimal, bool) {
	series, ok := emaSeries(closes, n)
	if !ok {
		return decimal.Zero, false
	}
	return series[len(series)-1], true
}

// RSI returns the Wilder relative strength index over n periods. Requires
// n+1 closes. Output is in [0, 100].
func RSI(closes []decimal.Decimal, n int) (decimal.Decimal, bool) {
	if n <= 0 || len(closes) < n+1 {
		return decimal.Zero, false
	}

	avgGain, avgLoss := decimal.Zero, decimal.Zero
	for i := 1; i <= n; i++ {
		change := closes[i].Sub(closes[i-1])
		if change.IsPositive() {
			avgGain = avgGain.Add(change)
		} else {
			avgLoss = avgLoss.Add(change.Neg())
		}
	}
	period := decimal.NewFromInt(int64(n))
	avgGain = div(avgGain, period)
	avgLoss = div(avgLoss, period)

	// Wilder smoothing over the remaining closes.
	prevPeriod := decimal.NewFromInt(int64(n - 1))
	for i := n + 1; i < len(closes); i++ {
		change := closes[i].Sub(closes[i-1])
		gain, loss := decimal.Zero, decimal.Zero
		if change.IsPositive() {
			gain = change
		} else {
			loss = change.Neg()
		}
		avgGain = div(avgGain.Mul(prevPeriod).Add(gain), period)
		avgLoss = div(avgLoss.Mul(prevPeriod).Add(loss), period)
	}

	if avgLoss.IsZero() {
		return hundred, true
	}
	rs := div(avgGain, avgLoss)
	return hundred.Sub(div(hundred, decimal.NewFromInt(1).Add(rs))), true
}

// MACDResult carries the last MACD values plus the previous histogram for
// zero-cross detection.
type MACDResult struct {
	MACD          decimal.Decimal
	Signal        decimal.Decimal
	Histogram     decimal.Decimal
	PrevHistogram decimal.Decimal
	HasPrev       bool
}

// MACD computes MACD(12,26,9): macd = EMA12 - EMA26, signal = EMA9 of the
// macd series, histogram = macd - signal. Requires 26+9-1 closes.
func MACD(closes []decimal.Decimal) (MACDResult, bool) {
	if len(closes) < MACDSlowPeriod+MACDSignalPeriod-1 {
		return MACDResult{}, false
	}

	fast, _ := emaSeries(closes, MACDFastPeriod)
	slow, _ := emaSeries(closes, MACDSlowPeriod)

	// Align the fast series to the slow series start.
	offset := MACDSlowPeriod - MACDFastPeriod
	macdSeries := make([]decimal.Decimal, len(slow))
	for i := range slow {
		macdSeries[i] = fast[i+offset].Sub(slow[i])
	}

	signalSeries, ok := emaSeries(macdSeries, MACDSignalPeriod)
	if !ok {
		return MACDResult{}, false
	}

	last := len(signalSeries) - 1
	macdLast := macdSeries[len(macdSeries)-1]
	result := MACDResult{
		MACD:      macdLast,
		Signal:    signalSeries[last],
		Histogram: macdLast.Sub(signalSeries[last]),
	}
	if last > 0 {
		prevMACD := macdSeries[len(macdSeries)-2]
		result.PrevHistogram = prevMACD.Sub(signalSeries[last-1])
		result.HasPrev = true
	}
	return result, true
}

// BollingerResult carries the three Bollinger bands.
type BollingerResult struct {
	Mid   decimal.Decimal
	Upper decimal.Decimal
	Lower decimal.Decimal
}

// Bollinger computes Bollinger(n, k) bands using the population standard
// deviation of the last n closes.
func Bollinger(closes []decimal.Decimal, n int, k float64) (BollingerResult, bool) {
	mid, ok := SMA(closes, n)
	if !ok {
		return BollingerResult{}, false
	}

	window := closes[len(closes)-n:]
	variance := decimal.Zero
	for _, c := range window {
		d := c.Sub(mid)
		variance = variance.Add(d.Mul(d))
	}
	variance = div(variance, decimal.NewFromInt(int64(n)))

	// Square root has no closed decimal form; computed in floats and
	// rounded back.
	stdev := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64())).RoundBank(divPrecision)
	band := stdev.Mul(decimal.NewFromFloat(k))

	return BollingerResult{
		Mid:   mid,
		Upper: mid.Add(band).RoundBank(divPrecision),
		Lower: mid.Sub(band).RoundBank(divPrecision),
	}, true
}

// Snapshot is the full indicator evaluation the signal generator consumes.
// Each block carries its own availability flag.
type Snapshot struct {
	LastClose decimal.Decimal

	RSI    decimal.Decimal
	HasRSI bool

	ShortSMA     decimal.Decimal
	LongSMA      decimal.Decimal
	PrevShortSMA decimal.Decimal
	PrevLongSMA  decimal.Decimal
	HasSMACross  bool

	MACD    MACDResult
	HasMACD bool

	Bollinger    BollingerResult
	HasBollinger bool
}

// Evaluate computes the snapshot from bars in ascending timestamp order.
func Evaluate(bars []entity.OHLCVBar) Snapshot {
	closes := Closes(bars)
	snap := Snapshot{}
	if len(closes) == 0 {
		return snap
	}
	snap.LastClose = closes[len(closes)-1]

	snap.RSI, snap.HasRSI = RSI(closes, DefaultRSIPeriod)

	shortNow, okS := SMA(closes, DefaultShortSMAPeriod)
	longNow, okL := SMA(closes, DefaultLongSMAPeriod)
	if okS && okL && len(closes) > DefaultLongSMAPeriod {
		prev := closes[:len(closes)-1]
		shortPrev, okPS := SMA(prev, DefaultShortSMAPeriod)
		longPrev, okPL := SMA(prev, DefaultLongSMAPeriod)
		if okPS && okPL {
			snap.ShortSMA, snap.LongSMA = shortNow, longNow
			snap.PrevShortSMA, snap.PrevLongSMA = shortPrev, longPrev
			snap.HasSMACross = true
		}
	}

	snap.MACD, snap.HasMACD = MACD(closes)
	snap.Bollinger, snap.HasBollinger = Bollinger(closes, DefaultBollingerPeriod, 2.0)

	return snap
}

// Sufficient reports whether enough data exists for a technical opinion.
// RSI is the binding requirement; without it the generator emits hold with
// zero confidence.
func (s Snapshot) Sufficient() bool {
	return s.HasRSI
}
