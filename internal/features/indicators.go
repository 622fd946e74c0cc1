package features

import (
	"math"

	"paper-trading-engine/internal/database"
)

// Indicator helpers. All operate on the trailing end of the bar slice and
// never read past the last element, so they cannot look forward.

// SMA calculates the simple moving average of closes over the last period bars.
func SMA(bars []database.OhlcBar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average of closes, seeded with the
// SMA of the first period bars.
func EMA(bars []database.OhlcBar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}
	ema := SMA(bars[:period], period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(bars); i++ {
		ema = bars[i].Close*k + ema*(1-k)
	}
	return ema
}

// emaSeries returns the EMA at every index from period-1 onward.
func emaSeries(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out = append(out, ema)
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// RSI calculates Wilder's relative strength index over the last period bars.
func RSI(bars []database.OhlcBar, period int) float64 {
	if len(bars) < period+1 {
		return 50.0
	}
	gains, losses := 0.0, 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACDResult holds the MACD line, signal line, and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes MACD(fast, slow) with a proper EMA-of-MACD signal line.
func MACD(bars []database.OhlcBar, fast, slow, signal int) MACDResult {
	if len(bars) < slow+signal {
		return MACDResult{}
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)
	// Align the two series on their tails.
	n := len(slowSeries)
	macdLine := make([]float64, n)
	for i := 0; i < n; i++ {
		macdLine[i] = fastSeries[len(fastSeries)-n+i] - slowSeries[i]
	}
	signalSeries := emaSeries(macdLine, signal)
	if len(signalSeries) == 0 {
		return MACDResult{}
	}
	m := macdLine[len(macdLine)-1]
	s := signalSeries[len(signalSeries)-1]
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}
}

// Bollinger holds band values plus derived width and position.
type Bollinger struct {
	Upper, Middle, Lower float64
	Width                float64 // (upper-lower)/middle
	Position             float64 // 0 at lower band, 1 at upper band
}

// BollingerBands computes period-bar bands at stdDevs standard deviations.
func BollingerBands(bars []database.OhlcBar, period int, stdDevs float64) Bollinger {
	if len(bars) < period {
		return Bollinger{}
	}
	middle := SMA(bars, period)
	variance := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		d := bars[i].Close - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	upper := middle + sd*stdDevs
	lower := middle - sd*stdDevs

	b := Bollinger{Upper: upper, Middle: middle, Lower: lower}
	if middle != 0 {
		b.Width = (upper - lower) / middle
	}
	if upper != lower {
		b.Position = (bars[len(bars)-1].Close - lower) / (upper - lower)
	}
	return b
}

// Stochastic computes %K over kPeriod and %D as the SMA of the last dPeriod
// %K values.
func Stochastic(bars []database.OhlcBar, kPeriod, dPeriod int) (k, d float64) {
	if len(bars) < kPeriod+dPeriod-1 {
		return 50, 50
	}
	kAt := func(end int) float64 {
		hi, lo := bars[end-kPeriod+1].High, bars[end-kPeriod+1].Low
		for i := end - kPeriod + 1; i <= end; i++ {
			if bars[i].High > hi {
				hi = bars[i].High
			}
			if bars[i].Low < lo {
				lo = bars[i].Low
			}
		}
		if hi == lo {
			return 50
		}
		return (bars[end].Close - lo) / (hi - lo) * 100
	}
	last := len(bars) - 1
	k = kAt(last)
	sum := 0.0
	for i := 0; i < dPeriod; i++ {
		sum += kAt(last - i)
	}
	return k, sum / float64(dPeriod)
}

// AverageVolume returns the mean volume of the last period bars, excluding
// the current (last) bar.
func AverageVolume(bars []database.OhlcBar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(bars) - 1 - period; i < len(bars)-1; i++ {
		sum += bars[i].Volume
	}
	return sum / float64(period)
}

// RateOfChange returns the percent change over the last period bars.
func RateOfChange(bars []database.OhlcBar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	past := bars[len(bars)-period-1].Close
	if past == 0 {
		return 0
	}
	return (bars[len(bars)-1].Close - past) / past * 100
}

// LogReturnVolatility is the standard deviation of log returns over the last
// period bars.
func LogReturnVolatility(bars []database.OhlcBar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	rets := make([]float64, 0, period)
	for i := len(bars) - period; i < len(bars); i++ {
		if bars[i-1].Close > 0 && bars[i].Close > 0 {
			rets = append(rets, math.Log(bars[i].Close/bars[i-1].Close))
		}
	}
	if len(rets) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(rets)))
}

// LocalExtremes finds the nearest local minimum low and local maximum high in
// the trailing lookback window. A local extreme is a bar whose low/high is
// the most extreme among its two neighbors on each side.
func LocalExtremes(bars []database.OhlcBar, lookback int) (support, resistance float64) {
	n := len(bars)
	if n < 5 {
		return 0, 0
	}
	start := n - lookback
	if start < 2 {
		start = 2
	}
	for i := n - 3; i >= start; i-- {
		if support == 0 &&
			bars[i].Low <= bars[i-1].Low && bars[i].Low <= bars[i-2].Low &&
			bars[i].Low <= bars[i+1].Low && bars[i].Low <= bars[i+2].Low {
			support = bars[i].Low
		}
		if resistance == 0 &&
			bars[i].High >= bars[i-1].High && bars[i].High >= bars[i-2].High &&
			bars[i].High >= bars[i+1].High && bars[i].High >= bars[i+2].High {
			resistance = bars[i].High
		}
		if support != 0 && resistance != 0 {
			break
		}
	}
	return support, resistance
}

// HighestClose returns the maximum close over the last period bars.
func HighestClose(bars []database.OhlcBar, period int) float64 {
	if len(bars) == 0 {
		return 0
	}
	start := len(bars) - period
	if start < 0 {
		start = 0
	}
	hi := bars[start].Close
	for i := start; i < len(bars); i++ {
		if bars[i].Close > hi {
			hi = bars[i].Close
		}
	}
	return hi
}

// HighestHigh returns the maximum high over the last period bars, excluding
// the current bar.
func HighestHigh(bars []database.OhlcBar, period int) float64 {
	if len(bars) < 2 {
		return 0
	}
	end := len(bars) - 1
	start := end - period
	if start < 0 {
		start = 0
	}
	hi := bars[start].High
	for i := start; i < end; i++ {
		if bars[i].High > hi {
			hi = bars[i].High
		}
	}
	return hi
}
