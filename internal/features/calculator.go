// Package features computes the fixed technical-indicator vector consumed by
// the detectors and the ML filter. The calculator is pure: identical input
// bars yield bit-identical output.
package features

import (
	"errors"
	"fmt"
	"time"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/marketdata"
)

// MinBars is the minimum slice length the calculator accepts.
const MinBars = 288

// ErrInsufficientData is returned when fewer than MinBars bars are supplied.
var ErrInsufficientData = errors.New("insufficient bars for feature calculation")

// Features is the typed indicator vector. Extras carries ML-bound blobs that
// have no fixed field.
type Features struct {
	Return5m  float64
	Return1h  float64
	Return4h  float64
	Return24h float64

	VolumeRatio float64

	RSI14         float64
	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
	BollWidth     float64
	BollPosition  float64

	SMA20, SMA50, SMA200 float64
	EMA20, EMA50, EMA200 float64
	DistSMA20Pct         float64
	DistSMA50Pct         float64
	DistSMA200Pct        float64

	ROC        float64
	StochK     float64
	StochD     float64
	Volatility float64

	SupportDistancePct    float64
	ResistanceDistancePct float64

	Close float64

	Extras map[string]float64
}

// Calculator computes Features from an OHLC slice.
type Calculator struct {
	volumeMeanBars int
}

func NewCalculator(volumeMeanBars int) *Calculator {
	if volumeMeanBars <= 0 {
		volumeMeanBars = 20
	}
	return &Calculator{volumeMeanBars: volumeMeanBars}
}

// Compute derives the feature vector. Bars must be chronologically ascending
// with valid OHLC values; only bars at or before the last index are read.
func (c *Calculator) Compute(bars []database.OhlcBar, timeframe string) (*Features, error) {
	if len(bars) < MinBars {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(bars), MinBars)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("non-monotonic timestamps at index %d", i)
		}
	}
	last := bars[len(bars)-1]
	if !last.Valid() {
		return nil, fmt.Errorf("invalid ohlc values on current bar")
	}

	dur, err := marketdata.TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	f := &Features{Close: last.Close}

	f.Return5m = returnOver(bars, barsFor(5*time.Minute, dur))
	f.Return1h = returnOver(bars, barsFor(time.Hour, dur))
	f.Return4h = returnOver(bars, barsFor(4*time.Hour, dur))
	f.Return24h = returnOver(bars, barsFor(24*time.Hour, dur))

	if avg := AverageVolume(bars, c.volumeMeanBars); avg > 0 {
		f.VolumeRatio = last.Volume / avg
	}

	f.RSI14 = RSI(bars, 14)
	macd := MACD(bars, 12, 26, 9)
	f.MACD, f.MACDSignal, f.MACDHistogram = macd.MACD, macd.Signal, macd.Histogram
	bb := BollingerBands(bars, 20, 2.0)
	f.BollWidth, f.BollPosition = bb.Width, bb.Position

	f.SMA20, f.SMA50, f.SMA200 = SMA(bars, 20), SMA(bars, 50), SMA(bars, 200)
	f.EMA20, f.EMA50, f.EMA200 = EMA(bars, 20), EMA(bars, 50), EMA(bars, 200)
	f.DistSMA20Pct = distPct(last.Close, f.SMA20)
	f.DistSMA50Pct = distPct(last.Close, f.SMA50)
	f.DistSMA200Pct = distPct(last.Close, f.SMA200)

	f.ROC = RateOfChange(bars, 12)
	f.StochK, f.StochD = Stochastic(bars, 14, 3)
	f.Volatility = LogReturnVolatility(bars, 30)

	support, resistance := LocalExtremes(bars, 96)
	if support > 0 {
		f.SupportDistancePct = (last.Close - support) / last.Close * 100
	}
	if resistance > 0 {
		f.ResistanceDistancePct = (resistance - last.Close) / last.Close * 100
	}

	return f, nil
}

// Map flattens the vector for persistence and for the ML filter's dot
// product. Extras are merged under their own keys.
func (f *Features) Map() map[string]float64 {
	m := map[string]float64{
		"return_5m":               f.Return5m,
		"return_1h":               f.Return1h,
		"return_4h":               f.Return4h,
		"return_24h":              f.Return24h,
		"volume_ratio":            f.VolumeRatio,
		"rsi_14":                  f.RSI14,
		"macd":                    f.MACD,
		"macd_signal":             f.MACDSignal,
		"macd_histogram":          f.MACDHistogram,
		"boll_width":              f.BollWidth,
		"boll_position":           f.BollPosition,
		"sma_20":                  f.SMA20,
		"sma_50":                  f.SMA50,
		"sma_200":                 f.SMA200,
		"ema_20":                  f.EMA20,
		"ema_50":                  f.EMA50,
		"ema_200":                 f.EMA200,
		"dist_sma_20_pct":         f.DistSMA20Pct,
		"dist_sma_50_pct":         f.DistSMA50Pct,
		"dist_sma_200_pct":        f.DistSMA200Pct,
		"roc":                     f.ROC,
		"stoch_k":                 f.StochK,
		"stoch_d":                 f.StochD,
		"volatility":              f.Volatility,
		"support_distance_pct":    f.SupportDistancePct,
		"resistance_distance_pct": f.ResistanceDistancePct,
		"close":                   f.Close,
	}
	for k, v := range f.Extras {
		m[k] = v
	}
	return m
}

func barsFor(window, barDur time.Duration) int {
	n := int(window / barDur)
	if n < 1 {
		n = 1
	}
	return n
}

func returnOver(bars []database.OhlcBar, n int) float64 {
	if len(bars) < n+1 {
		return 0
	}
	past := bars[len(bars)-n-1].Close
	if past == 0 {
		return 0
	}
	return (bars[len(bars)-1].Close - past) / past * 100
}

func distPct(price, ma float64) float64 {
	if ma == 0 {
		return 0
	}
	return (price - ma) / ma * 100
}
