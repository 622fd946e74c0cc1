package strategy

import (
	"math"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/settings"
)

// ChannelDetector fits a linear price channel to the trailing window and buys
// when price sits in the bottom zone of a strong, parallel channel.
type ChannelDetector struct{}

func NewChannelDetector() *ChannelDetector { return &ChannelDetector{} }

func (d *ChannelDetector) Name() string { return settings.StrategyChannel }

// channelFit holds the fitted top/bottom lines evaluated at the last bar.
type channelFit struct {
	top, bottom           float64
	topSlope, bottomSlope float64
	touchesTop            int
	touchesBottom         int
	strength              float64
}

func (d *ChannelDetector) Detect(in Inputs) (*Setup, error) {
	t := in.Thresholds
	n := t.ChannelBars
	if n <= 0 || t.BuyZone <= 0 {
		return nil, nil // tier not configured for channel
	}
	if len(in.Bars) < n {
		return nil, nil
	}
	window := in.Bars[len(in.Bars)-n:]

	fit := fitChannel(window)
	if fit == nil {
		return nil, nil
	}
	if fit.touchesTop < t.MinTouches || fit.touchesBottom < t.MinTouches {
		return nil, nil
	}
	// Parallel check: relative slope difference within tolerance.
	slopeRef := math.Max(math.Abs(fit.topSlope), math.Abs(fit.bottomSlope))
	if slopeRef > 0 && math.Abs(fit.topSlope-fit.bottomSlope)/slopeRef > t.ParallelTolerance {
		return nil, nil
	}
	if fit.strength < t.MinChannelStrength {
		return nil, nil
	}

	current := window[len(window)-1].Close
	height := fit.top - fit.bottom
	if height <= 0 {
		return nil, nil
	}
	position := (current - fit.bottom) / height
	if position < 0 || position > t.BuyZone {
		return nil, nil
	}

	return &Setup{
		Strategy:       settings.StrategyChannel,
		Symbol:         in.Symbol,
		DetectedAt:     in.Now,
		ReferencePrice: current,
		Data: map[string]float64{
			"channel_top":         fit.top,
			"channel_bottom":      fit.bottom,
			"position_in_channel": position,
			"strength":            fit.strength,
		},
		SuggestedNotional: in.BaseNotional,
	}, nil
}

// fitChannel regresses highs and lows against bar index, producing two lines
// evaluated at the last index. Touches count wicks within 0.2% of a line;
// strength is the fraction of closes inside the channel.
func fitChannel(bars []database.OhlcBar) *channelFit {
	n := len(bars)
	if n < 4 {
		return nil
	}

	highSlope, highIntercept := linearFit(bars, func(b database.OhlcBar) float64 { return b.High })
	lowSlope, lowIntercept := linearFit(bars, func(b database.OhlcBar) float64 { return b.Low })

	lastIdx := float64(n - 1)
	fit := &channelFit{
		top:         highSlope*lastIdx + highIntercept,
		bottom:      lowSlope*lastIdx + lowIntercept,
		topSlope:    highSlope,
		bottomSlope: lowSlope,
	}
	if fit.top <= fit.bottom {
		return nil
	}

	const touchTol = 0.002
	inside := 0
	for i, b := range bars {
		x := float64(i)
		topAt := highSlope*x + highIntercept
		bottomAt := lowSlope*x + lowIntercept
		if topAt > 0 && math.Abs(b.High-topAt)/topAt <= touchTol {
			fit.touchesTop++
		}
		if bottomAt > 0 && math.Abs(b.Low-bottomAt)/bottomAt <= touchTol {
			fit.touchesBottom++
		}
		if b.Close >= bottomAt && b.Close <= topAt {
			inside++
		}
	}
	fit.strength = float64(inside) / float64(n)
	return fit
}

// linearFit is a least-squares fit of value(bar) against bar index.
func linearFit(bars []database.OhlcBar, value func(database.OhlcBar) float64) (slope, intercept float64) {
	n := float64(len(bars))
	var sumX, sumY, sumXY, sumXX float64
	for i, b := range bars {
		x := float64(i)
		y := value(b)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}
