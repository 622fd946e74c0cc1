package strategy

import (
	"paper-trading-engine/internal/features"
	"paper-trading-engine/internal/settings"
)

// SwingDetector buys momentum breakouts: close above the trailing high on a
// volume spike with bullish RSI and trend, within 24h-change bounds.
type SwingDetector struct {
	// breakoutBars is the trailing window whose high must be exceeded.
	breakoutBars int
}

func NewSwingDetector() *SwingDetector { return &SwingDetector{breakoutBars: 20} }

func (d *SwingDetector) Name() string { return settings.StrategySwing }

func (d *SwingDetector) Detect(in Inputs) (*Setup, error) {
	t := in.Thresholds
	if t.BreakoutThreshold <= 0 {
		return nil, nil // tier not configured for swing
	}
	if len(in.Bars) < d.breakoutBars+1 {
		return nil, nil
	}

	current := in.Bars[len(in.Bars)-1].Close
	resistance := features.HighestHigh(in.Bars, d.breakoutBars)
	if resistance <= 0 {
		return nil, nil
	}
	breakoutPct := (current - resistance) / resistance * 100

	if breakoutPct < t.BreakoutThreshold {
		return nil, nil
	}
	if in.Feats.VolumeRatio < t.VolumeSpikeThreshold {
		return nil, nil
	}
	if in.Feats.RSI14 < t.RSIBullishMin {
		return nil, nil
	}
	if in.Feats.Return24h < t.MinPriceChange24h || in.Feats.Return24h > t.MaxPriceChange24h {
		return nil, nil
	}

	// Trend gauge: fast SMA above slow SMA by at least the configured gap.
	trendStrength := 0.0
	if in.Feats.SMA50 > 0 {
		trendStrength = (in.Feats.SMA20 - in.Feats.SMA50) / in.Feats.SMA50 * 100
	}
	if trendStrength < t.MinTrendStrength {
		return nil, nil
	}

	return &Setup{
		Strategy:       settings.StrategySwing,
		Symbol:         in.Symbol,
		DetectedAt:     in.Now,
		ReferencePrice: current,
		Data: map[string]float64{
			"breakout_percent": breakoutPct,
			"resistance":       resistance,
			"rsi":              in.Feats.RSI14,
			"volume_ratio":     in.Feats.VolumeRatio,
			"trend_strength":   trendStrength,
			"change_24h":       in.Feats.Return24h,
		},
		SuggestedNotional: in.BaseNotional,
	}, nil
}
