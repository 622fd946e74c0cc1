package strategy

import (
	"paper-trading-engine/internal/features"
	"paper-trading-engine/internal/settings"
)

// SimpleRules holds the loose fallback variants of each detector. They are
// consulted only when the ML filter is disabled for the strategy and the
// primary detector found nothing, so that unfiltered runs still produce a
// trickle of entries for calibration.
type SimpleRules struct{}

func NewSimpleRules() *SimpleRules { return &SimpleRules{} }

// Detect applies the loose variant for the named strategy. The thresholds are
// the same tier thresholds the primary detector used, relaxed by fixed
// factors.
func (s *SimpleRules) Detect(strategy string, in Inputs) (*Setup, error) {
	switch strategy {
	case settings.StrategyDCA:
		return s.looseDCA(in)
	case settings.StrategySwing:
		return s.looseSwing(in)
	case settings.StrategyChannel:
		return s.looseChannel(in)
	default:
		return nil, nil
	}
}

// looseDCA requires two thirds of the configured drop and skips the volume
// requirement.
func (s *SimpleRules) looseDCA(in Inputs) (*Setup, error) {
	t := in.Thresholds
	if t.DropThreshold >= 0 || len(in.Bars) < 2 {
		return nil, nil
	}
	current := in.Bars[len(in.Bars)-1].Close
	referenceHigh := features.HighestClose(in.Bars, len(in.Bars))
	if referenceHigh <= 0 {
		return nil, nil
	}
	dropPct := (current - referenceHigh) / referenceHigh * 100
	if dropPct > t.DropThreshold*2.0/3.0 {
		return nil, nil
	}
	if in.Feats.RSI14 > t.RSIMax+10 {
		return nil, nil
	}
	return s.setup(settings.StrategyDCA, in, current, map[string]float64{
		"drop_percent":   dropPct,
		"reference_high": referenceHigh,
		"rsi":            in.Feats.RSI14,
		"simple_rules":   1,
	}), nil
}

// looseSwing accepts any close above the trailing high with above-average
// volume, ignoring trend and 24h-change bounds.
func (s *SimpleRules) looseSwing(in Inputs) (*Setup, error) {
	t := in.Thresholds
	if t.BreakoutThreshold <= 0 || len(in.Bars) < 21 {
		return nil, nil
	}
	current := in.Bars[len(in.Bars)-1].Close
	resistance := features.HighestHigh(in.Bars, 20)
	if resistance <= 0 || current <= resistance {
		return nil, nil
	}
	if in.Feats.VolumeRatio < 1.0 {
		return nil, nil
	}
	breakoutPct := (current - resistance) / resistance * 100
	return s.setup(settings.StrategySwing, in, current, map[string]float64{
		"breakout_percent": breakoutPct,
		"resistance":       resistance,
		"volume_ratio":     in.Feats.VolumeRatio,
		"simple_rules":     1,
	}), nil
}

// looseChannel accepts half the touch count and a doubled buy zone.
func (s *SimpleRules) looseChannel(in Inputs) (*Setup, error) {
	t := in.Thresholds
	if t.ChannelBars <= 0 || t.BuyZone <= 0 || len(in.Bars) < t.ChannelBars {
		return nil, nil
	}
	window := in.Bars[len(in.Bars)-t.ChannelBars:]
	fit := fitChannel(window)
	if fit == nil {
		return nil, nil
	}
	minTouches := t.MinTouches / 2
	if minTouches < 1 {
		minTouches = 1
	}
	if fit.touchesTop < minTouches || fit.touchesBottom < minTouches {
		return nil, nil
	}
	height := fit.top - fit.bottom
	if height <= 0 {
		return nil, nil
	}
	current := window[len(window)-1].Close
	position := (current - fit.bottom) / height
	zone := t.BuyZone * 2
	if zone > 0.5 {
		zone = 0.5
	}
	if position < 0 || position > zone {
		return nil, nil
	}
	return s.setup(settings.StrategyChannel, in, current, map[string]float64{
		"channel_top":         fit.top,
		"channel_bottom":      fit.bottom,
		"position_in_channel": position,
		"strength":            fit.strength,
		"simple_rules":        1,
	}), nil
}

func (s *SimpleRules) setup(strategy string, in Inputs, price float64, data map[string]float64) *Setup {
	return &Setup{
		Strategy:          strategy,
		Symbol:            in.Symbol,
		DetectedAt:        in.Now,
		ReferencePrice:    price,
		Data:              data,
		SuggestedNotional: in.BaseNotional,
	}
}
