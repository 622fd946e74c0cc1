package strategy

import (
	"fmt"
	"time"

	"paper-trading-engine/internal/features"
	"paper-trading-engine/internal/marketdata"
	"paper-trading-engine/internal/settings"
)

// DCADetector buys oversold dips: a sharp drop from the recent high on
// elevated volume while RSI is depressed, outside blocked regimes.
type DCADetector struct{}

func NewDCADetector() *DCADetector { return &DCADetector{} }

func (d *DCADetector) Name() string { return settings.StrategyDCA }

func (d *DCADetector) Detect(in Inputs) (*Setup, error) {
	t := in.Thresholds
	if t.DropThreshold >= 0 {
		return nil, nil // tier not configured for DCA
	}
	for _, blocked := range t.RegimeBlocklist {
		if Regime(blocked) == in.Regime {
			return nil, nil
		}
	}

	dur, err := marketdata.TimeframeDuration(in.Timeframe)
	if err != nil {
		return nil, err
	}
	lookbackBars := int(t.LookbackHours * float64(time.Hour) / float64(dur))
	if lookbackBars < 2 {
		lookbackBars = 2
	}
	if len(in.Bars) < lookbackBars {
		return nil, fmt.Errorf("dca: need %d bars, have %d", lookbackBars, len(in.Bars))
	}

	current := in.Bars[len(in.Bars)-1].Close
	referenceHigh := features.HighestClose(in.Bars, lookbackBars)
	if referenceHigh <= 0 {
		return nil, nil
	}
	dropPct := (current - referenceHigh) / referenceHigh * 100

	if dropPct > t.DropThreshold {
		return nil, nil // has not fallen enough
	}
	if in.Feats.VolumeRatio < t.VolumeRequirement {
		return nil, nil
	}
	if in.Feats.RSI14 > t.RSIMax {
		return nil, nil
	}

	return &Setup{
		Strategy:       settings.StrategyDCA,
		Symbol:         in.Symbol,
		DetectedAt:     in.Now,
		ReferencePrice: current,
		Data: map[string]float64{
			"drop_percent":     dropPct,
			"reference_high":   referenceHigh,
			"rsi":              in.Feats.RSI14,
			"volume_ratio":     in.Feats.VolumeRatio,
			"support_distance": in.Feats.SupportDistancePct,
		},
		SuggestedNotional: in.BaseNotional,
	}, nil
}
