// Package ml scores detected setups with per-strategy logistic models and
// predicts adaptive exit parameters. Model artifacts are plain JSON produced
// by the offline training pipeline; the filter only loads them at init.
package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/settings"
)

// Result is the filter verdict for one setup.
type Result struct {
	Confidence          float64
	PredictedTakeProfit float64
	PredictedStopLoss   float64
	PredictedHoldHours  float64
	SizeMultiplier      float64
	ModelVersion        string
	PassThrough         bool
}

// Predictions flattens the exit predictions for scan_history persistence.
func (r Result) Predictions() map[string]float64 {
	if r.PassThrough {
		return nil
	}
	return map[string]float64{
		"predicted_take_profit": r.PredictedTakeProfit,
		"predicted_stop_loss":   r.PredictedStopLoss,
		"predicted_hold_hours":  r.PredictedHoldHours,
		"size_multiplier":       r.SizeMultiplier,
	}
}

// model is one strategy's trained artifact.
type model struct {
	Strategy  string             `json:"strategy"`
	Version   string             `json:"version"`
	TrainedAt string             `json:"trained_at"`
	Bias      float64            `json:"bias"`
	Weights   map[string]float64 `json:"weights"`
	Exits     *exitHead          `json:"exits,omitempty"`
}

// exitHead maps confidence onto exit parameters: value = base + scale*(2c-1).
type exitHead struct {
	TakeProfitBase  float64 `json:"take_profit_base"`
	TakeProfitScale float64 `json:"take_profit_scale"`
	StopLossBase    float64 `json:"stop_loss_base"`
	StopLossScale   float64 `json:"stop_loss_scale"`
	HoldHoursBase   float64 `json:"hold_hours_base"`
	HoldHoursScale  float64 `json:"hold_hours_scale"`
}

// Filter scores setups. Safe for concurrent use; models never change after
// load.
type Filter struct {
	mu     sync.RWMutex
	models map[string]*model
	log    zerolog.Logger
}

// NewFilter loads every available model artifact from dir. A missing file for
// a strategy is normal (that strategy runs in pass-through mode); a present
// but malformed file is an error.
func NewFilter(dir string, log zerolog.Logger) (*Filter, error) {
	f := &Filter{models: make(map[string]*model), log: log}
	if dir == "" {
		return f, nil
	}
	for _, strat := range settings.StrategyOrder {
		path := filepath.Join(dir, strings.ToLower(strat)+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read model %s: %w", path, err)
		}
		var m model
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse model %s: %w", path, err)
		}
		if len(m.Weights) == 0 {
			return nil, fmt.Errorf("model %s has no weights", path)
		}
		f.models[strat] = &m
		log.Info().
			Str("strategy", strat).
			Str("version", m.Version).
			Int("weights", len(m.Weights)).
			Msg("ml model loaded")
	}
	return f, nil
}

// Enabled reports whether a trained model exists for the strategy.
func (f *Filter) Enabled(strategy string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.models[strategy] != nil
}

// Score evaluates the setup's feature map. Without a model the result is a
// pass-through: confidence 1.0 and the tier's default exits.
func (f *Filter) Score(strategy string, feats map[string]float64, tierExits settings.ExitParams) Result {
	f.mu.RLock()
	m := f.models[strategy]
	f.mu.RUnlock()

	if m == nil {
		return Result{
			Confidence:          1.0,
			PredictedTakeProfit: tierExits.TakeProfit,
			PredictedStopLoss:   tierExits.StopLoss,
			PredictedHoldHours:  tierExits.HoldHours,
			SizeMultiplier:      1.0,
			PassThrough:         true,
		}
	}

	z := m.Bias
	for name, w := range m.Weights {
		z += w * feats[name]
	}
	conf := sigmoid(z)

	res := Result{
		Confidence:     conf,
		SizeMultiplier: clamp(0.5+conf, 0.5, 1.5),
		ModelVersion:   m.Version,
	}
	if m.Exits != nil {
		lever := 2*conf - 1
		res.PredictedTakeProfit = m.Exits.TakeProfitBase + m.Exits.TakeProfitScale*lever
		res.PredictedStopLoss = m.Exits.StopLossBase - m.Exits.StopLossScale*lever
		res.PredictedHoldHours = m.Exits.HoldHoursBase + m.Exits.HoldHoursScale*lever
	} else {
		res.PredictedTakeProfit = tierExits.TakeProfit
		res.PredictedStopLoss = tierExits.StopLoss
		res.PredictedHoldHours = tierExits.HoldHours
	}
	if res.PredictedTakeProfit <= 0 {
		res.PredictedTakeProfit = tierExits.TakeProfit
	}
	if res.PredictedStopLoss <= 0 {
		res.PredictedStopLoss = tierExits.StopLoss
	}
	if res.PredictedHoldHours <= 0 {
		res.PredictedHoldHours = tierExits.HoldHours
	}
	return res
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
