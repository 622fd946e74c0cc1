// Package strategy defines the entry detectors and the scan decision model.
package strategy

import (
	"fmt"
	"time"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/features"
	"paper-trading-engine/internal/settings"
)

// Outcome is the classifier's verdict for one (symbol, strategy) cell.
type Outcome string

const (
	OutcomeTake     Outcome = "TAKE"
	OutcomeNearMiss Outcome = "NEAR_MISS"
	OutcomeSkip     Outcome = "SKIP"
)

// Reason explains a Decision. Values are stable strings persisted to
// scan_history and consumed by downstream analysis.
type Reason string

const (
	ReasonSetupDetected    Reason = "setup_detected"
	ReasonNoSetup          Reason = "no_setup"
	ReasonDataUnavailable  Reason = "data_unavailable"
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonBadData          Reason = "bad_data"
	ReasonConfidenceTooLow Reason = "confidence_too_low"
	ReasonBelowNearMiss    Reason = "below_near_miss"
	ReasonCellTimeout      Reason = "cell_timeout"
	ReasonTickCancelled    Reason = "tick_cancelled"
	ReasonInternalError    Reason = "internal_error"

	// Open-path guard rejections; the TAKE is rewritten to NEAR_MISS.
	ReasonMaxPositions        Reason = "max_positions_reached"
	ReasonMaxSymbolPositions  Reason = "max_symbol_positions_reached"
	ReasonMaxStrategyPosition Reason = "max_strategy_positions_reached"
	ReasonDailyLossLimit      Reason = "daily_loss_limit_reached"
	ReasonInsufficientBalance Reason = "insufficient_balance"
)

// Regime is the coarse market state derived from BTC's 24h move.
type Regime string

const (
	RegimeRiskOn  Regime = "RISK_ON"
	RegimeNeutral Regime = "NEUTRAL"
	RegimeRiskOff Regime = "RISK_OFF"
	RegimeCrash   Regime = "CRASH"
)

// RegimeFromBTCReturn classifies the market regime from BTC's 24h percent
// return.
func RegimeFromBTCReturn(ret24h float64) Regime {
	switch {
	case ret24h <= -10:
		return RegimeCrash
	case ret24h <= -3:
		return RegimeRiskOff
	case ret24h >= 3:
		return RegimeRiskOn
	default:
		return RegimeNeutral
	}
}

// Setup describes a detected entry opportunity. It lives only inside the
// scan that produced it.
type Setup struct {
	Strategy          string
	Symbol            string
	DetectedAt        time.Time
	ReferencePrice    float64
	Data              map[string]float64
	SuggestedNotional float64
}

// Decision is the per-cell scan verdict persisted to scan_history.
type Decision struct {
	ScanID        string
	Timestamp     time.Time
	Symbol        string
	Strategy      string
	Outcome       Outcome
	Reason        Reason
	MarketRegime  Regime
	BTCPrice      float64
	Features      map[string]float64
	SetupData     map[string]float64
	MLConfidence  *float64
	MLPredictions map[string]float64
	Thresholds    settings.DetectionThresholds
	ProposedSize  *float64
	TradeGroupID  *string
}

// Validate enforces the Decision invariants: a TAKE must carry a setup and a
// positive proposed size.
func (d *Decision) Validate() error {
	if d.ScanID == "" {
		return fmt.Errorf("decision missing scan id")
	}
	if d.Outcome == OutcomeTake {
		if d.SetupData == nil {
			return fmt.Errorf("TAKE decision for %s/%s has no setup", d.Symbol, d.Strategy)
		}
		if d.ProposedSize == nil || *d.ProposedSize <= 0 {
			return fmt.Errorf("TAKE decision for %s/%s has no positive proposed size", d.Symbol, d.Strategy)
		}
	}
	return nil
}

// Inputs is the canonical tabular detector input.
type Inputs struct {
	Symbol       string
	Bars         []database.OhlcBar
	Feats        *features.Features
	Thresholds   settings.DetectionThresholds
	Regime       Regime
	BaseNotional float64
	Now          time.Time
	Timeframe    string
}

// Detector is a pure entry detector: inputs in, optional Setup out.
type Detector interface {
	Name() string
	Detect(in Inputs) (*Setup, error)
}
