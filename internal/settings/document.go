// Package settings owns the versioned trading configuration document: schema,
// validation, atomic snapshot publication, and hot reload.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Tier is a market-cap category. It determines detection thresholds, exit
// parameters, sizing, and slippage for every symbol in it.
type Tier string

const (
	TierLargeCap Tier = "large_cap"
	TierMidCap   Tier = "mid_cap"
	TierSmallCap Tier = "small_cap"
	TierMemecoin Tier = "memecoin"
)

// tierOrder fixes the deterministic tier iteration order used when deriving
// the scan universe.
var tierOrder = []Tier{TierLargeCap, TierMidCap, TierSmallCap, TierMemecoin}

// Strategy names as they appear in the document and in scan_history.
const (
	StrategyDCA     = "DCA"
	StrategySwing   = "SWING"
	StrategyChannel = "CHANNEL"
)

// StrategyOrder is the fixed per-symbol evaluation order.
var StrategyOrder = []string{StrategyDCA, StrategySwing, StrategyChannel}

// Document is the full trading configuration as stored in trading_config /
// CONFIG_PATH. It is immutable once parsed; readers get it via Snapshot.
type Document struct {
	Version        string                    `json:"version"`
	GlobalSettings GlobalSettings            `json:"global_settings"`
	Strategies     map[string]StrategyConfig `json:"strategies"`
	MarketCapTiers map[Tier][]string         `json:"market_cap_tiers"`
	PositionMgmt   PositionManagement        `json:"position_management"`
	RiskMgmt       RiskManagement            `json:"risk_management"`
	Fees           Fees                      `json:"fees"`
	SlippageRates  map[Tier]float64          `json:"slippage_rates"`
	Notifications  Notifications             `json:"notifications"`
}

// GlobalSettings holds engine cadence and scan-loop parameters.
type GlobalSettings struct {
	ScanIntervalSec    int      `json:"scan_interval_sec"`
	ExitIntervalSec    int      `json:"exit_interval_sec"`
	MaxScanTickSec     int      `json:"max_scan_tick_sec"`
	CellTimeoutSec     int      `json:"cell_timeout_sec"`
	ExitCellTimeoutSec int      `json:"exit_cell_timeout_sec"`
	WorkerCount        int      `json:"worker_count"`
	FreshnessMaxSec    int      `json:"freshness_max_sec"`
	ScanUniverse       []string `json:"scan_universe"`
	VolumeMeanBars     int      `json:"volume_mean_bars"`
}

// StrategyConfig holds one strategy's timeframe plus per-tier thresholds and
// exits.
type StrategyConfig struct {
	Timeframe       string                       `json:"timeframe"`
	DetectionByTier map[Tier]DetectionThresholds `json:"detection_thresholds_by_tier"`
	ExitsByTier     map[Tier]ExitParams          `json:"exits_by_tier"`
}

// DetectionThresholds is the tabular per-tier detector input. One flat struct
// is shared by all strategies; each detector reads the fields it needs.
type DetectionThresholds struct {
	// DCA
	DropThreshold     float64  `json:"drop_threshold"`
	LookbackHours     float64  `json:"lookback_hours"`
	VolumeRequirement float64  `json:"volume_requirement"`
	RSIMax            float64  `json:"rsi_max"`
	RegimeBlocklist   []string `json:"regime_blocklist"`

	// Swing
	BreakoutThreshold    float64 `json:"breakout_threshold"`
	VolumeSpikeThreshold float64 `json:"volume_spike_threshold"`
	RSIBullishMin        float64 `json:"rsi_bullish_min"`
	MinPriceChange24h    float64 `json:"min_price_change_24h"`
	MaxPriceChange24h    float64 `json:"max_price_change_24h"`
	MinTrendStrength     float64 `json:"min_trend_strength"`

	// Channel
	ChannelBars        int     `json:"channel_bars"`
	MinTouches         int     `json:"min_touches"`
	ParallelTolerance  float64 `json:"parallel_tolerance"`
	BuyZone            float64 `json:"buy_zone"`
	MinChannelStrength float64 `json:"min_channel_strength"`

	// ML gate
	MLConfidenceThreshold float64 `json:"ml_confidence_threshold"`
	NearMissThreshold     float64 `json:"near_miss_threshold"`
}

// ExitParams are the tier exit rules captured by a position at open time.
type ExitParams struct {
	TakeProfit         float64 `json:"take_profit"`
	StopLoss           float64 `json:"stop_loss"`
	TrailingStop       float64 `json:"trailing_stop"`
	TrailingActivation float64 `json:"trailing_activation"`
	HoldHours          float64 `json:"hold_hours"`
}

// PositionManagement holds balance and sizing parameters.
type PositionManagement struct {
	BaseNotionalUSD float64          `json:"base_notional_usd"`
	StartBalanceUSD float64          `json:"start_balance_usd"`
	ReservePct      float64          `json:"reserve_pct"`
	MaxPerStrategy  int              `json:"max_per_strategy"`
	SizeByTier      map[Tier]float64 `json:"size_multiplier_by_tier"`
}

// RiskManagement holds the global risk guards, checked in order on open.
type RiskManagement struct {
	MaxPositions    int     `json:"max_positions"`
	MaxPerSymbol    int     `json:"max_per_symbol"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct"`
}

// Fees holds exchange fee rates applied to simulated fills.
type Fees struct {
	Taker float64 `json:"taker"`
}

// Notifications is parsed for completeness; delivery lives outside the core.
type Notifications struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel"`
}

// Parse decodes and validates a document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse trading config: %w", err)
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) applyDefaults() {
	g := &d.GlobalSettings
	if g.ScanIntervalSec == 0 {
		g.ScanIntervalSec = 60
	}
	if g.ExitIntervalSec == 0 {
		g.ExitIntervalSec = 30
	}
	if g.MaxScanTickSec == 0 {
		g.MaxScanTickSec = 50
	}
	if g.CellTimeoutSec == 0 {
		g.CellTimeoutSec = 5
	}
	if g.ExitCellTimeoutSec == 0 {
		g.ExitCellTimeoutSec = 3
	}
	if g.FreshnessMaxSec == 0 {
		g.FreshnessMaxSec = 300
	}
	if g.VolumeMeanBars == 0 {
		g.VolumeMeanBars = 20
	}
	if d.PositionMgmt.StartBalanceUSD == 0 {
		d.PositionMgmt.StartBalanceUSD = 10000
	}
	for name, sc := range d.Strategies {
		if sc.Timeframe == "" {
			sc.Timeframe = "15m"
			d.Strategies[name] = sc
		}
	}
}

var validTimeframes = map[string]bool{"1m": true, "15m": true, "1h": true, "1d": true}

// Validate rejects documents with missing sections or out-of-range numerics.
func (d *Document) Validate() error {
	if d.Version == "" {
		return fmt.Errorf("trading config: version is required")
	}
	if len(d.Strategies) == 0 {
		return fmt.Errorf("trading config: strategies section is required")
	}
	for name, sc := range d.Strategies {
		switch name {
		case StrategyDCA, StrategySwing, StrategyChannel:
		default:
			return fmt.Errorf("trading config: unknown strategy %q", name)
		}
		if !validTimeframes[sc.Timeframe] {
			return fmt.Errorf("trading config: strategy %s: invalid timeframe %q", name, sc.Timeframe)
		}
		for tier, ex := range sc.ExitsByTier {
			if ex.TakeProfit <= 0 || ex.TakeProfit > 1 {
				return fmt.Errorf("trading config: %s/%s: take_profit out of range", name, tier)
			}
			if ex.StopLoss <= 0 || ex.StopLoss > 1 {
				return fmt.Errorf("trading config: %s/%s: stop_loss out of range", name, tier)
			}
			if ex.TrailingStop < 0 || ex.TrailingStop > 0.5 {
				return fmt.Errorf("trading config: %s/%s: trailing_stop out of range", name, tier)
			}
			if ex.HoldHours <= 0 {
				return fmt.Errorf("trading config: %s/%s: hold_hours must be positive", name, tier)
			}
		}
		for tier, dt := range sc.DetectionByTier {
			if dt.MLConfidenceThreshold < 0 || dt.MLConfidenceThreshold > 1 {
				return fmt.Errorf("trading config: %s/%s: ml_confidence_threshold out of range", name, tier)
			}
			if dt.NearMissThreshold < 0 || dt.NearMissThreshold > dt.MLConfidenceThreshold {
				return fmt.Errorf("trading config: %s/%s: near_miss_threshold out of range", name, tier)
			}
		}
	}
	if d.Fees.Taker < 0 || d.Fees.Taker > 0.05 {
		return fmt.Errorf("trading config: fees.taker out of range")
	}
	for tier, s := range d.SlippageRates {
		if s < 0 || s > 0.05 {
			return fmt.Errorf("trading config: slippage_rates.%s out of range", tier)
		}
	}
	if d.RiskMgmt.MaxPositions <= 0 {
		return fmt.Errorf("trading config: risk_management.max_positions must be positive")
	}
	if d.RiskMgmt.MaxPerSymbol <= 0 {
		return fmt.Errorf("trading config: risk_management.max_per_symbol must be positive")
	}
	if d.RiskMgmt.MaxDailyLossPct <= 0 {
		return fmt.Errorf("trading config: risk_management.max_daily_loss_pct must be positive")
	}
	if d.PositionMgmt.BaseNotionalUSD <= 0 {
		return fmt.Errorf("trading config: position_management.base_notional_usd must be positive")
	}
	if d.PositionMgmt.ReservePct < 0 || d.PositionMgmt.ReservePct >= 1 {
		return fmt.Errorf("trading config: position_management.reserve_pct out of range")
	}
	return nil
}

// Universe returns the deterministic scan order: the explicit scan_universe
// when set, otherwise tier membership in fixed tier order, each tier's list
// sorted.
func (d *Document) Universe() []string {
	if len(d.GlobalSettings.ScanUniverse) > 0 {
		return d.GlobalSettings.ScanUniverse
	}
	var out []string
	seen := make(map[string]bool)
	for _, tier := range tierOrder {
		symbols := append([]string(nil), d.MarketCapTiers[tier]...)
		sort.Strings(symbols)
		for _, s := range symbols {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
