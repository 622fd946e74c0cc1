package database

import (
	"encoding/json"
	"time"
)

// OhlcBar is one candle from the ohlc_data table (or one of its summary views).
// Bars are written by the external ingester and are read-only to the engine.
type OhlcBar struct {
	Symbol    string
	Timeframe string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	VWAP      *float64
	Trades    *int64
}

// Valid reports whether the bar satisfies basic OHLC sanity (high >= low,
// open/close inside the range). Bars failing this are data-quality SKIPs.
func (b OhlcBar) Valid() bool {
	if b.High < b.Low {
		return false
	}
	if b.Open > b.High || b.Open < b.Low {
		return false
	}
	if b.Close > b.High || b.Close < b.Low {
		return false
	}
	return true
}

// ScanRecord is one row of scan_history: the classifier's verdict for a
// (symbol, strategy) pair at one tick.
type ScanRecord struct {
	ScanID        string          `json:"scan_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Symbol        string          `json:"symbol"`
	StrategyName  string          `json:"strategy_name"`
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason"`
	MarketRegime  string          `json:"market_regime"`
	BTCPrice      float64         `json:"btc_price"`
	Features      json.RawMessage `json:"features,omitempty"`
	SetupData     json.RawMessage `json:"setup_data,omitempty"`
	MLConfidence  *float64        `json:"ml_confidence,omitempty"`
	MLPredictions json.RawMessage `json:"ml_predictions,omitempty"`
	Thresholds    json.RawMessage `json:"thresholds_used,omitempty"`
	ProposedSize  *float64        `json:"proposed_position_size,omitempty"`
	TradeID       *string         `json:"trade_id,omitempty"`
}

// PaperTrade is one row of paper_trades. Each position produces a BUY row at
// open and a SELL row at close, linked by TradeGroupID.
type PaperTrade struct {
	TradeID            string
	TradeGroupID       string
	Symbol             string
	StrategyName       string
	Side               string // BUY or SELL
	Price              float64
	Amount             float64
	PnL                *float64
	CreatedAt          time.Time
	FilledAt           time.Time
	ExitReason         *string
	StopLoss           *float64
	TakeProfit         *float64
	TrailingStopPct    *float64
	MLConfidence       *float64
	PredictedTP        *float64
	PredictedSL        *float64
	PredictedHoldHours *float64
	HoldTimeHours      *float64
	ScanID             *string
	TradingEngine      string
}

// Heartbeat is one row of system_heartbeat, upserted by the supervisor.
type Heartbeat struct {
	ServiceName   string
	LastHeartbeat time.Time
	Status        string
	Metadata      json.RawMessage
}

// TradingConfigRow is the stored trading configuration document.
type TradingConfigRow struct {
	ConfigKey     string
	ConfigVersion string
	ConfigData    json.RawMessage
	LastUpdated   time.Time
	UpdatedBy     string
}

// ConfigAudit is one appended row of config_history.
type ConfigAudit struct {
	Timestamp      time.Time
	Version        string
	SectionChanged string
	OldValue       json.RawMessage
	NewValue       json.RawMessage
	ChangedBy      string
}
