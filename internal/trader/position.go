// Package trader manages the lifecycle of simulated positions: guarded opens
// with fee and slippage modelling, the exit loop, and trade persistence.
package trader

import (
	"fmt"
	"time"

	"paper-trading-engine/internal/settings"
	"paper-trading-engine/internal/strategy"
)

// Status is a position's lifecycle state. A CLOSED position is immutable.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// Exit reasons as persisted to paper_trades.exit_reason.
const (
	ExitTakeProfit   = "take_profit"
	ExitStopLoss     = "stop_loss"
	ExitTrailingStop = "trailing_stop"
	ExitTimeout      = "timeout"
	ExitManual       = "manual"
)

// Position is one open simulated long. All mutation happens under the
// trader's mutex.
type Position struct {
	TradeGroupID string
	Symbol       string
	Strategy     string
	Tier         settings.Tier

	EntryPrice float64
	Amount     float64
	Notional   float64
	OpenedAt   time.Time

	StopLoss        float64
	TakeProfit      float64
	TrailingStopPct float64
	// ActivationPct gates the trailing stop: it arms only once the high-water
	// mark exceeds entry by this fraction.
	ActivationPct float64
	HighWatermark float64
	TimeoutAt     time.Time

	Status Status
	ScanID string

	MLConfidence       *float64
	PredictedTP        *float64
	PredictedSL        *float64
	PredictedHoldHours *float64
}

// everProfitable reports whether the trailing stop ever armed. Exits that
// trigger on retracement without this are labelled stop_loss, not
// trailing_stop.
func (p *Position) everProfitable() bool {
	return p.HighWatermark > p.EntryPrice*(1+p.ActivationPct)
}

func (p *Position) validate() error {
	if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
		return fmt.Errorf("position %s: exits not bracketing entry (sl=%.6f entry=%.6f tp=%.6f)",
			p.TradeGroupID, p.StopLoss, p.EntryPrice, p.TakeProfit)
	}
	if p.HighWatermark < p.EntryPrice {
		return fmt.Errorf("position %s: high watermark %.6f below entry %.6f",
			p.TradeGroupID, p.HighWatermark, p.EntryPrice)
	}
	return nil
}

// GuardError reports which risk guard rejected an open. The caller rewrites
// the TAKE decision to NEAR_MISS with the guard's reason.
type GuardError struct {
	Reason strategy.Reason
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("open rejected: %s", e.Reason)
}
