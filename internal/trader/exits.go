package trader

import (
	"context"
	"time"

	"github.com/google/uuid"

	"paper-trading-engine/internal/database"
)

// ExitTick evaluates exit rules for every open position. Cells run
// sequentially; a slow price fetch for one symbol only defers that symbol's
// check to the next tick.
func (t *Trader) ExitTick(ctx context.Context, cellTimeout time.Duration) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.positions))
	for id, p := range t.positions {
		if p.Status == StatusOpen {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cellCtx, cancel := context.WithTimeout(ctx, cellTimeout)
		t.checkPosition(cellCtx, id)
		cancel()
	}
}

// checkPosition fetches the latest price, updates the high-water mark, and
// closes the position when an exit rule fires. Trigger order: take-profit,
// trailing stop, stop-loss, timeout.
func (t *Trader) checkPosition(ctx context.Context, tradeGroupID string) {
	t.mu.Lock()
	p, ok := t.positions[tradeGroupID]
	if !ok || p.Status != StatusOpen {
		t.mu.Unlock()
		return
	}
	symbol := p.Symbol
	t.mu.Unlock()

	price, err := t.prices.LatestPrice(ctx, symbol)
	if err != nil {
		t.log.Debug().Err(err).Str("trade_group", tradeGroupID).
			Msg("exit check deferred, price unavailable")
		return
	}

	t.mu.Lock()
	pos, ok := t.positions[tradeGroupID]
	if !ok || pos.Status != StatusOpen {
		t.mu.Unlock()
		return
	}
	if price > pos.HighWatermark {
		pos.HighWatermark = price
	}
	now := t.now()

	reason, trigger := t.evalExitLocked(pos, price, now)
	if reason == "" {
		updated := *pos
		t.mu.Unlock()
		t.publishMirror(ctx, &updated)
		return
	}
	pos.Status = StatusClosing
	t.mu.Unlock()

	// Same-bar TP/SL collision: resolve against the bar shape when both
	// levels fall inside the latest bar.
	if reason == ExitTakeProfit || reason == ExitStopLoss {
		if bar, berr := t.prices.LatestBar(ctx, pos.Symbol); berr == nil && bar != nil {
			if r, tr, resolved := resolveSameBar(pos, bar); resolved {
				reason, trigger = r, tr
			}
		}
	}

	if err := t.close(ctx, pos, trigger, reason, now); err != nil {
		t.log.Error().Err(err).Str("trade_group", pos.TradeGroupID).
			Msg("close failed, position returned to OPEN")
		t.mu.Lock()
		pos.Status = StatusOpen
		t.mu.Unlock()
	}
}

// evalExitLocked returns the first matching exit rule and its trigger price.
// Caller holds the mutex.
func (t *Trader) evalExitLocked(pos *Position, price float64, now time.Time) (string, float64) {
	if price >= pos.TakeProfit {
		return ExitTakeProfit, price
	}
	if pos.TrailingStopPct > 0 && pos.everProfitable() &&
		price <= pos.HighWatermark*(1-pos.TrailingStopPct) {
		return ExitTrailingStop, price
	}
	if price <= pos.StopLoss {
		return ExitStopLoss, price
	}
	if !now.Before(pos.TimeoutAt) {
		return ExitTimeout, price
	}
	return "", 0
}

// resolveSameBar handles the bar where high >= tp and low <= sl. Take-profit
// wins when the bar opened above the midpoint of the two levels, else
// stop-loss.
func resolveSameBar(pos *Position, bar *database.OhlcBar) (string, float64, bool) {
	if bar.High < pos.TakeProfit || bar.Low > pos.StopLoss {
		return "", 0, false
	}
	mid := (pos.TakeProfit + pos.StopLoss) / 2
	if bar.Open > mid {
		return ExitTakeProfit, pos.TakeProfit, true
	}
	return ExitStopLoss, pos.StopLoss, true
}

// close settles the fill and persists the SELL row. The position must be
// CLOSING on entry; on success it becomes CLOSED and leaves the table.
func (t *Trader) close(ctx context.Context, pos *Position, triggerPrice float64, reason string, now time.Time) error {
	// A trailing_stop label on a never-profitable position poisons the ML
	// feedback loop; rewrite it.
	if reason == ExitTrailingStop && !pos.everProfitable() {
		reason = ExitStopLoss
	}

	snap := t.snap()
	slip := snap.Slippage(pos.Tier)
	taker := snap.Doc.Fees.Taker

	exitPrice := triggerPrice * (1 - slip)
	exitFees := exitPrice * pos.Amount * taker
	pnl := pos.Amount*(exitPrice-pos.EntryPrice) - exitFees
	holdHours := now.Sub(pos.OpenedAt).Hours()

	sell := &database.PaperTrade{
		TradeID:            uuid.NewString(),
		TradeGroupID:       pos.TradeGroupID,
		Symbol:             pos.Symbol,
		StrategyName:       pos.Strategy,
		Side:               "SELL",
		Price:              exitPrice,
		Amount:             pos.Amount,
		PnL:                ptr(pnl),
		CreatedAt:          now,
		FilledAt:           now,
		ExitReason:         ptr(reason),
		StopLoss:           ptr(pos.StopLoss),
		TakeProfit:         ptr(pos.TakeProfit),
		TrailingStopPct:    ptr(pos.TrailingStopPct),
		MLConfidence:       pos.MLConfidence,
		PredictedTP:        pos.PredictedTP,
		PredictedSL:        pos.PredictedSL,
		PredictedHoldHours: pos.PredictedHoldHours,
		HoldTimeHours:      ptr(holdHours),
		ScanID:             ptr(pos.ScanID),
		TradingEngine:      EngineName,
	}
	if err := t.store.InsertTrade(ctx, sell); err != nil {
		return err
	}

	t.mu.Lock()
	pos.Status = StatusClosed
	delete(t.positions, pos.TradeGroupID)
	t.balance += pos.Amount*exitPrice - exitFees
	t.rollDailyWindowLocked(now)
	t.dailyPnL += pnl
	t.mu.Unlock()

	if t.mirror != nil {
		t.mirror.Remove(ctx, pos.TradeGroupID)
	}

	t.log.Info().
		Str("symbol", pos.Symbol).
		Str("strategy", pos.Strategy).
		Str("reason", reason).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Float64("hold_hours", holdHours).
		Str("trade_group", pos.TradeGroupID).
		Msg("position closed")
	return nil
}

// CloseAll closes every open position at the current price with the given
// reason. Used by the reset-positions command.
func (t *Trader) CloseAll(ctx context.Context, reason string) (int, error) {
	t.mu.Lock()
	open := make([]*Position, 0, len(t.positions))
	for _, p := range t.positions {
		if p.Status == StatusOpen {
			p.Status = StatusClosing
			open = append(open, p)
		}
	}
	t.mu.Unlock()

	closed := 0
	var firstErr error
	for _, pos := range open {
		price, err := t.prices.LatestPrice(ctx, pos.Symbol)
		if err != nil {
			// Fall back to entry so an unreachable feed cannot block the
			// administrative close.
			price = pos.EntryPrice
		}
		if err := t.close(ctx, pos, price, reason, t.now()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.mu.Lock()
			pos.Status = StatusOpen
			t.mu.Unlock()
			continue
		}
		closed++
	}
	return closed, firstErr
}
