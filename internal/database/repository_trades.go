package database

import (
	"context"
	"time"
)

// TradeRepository persists paper_trades rows.
type TradeRepository struct {
	db *DB
}

func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `
	trade_id, trade_group_id, symbol, strategy_name, side, price, amount, pnl,
	created_at, filled_at, exit_reason, stop_loss, take_profit, trailing_stop_pct,
	ml_confidence, predicted_take_profit, predicted_stop_loss, predicted_hold_hours,
	hold_time_hours, scan_id, trading_engine
`

// InsertTrade writes one BUY or SELL row.
func (r *TradeRepository) InsertTrade(ctx context.Context, t *PaperTrade) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const query = `
		INSERT INTO paper_trades (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		t.TradeID, t.TradeGroupID, t.Symbol, t.StrategyName, t.Side,
		t.Price, t.Amount, t.PnL, t.CreatedAt, t.FilledAt, t.ExitReason,
		t.StopLoss, t.TakeProfit, t.TrailingStopPct, t.MLConfidence,
		t.PredictedTP, t.PredictedSL, t.PredictedHoldHours,
		t.HoldTimeHours, t.ScanID, t.TradingEngine,
	)
	return err
}

// OpenBuys returns BUY rows whose trade group has no matching SELL: the open
// positions to resume after a restart.
func (r *TradeRepository) OpenBuys(ctx context.Context) ([]*PaperTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const query = `
		SELECT ` + tradeColumns + `
		FROM paper_trades b
		WHERE b.side = 'BUY'
		  AND NOT EXISTS (
			SELECT 1 FROM paper_trades s
			WHERE s.trade_group_id = b.trade_group_id AND s.side = 'SELL'
		  )
		ORDER BY b.filled_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*PaperTrade
	for rows.Next() {
		t := &PaperTrade{}
		if err := rows.Scan(
			&t.TradeID, &t.TradeGroupID, &t.Symbol, &t.StrategyName, &t.Side,
			&t.Price, &t.Amount, &t.PnL, &t.CreatedAt, &t.FilledAt, &t.ExitReason,
			&t.StopLoss, &t.TakeProfit, &t.TrailingStopPct, &t.MLConfidence,
			&t.PredictedTP, &t.PredictedSL, &t.PredictedHoldHours,
			&t.HoldTimeHours, &t.ScanID, &t.TradingEngine,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RealizedPnLSince sums closed-trade PnL with exits at or after the cutoff.
// Used to rebuild the daily-loss gauge after a restart.
func (r *TradeRepository) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var pnl float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl), 0)
		FROM paper_trades
		WHERE side = 'SELL' AND filled_at >= $1
	`, since).Scan(&pnl)
	return pnl, err
}
